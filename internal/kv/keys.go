package kv

// Canonical key layout. These keys are the only durable state; the system
// resumes after a full restart from this content alone.
const (
	// KeyServers is a hash of id -> serialized server record.
	KeyServers = "fxradar:servers"
	// KeyKnown is the set of every id ever observed upstream.
	KeyKnown = "fxradar:known"
	// KeyAddresses is a hash of id -> resolved host:port.
	KeyAddresses = "fxradar:addr"
	// KeyAddressTimes is a hash of id -> unix seconds of the resolution.
	KeyAddressTimes = "fxradar:addr_ts"
	// KeyStatus is a hash of id -> online/offline/unknown.
	KeyStatus = "fxradar:status"
	// KeyPendingAddress and KeyPendingScan are the two pending queues.
	KeyPendingAddress = "fxradar:pending:address"
	KeyPendingScan    = "fxradar:pending:scan"
	// KeyProcessing is a hash of id -> lease stamp (kind|worker|deadline).
	KeyProcessing = "fxradar:processing"
	// KeyAttempts is a hash of id -> consecutive failure count.
	KeyAttempts = "fxradar:attempts"
	// KeyUnavailable is the set of ids parked after exhausting retries.
	KeyUnavailable = "fxradar:unavailable"
	// Counter keys, kept in sync incrementally on every mutating operation.
	KeyCountScanned = "fxradar:count:scanned"
	KeyCountOnline  = "fxradar:count:online"
	KeyCountOffline = "fxradar:count:offline"
	// KeySnapshot is the blob slot holding the serialized resource snapshot.
	KeySnapshot = "fxradar:snapshot"
)
