package radar

import "time"

// TaskKind distinguishes the two queues a server id can wait on.
type TaskKind string

// Task kinds handed to workers.
const (
	TaskAddress TaskKind = "address"
	TaskScan    TaskKind = "scan"
)

// Valid reports whether k names a known task kind.
func (k TaskKind) Valid() bool {
	return k == TaskAddress || k == TaskScan
}

// ServerStatus is the last observed liveness of a server.
type ServerStatus string

// Server statuses persisted per id.
const (
	StatusUnknown ServerStatus = "unknown"
	StatusOnline  ServerStatus = "online"
	StatusOffline ServerStatus = "offline"
)

// Server is the cached copy of one upstream server record. It is replaced
// wholesale on every snapshot cycle; the upstream source owns the truth.
type Server struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Players    int               `json:"players"`
	MaxPlayers int               `json:"max_players"`
	GameType   string            `json:"game_type,omitempty"`
	MapName    string            `json:"map_name,omitempty"`
	Resources  []string          `json:"resources,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`
	IconURI    string            `json:"icon_uri,omitempty"`
	Status     ServerStatus      `json:"status"`
	Address    string            `json:"address,omitempty"`
}

// Resource is the derived ranking entry for one mod/script name.
type Resource struct {
	Name        string `json:"name"`
	ServerCount int    `json:"server_count"`
	PlayerCount int    `json:"player_count"`
}

// AddressMapping records the last known host:port for a server id.
type AddressMapping struct {
	ServerID   string    `json:"server_id"`
	Address    string    `json:"address"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Task is one unit of claimed work. LeaseUntil is stamped at claim time;
// a task past its lease is reclaimed by the queue.
type Task struct {
	ServerID   string    `json:"server_id"`
	Kind       TaskKind  `json:"kind"`
	Address    string    `json:"address,omitempty"`
	Attempt    int       `json:"attempt"`
	WorkerID   string    `json:"worker_id,omitempty"`
	LeaseUntil time.Time `json:"lease_until"`
}

// ScanResult is the ephemeral outcome a worker submits for one task. It is
// folded into the aggregates and discarded, never persisted individually.
type ScanResult struct {
	ServerID  string   `json:"server_id"`
	Kind      TaskKind `json:"kind"`
	Address   string   `json:"address,omitempty"`
	Online    bool     `json:"online"`
	Resources []string `json:"resources,omitempty"`
	Players   int      `json:"players"`
	ErrorTag  string   `json:"error_tag,omitempty"`
}

// OK reports whether the result completes its task. Address results need a
// resolved address. A scan result completes the task whether the server
// answered or not; offline is a finding, not a failure. A worker that could
// not probe at all submits nothing and the lease reclaims the task.
func (r ScanResult) OK() bool {
	if r.Kind == TaskAddress {
		return r.Address != ""
	}
	return true
}

// QueueCounters are the incrementally maintained aggregate integers. They
// always equal the true cardinality of the underlying sets; Stats never
// enumerates the full id sets to produce them.
type QueueCounters struct {
	Known          int64 `json:"known"`
	PendingAddress int64 `json:"pending_address"`
	PendingScan    int64 `json:"pending_scan"`
	Processing     int64 `json:"processing"`
	Scanned        int64 `json:"scanned"`
	Online         int64 `json:"online"`
	Offline        int64 `json:"offline"`
	Unavailable    int64 `json:"unavailable"`
}

// Snapshot is the materialized projection served on the read path.
type Snapshot struct {
	GeneratedAt    time.Time  `json:"generated_at"`
	TopResources   []Resource `json:"top_resources"`
	TotalResources int        `json:"total_resources"`
	TotalServers   int        `json:"total_servers"`
	ServersOnline  int        `json:"servers_online"`
	TotalPlayers   int        `json:"total_players"`
}
