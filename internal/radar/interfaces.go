package radar

import (
	"context"
	"io"
	"time"
)

// Upstream is the rate-limited master-list provider. List returns the full
// advertised snapshot; Lookup resolves one id to its join address.
type Upstream interface {
	List(ctx context.Context) ([]Server, error)
	Lookup(ctx context.Context, id string) (string, error)
}

// Prober fetches a server's live manifest directly from its own endpoint,
// bypassing the rate-limited upstream entirely.
type Prober interface {
	Probe(ctx context.Context, id, address string) ScanResult
}

// Publisher pushes pipeline events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives serialized artifacts and returns a stable URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (swappable for lease/staleness tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
