// Package archive exports materialized snapshots to a blob store so ranking
// history survives outside the KV store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxradar/fxradar/internal/radar"
)

// Exporter writes one JSON object per snapshot, keyed by generation time.
type Exporter struct {
	store  radar.BlobStore
	prefix string
}

// NewExporter builds an Exporter. prefix namespaces the objects within the
// bucket.
func NewExporter(store radar.BlobStore, prefix string) *Exporter {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Exporter{store: store, prefix: prefix}
}

// Export uploads the snapshot and returns its URI.
func (e *Exporter) Export(ctx context.Context, snap radar.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := fmt.Sprintf("%s/%s.json", e.prefix, snap.GeneratedAt.UTC().Format("2006/01/02/150405"))
	uri, err := e.store.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	return uri, nil
}
