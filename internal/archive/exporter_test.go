package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fxradar/fxradar/internal/archive/memory"
	"github.com/fxradar/fxradar/internal/radar"
)

func TestExportWritesDatedObject(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	exp := NewExporter(store, "")

	snap := radar.Snapshot{
		GeneratedAt:  time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC),
		TopResources: []radar.Resource{{Name: "chat", ServerCount: 3, PlayerCount: 40}},
	}
	uri, err := exp.Export(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/2025/06/01/123045.json", uri)

	data, ok := store.Object("snapshots/2025/06/01/123045.json")
	require.True(t, ok)
	var decoded radar.Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "chat", decoded.TopResources[0].Name)
}

func TestExporterTrimsPrefix(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	exp := NewExporter(store, "/history/")

	snap := radar.Snapshot{GeneratedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	uri, err := exp.Export(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, "memory://history/2025/06/01/000000.json", uri)
}
