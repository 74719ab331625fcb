package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fxradar/fxradar/internal/radar"
)

func TestListDecodesSnapshot(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/list", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"EndPoint":"abc123","Data":{"hostname":"Roleplay City","clients":42,"svMaxclients":64,"gametype":"rp","mapname":"fivem-map-skater","resources":["es_extended","mysql-async"],"vars":{"locale":"en-US"}}},
			{"EndPoint":"","Data":{"hostname":"ignored"}}
		]`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	servers, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "abc123", servers[0].ID)
	require.Equal(t, "Roleplay City", servers[0].Name)
	require.Equal(t, 42, servers[0].Players)
	require.Equal(t, 64, servers[0].MaxPlayers)
	require.Equal(t, []string{"es_extended", "mysql-async"}, servers[0].Resources)
	require.Equal(t, radar.StatusUnknown, servers[0].Status)
}

func TestLookupResolvesAddress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/single/abc123", r.URL.Path)
		_, _ = w.Write([]byte(`{"EndPoint":"abc123","Data":{"connectEndPoints":["198.51.100.7:30120","backup:30120"]}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	addr, err := client.Lookup(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7:30120", addr)
}

func TestLookupErrorClassification(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status int
		want   error
	}{
		"rate limited": {status: http.StatusTooManyRequests, want: radar.ErrRateLimited},
		"not found":    {status: http.StatusNotFound, want: radar.ErrNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := New(Config{BaseURL: srv.URL})
			_, err := client.Lookup(context.Background(), "abc123")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLookupServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Lookup(context.Background(), "abc123")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.IsTransient())
}

func TestLookupMissingEndpointsIsNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"EndPoint":"abc123","Data":{}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Lookup(context.Background(), "abc123")
	require.True(t, IsNotFound(err))
}

func TestLookupTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := client.Lookup(context.Background(), "abc123")
	require.Error(t, err)
	require.Equal(t, radar.OutcomeTimeout, radar.ClassifyLookupError(err))
}