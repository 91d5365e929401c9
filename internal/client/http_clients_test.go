package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/secrets"
)

func TestTicketClient_CreateUpdateClose(t *testing.T) {
	var created ticketCreateRequest
	var comments []string
	var closed bool

	mux := http.NewServeMux()
	mux.HandleFunc("/tickets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "op-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		_ = json.NewEncoder(w).Encode(ticketResponse{ID: "TCK-7"})
	})
	mux.HandleFunc("/tickets/TCK-7/comments", func(w http.ResponseWriter, r *http.Request) {
		var c ticketCommentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		comments = append(comments, c.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/tickets/TCK-7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var s ticketStatusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		closed = s.Status == "closed"
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewTicketClient(srv.URL, "storage", "ticket_token", secrets.StaticSource{"ticket_token": "tok"}, time.Second, zap.NewNop())
	ctx := context.Background()

	id, err := c.CreateTicket(ctx, "op-1", "d1", "disk d1 needs attention", "would violate redundancy")
	require.NoError(t, err)
	assert.Equal(t, "TCK-7", id)
	assert.Equal(t, "storage", created.Project)
	assert.Equal(t, "d1", created.DiskID)
	assert.Equal(t, "op-1", created.DedupeKey)

	require.NoError(t, c.UpdateTicket(ctx, id, "denied again"))
	assert.Equal(t, []string{"denied again"}, comments)

	require.NoError(t, c.CloseTicket(ctx, id, "replaced"))
	assert.True(t, closed)
}

func TestTicketClient_ErrorClassification(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", int(code.Load()))
	}))
	defer srv.Close()

	c := NewTicketClient(srv.URL, "storage", "", secrets.StaticSource{}, time.Second, zap.NewNop())

	_, err := c.CreateTicket(context.Background(), "op-1", "d1", "t", "b")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransientTransport))

	code.Store(http.StatusBadRequest)
	_, err = c.CreateTicket(context.Background(), "op-1", "d1", "t", "b")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInternal))
	assert.Contains(t, err.Error(), "nope")

	missing := NewTicketClient(srv.URL, "storage", "absent", secrets.StaticSource{}, time.Second, zap.NewNop())
	_, err = missing.CreateTicket(context.Background(), "op-1", "d1", "t", "b")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zap.NewNop())
	require.NoError(t, n.Notify(context.Background(), "disk d1 on node-a: removal denied"))
	assert.Equal(t, "disk d1 on node-a: removal denied", got["text"])

	require.NoError(t, NewWebhookNotifier("", time.Second, zap.NewNop()).Notify(context.Background(), "dropped"))
}

func TestClusterHealthClient_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"timestamp": "2026-01-02T03:04:05Z",
			"min_redundancy": 2,
			"placement_groups": [{"pgid": "1.0", "live_replicas": 3, "members": ["d1", "d2", "d3"]}]
		}`))
	}))
	defer srv.Close()

	c := NewClusterHealthClient(srv.URL, time.Second, zap.NewNop())
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.MinRedundancy)
	require.Len(t, snap.PlacementGroups, 1)
	assert.Equal(t, 3, snap.PlacementGroups[0].LiveReplicas)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), snap.Timestamp.UTC())
}

func TestClusterHealthClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClusterHealthClient(url, 200*time.Millisecond, zap.NewNop())
	_, err := c.Snapshot(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransientTransport))
}
