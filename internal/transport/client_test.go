package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/datosfinca/agrobodega/internal/protocol"
)

type recordingObserver struct {
	mu       sync.Mutex
	started  []int
	failures []bool
}

func (o *recordingObserver) AttemptStarted(attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, attempt)
}

func (o *recordingObserver) AttemptFailed(_ int, _ error, willRetry bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, willRetry)
}

func newTestClient(t *testing.T, endpoint string, observer Observer) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:       endpoint,
		Token:          "secret-token",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		RequestTimeout: 200 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
		Observer:       observer,
	})
	require.NoError(t, err)
	return client
}

func writeResponse(t *testing.T, w http.ResponseWriter, response protocol.SyncResponse) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(response))
}

func TestExchangeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, protocol.SyncPath, r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		response := protocol.NewSyncResponse(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
		response.AcceptedIDs["inventoryItem"] = []string{"item-1"}
		writeResponse(t, w, response)
	}))
	defer server.Close()

	observer := &recordingObserver{}
	client := newTestClient(t, server.URL, observer)
	response, err := client.Exchange(context.Background(), protocol.SyncRequest{OwnerGroupID: "finca"})
	require.NoError(t, err)
	require.Equal(t, []string{"item-1"}, response.AcceptedIDs["inventoryItem"])
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []int{1, 2, 3}, observer.started)
	require.Equal(t, []bool{true, true}, observer.failures)
}

func TestExchangeDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"warehouse access denied"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Exchange(context.Background(), protocol.SyncRequest{OwnerGroupID: "finca"})
	var rejection *RejectionError
	require.True(t, errors.As(err, &rejection), "expected rejection, got %v", err)
	require.Equal(t, http.StatusForbidden, rejection.StatusCode)
	require.Equal(t, "warehouse access denied", rejection.Message)
	require.EqualValues(t, 1, calls.Load())
}

func TestExchangeGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Exchange(context.Background(), protocol.SyncRequest{OwnerGroupID: "finca"})
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted), "expected exhaustion, got %v", err)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, http.StatusTooManyRequests, exhausted.Last.StatusCode)
	require.False(t, IsUnreachable(err))
	require.EqualValues(t, 3, calls.Load())
}

func TestExchangeTreatsUndecodableBodyAsTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html>proxy login</html>"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Exchange(context.Background(), protocol.SyncRequest{OwnerGroupID: "finca"})
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.EqualValues(t, 3, calls.Load())
}

func TestExchangeTimesOutSlowAttempts(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL, nil)
	start := time.Now()
	_, err := client.Exchange(context.Background(), protocol.SyncRequest{OwnerGroupID: "finca"})
	require.Error(t, err)
	require.True(t, IsUnreachable(err))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestExchangeReportsUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	client := newTestClient(t, endpoint, nil)
	_, err := client.Exchange(context.Background(), protocol.SyncRequest{OwnerGroupID: "finca"})
	require.Error(t, err)
	require.True(t, IsUnreachable(err))
}

func TestExchangeStopsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, MaxAttempts: 5, InitialBackoff: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Exchange(ctx, protocol.SyncRequest{OwnerGroupID: "finca"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == protocol.HealthPath {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	require.NoError(t, client.Ping(context.Background()))
}
