package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/chat"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("received %d of %d events", len(events), n)
		}
	}
	return events
}

func TestHTTPEngine_InvokeStreamsEvents(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req InvokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.ConversationID)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"streaming\",\"chunk\":\"Hel\"}\n\n")
		fmt.Fprintf(w, ": comment line ignored\n")
		fmt.Fprintf(w, "data: {\"type\":\"streaming\",\"chunk\":\"lo\"}\n\n")
		fmt.Fprintf(w, "data: {\"type\":\"done\"}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	bus := NewBus(logr.Discard())
	events := bus.Subscribe("c1")
	engine := NewHTTPEngine(server.URL, func() string { return "secret-token" }, bus, logr.Discard())

	err := engine.Invoke(context.Background(), &InvokeRequest{
		ConversationID: "c1",
		Messages:       []*chat.Message{chat.NewMessage("c1", chat.RoleUser, "hi")},
	})
	require.NoError(t, err)

	got := collect(t, events, 3)
	assert.Equal(t, EventStreaming, got[0].Type)
	assert.Equal(t, "Hel", got[0].Chunk)
	assert.Equal(t, "lo", got[1].Chunk)
	assert.Equal(t, EventDone, got[2].Type)
	// The conversation id is stamped onto events that omit it
	assert.Equal(t, "c1", got[0].ConversationID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestHTTPEngine_InvokeRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	bus := NewBus(logr.Discard())
	engine := NewHTTPEngine(server.URL, nil, bus, logr.Discard())

	err := engine.Invoke(context.Background(), &InvokeRequest{ConversationID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPEngine_BrokenStreamSynthesizesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"streaming\",\"chunk\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()

		// Kill the connection mid-stream without a terminating done event
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	bus := NewBus(logr.Discard())
	events := bus.Subscribe("c1")
	engine := NewHTTPEngine(server.URL, nil, bus, logr.Discard())

	err := engine.Invoke(context.Background(), &InvokeRequest{ConversationID: "c1"})
	require.NoError(t, err)

	got := collect(t, events, 2)
	assert.Equal(t, EventStreaming, got[0].Type)
	assert.Equal(t, EventError, got[1].Type)
	assert.Contains(t, got[1].Message, "stream interrupted")
}

func TestHTTPEngine_CancelledStreamEmitsNoError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"streaming\",\"chunk\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(release)
	}))
	defer server.Close()

	bus := NewBus(logr.Discard())
	events := bus.Subscribe("c1")
	engine := NewHTTPEngine(server.URL, nil, bus, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, engine.Invoke(ctx, &InvokeRequest{ConversationID: "c1"}))
	got := collect(t, events, 1)
	assert.Equal(t, EventStreaming, got[0].Type)

	// Cancelling the invocation context closes the transport
	cancel()
	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed cancellation")
	}

	// A stream ended by cancellation is not a broken stream
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after cancellation: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHTTPEngine_RespondPostsDecision(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	bus := NewBus(logr.Discard())
	engine := NewHTTPEngine(server.URL, nil, bus, logr.Discard())

	require.NoError(t, engine.Respond(context.Background(), "c1", false))
	assert.Equal(t, "/api/conversations/c1/approval", gotPath)
	assert.Equal(t, false, gotBody["approved"])
}

func TestHTTPEngine_RespondRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no pending approval", http.StatusConflict)
	}))
	defer server.Close()

	bus := NewBus(logr.Discard())
	engine := NewHTTPEngine(server.URL, nil, bus, logr.Discard())

	err := engine.Respond(context.Background(), "c1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
