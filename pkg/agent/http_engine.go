package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/loomchat/loom/pkg/app/errors"
)

// HTTPEngine talks to a remote agent engine over HTTP. Invoke posts the
// generation request and reads the server-sent event stream in a background
// goroutine, publishing each decoded event on the Bus. Respond posts the
// approval decision.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string // returns the current bearer token, may be nil
	bus        *Bus
	log        logr.Logger
}

// NewHTTPEngine creates an engine client publishing to the given bus.
func NewHTTPEngine(baseURL string, tokenFunc func() string, bus *Bus, log logr.Logger) *HTTPEngine {
	return &HTTPEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tokenFunc:  tokenFunc,
		bus:        bus,
		log:        log.WithName("engine"),
	}
}

func (e *HTTPEngine) addAuthHeaders(req *http.Request) {
	if e.tokenFunc != nil {
		if token := e.tokenFunc(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}
}

// Invoke starts a generation. It returns once the stream is established;
// events flow through the bus until the engine emits done or the stream
// breaks, in which case an error event is synthesized so the session
// terminates like any other engine failure.
func (e *HTTPEngine) Invoke(ctx context.Context, req *InvokeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeEngineInvoke, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return apperrors.New(apperrors.ErrCodeEngineInvoke, "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	e.addAuthHeaders(httpReq)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeEngineInvoke, "failed to reach engine", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return apperrors.New(apperrors.ErrCodeEngineInvoke,
			fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, string(body)), nil)
	}

	go e.readStream(ctx, req.ConversationID, resp.Body)

	return nil
}

// readStream decodes "data:" lines from the SSE body and publishes them.
// Cancelling ctx aborts the underlying request, which ends the scan; a stream
// ended by cancellation is not a broken stream.
func (e *HTTPEngine) readStream(ctx context.Context, conversationID string, body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawDone := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			e.log.Error(err, "failed to decode engine event", "conversation", conversationID)
			continue
		}
		if event.ConversationID == "" {
			event.ConversationID = conversationID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}

		e.bus.Publish(event)
		if event.Type == EventDone {
			sawDone = true
		}
	}

	if err := scanner.Err(); err != nil && !sawDone && ctx.Err() == nil {
		e.log.Error(err, "engine stream broke", "conversation", conversationID)
		e.bus.Publish(Event{
			Type:           EventError,
			ConversationID: conversationID,
			Message:        fmt.Sprintf("engine stream interrupted: %v", err),
			Timestamp:      time.Now(),
		})
	}
}

// Respond relays a tool approval decision to the engine.
func (e *HTTPEngine) Respond(ctx context.Context, conversationID string, approved bool) error {
	data, err := json.Marshal(map[string]any{"approved": approved})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeApprovalRelay, "failed to marshal decision", err)
	}

	url := fmt.Sprintf("%s/api/conversations/%s/approval", e.baseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return apperrors.New(apperrors.ErrCodeApprovalRelay, "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	e.addAuthHeaders(httpReq)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeApprovalRelay, "failed to reach engine", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return apperrors.New(apperrors.ErrCodeApprovalRelay,
			fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, string(body)), nil)
	}

	return nil
}
