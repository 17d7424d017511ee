package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/buildpilot/internal/logging"
)

// DefaultMonitorTimeout bounds each POST to the monitor endpoint.
const DefaultMonitorTimeout = 500 * time.Millisecond

// MonitorPayload is the JSON body POSTed to <url>/events.
type MonitorPayload struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Data      map[string]any `json:"data"`
}

// MonitorForwarder relays bus events to an external dashboard over HTTP.
// Delivery is best effort: failures are logged at debug and never reach the
// publisher, and sends run off the publishing goroutine.
type MonitorForwarder struct {
	endpoint string
	client   *http.Client
	project  string
	storyID  string
	logger   *logging.Logger

	wg    conc.WaitGroup
	subID string
	bus   *Bus
}

// MonitorOption configures a MonitorForwarder.
type MonitorOption func(*MonitorForwarder)

// WithMonitorClient replaces the HTTP client.
func WithMonitorClient(client *http.Client) MonitorOption {
	return func(m *MonitorForwarder) {
		if client != nil {
			m.client = client
		}
	}
}

// WithMonitorLogger sets the logger for delivery failures.
func WithMonitorLogger(logger *logging.Logger) MonitorOption {
	return func(m *MonitorForwarder) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithProject sets the project name attached to every payload.
func WithProject(project string) MonitorOption {
	return func(m *MonitorForwarder) { m.project = project }
}

// WithStoryID sets the story (build) id attached to every payload.
func WithStoryID(storyID string) MonitorOption {
	return func(m *MonitorForwarder) { m.storyID = storyID }
}

// NewMonitorForwarder creates a forwarder that POSTs to baseURL + "/events".
// A zero timeout selects DefaultMonitorTimeout.
func NewMonitorForwarder(baseURL string, timeout time.Duration, opts ...MonitorOption) *MonitorForwarder {
	if timeout <= 0 {
		timeout = DefaultMonitorTimeout
	}
	m := &MonitorForwarder{
		endpoint: strings.TrimRight(baseURL, "/") + "/events",
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach subscribes the forwarder to every event on bus.
func (m *MonitorForwarder) Attach(bus *Bus) {
	m.bus = bus
	m.subID = bus.SubscribeAll(m.handle)
}

// Close detaches from the bus and waits for in-flight sends.
func (m *MonitorForwarder) Close() {
	if m.bus != nil {
		m.bus.Unsubscribe(m.subID)
		m.bus = nil
	}
	m.wg.Wait()
}

func (m *MonitorForwarder) handle(e Event) {
	payload := m.Payload(e)
	m.wg.Go(func() {
		if err := m.Send(context.Background(), payload); err != nil {
			m.logger.Debug("monitor forward failed", "event_type", payload.Type, "error", err)
		}
	})
}

// Payload builds the enriched payload for e.
func (m *MonitorForwarder) Payload(e Event) MonitorPayload {
	data := make(map[string]any)
	if de, ok := e.(DataEvent); ok {
		for k, v := range de.Data() {
			data[k] = v
		}
	}
	if m.project != "" {
		data["project"] = m.project
	}
	if m.storyID != "" {
		data["story_id"] = m.storyID
	}
	if _, ok := data["task_id"]; !ok {
		if sub, ok := data["subtask_id"]; ok {
			data["task_id"] = sub
		}
	}
	return MonitorPayload{
		Type:      e.EventType(),
		Timestamp: e.Timestamp().UnixMilli(),
		Data:      data,
	}
}

// Send POSTs a single payload.
func (m *MonitorForwarder) Send(ctx context.Context, payload MonitorPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal monitor payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send monitor event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("monitor returned status %d", resp.StatusCode)
	}
	return nil
}
