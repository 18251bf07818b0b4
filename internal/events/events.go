// Package events publishes pipeline progress for external observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Type names a lifecycle event.
type Type string

const (
	RunStarted    Type = "run.started"
	RunFinished   Type = "run.finished"
	StageStarted  Type = "stage.started"
	StageFinished Type = "stage.finished"
	StepFinished  Type = "step.finished"
	GateEvaluated Type = "gate.evaluated"
	ScanFinished  Type = "scan.finished"
)

// Event is one progress message.
type Event struct {
	Type      Type                   `json:"type"`
	ProjectID string                 `json:"project_id"`
	RunID     string                 `json:"run_id"`
	Stage     int                    `json:"stage,omitempty"`
	Step      string                 `json:"step,omitempty"`
	Status    string                 `json:"status,omitempty"`
	CostUSD   float64                `json:"cost_usd,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher delivers progress events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// NATS publishes events as JSON to <prefix>.<project>.<type>.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server at url.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("pipeline"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATS(nc, prefix), nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "pipeline"
	}
	return &NATS{nc: nc, prefix: prefix}
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return n.nc.Publish(Subject(n.prefix, ev.ProjectID, ev.Type), data)
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject builds the subject for an event. Project ids are sanitized so they
// form a single token.
func Subject(prefix, projectID string, t Type) string {
	project := subjectToken.Replace(projectID)
	if project == "" {
		project = "_"
	}
	return prefix + "." + project + "." + string(t)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
