package events

import (
	"context"
	"testing"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix  string
		project string
		typ     Type
		want    string
	}{
		{"pipeline", "acme", StepFinished, "pipeline.acme.step.finished"},
		{"ci", "acme.v2", RunStarted, "ci.acme_v2.run.started"},
		{"pipeline", "my project*", GateEvaluated, "pipeline.my_project_.gate.evaluated"},
		{"pipeline", "", ScanFinished, "pipeline._.scan.finished"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.project, tt.typ); got != tt.want {
			t.Errorf("Subject(%q, %q, %q) = %q, want %q", tt.prefix, tt.project, tt.typ, got, tt.want)
		}
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var p Publisher = &r
	_ = p.Publish(context.Background(), Event{Type: RunStarted, ProjectID: "acme"})
	_ = p.Publish(context.Background(), Event{Type: RunFinished, ProjectID: "acme"})

	got := r.Events()
	if len(got) != 2 || got[0].Type != RunStarted || got[1].Type != RunFinished {
		t.Errorf("unexpected events %+v", got)
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Errorf("noop publish failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("noop close failed: %v", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", ""); err == nil {
		t.Error("expected connection error")
	}
}
