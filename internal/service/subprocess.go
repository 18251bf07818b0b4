// Package service implements the execution service by running an agent CLI
// as a subprocess and reading its stream-json output.
package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/pipeline/internal/executor"
)

// DefaultArgs runs a prompt non-interactively with stream-json output.
var DefaultArgs = []string{
	"--print", "{prompt}",
	"--output-format", "stream-json",
	"--verbose",
	"--model", "{model}",
	"--max-turns", "{max_turns}",
}

// Subprocess runs Command once per invocation. Args may contain the
// placeholders {prompt} {model} {max_turns} {step} {project} {mode}.
type Subprocess struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs added to the parent environment
	Dir     string

	logger *logging.Logger
}

// New creates a subprocess service.
func New(command string, args []string) *Subprocess {
	if len(args) == 0 {
		args = DefaultArgs
	}
	return &Subprocess{
		Command: command,
		Args:    args,
		logger:  logging.New().WithComponent("service"),
	}
}

// SetLogger replaces the component logger.
func (s *Subprocess) SetLogger(l *logging.Logger) {
	s.logger = l.WithComponent("service")
}

// Invoke implements executor.Service.
func (s *Subprocess) Invoke(ctx context.Context, inv executor.Invocation) (<-chan executor.Event, error) {
	cmd := exec.CommandContext(ctx, s.Command, s.expand(inv)...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.Command, err)
	}

	events := make(chan executor.Event, 16)
	go func() {
		defer close(events)
		sawFinal := s.read(ctx, stdout, events)
		err := cmd.Wait()
		if sawFinal || ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(stderr.String())
		if err != nil {
			text = strings.TrimSpace(err.Error() + " " + text)
		}
		if err == nil && text == "" {
			// Clean exit without a result record; the executor reports it.
			return
		}
		send(ctx, events, executor.Event{
			Kind:  executor.EventResult,
			Text:  text,
			Final: &executor.FinalRecord{IsError: true, ResultText: text},
		})
	}()
	return events, nil
}

// read parses stdout until EOF and reports whether a result record was seen.
func (s *Subprocess) read(ctx context.Context, stdout io.Reader, events chan<- executor.Event) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	turns := 0
	sawFinal := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, ok := parseLine(line, &turns)
		if !ok {
			s.logger.Debug("stream_unparsed", map[string]interface{}{"line": truncate(string(line), 200)})
			continue
		}
		if ev.Final != nil {
			sawFinal = true
		}
		if !send(ctx, events, ev) {
			break
		}
	}
	// Drain so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	return sawFinal
}

func send(ctx context.Context, events chan<- executor.Event, ev executor.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

type streamLine struct {
	Type    string  `json:"type"`
	Subtype string  `json:"subtype"`
	Cost    float64 `json:"total_cost_usd"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// parseLine converts one stream-json line. Each assistant message counts as a
// turn.
func parseLine(line []byte, turns *int) (executor.Event, bool) {
	var env streamLine
	if err := json.Unmarshal(line, &env); err != nil {
		return executor.Event{}, false
	}
	switch env.Type {
	case "assistant":
		*turns++
		var text []string
		for _, c := range env.Message.Content {
			if c.Type == "text" && c.Text != "" {
				text = append(text, c.Text)
			}
		}
		return executor.Event{Kind: executor.EventProgress, Text: strings.Join(text, "\n"), Turns: *turns}, true
	case "result":
		var final executor.FinalRecord
		if err := json.Unmarshal(line, &final); err != nil {
			return executor.Event{}, false
		}
		if final.Turns == 0 {
			final.Turns = *turns
		}
		if env.Subtype != "" && env.Subtype != "success" {
			final.IsError = true
		}
		return executor.Event{Kind: executor.EventResult, Text: final.ResultText, CostUSD: final.CostUSD, Turns: final.Turns, Final: &final}, true
	default:
		return executor.Event{Kind: executor.EventProgress, Text: env.Subtype, Turns: *turns}, true
	}
}

func (s *Subprocess) expand(inv executor.Invocation) []string {
	prompt := inv.Command
	if inv.Context != "" {
		prompt = inv.Command + "\n\n" + inv.Context
	}
	r := strings.NewReplacer(
		"{prompt}", prompt,
		"{model}", inv.Model,
		"{max_turns}", strconv.Itoa(inv.MaxTurns),
		"{step}", inv.StepID,
		"{project}", inv.ProjectID,
		"{mode}", inv.Mode,
	)
	args := make([]string, 0, len(s.Args))
	for i := 0; i < len(s.Args); i++ {
		a := s.Args[i]
		// Drop flag/value pairs whose value expands to nothing.
		if strings.HasPrefix(a, "--") && i+1 < len(s.Args) && isPlaceholder(s.Args[i+1]) && r.Replace(s.Args[i+1]) == "" {
			i++
			continue
		}
		if a == "--max-turns" && i+1 < len(s.Args) && s.Args[i+1] == "{max_turns}" && inv.MaxTurns == 0 {
			i++
			continue
		}
		args = append(args, r.Replace(a))
	}
	return args
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// limitedWriter keeps at most n bytes.
type limitedWriter struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := len(p)
	if l.n <= 0 {
		return total, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	n, err := l.w.Write(p)
	l.n -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
