package main

// The inference engine itself is an external collaborator (spec §1 /
// internal/engine's doc comment): this process only drives whatever engine
// is configured, it does not ship one. subprocessEngine is the wiring point
// that turns an external engine binary into an engine.Engine by speaking a
// line-delimited JSON protocol over its stdin/stdout, mirroring the Engine
// Event tagged union almost verbatim.
//
// Commands written to stdin, one JSON object per line:
//
//	{"cmd":"setup"}
//	{"cmd":"predict","payload":{...}}
//	{"cmd":"cancel"}
//	{"cmd":"shutdown"}
//
// Events read from stdout, one JSON object per line, "kind" one of
// log/heartbeat/output_type/output/done, fields matching engine.Event.

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/jmylchreest/predictqueue/internal/engine"
)

type subprocessEngine struct {
	path string
	args []string
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

func newSubprocessEngine(path string, args []string, logger *slog.Logger) *subprocessEngine {
	return &subprocessEngine{path: path, args: args, logger: logger}
}

// wireEvent is the JSON shape of one line emitted by the engine subprocess.
type wireEvent struct {
	Kind        string       `json:"kind"`
	Message     string       `json:"message,omitempty"`
	Multi       bool         `json:"multi,omitempty"`
	NSFWCount   int          `json:"nsfw_count,omitempty"`
	Outputs     []wireOutput `json:"outputs,omitempty"`
	Error       bool         `json:"error,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
	Canceled    bool         `json:"canceled,omitempty"`
}

type wireOutput struct {
	ImageBase64     string `json:"image_base64"`
	TargetExtension string `json:"target_extension"`
	TargetQuality   int    `json:"target_quality"`
}

// toEvent converts one decoded wire line into an engine.Event, reporting
// whether it was the terminal done event.
func (w wireEvent) toEvent() (engine.Event, bool) {
	switch w.Kind {
	case "log":
		return engine.Event{Kind: engine.KindLog, Message: w.Message}, false
	case "heartbeat":
		return engine.Event{Kind: engine.KindHeartbeat}, false
	case "output_type":
		return engine.Event{Kind: engine.KindOutputType, Multi: w.Multi}, false
	case "output":
		items := make([]engine.OutputItem, 0, len(w.Outputs))
		for _, o := range w.Outputs {
			raw, _ := base64.StdEncoding.DecodeString(o.ImageBase64)
			items = append(items, engine.OutputItem{
				ImageBytes:      raw,
				TargetExtension: o.TargetExtension,
				TargetQuality:   o.TargetQuality,
			})
		}
		return engine.Event{Kind: engine.KindOutput, Output: engine.OutputPayload{
			NSFWCount: w.NSFWCount,
			Outputs:   items,
		}}, false
	case "done":
		return engine.Event{Kind: engine.KindDone, Done: engine.DoneInfo{
			Error:       w.Error,
			ErrorDetail: w.ErrorDetail,
			Canceled:    w.Canceled,
		}}, true
	default:
		return engine.Event{Kind: engine.KindLog, Message: fmt.Sprintf("unrecognized engine event kind %q", w.Kind)}, false
	}
}

func (e *subprocessEngine) start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.path, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening engine stdout: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting engine process %q: %w", e.path, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	e.mu.Lock()
	e.cmd = cmd
	e.stdin = stdin
	e.stdout = scanner
	e.mu.Unlock()
	return nil
}

func (e *subprocessEngine) sendCommand(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling engine command: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdin == nil {
		return fmt.Errorf("engine process not started")
	}
	_, err = e.stdin.Write(append(payload, '\n'))
	return err
}

// events starts a reader goroutine draining one line-delimited JSON event
// stream until the terminal done event or EOF, whichever comes first.
func (e *subprocessEngine) events() <-chan engine.Event {
	out := make(chan engine.Event, 16)
	go func() {
		defer close(out)
		for e.stdout.Scan() {
			var wire wireEvent
			if err := json.Unmarshal(e.stdout.Bytes(), &wire); err != nil {
				e.logger.Warn("malformed engine event line, skipping", "error", err)
				continue
			}
			ev, done := wire.toEvent()
			out <- ev
			if done {
				return
			}
		}
		if err := e.stdout.Err(); err != nil {
			out <- engine.Event{Kind: engine.KindDone, Done: engine.DoneInfo{
				Error:       true,
				ErrorDetail: fmt.Sprintf("engine stdout closed: %v", err),
			}}
		}
	}()
	return out
}

// Setup implements engine.Engine. It starts the subprocess and issues the
// one-time setup command.
func (e *subprocessEngine) Setup(ctx context.Context) (<-chan engine.Event, error) {
	if err := e.start(ctx); err != nil {
		return nil, err
	}
	if err := e.sendCommand(map[string]string{"cmd": "setup"}); err != nil {
		return nil, err
	}
	return e.events(), nil
}

// Predict implements engine.Engine.
func (e *subprocessEngine) Predict(ctx context.Context, payload map[string]any) (<-chan engine.Event, error) {
	if err := e.sendCommand(map[string]any{"cmd": "predict", "payload": payload}); err != nil {
		return nil, err
	}
	return e.events(), nil
}

// Cancel implements engine.Engine; the cancel signal is itself a protocol
// message rather than an OS signal, so it works identically whether the
// engine is local or reached over any other transport a future engine
// wiring might use.
func (e *subprocessEngine) Cancel() {
	if err := e.sendCommand(map[string]string{"cmd": "cancel"}); err != nil {
		e.logger.Warn("failed to send cancel to engine", "error", err)
	}
}

// Shutdown implements engine.Engine.
func (e *subprocessEngine) Shutdown(ctx context.Context) error {
	if err := e.sendCommand(map[string]string{"cmd": "shutdown"}); err != nil {
		e.logger.Warn("failed to send shutdown to engine", "error", err)
	}

	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	select {
	case err := <-waitDone:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}
