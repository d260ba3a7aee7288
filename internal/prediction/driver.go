package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/predictqueue/internal/engine"
)

// EventOut is one (kind, response snapshot) pair the driver emits,
// matching §4.4's event emission contract.
type EventOut struct {
	Kind     string // "start" | "logs" | "completed"
	Response *Response
}

// CancelOracle reports whether an external cancel signal exists for the job
// currently being driven.
type CancelOracle interface {
	Canceled(ctx context.Context) (bool, error)
}

// Driver drives one job end-to-end against an Engine.
type Driver struct {
	Engine       engine.Engine
	PollInterval time.Duration // default 100ms if zero
}

// NewDriver constructs a Driver with the spec's default 100ms poll interval.
func NewDriver(eng engine.Engine) *Driver {
	return &Driver{Engine: eng, PollInterval: 100 * time.Millisecond}
}

// Run drives msg to completion, sending each emitted (kind, response) pair
// on out. out is closed when the job reaches its one completed event.
// predictTimeout of zero disables the timeout check.
func (d *Driver) Run(ctx context.Context, msg *Message, cancelOracle CancelOracle, predictTimeout time.Duration, out chan<- EventOut) {
	defer close(out)

	resp := NewResponse(msg)
	started := time.Now()
	resp.StartedAt = FormatTimestamp(started)

	if err := validateInput(msg); err != nil {
		resp.Status = StatusFailed
		resp.Error = err.Error()
		resp.CompletedAt = FormatTimestamp(time.Now())
		out <- EventOut{Kind: "completed", Response: resp}
		return
	}

	out <- EventOut{Kind: "start", Response: resp}

	events, err := d.Engine.Predict(ctx, msg.Input)
	if err != nil {
		resp.Status = StatusFailed
		resp.Error = err.Error()
		resp.CompletedAt = FormatTimestamp(time.Now())
		out <- EventOut{Kind: "completed", Response: resp}
		return
	}

	pollInterval := d.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	var (
		wasCanceled    bool
		timedOut       bool
		hadUploadError bool
		done           engine.DoneInfo
		ticker         = time.NewTicker(pollInterval)
	)
	defer ticker.Stop()

	deadline := time.Time{}
	if predictTimeout > 0 {
		deadline = started.Add(predictTimeout)
	}

	checkCancelAndTimeout := func() {
		if !wasCanceled {
			if canceled, _ := cancelOracle.Canceled(ctx); canceled {
				wasCanceled = true
				d.Engine.Cancel()
			}
		}
		if !timedOut && !deadline.IsZero() && time.Now().After(deadline) {
			timedOut = true
			d.Engine.Cancel()
		}
	}

eventLoop:
	for {
		select {
		case <-ticker.C:
			checkCancelAndTimeout()
		case ev, ok := <-events:
			if !ok {
				break eventLoop
			}
			checkCancelAndTimeout()

			switch ev.Kind {
			case engine.KindHeartbeat:
				// existence alone guarantees the cancel/timeout check above ran.
			case engine.KindLog:
				resp.Logs += ev.Message
				out <- EventOut{Kind: "logs", Response: resp}
			case engine.KindOutputType:
				resp.OutputIsMulti = ev.Multi
				if ev.Multi {
					resp.Output = []string{}
				}
			case engine.KindOutput:
				if ev.Output.NSFWCount == 0 && len(ev.Output.Outputs) == 0 {
					hadUploadError = true
					break
				}
				resp.NSFWCount = ev.Output.NSFWCount
				for _, item := range ev.Output.Outputs {
					resp.UploadOutputs = append(resp.UploadOutputs, UploadObject{
						ImageBytes:      item.ImageBytes,
						TargetExtension: item.TargetExtension,
						TargetQuality:   item.TargetQuality,
					})
				}
				if prefix := msg.UploadPathPrefix(); prefix != "" {
					resp.UploadPrefix = prefix
				}
			case engine.KindDone:
				done = ev.Done
				break eventLoop
			default:
				// unknown event kind: log and continue, per spec.
				slog.WarnContext(ctx, "ignoring unknown engine event kind", "kind", int(ev.Kind))
			}
		}
	}

	completed := time.Now()
	resp.CompletedAt = FormatTimestamp(completed)

	switch {
	case hadUploadError:
		resp.Status = StatusFailed
		resp.Error = "Error uploading files"
	case done.Canceled && wasCanceled:
		resp.Status = StatusCanceled
	case done.Canceled && timedOut:
		resp.Status = StatusFailed
		resp.Error = "Prediction timed out"
	case done.Error:
		resp.Status = StatusFailed
		resp.Error = done.ErrorDetail
	default:
		resp.Status = StatusSucceeded
		seconds := completed.Sub(started).Seconds()
		resp.Metrics.PredictTime = &seconds
	}

	out <- EventOut{Kind: "completed", Response: resp}
}

func validateInput(msg *Message) error {
	if msg.FilterError != "" {
		return fmt.Errorf("%s", msg.FilterError)
	}
	if msg.Input == nil {
		return fmt.Errorf("missing required field: input")
	}
	return nil
}
