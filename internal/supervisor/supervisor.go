// Package supervisor implements the Supervisor Loop: the setup phase, the
// main receive/dispatch loop, the failure-streak exit policy, and graceful
// shutdown, wiring together the Stream Client, Prediction Driver, Response
// Sink, and Upload Stage.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmylchreest/predictqueue/internal/config"
	"github.com/jmylchreest/predictqueue/internal/engine"
	"github.com/jmylchreest/predictqueue/internal/logging"
	"github.com/jmylchreest/predictqueue/internal/prediction"
	"github.com/jmylchreest/predictqueue/internal/queue"
	"github.com/jmylchreest/predictqueue/internal/response"
	"github.com/jmylchreest/predictqueue/internal/shutdown"
	"github.com/jmylchreest/predictqueue/internal/telemetry"
	"github.com/jmylchreest/predictqueue/internal/upload"
)

// ReadinessSignaler marks the process ready to receive traffic. The actual
// k8s probe-file mechanics are an external collaborator (out of scope); this
// interface exists so the setup-phase "signal readiness exactly once, even
// on setup failure" contract is preserved and testable.
type ReadinessSignaler interface {
	Ready()
}

// NoopReadiness implements ReadinessSignaler by doing nothing.
type NoopReadiness struct{}

// Ready implements ReadinessSignaler.
func (NoopReadiness) Ready() {}

// CancelOracleFactory builds the per-job CancelOracle bound to a cancel key.
type CancelOracleFactory func(cancelKey string) prediction.CancelOracle

// HTTPPoster is the subset of *http.Client the setup report POST needs.
type HTTPPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// Supervisor runs the setup phase and the main receive/dispatch loop for one
// worker instance.
type Supervisor struct {
	cfg        *config.Config
	queue      *queue.Client
	engine     engine.Engine
	driver     *prediction.Driver
	stage      *upload.Stage
	respDeps   response.Dependencies
	newCancel  CancelOracleFactory
	tracer     trace.Tracer
	logger     *slog.Logger
	reportHTTP HTTPPoster
	readiness  ReadinessSignaler

	shouldExit    atomic.Bool
	failureStreak int
	runID         string
}

// Deps bundles the Supervisor's collaborators.
type Deps struct {
	Config          *config.Config
	Queue           *queue.Client
	Engine          engine.Engine
	Stage           *upload.Stage
	ResponseDeps    response.Dependencies
	NewCancelOracle CancelOracleFactory
	Tracer          trace.Tracer
	Logger          *slog.Logger
	ReportHTTP      HTTPPoster
	Readiness       ReadinessSignaler
}

// New constructs a Supervisor. A ULID run id is minted for this instance's
// lifetime and attached to every log line the supervisor emits directly;
// unlike the job/prediction id (which tracks one message), this identifies
// one worker process run end-to-end across every job it processes, and its
// lexicographic sortability makes "which run logged this" easy to eyeball
// alongside timestamps.
func New(d Deps) *Supervisor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Readiness == nil {
		d.Readiness = NoopReadiness{}
	}
	runID := ulid.Make().String()
	return &Supervisor{
		cfg:        d.Config,
		queue:      d.Queue,
		engine:     d.Engine,
		driver:     prediction.NewDriver(d.Engine),
		stage:      d.Stage,
		respDeps:   d.ResponseDeps,
		newCancel:  d.NewCancelOracle,
		tracer:     d.Tracer,
		logger:     d.Logger.With("component", "supervisor", "run_id", runID),
		reportHTTP: d.ReportHTTP,
		readiness:  d.Readiness,
		runID:      runID,
	}
}

// setupReport is the payload POSTed to --report-setup-run-url, if configured.
type setupReport struct {
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
	Logs        string `json:"logs"`
}

// runSetup drives the engine's one-time setup to completion, recording its
// duration and optionally reporting the result, regardless of outcome.
// Readiness is always signaled, even on failure, per spec §4.6.
func (s *Supervisor) runSetup(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "setup")
	defer span.End()

	started := time.Now()
	startedAt := prediction.FormatTimestamp(started)

	events, err := s.engine.Setup(ctx)
	var logs string
	var done engine.DoneInfo
	if err != nil {
		done = engine.DoneInfo{Error: true, ErrorDetail: err.Error()}
	} else {
		for ev := range events {
			switch ev.Kind {
			case engine.KindLog:
				logs += ev.Message
			case engine.KindDone:
				done = ev.Done
			}
		}
	}

	completed := time.Now()
	completedAt := prediction.FormatTimestamp(completed)
	seconds := completed.Sub(started).Seconds()

	status := "succeeded"
	if done.Error {
		status = "failed"
		s.logger.Error("engine setup failed", "error", done.ErrorDetail)
		s.shouldExit.Store(true)
	} else {
		s.logger.Info("engine setup complete", "duration_s", seconds)
	}

	if err := s.queue.RecordDuration(ctx, s.cfg.SetupStreamName(), seconds); err != nil {
		s.logger.Error("failed to record setup duration", "error", err)
	}

	// Readiness is signaled unconditionally, even when setup failed, so a
	// readiness probe doesn't hang waiting on a worker that already decided
	// to exit.
	s.readiness.Ready()

	if s.cfg.ReportSetupRunURL != "" {
		s.postSetupReport(ctx, setupReport{
			Status:      status,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
			Logs:        logs,
		})
	}
}

func (s *Supervisor) postSetupReport(ctx context.Context, report setupReport) {
	if s.reportHTTP == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("failed to marshal setup report", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ReportSetupRunURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("failed to build setup report request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.reportHTTP.Do(req)
	if err != nil {
		s.logger.Error("failed to post setup report", "error", err)
		return
	}
	_ = resp.Body.Close()
}

// Run executes the setup phase, then the main loop, until ctx is canceled
// or the failure-streak policy trips should_exit, then shuts down cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runSetup(ctx)

	if s.shouldExit.Load() {
		s.logger.Error("exiting after setup failure")
		return fmt.Errorf("engine setup failed")
	}

	stageCtx, stopStage := context.WithCancel(context.Background())
	go s.stage.Run(stageCtx)

	s.logger.Info("waiting for message", "queue", s.cfg.InputQueue)
	s.mainLoop(ctx)

	s.logger.Info("shutting down, draining upload stage")
	stopStage()
	waiter := shutdown.New(shutdown.Config{
		Check:  s.stage.Active,
		Logger: s.logger,
	})
	waiter.Wait()
	s.stage.Close()

	if err := s.engine.Shutdown(context.Background()); err != nil {
		s.logger.Error("engine shutdown error", "error", err)
	}
	return nil
}

func (s *Supervisor) mainLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil || s.shouldExit.Load() {
			return
		}

		msg, err := s.queue.ClaimOrRead(ctx)
		if err != nil {
			s.logger.Error("claim_or_read failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		s.handleMessage(ctx, msg)
	}
}

// handleMessage processes exactly one claimed message. Any unexpected panic
// is recovered and logged with a stack trace; the message is left unacked
// (and so eligible for reclaim) in that case, per spec §7 (transient loop
// errors).
func (s *Supervisor) handleMessage(ctx context.Context, msg *queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling message", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	timeInQueue, tqErr := queue.TimeInQueue(msg.ID, time.Now())

	parsed, err := prediction.ParseMessage([]byte(msg.Payload))
	if err != nil {
		s.logger.Error("discarding malformed job message, left pending for reclaim", "message_id", msg.ID, "error", err)
		return
	}

	spanCtx := ctx
	var span trace.Span
	if parsed.Traceparent != "" {
		remoteCtx := telemetry.ExtractTraceParent(ctx, parsed.Traceparent)
		spanCtx, span = s.tracer.Start(remoteCtx, "process_message")
	} else {
		attrs := []attribute.KeyValue{}
		if tqErr == nil {
			attrs = append(attrs, attribute.Int64("time_in_queue_ms", timeInQueue.Milliseconds()))
		}
		spanCtx, span = s.tracer.Start(ctx, "process_message", trace.WithAttributes(attrs...))
	}
	defer span.End()

	spanCtx = logging.WithPredictionID(spanCtx, msg.ID)

	sink := response.NewForMessage(s.respDeps, parsed)
	cancelOracle := s.newCancel(parsed.CancelKey)

	out := make(chan prediction.EventOut, 8)
	go s.driver.Run(spanCtx, parsed, cancelOracle, s.cfg.PredictTimeout, out)

	var final *prediction.Response
	for ev := range out {
		if ev.Kind == "completed" {
			final = ev.Response
			if final.HasPendingUploads() {
				s.stage.Enqueue(final, sink)
			} else if err := sink.Deliver(spanCtx, ev.Kind, final); err != nil {
				s.logger.Error("failed to deliver completed response", "error", err)
			}
			continue
		}
		if err := sink.Deliver(spanCtx, ev.Kind, ev.Response); err != nil {
			s.logger.Error("failed to deliver response event", "kind", ev.Kind, "error", err)
		}
	}

	if err := s.queue.AckAndDelete(ctx, msg.ID); err != nil {
		s.logger.Error("failed to ack message", "message_id", msg.ID, "error", err)
	}

	if final != nil && final.Metrics.PredictTime != nil {
		if err := s.queue.RecordDuration(ctx, s.cfg.RunStreamName(), *final.Metrics.PredictTime); err != nil {
			s.logger.Error("failed to record run duration", "error", err)
		}
	}

	s.applyFailureStreak(final)
}

// applyFailureStreak implements the §4.6/§7 failure-streak exit policy: a
// completed response with status=failed increments the counter; any other
// terminal status resets it to zero; once the counter exceeds
// max_failure_count, should_exit is set.
func (s *Supervisor) applyFailureStreak(final *prediction.Response) {
	if s.cfg.MaxFailureCount <= 0 {
		return
	}
	if final == nil {
		return
	}
	if final.Status == prediction.StatusFailed {
		s.failureStreak++
		if s.failureStreak > s.cfg.MaxFailureCount {
			s.logger.Error("failure streak threshold exceeded, exiting",
				"streak", s.failureStreak, "max_failure_count", s.cfg.MaxFailureCount)
			s.shouldExit.Store(true)
		}
	} else {
		s.failureStreak = 0
	}
}
