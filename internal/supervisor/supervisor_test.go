package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/jmylchreest/predictqueue/internal/config"
	"github.com/jmylchreest/predictqueue/internal/engine"
	"github.com/jmylchreest/predictqueue/internal/prediction"
	"github.com/jmylchreest/predictqueue/internal/queue"
	"github.com/jmylchreest/predictqueue/internal/response"
	"github.com/jmylchreest/predictqueue/internal/upload"
)

// recordingWebhook captures every payload POSTed to it.
type recordingWebhook struct {
	mu       sync.Mutex
	received []map[string]any
	server   *httptest.Server
}

func newRecordingWebhook() *recordingWebhook {
	w := &recordingWebhook{}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.mu.Lock()
		w.received = append(w.received, body)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	return w
}

func (w *recordingWebhook) Close() { w.server.Close() }

func (w *recordingWebhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.received)
}

func (w *recordingWebhook) last() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.received) == 0 {
		return nil
	}
	return w.received[len(w.received)-1]
}

func newTestSupervisor(t *testing.T, eng engine.Engine, cfg *config.Config) (*Supervisor, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q, err := queue.New(context.Background(), queue.Options{
		RDB:            rdb,
		Stream:         cfg.InputQueue,
		Consumer:       cfg.ConsumerID,
		AutoclaimAfter: cfg.AutoclaimAfter(),
	})
	if err != nil {
		t.Fatalf("queue.New() unexpected error: %v", err)
	}

	stage := upload.NewStage(&noopPutter{}, "test-bucket", nil)

	sup := New(Deps{
		Config: cfg,
		Queue:  q,
		Engine: eng,
		Stage:  stage,
		ResponseDeps: response.Dependencies{
			HTTPPoster: http.DefaultClient,
			Publisher:  &response.RedisPublisher{RDB: rdb},
		},
		NewCancelOracle: func(cancelKey string) prediction.CancelOracle {
			return &prediction.RedisCancelOracle{RDB: rdb, CancelKey: cancelKey}
		},
		Tracer: otel.Tracer("test"),
	})
	return sup, rdb, mr
}

type noopPutter struct{}

func (noopPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func TestSupervisor_HappyPathAcksAndDeliversViaWebhook(t *testing.T) {
	webhook := newRecordingWebhook()
	defer webhook.Close()

	eng := engine.NewFake(
		[]engine.Event{{Kind: engine.KindDone}},
		[]engine.Event{{Kind: engine.KindDone}},
	)

	cfg := &config.Config{InputQueue: "predict", ConsumerID: "worker-1"}
	sup, rdb, _ := newTestSupervisor(t, eng, cfg)

	ctx := context.Background()
	payload := `{"input":{"prompt":"x"},"webhook":"` + webhook.server.URL + `"}`
	if _, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "predict", Values: map[string]any{queue.ValueField: payload}}).Result(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	msg, err := sup.queue.ClaimOrRead(ctx)
	if err != nil || msg == nil {
		t.Fatalf("ClaimOrRead() = %v, %v", msg, err)
	}
	sup.handleMessage(ctx, msg)

	if webhook.count() != 1 {
		t.Fatalf("webhook received %d payloads, want 1 (completed only)", webhook.count())
	}
	final := webhook.last()
	if final["status"] != "succeeded" {
		t.Errorf("status = %v, want succeeded", final["status"])
	}

	length, err := rdb.XLen(ctx, "predict").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 0 {
		t.Errorf("stream length = %d, want 0 (acked and deleted)", length)
	}
}

func TestSupervisor_FailureStreakExitsAfterThreshold(t *testing.T) {
	eng := engine.NewFake(nil, nil)
	cfg := &config.Config{InputQueue: "predict", ConsumerID: "worker-1", MaxFailureCount: 2}
	sup, rdb, _ := newTestSupervisor(t, eng, cfg)
	ctx := context.Background()

	webhook := newRecordingWebhook()
	defer webhook.Close()

	// Three jobs with no "input" field each fail validation immediately.
	for i := 0; i < 3; i++ {
		payload := `{"webhook":"` + webhook.server.URL + `"}`
		if _, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "predict", Values: map[string]any{queue.ValueField: payload}}).Result(); err != nil {
			t.Fatalf("XAdd: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		msg, err := sup.queue.ClaimOrRead(ctx)
		if err != nil || msg == nil {
			t.Fatalf("ClaimOrRead() iteration %d = %v, %v", i, msg, err)
		}
		sup.handleMessage(ctx, msg)
	}

	if !sup.shouldExit.Load() {
		t.Error("expected shouldExit to be set after 3 consecutive failures with max_failure_count=2")
	}
	if webhook.count() != 3 {
		t.Fatalf("webhook received %d payloads, want 3 (one failed completion each)", webhook.count())
	}

	length, err := rdb.XLen(ctx, "predict").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 0 {
		t.Errorf("stream length = %d, want 0 (all three acked before exit)", length)
	}
}

func TestSupervisor_InvalidWebhookEventsFilterIsAckedAsFailed(t *testing.T) {
	eng := engine.NewFake(nil, nil)
	cfg := &config.Config{InputQueue: "predict", ConsumerID: "worker-1"}
	sup, rdb, _ := newTestSupervisor(t, eng, cfg)
	ctx := context.Background()

	webhook := newRecordingWebhook()
	defer webhook.Close()

	payload := `{"input":{"prompt":"x"},"webhook":"` + webhook.server.URL + `","webhook_events_filter":["bogus"]}`
	if _, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "predict", Values: map[string]any{queue.ValueField: payload}}).Result(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	msg, err := sup.queue.ClaimOrRead(ctx)
	if err != nil || msg == nil {
		t.Fatalf("ClaimOrRead() = %v, %v", msg, err)
	}
	sup.handleMessage(ctx, msg)

	if webhook.count() != 1 {
		t.Fatalf("webhook received %d payloads, want 1 (acked failed completion)", webhook.count())
	}
	final := webhook.last()
	if final["status"] != "failed" {
		t.Errorf("status = %v, want failed", final["status"])
	}

	length, err := rdb.XLen(ctx, "predict").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 0 {
		t.Errorf("stream length = %d, want 0 (acked and deleted, not left pending for reclaim)", length)
	}
}

func TestSupervisor_ApplyFailureStreak_ResetsOnNonFailure(t *testing.T) {
	cfg := &config.Config{MaxFailureCount: 1}
	sup := &Supervisor{cfg: cfg, logger: slog.Default()}

	sup.applyFailureStreak(&prediction.Response{Status: prediction.StatusFailed})
	if sup.failureStreak != 1 {
		t.Fatalf("failureStreak = %d, want 1", sup.failureStreak)
	}
	sup.applyFailureStreak(&prediction.Response{Status: prediction.StatusSucceeded})
	if sup.failureStreak != 0 {
		t.Fatalf("failureStreak = %d, want reset to 0", sup.failureStreak)
	}
	if sup.shouldExit.Load() {
		t.Error("shouldExit should not be set when the streak never exceeds the threshold")
	}
}
