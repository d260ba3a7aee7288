// Package upload implements the Upload Stage: a single background worker
// that transcodes and uploads a completed job's image artifacts in parallel,
// preserving engine-output order, then hands the response on to its
// Response Sink.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/jmylchreest/predictqueue/internal/prediction"
)

// Putter is the subset of *s3.Client the Upload Stage needs, narrowed for
// testability.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink delivers the completed response once uploads are resolved. It's the
// same shape as response.Sink, restated here so this package doesn't import
// internal/response (which itself depends on internal/prediction only).
type Sink interface {
	Deliver(ctx context.Context, kind string, resp *prediction.Response) error
}

// job is one queued unit of upload work: a completed response plus the sink
// it must eventually be delivered through.
type job struct {
	resp *prediction.Response
	sink Sink
}

// Stage is the single-consumer upload worker. Enqueue is safe for
// concurrent callers; the worker goroutine processes jobs strictly in FIFO
// arrival order, as required by spec §4.5 ("Ordering across jobs").
type Stage struct {
	s3Client Putter
	bucket   string
	logger   *slog.Logger

	queue  chan job
	active int64
	mu     sync.Mutex

	wg   sync.WaitGroup
	done chan struct{}
}

// NewStage constructs a Stage. Run must be called (typically in its own
// goroutine) to start consuming queued jobs.
func NewStage(s3Client Putter, bucket string, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		s3Client: s3Client,
		bucket:   bucket,
		logger:   logger.With("component", "upload_stage"),
		queue:    make(chan job, 256),
		done:     make(chan struct{}),
	}
}

// Enqueue hands a completed response with pending uploads to the stage.
// Never blocks the caller beyond the queue's buffer filling up.
func (s *Stage) Enqueue(resp *prediction.Response, sink Sink) {
	s.queue <- job{resp: resp, sink: sink}
}

// Active reports whether the stage currently has a job in flight, for use
// as a shutdown.BackgroundWorkChecker.
func (s *Stage) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active > 0
}

// Run consumes queued jobs until ctx is canceled, then processes whatever is
// still buffered and returns. It's intended to run for the worker's whole
// lifetime in its own goroutine.
func (s *Stage) Run(ctx context.Context) {
	s.logger.Info("starting upload thread")
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drainRemaining(context.Background())
			s.logger.Info("upload thread stopped")
			return
		case j := <-s.queue:
			s.process(ctx, j)
		}
	}
}

// drainRemaining processes whatever is already buffered in the queue after
// shutdown is signaled, so jobs handed off just before shutdown still get a
// completed response delivered rather than silently dropped.
func (s *Stage) drainRemaining(ctx context.Context) {
	for {
		select {
		case j := <-s.queue:
			s.process(ctx, j)
		default:
			return
		}
	}
}

// Close blocks until Run has returned. It does not stop Run itself; cancel
// the context passed to Run first.
func (s *Stage) Close() {
	<-s.done
}

func (s *Stage) process(ctx context.Context, j job) {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	resp := j.resp
	urls, err := s.uploadAll(ctx, resp.UploadPrefix, resp.UploadOutputs)
	if err != nil {
		resp.Status = prediction.StatusFailed
		resp.Error = err.Error()
	} else if resp.OutputIsMulti {
		resp.Output = urls
	} else if len(urls) > 0 {
		resp.Output = urls[0]
	}

	resp.UploadOutputs = nil
	resp.UploadPrefix = ""

	if err := j.sink.Deliver(ctx, "completed", resp); err != nil {
		s.logger.Error("failed to deliver completed response", "error", err)
	}
}

// uploadAll transcodes and uploads every object concurrently, then gathers
// results by original index so the returned URLs preserve engine output
// order regardless of upload completion order.
func (s *Stage) uploadAll(ctx context.Context, prefix string, objects []prediction.UploadObject) ([]string, error) {
	urls := make([]string, len(objects))
	errs := make([]error, len(objects))

	var wg sync.WaitGroup
	for i, obj := range objects {
		wg.Add(1)
		go func(i int, obj prediction.UploadObject) {
			defer wg.Done()
			url, err := s.uploadOne(ctx, prefix, obj)
			if err != nil {
				errs[i] = err
				return
			}
			urls[i] = url
		}(i, obj)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return urls, nil
}

func (s *Stage) uploadOne(ctx context.Context, prefix string, obj prediction.UploadObject) (string, error) {
	if s.s3Client == nil {
		return "", fmt.Errorf("object storage not configured")
	}

	start := time.Now()
	format := transcodeFormat(obj.TargetExtension)
	encoded, err := Transcode(obj.ImageBytes, format, obj.TargetQuality)
	if err != nil {
		return "", fmt.Errorf("transcoding to %s: %w", format, err)
	}
	transcodeDur := time.Since(start)

	key := uuid.NewString() + obj.TargetExtension
	if prefix != "" {
		key = prefix + "/" + key
	}

	putStart := time.Now()
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(encoded),
	}
	if ct := ContentType(obj.TargetExtension); ct != "" {
		input.ContentType = &ct
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("uploading %q: %w", key, err)
	}

	s.logger.Debug("uploaded artifact",
		"key", key,
		"transcode_ms", transcodeDur.Milliseconds(),
		"upload_ms", time.Since(putStart).Milliseconds(),
	)

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// transcodeFormat derives the Transcode format argument from a leading-dot
// extension, per spec §6 ("strip leading dot, uppercase").
func transcodeFormat(extension string) string {
	return strings.ToUpper(strings.TrimPrefix(extension, "."))
}
