package upload

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jmylchreest/predictqueue/internal/prediction"
)

// fakePutter records every PutObject call and can inject an artificial delay
// keyed by a suffix of the object's key (such as its extension), so tests can
// make a "later" object finish its upload before an "earlier" one and still
// assert gather-by-index ordering.
type fakePutter struct {
	mu      sync.Mutex
	keys    []string
	delayOf map[string]time.Duration
	failKey string
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := *params.Key
	for suffix, d := range f.delayOf {
		if strings.HasSuffix(key, suffix) {
			time.Sleep(d)
		}
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()

	if f.failKey != "" && key == f.failKey {
		return nil, fmt.Errorf("simulated upload failure")
	}
	_, _ = io.Copy(io.Discard, params.Body)
	return &s3.PutObjectOutput{}, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding fixture png: %v", err)
	}
	return buf.Bytes()
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []*prediction.Response
}

func (s *recordingSink) Deliver(ctx context.Context, kind string, resp *prediction.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, resp)
	return nil
}

func TestStage_GathersUploadsByIndexNotCompletionOrder(t *testing.T) {
	img := pngBytes(t)
	// The first object's upload is delayed so the second one completes first.
	putter := &fakePutter{
		delayOf: map[string]time.Duration{".png": 50 * time.Millisecond},
	}
	stage := NewStage(putter, "test-bucket", nil)

	resp := &prediction.Response{
		Status:        prediction.StatusProcessing,
		OutputIsMulti: true,
		UploadOutputs: []prediction.UploadObject{
			{ImageBytes: img, TargetExtension: ".png"},
			{ImageBytes: img, TargetExtension: ".jpg"},
		},
	}

	urls, err := stage.uploadAll(context.Background(), "jobs/1", resp.UploadOutputs)
	if err != nil {
		t.Fatalf("uploadAll() unexpected error: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("got %d urls, want 2", len(urls))
	}
	for i, u := range urls {
		if u == "" {
			t.Errorf("url[%d] is empty", i)
		}
	}
	if len(putter.keys) != 2 || !strings.HasSuffix(putter.keys[0], ".jpg") {
		t.Fatalf("upload completion order = %v, want the .jpg object to finish first", putter.keys)
	}
	if !strings.HasSuffix(urls[0], ".png") || !strings.HasSuffix(urls[1], ".jpg") {
		t.Errorf("urls = %v, want engine output order (.png, .jpg)", urls)
	}
}

func TestStage_ProcessSetsSingleOutputWhenNotMulti(t *testing.T) {
	img := pngBytes(t)
	putter := &fakePutter{}
	stage := NewStage(putter, "test-bucket", nil)
	sink := &recordingSink{}

	// The driver has already decided the terminal status before handing a
	// response to the stage; a successful upload leaves it as it is.
	resp := &prediction.Response{
		Status: prediction.StatusSucceeded,
		UploadOutputs: []prediction.UploadObject{
			{ImageBytes: img, TargetExtension: ".png"},
		},
	}

	stage.process(context.Background(), job{resp: resp, sink: sink})

	if resp.Status != prediction.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", resp.Status)
	}
	url, ok := resp.Output.(string)
	if !ok {
		t.Fatalf("Output type = %T, want string (single, not multi)", resp.Output)
	}
	if url == "" {
		t.Error("expected a non-empty output URL")
	}
	if resp.UploadOutputs != nil {
		t.Error("UploadOutputs should be cleared after processing")
	}
	if len(sink.delivered) != 1 {
		t.Fatalf("delivered %d responses, want 1", len(sink.delivered))
	}
}

func TestStage_ProcessMarksFailedOnUploadError(t *testing.T) {
	img := pngBytes(t)
	putter := &fakePutter{}
	stage := NewStage(putter, "test-bucket", nil)

	resp := &prediction.Response{
		Status: prediction.StatusProcessing,
		UploadOutputs: []prediction.UploadObject{
			{ImageBytes: []byte("not an image"), TargetExtension: ".png"},
		},
	}
	sink := &recordingSink{}

	stage.process(context.Background(), job{resp: resp, sink: sink})

	if resp.Status != prediction.StatusFailed {
		t.Fatalf("status = %q, want failed", resp.Status)
	}
	if resp.Error == "" {
		t.Error("expected a non-empty error message")
	}
	_ = img
}

func TestStage_ProcessMarksFailedWhenStorageNotConfigured(t *testing.T) {
	img := pngBytes(t)
	stage := NewStage(nil, "test-bucket", nil)
	sink := &recordingSink{}

	resp := &prediction.Response{
		Status: prediction.StatusProcessing,
		UploadOutputs: []prediction.UploadObject{
			{ImageBytes: img, TargetExtension: ".png"},
		},
	}

	stage.process(context.Background(), job{resp: resp, sink: sink})

	if resp.Status != prediction.StatusFailed {
		t.Fatalf("status = %q, want failed", resp.Status)
	}
	if resp.Error == "" {
		t.Error("expected a non-empty error message")
	}
	if len(sink.delivered) != 1 {
		t.Fatalf("delivered %d responses, want 1", len(sink.delivered))
	}
}

func TestStage_EnqueueProcessesInFIFOOrder(t *testing.T) {
	putter := &fakePutter{}
	stage := NewStage(putter, "test-bucket", nil)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	go stage.Run(ctx)

	sent := make([]*prediction.Response, 5)
	for i := range sent {
		sent[i] = &prediction.Response{Extras: nil}
		stage.Enqueue(sent[i], sink)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.delivered)
		sink.mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for all jobs to drain, got %d/5", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	stage.Close()

	for i := range sent {
		if sink.delivered[i] != sent[i] {
			t.Errorf("delivery %d is not the response enqueued %d-th", i, i)
		}
	}
}
