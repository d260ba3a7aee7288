package engine

import "context"

// Fake is a scriptable Engine used by tests elsewhere in this module. Setup
// and Predict replay pre-recorded event sequences rather than running real
// inference.
type Fake struct {
	SetupEvents   []Event
	PredictEvents []Event

	CancelCalls int
	ShutdownErr error

	cancelCh chan struct{}
}

// NewFake constructs a Fake with the given scripted event sequences.
func NewFake(setup, predict []Event) *Fake {
	return &Fake{SetupEvents: setup, PredictEvents: predict, cancelCh: make(chan struct{}, 1)}
}

// Setup replays SetupEvents on a buffered channel.
func (f *Fake) Setup(ctx context.Context) (<-chan Event, error) {
	return replay(f.SetupEvents), nil
}

// Predict replays PredictEvents on a buffered channel, ignoring payload.
func (f *Fake) Predict(ctx context.Context, payload map[string]any) (<-chan Event, error) {
	return replay(f.PredictEvents), nil
}

// Cancel records the call and signals cancelCh.
func (f *Fake) Cancel() {
	f.CancelCalls++
	select {
	case f.cancelCh <- struct{}{}:
	default:
	}
}

// Canceled reports whether Cancel has been called at least once.
func (f *Fake) Canceled() bool {
	return f.CancelCalls > 0
}

// Shutdown returns ShutdownErr.
func (f *Fake) Shutdown(ctx context.Context) error {
	return f.ShutdownErr
}

func replay(events []Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}
