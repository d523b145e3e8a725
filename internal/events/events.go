package events

import (
	"context"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Sink receives the events the pipeline emits for the frontend.
// The Wails implementation forwards them to the main window; tests use
// a recording sink.
type Sink interface {
	Emit(name string, payload interface{})
}

// WailsSink emits events through the Wails runtime. Emissions before the
// runtime context is available are dropped, matching app startup order.
type WailsSink struct {
	mu  sync.Mutex
	ctx context.Context
}

func NewWailsSink() *WailsSink {
	return &WailsSink{}
}

func (s *WailsSink) SetContext(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

func (s *WailsSink) Emit(name string, payload interface{}) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		return
	}
	runtime.EventsEmit(ctx, name, payload)
}

// Recorder captures emitted events in order. Test helper.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Name    string
	Payload interface{}
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(name string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Name: name, Payload: payload})
}

// All returns a copy of everything emitted so far.
func (r *Recorder) All() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name, in emission order.
func (r *Recorder) Named(name string) []Recorded {
	var out []Recorded
	for _, e := range r.All() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
