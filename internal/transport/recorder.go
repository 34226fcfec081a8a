package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/jeanpaul/relay/internal/types"
)

// Recorder keeps everything it is sent in memory.
type Recorder struct {
	mu     sync.Mutex
	events []types.StreamEvent
	chunks []types.SubagentChunk
	final  string
	done   bool
	err    error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SendSubagentChunk(_ context.Context, chunk types.SubagentChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *Recorder) SendEvent(_ context.Context, ev types.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) SendDone(_ context.Context, final string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = final
	r.done = true
	return nil
}

func (r *Recorder) SendError(_ context.Context, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	return nil
}

func (r *Recorder) Events() []types.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StreamEvent(nil), r.events...)
}

func (r *Recorder) Chunks() []types.SubagentChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.SubagentChunk(nil), r.chunks...)
}

// Text concatenates the main agent's streamed text.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Type == types.EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

// Final returns the final answer and whether SendDone was called.
func (r *Recorder) Final() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.done
}

func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
