// Package asrtest provides a scriptable asr.Recognizer for tests.
package asrtest

import (
	"context"
	"sync"

	"github.com/tiroq/memoscribe/internal/asr"
)

// Reply is one scripted Recognize outcome.
type Reply struct {
	Text string
	Err  error
}

// Call records the arguments of one Recognize call.
type Call struct {
	Language string
	Bytes    int
}

// Fake replays Replies in order, repeating the last one once the script is
// exhausted. If Func is set it is used instead of the script.
type Fake struct {
	EngineName string
	Replies    []Reply
	Func       func(ctx context.Context, wav []byte, language string) (string, error)
	Health     *asr.HealthStatus

	mu    sync.Mutex
	calls []Call
}

// New returns a Fake answering with the given replies.
func New(name string, replies ...Reply) *Fake {
	return &Fake{EngineName: name, Replies: replies}
}

// Text is a shorthand for a successful Reply.
func Text(s string) Reply { return Reply{Text: s} }

// Fail is a shorthand for a failing Reply.
func Fail(err error) Reply { return Reply{Err: err} }

func (f *Fake) Name() string { return f.EngineName }

func (f *Fake) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, Call{Language: language, Bytes: len(wav)})
	f.mu.Unlock()

	if f.Func != nil {
		return f.Func(ctx, wav, language)
	}
	if len(f.Replies) == 0 {
		return "", nil
	}
	r := f.Replies[min(n, len(f.Replies)-1)]
	return r.Text, r.Err
}

func (f *Fake) HealthCheck(context.Context) (*asr.HealthStatus, error) {
	if f.Health != nil {
		return f.Health, nil
	}
	return &asr.HealthStatus{OK: true, Engine: f.EngineName}, nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of Recognize calls so far.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
