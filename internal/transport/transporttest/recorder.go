// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/transport"
)

// Call is one recorded transport call
type Call struct {
	Op     string
	ChatID int64
	Text   string
	Ref    models.MessageRef
	Media  models.MediaRef
	UserID int64
	Until  time.Time
	Opts   transport.SendOptions
}

// Operation names
const (
	OpSend  = "send"
	OpEdit  = "edit"
	OpMedia = "media"
	OpBlock   = "block"
	OpUnblock = "unblock"
)

// Recorder records every call in order. Failures can be injected per operation.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	nextID int
	fail   map[string]int
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]int)}
}

// FailNext makes the next n calls of op fail
func (r *Recorder) FailNext(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = n
}

// Calls returns a copy of the recorded calls
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsOf returns the recorded calls of one operation
func (r *Recorder) CallsOf(op string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets every recorded call
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[c.Op] > 0 {
		r.fail[c.Op]--
		return &transport.Error{Op: c.Op, Err: errors.New("injected failure")}
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *Recorder) newRef(chatID int64) models.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return models.MessageRef{ChatID: chatID, MessageID: r.nextID}
}

func (r *Recorder) SendMessage(ctx context.Context, chatID int64, text string, opts transport.SendOptions) (models.MessageRef, error) {
	ref := r.newRef(chatID)
	if err := r.record(Call{Op: OpSend, ChatID: chatID, Text: text, Ref: ref, Opts: opts}); err != nil {
		return models.MessageRef{}, err
	}
	return ref, nil
}

func (r *Recorder) EditMessage(ctx context.Context, chatID int64, ref models.MessageRef, text string) error {
	return r.record(Call{Op: OpEdit, ChatID: chatID, Text: text, Ref: ref})
}

func (r *Recorder) SendMedia(ctx context.Context, chatID int64, media models.MediaRef) (models.MessageRef, error) {
	ref := r.newRef(chatID)
	if err := r.record(Call{Op: OpMedia, ChatID: chatID, Media: media, Ref: ref}); err != nil {
		return models.MessageRef{}, err
	}
	return ref, nil
}

func (r *Recorder) BlockSender(ctx context.Context, userID int64, until time.Time) error {
	return r.record(Call{Op: OpBlock, UserID: userID, Until: until})
}

func (r *Recorder) UnblockSender(ctx context.Context, userID int64) error {
	return r.record(Call{Op: OpUnblock, UserID: userID})
}
