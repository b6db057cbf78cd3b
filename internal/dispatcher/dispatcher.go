package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/transport"
	"github.com/tg-selfbot-go/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ErrHandlerPanic wraps a panic recovered from a handler or consumer
var ErrHandlerPanic = errors.New("handler panicked")

// Kind is the terminal classification of an inbound message
type Kind string

const (
	KindCommand  Kind = "command"
	KindFreeText Kind = "free_text"
)

// Outcome describes how a message was processed
type Outcome struct {
	Kind  Kind
	Match models.PatternMatch
	Err   error
}

// Request is passed to a command handler
type Request struct {
	Message  *models.InboundMessage
	Match    models.PatternMatch
	IsOwner  bool
	Language string
	Snapshot *models.ConfigurationRecord
}

// HandlerFunc handles one matched command
type HandlerFunc func(ctx context.Context, req *Request) error

// Consumer receives every free-text message together with the snapshot it was classified under
type Consumer interface {
	Consume(ctx context.Context, msg *models.InboundMessage, snapshot *models.ConfigurationRecord) error
}

// Store is the part of the configuration store the dispatcher needs
type Store interface {
	Read() *models.ConfigurationRecord
	MarkOwnerSeen(ctx context.Context, chatID int64, at time.Time) error
}

// Matcher classifies message text
type Matcher interface {
	Match(text, language string) (models.PatternMatch, bool)
}

type taskIDKey struct{}

// Dispatcher routes inbound messages either to exactly one command handler or
// to every free-text consumer.
type Dispatcher struct {
	ownerID   int64
	timeout   time.Duration
	store     Store
	matcher   Matcher
	transport transport.Transport
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger

	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	consumers []Consumer

	tasks sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	cfg *config.AgentConfig,
	store Store,
	matcher Matcher,
	tr transport.Transport,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Dispatcher {
	return &Dispatcher{
		ownerID:   cfg.OwnerID,
		timeout:   cfg.HandlerTimeout,
		store:     store,
		matcher:   matcher,
		transport: tr,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
	}
}

func handlerKey(section, key string) string {
	return section + "." + key
}

// Register binds the handler for a pattern key, replacing any previous binding
func (d *Dispatcher) Register(section, key string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerKey(section, key)] = h
}

// Bound reports whether a handler is registered for a pattern key
func (d *Dispatcher) Bound(section, key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[handlerKey(section, key)]
	return ok
}

// AddConsumer registers a free-text consumer
func (d *Dispatcher) AddConsumer(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, c)
}

// Dispatch classifies and processes one message synchronously
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.InboundMessage) Outcome {
	isOwner := msg.IsOutgoing || msg.SenderID == d.ownerID
	log := d.entry(ctx, msg)

	if isOwner {
		seen := msg.Timestamp
		if seen.IsZero() {
			seen = time.Now()
		}
		if err := d.store.MarkOwnerSeen(ctx, msg.ChatID, seen); err != nil {
			log.WithError(err).Warn("Failed to record owner presence")
		}
	}

	snapshot := d.store.Read()

	match, ok := d.matcher.Match(msg.Text, snapshot.Language)
	if !ok {
		d.metrics.RecordClassified(string(KindFreeText))
		err := d.fanOut(ctx, msg, snapshot)
		return Outcome{Kind: KindFreeText, Err: err}
	}

	d.metrics.RecordClassified(string(KindCommand))
	log = log.WithFields(logrus.Fields{"section": match.Section, "key": match.Key})

	d.mu.RLock()
	handler, bound := d.handlers[handlerKey(match.Section, match.Key)]
	d.mu.RUnlock()
	if !bound {
		log.Warn("No handler bound for matched command")
		d.metrics.RecordCommandExecuted(match.Section, match.Key, "unbound", 0)
		return Outcome{Kind: KindCommand, Match: match}
	}

	req := &Request{
		Message:  msg,
		Match:    match,
		IsOwner:  isOwner,
		Language: snapshot.Language,
		Snapshot: snapshot,
	}

	start := time.Now()
	err := invoke(func() error { return handler(ctx, req) })
	if err != nil {
		d.metrics.RecordCommandExecuted(match.Section, match.Key, "error", time.Since(start))
		log.WithError(err).Error("Command handler failed")
		d.notifyFailure(ctx, msg, snapshot.Language)
		return Outcome{Kind: KindCommand, Match: match, Err: err}
	}

	d.metrics.RecordCommandExecuted(match.Section, match.Key, "success", time.Since(start))
	log.Debug("Command handled")
	return Outcome{Kind: KindCommand, Match: match}
}

// fanOut runs every consumer concurrently on the same message and snapshot.
// A failing consumer never cancels the others.
func (d *Dispatcher) fanOut(ctx context.Context, msg *models.InboundMessage, snapshot *models.ConfigurationRecord) error {
	d.mu.RLock()
	consumers := append([]Consumer(nil), d.consumers...)
	d.mu.RUnlock()

	var g errgroup.Group
	for _, c := range consumers {
		c := c
		g.Go(func() error {
			err := invoke(func() error { return c.Consume(ctx, msg, snapshot) })
			if err != nil {
				d.entry(ctx, msg).WithError(err).WithField("consumer", fmt.Sprintf("%T", c)).Error("Free-text consumer failed")
			}
			return err
		})
	}
	return g.Wait()
}

func (d *Dispatcher) notifyFailure(ctx context.Context, msg *models.InboundMessage, lang string) {
	text := d.localizer.Get(lang, i18n.MsgError, nil)
	if _, err := d.transport.SendMessage(ctx, msg.ChatID, text, transport.SendOptions{ReplyTo: msg.MessageID}); err != nil {
		d.entry(ctx, msg).WithError(err).Warn("Failed to send failure notice")
	}
}

// invoke runs fn, converting a panic into an error
func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return fn()
}

// Submit processes a message on its own goroutine, bounded by the handler timeout
func (d *Dispatcher) Submit(ctx context.Context, msg *models.InboundMessage) {
	taskID := uuid.NewString()
	d.tasks.Add(1)
	d.metrics.TaskStarted()

	go func() {
		defer d.tasks.Done()
		defer d.metrics.TaskFinished()

		taskCtx, cancel := context.WithTimeout(context.WithValue(ctx, taskIDKey{}, taskID), d.timeout)
		defer cancel()

		outcome := d.Dispatch(taskCtx, msg)
		status := "success"
		if outcome.Err != nil {
			status = "error"
		}
		d.metrics.RecordMessageProcessed(status)
	}()
}

// Wait blocks until every submitted task has finished or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) entry(ctx context.Context, msg *models.InboundMessage) *logrus.Entry {
	entry := logger.ForMessage(d.logger, msg.ChatID, msg.SenderID, msg.MessageID)
	if id, ok := ctx.Value(taskIDKey{}).(string); ok {
		entry = entry.WithField("task_id", id)
	}
	return entry
}
