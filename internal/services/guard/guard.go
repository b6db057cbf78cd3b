package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	cfgstore "github.com/tg-selfbot-go/internal/services/config"
	"github.com/tg-selfbot-go/internal/transport"
)

// WarnsToken is replaced by the remaining message budget in a custom warning message
const WarnsToken = "{WARNS}"

// Action is the guard's decision for one message
type Action string

const (
	ActionSkipped Action = "skipped"
	ActionCounted Action = "counted"
	ActionRelaxed Action = "relaxed"
	ActionWarned  Action = "warned"
	ActionBlocked Action = "blocked"
)

// Decision is the committed outcome of evaluating one message
type Decision struct {
	Action    Action
	Remaining int
	Counter   models.AbuseCounter
	Language  string
	Notice    string
}

// Mutator is the write side of the configuration store
type Mutator interface {
	Mutate(ctx context.Context, fn cfgstore.MutateFunc) (*models.ConfigurationRecord, error)
}

var errNotApplicable = errors.New("guard not applicable")

// Guard counts messages per sender and warns or blocks senders that exceed the limit
type Guard struct {
	ownerID   int64
	store     Mutator
	transport transport.Transport
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

// Option configures a Guard
type Option func(*Guard)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard creates a new abuse guard
func NewGuard(
	ownerID int64,
	store Mutator,
	tr transport.Transport,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
	opts ...Option,
) *Guard {
	g := &Guard{
		ownerID:   ownerID,
		store:     store,
		transport: tr,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Consume evaluates a free-text message and carries out the committed decision
func (g *Guard) Consume(ctx context.Context, msg *models.InboundMessage, snapshot *models.ConfigurationRecord) error {
	if !g.qualifies(msg, snapshot) {
		return nil
	}

	decision, err := g.Evaluate(ctx, msg)
	if err != nil {
		return fmt.Errorf("evaluate sender %d: %w", msg.SenderID, err)
	}
	if decision.Action == ActionSkipped {
		return nil
	}
	g.metrics.RecordAbuseAction(string(decision.Action))

	log := g.logger.WithFields(logrus.Fields{
		"chat_id": msg.ChatID,
		"user_id": msg.SenderID,
		"count":   decision.Counter.MessageCount,
		"action":  decision.Action,
	})

	switch decision.Action {
	case ActionWarned:
		if _, err := g.transport.SendMessage(ctx, msg.ChatID, decision.Notice, transport.SendOptions{ReplyTo: msg.MessageID}); err != nil {
			return fmt.Errorf("send warning: %w", err)
		}
		log.WithField("remaining", decision.Remaining).Info("Sender warned")

	case ActionBlocked:
		if _, err := g.transport.SendMessage(ctx, msg.ChatID, decision.Notice, transport.SendOptions{ReplyTo: msg.MessageID}); err != nil {
			log.WithError(err).Warn("Failed to send block notice")
		}
		if err := g.transport.BlockSender(ctx, msg.SenderID, decision.Counter.MuteUntil); err != nil {
			return fmt.Errorf("block sender: %w", err)
		}
		log.WithField("violations", decision.Counter.Violations).Warn("Sender blocked")
	}
	return nil
}

// qualifies applies the checks that need no mutation
func (g *Guard) qualifies(msg *models.InboundMessage, snapshot *models.ConfigurationRecord) bool {
	if msg.IsOutgoing || msg.SenderID == g.ownerID {
		return false
	}
	if !snapshot.Enabled(models.ToggleAbuseGuard, msg.ChatID) {
		return false
	}
	return !exempt(snapshot, msg.SenderID)
}

func exempt(rec *models.ConfigurationRecord, userID int64) bool {
	id := strconv.FormatInt(userID, 10)
	for _, entry := range rec.List(models.ListAbuseExempt) {
		if strings.TrimSpace(entry) == id {
			return true
		}
	}
	return false
}

// Evaluate counts the message and decides the action inside a single mutation,
// so concurrent messages from one sender are decided one after another.
func (g *Guard) Evaluate(ctx context.Context, msg *models.InboundMessage) (Decision, error) {
	var decision Decision

	_, err := g.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		// The toggle or exempt list may have changed since the snapshot was taken
		if !rec.Enabled(models.ToggleAbuseGuard, msg.ChatID) || exempt(rec, msg.SenderID) {
			return errNotApplicable
		}

		now := g.now()
		settings := rec.Settings
		counter := rec.Counter(msg.SenderID)
		counter.MessageCount++
		decision = Decision{Action: ActionCounted, Language: rec.Language}

		if rec.Enabled(models.ToggleAbuseRelax, msg.ChatID) {
			if seen, ok := rec.OwnerLastSeen[msg.ChatID]; ok && now.Sub(seen) < settings.RelaxWindow() {
				counter.MessageCount = 0
				decision.Action = ActionRelaxed
				decision.Counter = *counter
				return nil
			}
		}

		limit := settings.AbuseLimit
		if int(counter.MessageCount) > limit {
			counter.MessageCount = 0
			counter.Violations++
			counter.LastViolation = now
			// Zero mute minutes blocks until the counter is reset
			counter.MuteUntil = time.Time{}
			if settings.MuteMinutes > 0 {
				counter.MuteUntil = now.Add(time.Duration(settings.MuteMinutes) * time.Minute)
			}
			decision.Action = ActionBlocked
			decision.Notice = g.blockNotice(rec)
		} else if rec.Enabled(models.ToggleAbuseWarning, msg.ChatID) {
			if remaining := limit - int(counter.MessageCount); remaining > 0 {
				decision.Action = ActionWarned
				decision.Remaining = remaining
				decision.Notice = g.warningNotice(rec, remaining)
			}
		}

		decision.Counter = *counter
		return nil
	})
	if errors.Is(err, errNotApplicable) {
		return Decision{Action: ActionSkipped}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (g *Guard) warningNotice(rec *models.ConfigurationRecord, remaining int) string {
	if custom := rec.Settings.WarningMessage; custom != "" {
		return strings.ReplaceAll(custom, WarnsToken, strconv.Itoa(remaining))
	}
	return g.localizer.Get(rec.Language, i18n.MsgAbuseWarning, map[string]interface{}{"Remaining": remaining})
}

func (g *Guard) blockNotice(rec *models.ConfigurationRecord) string {
	if custom := rec.Settings.BlockMessage; custom != "" {
		return custom
	}
	return g.localizer.Get(rec.Language, i18n.MsgAbuseBlocked, nil)
}
