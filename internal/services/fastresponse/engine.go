package fastresponse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/transport"
)

// Engine answers free-text messages from the trigger table
type Engine struct {
	ownerID   int64
	transport transport.Transport
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// NewEngine creates a new fast response engine
func NewEngine(ownerID int64, tr transport.Transport, metrics *middleware.Metrics, logger *logrus.Logger) *Engine {
	return &Engine{
		ownerID:   ownerID,
		transport: tr,
		metrics:   metrics,
		logger:    logger,
	}
}

// Consume fires every trigger matching the message, in table order. A failing
// trigger does not stop the ones after it; all failures are returned joined.
func (e *Engine) Consume(ctx context.Context, msg *models.InboundMessage, snapshot *models.ConfigurationRecord) error {
	if !snapshot.Enabled(models.ToggleFastResponse, msg.ChatID) {
		return nil
	}

	text := strings.ToLower(strings.TrimSpace(msg.Text))
	if text == "" {
		return nil
	}

	isOwner := msg.IsOutgoing || msg.SenderID == e.ownerID
	delay := snapshot.Settings.ResponseDelay()

	var errs []error
	for _, trigger := range snapshot.Triggers {
		if !Matches(trigger, text, isOwner, msg.IsReply) {
			continue
		}

		log := e.logger.WithFields(logrus.Fields{
			"chat_id": msg.ChatID,
			"user_id": msg.SenderID,
			"word":    trigger.Word,
			"scope":   trigger.Scope,
		})

		if err := e.fire(ctx, msg.ChatID, trigger, delay); err != nil {
			e.metrics.RecordTrigger(string(trigger.Scope), "error")
			log.WithError(err).Warn("Fast response failed")
			errs = append(errs, fmt.Errorf("trigger %q (%s): %w", trigger.Word, trigger.Scope, err))
			continue
		}
		e.metrics.RecordTrigger(string(trigger.Scope), "success")
		log.Debug("Fast response sent")
	}

	return errors.Join(errs...)
}

// Matches reports whether a trigger fires for normalized text from a sender
func Matches(t models.Trigger, text string, isOwner, isReply bool) bool {
	word := strings.ToLower(strings.TrimSpace(t.Word))
	if word == "" {
		return false
	}

	if t.Scope == models.ScopeSubstring {
		if !strings.Contains(text, word) {
			return false
		}
	} else if text != word {
		return false
	}

	switch t.Scope {
	case models.ScopeOwnerOnly:
		return isOwner
	case models.ScopeOthersOnly:
		return !isOwner
	case models.ScopeReplyOnly:
		return isReply
	}
	return true
}

func (e *Engine) fire(ctx context.Context, chatID int64, t models.Trigger, delay time.Duration) error {
	switch {
	case t.Sticker != nil:
		_, err := e.transport.SendMedia(ctx, chatID, *t.Sticker)
		return err
	case t.Voice != nil:
		_, err := e.transport.SendMedia(ctx, chatID, *t.Voice)
		return err
	}

	if len(t.Payload) == 0 {
		return nil
	}

	switch t.Scope {
	case models.ScopeEditSequence:
		ref, err := e.transport.SendMessage(ctx, chatID, t.Payload[0], transport.SendOptions{})
		if err != nil {
			return err
		}
		// A started sequence runs to the end even if the task deadline passes
		ctx = context.WithoutCancel(ctx)
		for _, step := range t.Payload[1:] {
			time.Sleep(delay)
			if err := e.transport.EditMessage(ctx, chatID, ref, step); err != nil {
				return err
			}
		}
		return nil

	case models.ScopeMultiSequence:
		if _, err := e.transport.SendMessage(ctx, chatID, t.Payload[0], transport.SendOptions{}); err != nil {
			return err
		}
		ctx = context.WithoutCancel(ctx)
		for _, step := range t.Payload[1:] {
			time.Sleep(delay)
			if _, err := e.transport.SendMessage(ctx, chatID, step, transport.SendOptions{}); err != nil {
				return err
			}
		}
		return nil

	default:
		_, err := e.transport.SendMessage(ctx, chatID, strings.Join(t.Payload, ", "), transport.SendOptions{})
		return err
	}
}
