package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/transport"
	"github.com/tg-selfbot-go/pkg/markdown"
)

// Sender is the part of *tgbotapi.BotAPI the client needs
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client adapts the Bot API to transport.Transport. The Bot API cannot block
// an account, so blocked senders are kept in a local list with their expiry
// and their updates are dropped by ToInbound.
type Client struct {
	api      Sender
	selfID   int64
	throttle *middleware.SendThrottle
	metrics  *middleware.Metrics
	logger   *logrus.Logger

	mu      sync.RWMutex
	blocked map[int64]time.Time
	now     func() time.Time
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a client acting as the account selfID
func NewClient(api Sender, selfID int64, throttle *middleware.SendThrottle, metrics *middleware.Metrics, logger *logrus.Logger) *Client {
	return &Client{
		api:      api,
		selfID:   selfID,
		throttle: throttle,
		metrics:  metrics,
		logger:   logger,
		blocked:  make(map[int64]time.Time),
		now:      time.Now,
	}
}

// SendMessage sends text to a chat. Markdown is rendered to Telegram HTML and
// resent as plain text if Telegram rejects the markup.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts transport.SendOptions) (models.MessageRef, error) {
	if err := c.wait(ctx, "send", chatID); err != nil {
		return models.MessageRef{}, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = opts.ReplyTo
	if opts.Markdown {
		msg.Text = markdown.ToTelegramHTML(text)
		msg.ParseMode = tgbotapi.ModeHTML
	}

	sent, err := c.api.Send(msg)
	if err != nil && opts.Markdown {
		c.logger.WithError(err).WithField("chat_id", chatID).Debug("HTML rejected, sending plain text")
		msg.Text = text
		msg.ParseMode = ""
		sent, err = c.api.Send(msg)
	}
	if err != nil {
		return models.MessageRef{}, c.fail("send", err)
	}

	c.metrics.RecordTransportCall("send", "success")
	return models.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// EditMessage replaces the text of a previously sent message
func (c *Client) EditMessage(ctx context.Context, chatID int64, ref models.MessageRef, text string) error {
	if err := c.wait(ctx, "edit", chatID); err != nil {
		return err
	}

	if _, err := c.api.Send(tgbotapi.NewEditMessageText(chatID, ref.MessageID, text)); err != nil {
		return c.fail("edit", err)
	}

	c.metrics.RecordTransportCall("edit", "success")
	return nil
}

// SendMedia sends a sticker or voice note by file id
func (c *Client) SendMedia(ctx context.Context, chatID int64, media models.MediaRef) (models.MessageRef, error) {
	var msg tgbotapi.Chattable
	switch media.Kind {
	case models.MediaSticker:
		msg = tgbotapi.NewSticker(chatID, tgbotapi.FileID(media.ID))
	case models.MediaVoice:
		msg = tgbotapi.NewVoice(chatID, tgbotapi.FileID(media.ID))
	default:
		return models.MessageRef{}, &transport.Error{Op: "media", Err: fmt.Errorf("unsupported media kind %q", media.Kind)}
	}

	if err := c.wait(ctx, "media", chatID); err != nil {
		return models.MessageRef{}, err
	}

	sent, err := c.api.Send(msg)
	if err != nil {
		return models.MessageRef{}, c.fail("media", err)
	}

	c.metrics.RecordTransportCall("media", "success")
	return models.MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// BlockSender adds userID to the block list until the given time. A zero time
// keeps the sender blocked until UnblockSender.
func (c *Client) BlockSender(ctx context.Context, userID int64, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return &transport.Error{Op: "block", Err: err}
	}

	c.mu.Lock()
	c.blocked[userID] = until
	c.mu.Unlock()

	log := c.logger.WithField("user_id", userID)
	if !until.IsZero() {
		log = log.WithField("until", until)
	}
	log.Info("Sender blocked")
	c.metrics.RecordTransportCall("block", "success")
	return nil
}

// UnblockSender removes userID from the block list
func (c *Client) UnblockSender(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return &transport.Error{Op: "unblock", Err: err}
	}

	c.mu.Lock()
	_, ok := c.blocked[userID]
	delete(c.blocked, userID)
	c.mu.Unlock()

	if ok {
		c.logger.WithField("user_id", userID).Info("Sender unblocked")
	}
	c.metrics.RecordTransportCall("unblock", "success")
	return nil
}

// RestoreBlocks rebuilds the block list from persisted abuse counters. Senders
// with a violation stay blocked until their MuteUntil; a violation without a
// mute time blocks until reset.
func (c *Client) RestoreBlocks(counters map[int64]*models.AbuseCounter) int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	restored := 0
	for id, counter := range counters {
		if counter == nil || counter.Violations == 0 {
			continue
		}
		if !counter.MuteUntil.IsZero() && !counter.MuteUntil.After(now) {
			continue
		}
		c.blocked[id] = counter.MuteUntil
		restored++
	}
	return restored
}

// Blocked reports whether userID is blocked now. Expired entries are removed.
func (c *Client) Blocked(userID int64) bool {
	c.mu.RLock()
	until, ok := c.blocked[userID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if until.IsZero() || c.now().Before(until) {
		return true
	}

	c.mu.Lock()
	if current, ok := c.blocked[userID]; ok && current.Equal(until) {
		delete(c.blocked, userID)
	}
	c.mu.Unlock()
	return false
}

// ToInbound converts an update into an inbound message. Updates without a
// sender or text and updates from blocked senders are dropped.
func (c *Client) ToInbound(update tgbotapi.Update) (*models.InboundMessage, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil, false
	}
	if c.Blocked(msg.From.ID) {
		c.logger.WithFields(logrus.Fields{
			"user_id": msg.From.ID,
			"chat_id": msg.Chat.ID,
		}).Debug("Dropping update from blocked sender")
		return nil, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return nil, false
	}

	return &models.InboundMessage{
		MessageID:  msg.MessageID,
		SenderID:   msg.From.ID,
		ChatID:     msg.Chat.ID,
		Text:       text,
		IsReply:    msg.ReplyToMessage != nil,
		IsOutgoing: msg.From.ID == c.selfID,
		Timestamp:  msg.Time(),
	}, true
}

// Listen converts updates and hands them to handle until ctx is done or the
// channel is closed
func (c *Client) Listen(ctx context.Context, updates <-chan tgbotapi.Update, handle func(context.Context, *models.InboundMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if msg, ok := c.ToInbound(update); ok {
				handle(ctx, msg)
			}
		}
	}
}

func (c *Client) wait(ctx context.Context, op string, chatID int64) error {
	if err := c.throttle.Wait(ctx, chatID); err != nil {
		c.metrics.RecordTransportCall(op, "throttled")
		return &transport.Error{Op: op, Err: err}
	}
	return nil
}

// fail wraps a Bot API error, keeping Telegram's flood-wait hint
func (c *Client) fail(op string, err error) error {
	c.metrics.RecordTransportCall(op, "error")

	out := &transport.Error{Op: op, Err: err}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		out.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
	}
	return out
}
