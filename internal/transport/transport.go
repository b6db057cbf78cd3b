package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/tg-selfbot-go/internal/models"
)

// SendOptions controls how a text message is delivered
type SendOptions struct {
	Markdown bool
	ReplyTo  int
}

// Transport is the outbound side of the chat protocol client
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (models.MessageRef, error)
	EditMessage(ctx context.Context, chatID int64, ref models.MessageRef, text string) error
	SendMedia(ctx context.Context, chatID int64, media models.MediaRef) (models.MessageRef, error)
	// BlockSender blocks userID until the given time; a zero time blocks
	// until UnblockSender is called.
	BlockSender(ctx context.Context, userID int64, until time.Time) error
	UnblockSender(ctx context.Context, userID int64) error
}

// Error is a failed transport call
type Error struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transport %s failed (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
