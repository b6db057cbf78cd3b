package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tg-selfbot-go/internal/dispatcher"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/models"
)

// handleProtectToggle switches the abuse guard. Turning it off also clears
// message counts; violations are kept.
func (h *CommandHandler) handleProtectToggle(on bool) dispatcher.HandlerFunc {
	return func(ctx context.Context, req *dispatcher.Request) error {
		rec, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
			rec.FeatureToggles[models.ToggleAbuseGuard] = models.GlobalToggle(on)
			if !on {
				for _, counter := range rec.AbuseCounters {
					counter.MessageCount = 0
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if on {
			return h.reply(ctx, req, req.Language, i18n.MsgProtectEnabled, map[string]interface{}{"Limit": rec.Settings.AbuseLimit})
		}
		return h.reply(ctx, req, req.Language, i18n.MsgProtectDisabled, nil)
	}
}

func (h *CommandHandler) handleSetProtectLimit(ctx context.Context, req *dispatcher.Request) error {
	limit, err := strconv.Atoi(strings.TrimSpace(req.Match.Capture(0)))
	if err != nil || limit <= 0 {
		return h.usage(ctx, req, "/set_protect_limit <number>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Settings.AbuseLimit = limit
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgProtectLimitSet, map[string]interface{}{"Limit": limit})
}

func (h *CommandHandler) handleSetWarningMessage(ctx context.Context, req *dispatcher.Request) error {
	text := strings.TrimSpace(req.Match.Capture(0))
	if text == "" {
		return h.usage(ctx, req, "/set_protect_warning_message <text with {WARNS}>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Settings.WarningMessage = text
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgProtectWarningMessageSet, nil)
}

func (h *CommandHandler) handleSetBlockMessage(ctx context.Context, req *dispatcher.Request) error {
	text := strings.TrimSpace(req.Match.Capture(0))
	if text == "" {
		return h.usage(ctx, req, "/set_protect_message <text>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Settings.BlockMessage = text
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgProtectMessageSet, nil)
}

func (h *CommandHandler) handleSetRelaxDelay(ctx context.Context, req *dispatcher.Request) error {
	minutes, err := strconv.Atoi(strings.TrimSpace(req.Match.Capture(0)))
	if err != nil || minutes < 0 {
		return h.usage(ctx, req, "/set_protect_relax_delay <minutes>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Settings.RelaxWindowMinutes = minutes
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgProtectRelaxDelaySet, map[string]interface{}{"Minutes": minutes})
}

// handleProtectReset deletes a sender's counter and lifts its block; this is
// the only way counters are removed
func (h *CommandHandler) handleProtectReset(ctx context.Context, req *dispatcher.Request) error {
	userID, err := strconv.ParseInt(strings.TrimSpace(req.Match.Capture(0)), 10, 64)
	if err != nil {
		return h.usage(ctx, req, "/protect_reset <user id>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		if _, ok := rec.AbuseCounters[userID]; !ok {
			return errUnchanged
		}
		delete(rec.AbuseCounters, userID)
		return nil
	}); err != nil && !errors.Is(err, errUnchanged) {
		return err
	}
	if err := h.transport.UnblockSender(ctx, userID); err != nil {
		return fmt.Errorf("unblock sender %d: %w", userID, err)
	}
	return h.reply(ctx, req, req.Language, i18n.MsgProtectReset, map[string]interface{}{"User": userID})
}

func (h *CommandHandler) handleProtectList(ctx context.Context, req *dispatcher.Request) error {
	counters := req.Snapshot.AbuseCounters
	if len(counters) == 0 {
		return h.reply(ctx, req, req.Language, i18n.MsgProtectListEmpty, nil)
	}

	lines := make([]string, 0, len(counters))
	for _, id := range sortedKeys(counters) {
		c := counters[id]
		line := fmt.Sprintf("%d: %d/%d, violations %d", id, c.MessageCount, req.Snapshot.Settings.AbuseLimit, c.Violations)
		if !c.MuteUntil.IsZero() {
			line += ", muted until " + c.MuteUntil.UTC().Format(time.RFC3339)
		}
		lines = append(lines, line)
	}
	return h.reply(ctx, req, req.Language, i18n.MsgProtectList, map[string]interface{}{"List": bulletList(lines)})
}
