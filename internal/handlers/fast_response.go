package handlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tg-selfbot-go/internal/dispatcher"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/models"
)

// quotedArgs parses `'word' rest`
var quotedArgs = regexp.MustCompile(`^'([^']+)'\s+([\s\S]+)$`)

func (h *CommandHandler) handleFastResponseToggle(on bool) dispatcher.HandlerFunc {
	messageID := i18n.MsgFastResponseDisabled
	if on {
		messageID = i18n.MsgFastResponseEnabled
	}
	return h.handleToggle(models.ToggleFastResponse, on, messageID)
}

func (h *CommandHandler) handleSetResponseTime(ctx context.Context, req *dispatcher.Request) error {
	seconds, err := strconv.Atoi(strings.TrimSpace(req.Match.Capture(0)))
	if err != nil || seconds < 0 {
		return h.usage(ctx, req, "/set_response_time <seconds>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Settings.ResponseDelaySeconds = seconds
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgResponseTimeSet, map[string]interface{}{"Seconds": seconds})
}

func (h *CommandHandler) handleSetMode(ctx context.Context, req *dispatcher.Request) error {
	name := strings.TrimSpace(req.Match.Capture(0))
	scope, err := models.ParseScope(name)
	if err != nil {
		modes := make([]string, len(models.Scopes))
		for i, s := range models.Scopes {
			modes[i] = string(s)
		}
		return h.reply(ctx, req, req.Language, i18n.MsgModeInvalid, map[string]interface{}{
			"Mode":  name,
			"Modes": strings.Join(modes, ", "),
		})
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Settings.DefaultScope = scope
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgModeSet, map[string]interface{}{"Mode": scope})
}

// handleAddResponse stores a text trigger under the current mode. Sequence
// modes split the payload on commas into steps.
func (h *CommandHandler) handleAddResponse(ctx context.Context, req *dispatcher.Request) error {
	m := quotedArgs.FindStringSubmatch(strings.TrimSpace(req.Match.Capture(0)))
	if m == nil {
		return h.usage(ctx, req, "/add_response 'word' response")
	}
	word, body := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])

	var scope models.Scope
	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		scope = rec.Settings.DefaultScope
		payload := []string{body}
		if scope.IsSequence() {
			payload = splitSteps(body)
		}
		if len(payload) == 0 {
			return errUnchanged
		}
		rec.Triggers = rec.Triggers.Put(models.Trigger{Word: word, Scope: scope, Payload: payload})
		return nil
	}); errors.Is(err, errUnchanged) {
		return h.usage(ctx, req, "/add_response 'word' step1, step2")
	} else if err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgResponseAdded, map[string]interface{}{"Word": word, "Mode": scope})
}

func (h *CommandHandler) handleAddMedia(kind string) dispatcher.HandlerFunc {
	messageID := i18n.MsgStickerAdded
	usage := "/add_sticker 'word' sticker_id"
	if kind == models.MediaVoice {
		messageID = i18n.MsgVoiceAdded
		usage = "/add_voice 'word' voice_id"
	}

	return func(ctx context.Context, req *dispatcher.Request) error {
		m := quotedArgs.FindStringSubmatch(strings.TrimSpace(req.Match.Capture(0)))
		if m == nil || strings.ContainsAny(strings.TrimSpace(m[2]), " \n\t") {
			return h.usage(ctx, req, usage)
		}
		word := strings.TrimSpace(m[1])
		media := &models.MediaRef{Kind: kind, ID: strings.TrimSpace(m[2])}

		var scope models.Scope
		if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
			scope = rec.Settings.DefaultScope
			trigger := models.Trigger{Word: word, Scope: scope}
			if i := rec.Triggers.Find(word, scope); i >= 0 {
				trigger = rec.Triggers[i]
			}
			if kind == models.MediaVoice {
				trigger.Voice = media
			} else {
				trigger.Sticker = media
			}
			rec.Triggers = rec.Triggers.Put(trigger)
			return nil
		}); err != nil {
			return err
		}
		return h.reply(ctx, req, req.Language, messageID, map[string]interface{}{"Word": word, "Mode": scope})
	}
}

func (h *CommandHandler) handleDeleteResponse(ctx context.Context, req *dispatcher.Request) error {
	word := unquote(req.Match.Capture(0))
	if word == "" {
		return h.usage(ctx, req, "/delete_response word")
	}

	var scope models.Scope
	var deleted bool
	_, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		scope = rec.Settings.DefaultScope
		rec.Triggers, deleted = rec.Triggers.Delete(word, scope)
		if !deleted {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return err
	}

	data := map[string]interface{}{"Word": word, "Mode": scope}
	if !deleted {
		return h.reply(ctx, req, req.Language, i18n.MsgResponseNotFound, data)
	}
	return h.reply(ctx, req, req.Language, i18n.MsgResponseDeleted, data)
}

func (h *CommandHandler) handleGetResponse(ctx context.Context, req *dispatcher.Request) error {
	word := unquote(req.Match.Capture(0))
	scope := req.Snapshot.Settings.DefaultScope
	data := map[string]interface{}{"Word": word, "Mode": scope}

	i := req.Snapshot.Triggers.Find(word, scope)
	if i < 0 {
		return h.reply(ctx, req, req.Language, i18n.MsgResponseNotFound, data)
	}
	data["Payload"] = describe(req.Snapshot.Triggers[i])
	return h.reply(ctx, req, req.Language, i18n.MsgResponseInfo, data)
}

func (h *CommandHandler) handleListResponses(ctx context.Context, req *dispatcher.Request) error {
	triggers := req.Snapshot.Triggers
	if len(triggers) == 0 {
		return h.reply(ctx, req, req.Language, i18n.MsgNoResponses, nil)
	}

	lines := make([]string, len(triggers))
	for i, t := range triggers {
		lines[i] = fmt.Sprintf("%s (%s): %s", t.Word, t.Scope, describe(t))
	}
	return h.reply(ctx, req, req.Language, i18n.MsgResponsesList, map[string]interface{}{"List": bulletList(lines)})
}

func (h *CommandHandler) handleClearResponses(ctx context.Context, req *dispatcher.Request) error {
	var count int
	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		count = len(rec.Triggers)
		rec.Triggers = models.TriggerTable{}
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgResponsesCleared, map[string]interface{}{"Count": count})
}

func splitSteps(body string) []string {
	var steps []string
	for _, part := range strings.Split(body, ",") {
		if part = strings.TrimSpace(part); part != "" {
			steps = append(steps, part)
		}
	}
	return steps
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), "'\"")
}

func describe(t models.Trigger) string {
	switch {
	case t.Sticker != nil:
		return "[sticker " + t.Sticker.ID + "]"
	case t.Voice != nil:
		return "[voice " + t.Voice.ID + "]"
	}
	if t.Scope.IsSequence() {
		return strings.Join(t.Payload, " → ")
	}
	return strings.Join(t.Payload, ", ")
}
