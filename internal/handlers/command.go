package handlers

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/dispatcher"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/models"
	cfgstore "github.com/tg-selfbot-go/internal/services/config"
	"github.com/tg-selfbot-go/internal/transport"
)

// Pattern sections served by this package
const (
	SectionFastResponse = "fast_response"
	SectionProtect      = "protect"
	SectionSettings     = "settings"
	SectionMisc         = "misc"
)

// Store is the configuration store as seen by command handlers
type Store interface {
	Mutate(ctx context.Context, fn cfgstore.MutateFunc) (*models.ConfigurationRecord, error)
}

// Registrar binds handlers to pattern keys
type Registrar interface {
	Register(section, key string, h dispatcher.HandlerFunc)
}

// CommandHandler implements the built-in owner commands
type CommandHandler struct {
	store     Store
	transport transport.Transport
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(store Store, tr transport.Transport, localizer *i18n.Localizer, logger *logrus.Logger) *CommandHandler {
	return &CommandHandler{
		store:     store,
		transport: tr,
		localizer: localizer,
		logger:    logger,
	}
}

// Register binds every built-in command
func (h *CommandHandler) Register(r Registrar) {
	routes := map[string]map[string]dispatcher.HandlerFunc{
		SectionFastResponse: {
			"fast_response_on":  h.handleFastResponseToggle(true),
			"fast_response_off": h.handleFastResponseToggle(false),
			"set_response_time": h.handleSetResponseTime,
			"set_mode":          h.handleSetMode,
			"add_response":      h.handleAddResponse,
			"add_sticker":       h.handleAddMedia(models.MediaSticker),
			"add_voice":         h.handleAddMedia(models.MediaVoice),
			"delete_response":   h.handleDeleteResponse,
			"get_response":      h.handleGetResponse,
			"list_responses":    h.handleListResponses,
			"clear_responses":   h.handleClearResponses,
		},
		SectionProtect: {
			"protect_on":                  h.handleProtectToggle(true),
			"protect_off":                 h.handleProtectToggle(false),
			"set_protect_limit":           h.handleSetProtectLimit,
			"protect_warning_on":          h.handleToggle(models.ToggleAbuseWarning, true, i18n.MsgProtectWarningEnabled),
			"protect_warning_off":         h.handleToggle(models.ToggleAbuseWarning, false, i18n.MsgProtectWarningDisabled),
			"set_protect_warning_message": h.handleSetWarningMessage,
			"set_protect_message":         h.handleSetBlockMessage,
			"protect_relax_on":            h.handleToggle(models.ToggleAbuseRelax, true, i18n.MsgProtectRelaxEnabled),
			"protect_relax_off":           h.handleToggle(models.ToggleAbuseRelax, false, i18n.MsgProtectRelaxDisabled),
			"set_protect_relax_delay":     h.handleSetRelaxDelay,
			"protect_reset":               h.handleProtectReset,
			"protect_list":                h.handleProtectList,
		},
		SectionSettings: {
			"set_language": h.handleSetLanguage,
			"list_add":     h.handleListAdd,
			"list_remove":  h.handleListRemove,
			"list_show":    h.handleListShow,
			"status":       h.handleStatus,
		},
		SectionMisc: {
			"ping": h.handlePing,
		},
	}

	for section, keys := range routes {
		for key, fn := range keys {
			r.Register(section, key, h.ownerOnly(fn))
		}
	}
}

// ownerOnly rejects commands from anyone but the owner with a localized notice
func (h *CommandHandler) ownerOnly(next dispatcher.HandlerFunc) dispatcher.HandlerFunc {
	return func(ctx context.Context, req *dispatcher.Request) error {
		if !req.IsOwner {
			h.logger.WithFields(logrus.Fields{
				"user_id": req.Message.SenderID,
				"section": req.Match.Section,
				"key":     req.Match.Key,
			}).Warn("Unauthorized command attempt")
			return h.reply(ctx, req, req.Language, i18n.MsgUnauthorized, nil)
		}
		return next(ctx, req)
	}
}

// reply sends a localized message as Markdown in reply to the command
func (h *CommandHandler) reply(ctx context.Context, req *dispatcher.Request, lang, messageID string, data map[string]interface{}) error {
	text := h.localizer.Get(lang, messageID, data)
	_, err := h.transport.SendMessage(ctx, req.Message.ChatID, text, transport.SendOptions{
		Markdown: true,
		ReplyTo:  req.Message.MessageID,
	})
	return err
}

func (h *CommandHandler) usage(ctx context.Context, req *dispatcher.Request, usage string) error {
	return h.reply(ctx, req, req.Language, i18n.MsgInvalidFormat, map[string]interface{}{"Usage": usage})
}

// handleToggle switches a global feature toggle
func (h *CommandHandler) handleToggle(name string, on bool, messageID string) dispatcher.HandlerFunc {
	return func(ctx context.Context, req *dispatcher.Request) error {
		if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
			rec.FeatureToggles[name] = models.GlobalToggle(on)
			return nil
		}); err != nil {
			return err
		}
		return h.reply(ctx, req, req.Language, messageID, nil)
	}
}

func (h *CommandHandler) handlePing(ctx context.Context, req *dispatcher.Request) error {
	return h.reply(ctx, req, req.Language, i18n.MsgPong, nil)
}

func (h *CommandHandler) handleSetLanguage(ctx context.Context, req *dispatcher.Request) error {
	lang := strings.ToLower(strings.TrimSpace(req.Match.Capture(0)))
	if lang == "" || !h.localizer.Supports(lang) {
		return h.reply(ctx, req, req.Language, i18n.MsgLanguageInvalid, map[string]interface{}{"Language": lang})
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		rec.Language = lang
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, lang, i18n.MsgLanguageSet, map[string]interface{}{"Language": lang})
}

func (h *CommandHandler) handleListAdd(ctx context.Context, req *dispatcher.Request) error {
	name, value := listArgs(req)
	if name == "" || value == "" {
		return h.usage(ctx, req, "/list_add <list> <value>")
	}

	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		for _, existing := range rec.ListSettings[name] {
			if existing == value {
				return nil
			}
		}
		rec.ListSettings[name] = append(rec.ListSettings[name], value)
		return nil
	}); err != nil {
		return err
	}
	return h.reply(ctx, req, req.Language, i18n.MsgListAdded, map[string]interface{}{"Name": name, "Value": value})
}

func (h *CommandHandler) handleListRemove(ctx context.Context, req *dispatcher.Request) error {
	name, value := listArgs(req)
	if name == "" || value == "" {
		return h.usage(ctx, req, "/list_remove <list> <value>")
	}

	var removed bool
	if _, err := h.store.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		kept := rec.ListSettings[name][:0]
		for _, existing := range rec.ListSettings[name] {
			if existing == value {
				removed = true
				continue
			}
			kept = append(kept, existing)
		}
		if !removed {
			return errUnchanged
		}
		rec.ListSettings[name] = kept
		return nil
	}); err != nil && !errors.Is(err, errUnchanged) {
		return err
	}

	if !removed {
		return h.reply(ctx, req, req.Language, i18n.MsgListItemMissing, map[string]interface{}{"Name": name, "Value": value})
	}
	return h.reply(ctx, req, req.Language, i18n.MsgListRemoved, map[string]interface{}{"Name": name, "Value": value})
}

func (h *CommandHandler) handleListShow(ctx context.Context, req *dispatcher.Request) error {
	name := strings.TrimSpace(req.Match.Capture(0))
	items := req.Snapshot.List(name)
	if len(items) == 0 {
		return h.reply(ctx, req, req.Language, i18n.MsgListEmpty, map[string]interface{}{"Name": name})
	}
	return h.reply(ctx, req, req.Language, i18n.MsgListShow, map[string]interface{}{
		"Name":  name,
		"Items": bulletList(items),
	})
}

func (h *CommandHandler) handleStatus(ctx context.Context, req *dispatcher.Request) error {
	snap := req.Snapshot
	chatID := req.Message.ChatID
	return h.reply(ctx, req, req.Language, i18n.MsgStatus, map[string]interface{}{
		"Language":     snap.Language,
		"FastResponse": onOff(snap.Enabled(models.ToggleFastResponse, chatID)),
		"Triggers":     len(snap.Triggers),
		"Mode":         snap.Settings.DefaultScope,
		"Protect":      onOff(snap.Enabled(models.ToggleAbuseGuard, chatID)),
		"Limit":        snap.Settings.AbuseLimit,
		"Tracked":      len(snap.AbuseCounters),
	})
}

func listArgs(req *dispatcher.Request) (string, string) {
	return strings.TrimSpace(req.Match.Capture(0)), strings.TrimSpace(req.Match.Capture(1))
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "• " + item
	}
	return strings.Join(lines, "\n")
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// errUnchanged aborts a mutation that would not change the record
var errUnchanged = errors.New("record unchanged")
