package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/tg-selfbot-go/internal/config"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultTag, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	// Load language files
	for _, lang := range cfg.Languages {
		path := filepath.Join(cfg.Directory, fmt.Sprintf("%s.json", lang))
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}
	if _, ok := localizers[cfg.DefaultLanguage]; !ok {
		localizers[cfg.DefaultLanguage] = i18n.NewLocalizer(bundle, cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Supports reports whether a language has a loaded message file
func (l *Localizer) Supports(lang string) bool {
	for _, tag := range l.bundle.LanguageTags() {
		if tag.String() == lang {
			return true
		}
	}
	return false
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgUnauthorized  = "unauthorized"
	MsgError         = "error"
	MsgInvalidFormat = "invalid_format"
	MsgPong          = "pong"

	MsgAbuseWarning = "abuse_warning"
	MsgAbuseBlocked = "abuse_blocked"

	MsgFastResponseEnabled  = "fast_response_enabled"
	MsgFastResponseDisabled = "fast_response_disabled"
	MsgResponseTimeSet      = "response_time_set"
	MsgModeSet              = "mode_set"
	MsgModeInvalid          = "mode_invalid"
	MsgResponseAdded        = "response_added"
	MsgStickerAdded         = "sticker_added"
	MsgVoiceAdded           = "voice_added"
	MsgResponseDeleted      = "response_deleted"
	MsgResponseNotFound     = "response_not_found"
	MsgResponseInfo         = "response_info"
	MsgResponsesList        = "responses_list"
	MsgNoResponses          = "no_responses"
	MsgResponsesCleared     = "responses_cleared"

	MsgProtectEnabled           = "protect_enabled"
	MsgProtectDisabled          = "protect_disabled"
	MsgProtectLimitSet          = "protect_limit_set"
	MsgProtectWarningEnabled    = "protect_warning_enabled"
	MsgProtectWarningDisabled   = "protect_warning_disabled"
	MsgProtectWarningMessageSet = "protect_warning_message_set"
	MsgProtectMessageSet        = "protect_message_set"
	MsgProtectRelaxEnabled      = "protect_relax_enabled"
	MsgProtectRelaxDisabled     = "protect_relax_disabled"
	MsgProtectRelaxDelaySet     = "protect_relax_delay_set"
	MsgProtectReset             = "protect_reset"
	MsgProtectList              = "protect_list"
	MsgProtectListEmpty         = "protect_list_empty"

	MsgLanguageSet     = "language_set"
	MsgLanguageInvalid = "language_invalid"
	MsgListAdded       = "list_added"
	MsgListRemoved     = "list_removed"
	MsgListItemMissing = "list_item_missing"
	MsgListShow        = "list_show"
	MsgListEmpty       = "list_empty"
	MsgStatus          = "status"
)
