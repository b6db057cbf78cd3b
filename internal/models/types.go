package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Feature toggle keys
const (
	ToggleFastResponse = "fastResponseEnabled"
	ToggleAbuseGuard   = "abuseGuardEnabled"
	ToggleAbuseWarning = "abuseWarningEnabled"
	ToggleAbuseRelax   = "abuseRelaxEnabled"
)

// List setting keys
const (
	ListAbuseExempt  = "abuse_exempt"
	ListFilterWords  = "filter_words"
	ListProfileNames = "profile_names"
)

// Scope selects how a trigger word is compared and which senders it fires for
type Scope string

const (
	ScopeNormal        Scope = "normal"
	ScopeOwnerOnly     Scope = "owner_only"
	ScopeOthersOnly    Scope = "others_only"
	ScopeReplyOnly     Scope = "reply_only"
	ScopeSubstring     Scope = "substring"
	ScopeEditSequence  Scope = "edit_sequence"
	ScopeMultiSequence Scope = "multi_sequence"
	ScopeCommandEcho   Scope = "command_echo"
)

// Scopes lists every valid scope in display order
var Scopes = []Scope{
	ScopeNormal,
	ScopeOwnerOnly,
	ScopeOthersOnly,
	ScopeReplyOnly,
	ScopeSubstring,
	ScopeEditSequence,
	ScopeMultiSequence,
	ScopeCommandEcho,
}

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	for _, known := range Scopes {
		if s == known {
			return true
		}
	}
	return false
}

// IsSequence reports whether the payload is delivered step by step
func (s Scope) IsSequence() bool {
	return s == ScopeEditSequence || s == ScopeMultiSequence
}

// ParseScope parses a scope name, accepting the legacy mode names as aliases
func ParseScope(name string) (Scope, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "sudo", "owner":
		return ScopeOwnerOnly, nil
	case "others":
		return ScopeOthersOnly, nil
	case "reply":
		return ScopeReplyOnly, nil
	case "search":
		return ScopeSubstring, nil
	case "edit":
		return ScopeEditSequence, nil
	case "multi":
		return ScopeMultiSequence, nil
	case "command":
		return ScopeCommandEcho, nil
	}
	s := Scope(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown scope %q", name)
	}
	return s, nil
}

// MediaRef identifies a media object known to the transport (e.g. a file id)
type MediaRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Media kinds
const (
	MediaSticker = "sticker"
	MediaVoice   = "voice"
)

// MessageRef identifies a message sent through the transport
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// Trigger is a fast-response rule, keyed by (Word, Scope)
type Trigger struct {
	Word    string    `json:"word"`
	Scope   Scope     `json:"scope"`
	Payload []string  `json:"payload,omitempty"`
	Sticker *MediaRef `json:"sticker,omitempty"`
	Voice   *MediaRef `json:"voice,omitempty"`
}

// UnmarshalJSON accepts a payload stored as a single string as well as a list
func (t *Trigger) UnmarshalJSON(data []byte) error {
	type plain Trigger
	var raw struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Trigger(raw.plain)
	t.Payload = nil

	payload := bytes.TrimSpace(raw.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
	case payload[0] == '"':
		var step string
		if err := json.Unmarshal(payload, &step); err != nil {
			return fmt.Errorf("decode trigger payload: %w", err)
		}
		if step != "" {
			t.Payload = []string{step}
		}
	default:
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return fmt.Errorf("decode trigger payload: %w", err)
		}
	}
	return nil
}

// Clone returns a deep copy of the trigger
func (t Trigger) Clone() Trigger {
	out := t
	if t.Payload != nil {
		out.Payload = append([]string(nil), t.Payload...)
	}
	if t.Sticker != nil {
		sticker := *t.Sticker
		out.Sticker = &sticker
	}
	if t.Voice != nil {
		voice := *t.Voice
		out.Voice = &voice
	}
	return out
}

// TriggerTable holds triggers in insertion order
type TriggerTable []Trigger

// Find returns the index of the trigger keyed by (word, scope), or -1
func (tt TriggerTable) Find(word string, scope Scope) int {
	for i, t := range tt {
		if strings.EqualFold(t.Word, word) && t.Scope == scope {
			return i
		}
	}
	return -1
}

// Put inserts the trigger, replacing an existing one with the same key in place
func (tt TriggerTable) Put(t Trigger) TriggerTable {
	if i := tt.Find(t.Word, t.Scope); i >= 0 {
		tt[i] = t
		return tt
	}
	return append(tt, t)
}

// Delete removes the trigger keyed by (word, scope) and reports whether it existed
func (tt TriggerTable) Delete(word string, scope Scope) (TriggerTable, bool) {
	i := tt.Find(word, scope)
	if i < 0 {
		return tt, false
	}
	return append(tt[:i], tt[i+1:]...), true
}

// AbuseCounter tracks one sender's standing with the abuse guard
type AbuseCounter struct {
	UserID        int64     `json:"user_id"`
	MessageCount  uint      `json:"message_count"`
	MuteUntil     time.Time `json:"mute_until"`
	Violations    uint      `json:"violations"`
	LastViolation time.Time `json:"last_violation"`
}

// RecordSettings are the scalar settings of the configuration record
type RecordSettings struct {
	ResponseDelaySeconds int    `json:"response_delay_seconds"`
	DefaultScope         Scope  `json:"default_scope"`
	AbuseLimit           int    `json:"abuse_limit"`
	RelaxWindowMinutes   int    `json:"relax_window_minutes"`
	MuteMinutes          int    `json:"mute_minutes"`
	WarningMessage       string `json:"warning_message,omitempty"`
	BlockMessage         string `json:"block_message,omitempty"`
}

// ResponseDelay returns the inter-step delay for sequence triggers
func (s RecordSettings) ResponseDelay() time.Duration {
	return time.Duration(s.ResponseDelaySeconds) * time.Second
}

// RelaxWindow returns how long owner activity suppresses abuse counting
func (s RecordSettings) RelaxWindow() time.Duration {
	return time.Duration(s.RelaxWindowMinutes) * time.Minute
}

// ConfigurationRecord is the single persisted configuration of an agent instance.
// Records returned by the configuration store are shared snapshots and must be
// treated as read-only.
type ConfigurationRecord struct {
	Language       string                  `json:"language"`
	FeatureToggles map[string]Toggle       `json:"feature_toggles"`
	ListSettings   map[string][]string     `json:"list_settings"`
	Triggers       TriggerTable            `json:"triggers"`
	AbuseCounters  map[int64]*AbuseCounter `json:"abuse_counters"`
	OwnerLastSeen  map[int64]time.Time     `json:"owner_last_seen"`
	Settings       RecordSettings          `json:"settings"`
}

// Enabled resolves a feature toggle for a chat; unknown toggles are disabled
func (r *ConfigurationRecord) Enabled(name string, chatID int64) bool {
	if r == nil {
		return false
	}
	t, ok := r.FeatureToggles[name]
	if !ok {
		return false
	}
	return t.Enabled(chatID)
}

// List returns a list setting, or nil
func (r *ConfigurationRecord) List(name string) []string {
	if r == nil {
		return nil
	}
	return r.ListSettings[name]
}

// Counter returns the abuse counter for a user, creating it when missing
func (r *ConfigurationRecord) Counter(userID int64) *AbuseCounter {
	if r.AbuseCounters == nil {
		r.AbuseCounters = make(map[int64]*AbuseCounter)
	}
	c, ok := r.AbuseCounters[userID]
	if !ok {
		c = &AbuseCounter{UserID: userID}
		r.AbuseCounters[userID] = c
	}
	return c
}

// Clone returns a deep copy of the record
func (r *ConfigurationRecord) Clone() *ConfigurationRecord {
	if r == nil {
		return nil
	}
	out := &ConfigurationRecord{
		Language: r.Language,
		Settings: r.Settings,
	}
	if r.FeatureToggles != nil {
		out.FeatureToggles = make(map[string]Toggle, len(r.FeatureToggles))
		for k, v := range r.FeatureToggles {
			out.FeatureToggles[k] = v.Clone()
		}
	}
	if r.ListSettings != nil {
		out.ListSettings = make(map[string][]string, len(r.ListSettings))
		for k, v := range r.ListSettings {
			out.ListSettings[k] = append([]string(nil), v...)
		}
	}
	if r.Triggers != nil {
		out.Triggers = make(TriggerTable, len(r.Triggers))
		for i, t := range r.Triggers {
			out.Triggers[i] = t.Clone()
		}
	}
	if r.AbuseCounters != nil {
		out.AbuseCounters = make(map[int64]*AbuseCounter, len(r.AbuseCounters))
		for k, v := range r.AbuseCounters {
			c := *v
			out.AbuseCounters[k] = &c
		}
	}
	if r.OwnerLastSeen != nil {
		out.OwnerLastSeen = make(map[int64]time.Time, len(r.OwnerLastSeen))
		for k, v := range r.OwnerLastSeen {
			out.OwnerLastSeen[k] = v
		}
	}
	return out
}

// CommandPattern is a command template loaded from the pattern document
type CommandPattern struct {
	Language string
	Section  string
	Key      string
	Template string
}

// PatternMatch is the result of a successful command classification
type PatternMatch struct {
	Section  string
	Key      string
	Captures []string
}

// Capture returns the i-th capture or an empty string
func (m PatternMatch) Capture(i int) string {
	if i < 0 || i >= len(m.Captures) {
		return ""
	}
	return m.Captures[i]
}

// InboundMessage is a message event delivered by the chat transport
type InboundMessage struct {
	MessageID  int       `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	ChatID     int64     `json:"chat_id"`
	Text       string    `json:"text"`
	IsReply    bool      `json:"is_reply"`
	IsOutgoing bool      `json:"is_outgoing"`
	Timestamp  time.Time `json:"timestamp"`
}

// String renders the message for logs
func (m InboundMessage) String() string {
	data, _ := json.Marshal(m)
	return string(data)
}
