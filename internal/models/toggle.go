package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Toggle is a feature switch that is either global or per chat.
// A per-chat toggle has no global value; chats without an entry are disabled.
type Toggle struct {
	Global  bool
	PerChat map[int64]bool
}

// GlobalToggle returns a toggle with a single global value
func GlobalToggle(on bool) Toggle {
	return Toggle{Global: on}
}

// ChatToggle returns a per-chat toggle
func ChatToggle(chats map[int64]bool) Toggle {
	if chats == nil {
		chats = make(map[int64]bool)
	}
	return Toggle{PerChat: chats}
}

// IsPerChat reports whether the toggle is keyed by chat
func (t Toggle) IsPerChat() bool {
	return t.PerChat != nil
}

// Enabled resolves the toggle for a chat
func (t Toggle) Enabled(chatID int64) bool {
	if t.PerChat != nil {
		return t.PerChat[chatID]
	}
	return t.Global
}

// WithChat returns a copy with the chat entry set, converting a global toggle to per-chat
func (t Toggle) WithChat(chatID int64, on bool) Toggle {
	out := t.Clone()
	if out.PerChat == nil {
		out.PerChat = make(map[int64]bool)
		out.Global = false
	}
	out.PerChat[chatID] = on
	return out
}

// Clone returns a deep copy
func (t Toggle) Clone() Toggle {
	if t.PerChat == nil {
		return t
	}
	chats := make(map[int64]bool, len(t.PerChat))
	for k, v := range t.PerChat {
		chats[k] = v
	}
	return Toggle{PerChat: chats}
}

// MarshalJSON encodes a global toggle as a bool and a per-chat toggle as an object
func (t Toggle) MarshalJSON() ([]byte, error) {
	if t.PerChat == nil {
		return json.Marshal(t.Global)
	}
	ids := make([]int64, 0, len(t.PerChat))
	for id := range t.PerChat {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.FormatInt(id, 10)))
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatBool(t.PerChat[id]))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts either a bool or an object keyed by chat id
func (t *Toggle) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var raw map[string]bool
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode per-chat toggle: %w", err)
		}
		chats := make(map[int64]bool, len(raw))
		for k, v := range raw {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q in toggle: %w", k, err)
			}
			chats[id] = v
		}
		*t = Toggle{PerChat: chats}
		return nil
	}

	var on bool
	if err := json.Unmarshal(data, &on); err != nil {
		return fmt.Errorf("decode toggle: %w", err)
	}
	*t = Toggle{Global: on}
	return nil
}
