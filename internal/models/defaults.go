package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Default values of the record schema
const (
	DefaultLanguage             = "en"
	DefaultResponseDelaySeconds = 1
	DefaultAbuseLimit           = 5
	DefaultRelaxWindowMinutes   = 10
	DefaultMuteMinutes          = 60
)

// DefaultRecord returns the fixed default schema of the configuration record
func DefaultRecord() *ConfigurationRecord {
	return &ConfigurationRecord{
		Language: DefaultLanguage,
		FeatureToggles: map[string]Toggle{
			ToggleFastResponse: GlobalToggle(true),
			ToggleAbuseGuard:   GlobalToggle(false),
			ToggleAbuseWarning: GlobalToggle(false),
			ToggleAbuseRelax:   GlobalToggle(false),
		},
		ListSettings: map[string][]string{
			ListAbuseExempt:  {},
			ListFilterWords:  {},
			ListProfileNames: {},
		},
		Triggers:      TriggerTable{},
		AbuseCounters: map[int64]*AbuseCounter{},
		OwnerLastSeen: map[int64]time.Time{},
		Settings: RecordSettings{
			ResponseDelaySeconds: DefaultResponseDelaySeconds,
			DefaultScope:         ScopeNormal,
			AbuseLimit:           DefaultAbuseLimit,
			RelaxWindowMinutes:   DefaultRelaxWindowMinutes,
			MuteMinutes:          DefaultMuteMinutes,
		},
	}
}

// Normalize merges the record against the default schema in place: missing
// keys are filled with defaults and invalid values are replaced. Legacy scope
// names are mapped to their current scope; triggers that still cannot be
// executed are dropped. It returns a description of every repair.
func Normalize(r *ConfigurationRecord) []string {
	var repairs []string
	def := DefaultRecord()

	if strings.TrimSpace(r.Language) == "" {
		r.Language = def.Language
		repairs = append(repairs, "language")
	}

	if r.FeatureToggles == nil {
		r.FeatureToggles = make(map[string]Toggle)
	}
	for k, v := range def.FeatureToggles {
		if _, ok := r.FeatureToggles[k]; !ok {
			r.FeatureToggles[k] = v
			repairs = append(repairs, "feature_toggles."+k)
		}
	}

	if r.ListSettings == nil {
		r.ListSettings = make(map[string][]string)
	}
	for k, v := range def.ListSettings {
		if _, ok := r.ListSettings[k]; !ok {
			r.ListSettings[k] = v
			repairs = append(repairs, "list_settings."+k)
		}
	}

	if r.Triggers == nil {
		r.Triggers = TriggerTable{}
	}
	kept := r.Triggers[:0]
	for _, t := range r.Triggers {
		if t.Scope == "" {
			t.Scope = ScopeNormal
			repairs = append(repairs, fmt.Sprintf("triggers[%q].scope", t.Word))
		} else if !t.Scope.Valid() {
			if scope, err := ParseScope(string(t.Scope)); err == nil {
				repairs = append(repairs, fmt.Sprintf("triggers[%q/%q].scope", t.Word, t.Scope))
				t.Scope = scope
			}
		}
		if strings.TrimSpace(t.Word) == "" || !t.Scope.Valid() {
			repairs = append(repairs, fmt.Sprintf("triggers[%q/%q]", t.Word, t.Scope))
			continue
		}
		if kept.Find(t.Word, t.Scope) >= 0 {
			repairs = append(repairs, fmt.Sprintf("triggers[%q/%q].duplicate", t.Word, t.Scope))
			continue
		}
		if len(t.Payload) == 0 && t.Sticker == nil && t.Voice == nil {
			repairs = append(repairs, fmt.Sprintf("triggers[%q/%q].payload", t.Word, t.Scope))
			continue
		}
		kept = append(kept, t)
	}
	r.Triggers = kept

	if r.AbuseCounters == nil {
		r.AbuseCounters = make(map[int64]*AbuseCounter)
	}
	for id, c := range r.AbuseCounters {
		if c == nil {
			delete(r.AbuseCounters, id)
			repairs = append(repairs, fmt.Sprintf("abuse_counters[%d]", id))
			continue
		}
		c.UserID = id
	}
	if r.OwnerLastSeen == nil {
		r.OwnerLastSeen = make(map[int64]time.Time)
	}

	s := &r.Settings
	if s.ResponseDelaySeconds < 0 {
		s.ResponseDelaySeconds = def.Settings.ResponseDelaySeconds
		repairs = append(repairs, "settings.response_delay_seconds")
	}
	if !s.DefaultScope.Valid() {
		s.DefaultScope = def.Settings.DefaultScope
		repairs = append(repairs, "settings.default_scope")
	}
	if s.AbuseLimit <= 0 {
		s.AbuseLimit = def.Settings.AbuseLimit
		repairs = append(repairs, "settings.abuse_limit")
	}
	if s.RelaxWindowMinutes < 0 {
		s.RelaxWindowMinutes = def.Settings.RelaxWindowMinutes
		repairs = append(repairs, "settings.relax_window_minutes")
	}
	if s.MuteMinutes < 0 {
		s.MuteMinutes = def.Settings.MuteMinutes
		repairs = append(repairs, "settings.mute_minutes")
	}

	return repairs
}

// DecodeRecord decodes a persisted record on top of the default schema, so
// keys missing from the stored document keep their defaults. When the document
// does not decode as a whole, every field is decoded entry by entry: a bad
// entry is skipped and reported while its siblings are kept. The result is
// always normalized.
func DecodeRecord(data []byte) (*ConfigurationRecord, []string) {
	rec := DefaultRecord()
	if err := json.Unmarshal(data, rec); err == nil {
		return rec, Normalize(rec)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return DefaultRecord(), []string{"record: " + err.Error()}
	}

	rec = DefaultRecord()
	d := &recordDecoder{}

	if raw, ok := fields["language"]; ok {
		var lang string
		if err := json.Unmarshal(raw, &lang); err != nil {
			d.fail("language", err)
		} else {
			rec.Language = lang
		}
	}

	for k, raw := range d.entries("feature_toggles", fields["feature_toggles"]) {
		var t Toggle
		if err := json.Unmarshal(raw, &t); err != nil {
			d.fail("feature_toggles."+k, err)
			continue
		}
		rec.FeatureToggles[k] = t
	}

	for k, raw := range d.entries("list_settings", fields["list_settings"]) {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			d.fail("list_settings."+k, err)
			continue
		}
		rec.ListSettings[k] = list
	}

	if raw, ok := fields["triggers"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			d.fail("triggers", err)
		}
		for i, item := range items {
			var t Trigger
			if err := json.Unmarshal(item, &t); err != nil {
				d.fail(fmt.Sprintf("triggers[%d]", i), err)
				continue
			}
			rec.Triggers = append(rec.Triggers, t)
		}
	}

	for k, raw := range d.entries("abuse_counters", fields["abuse_counters"]) {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			d.fail("abuse_counters."+k, err)
			continue
		}
		var c AbuseCounter
		if err := json.Unmarshal(raw, &c); err != nil {
			d.fail("abuse_counters."+k, err)
			continue
		}
		rec.AbuseCounters[id] = &c
	}

	for k, raw := range d.entries("owner_last_seen", fields["owner_last_seen"]) {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			d.fail("owner_last_seen."+k, err)
			continue
		}
		var seen time.Time
		if err := json.Unmarshal(raw, &seen); err != nil {
			d.fail("owner_last_seen."+k, err)
			continue
		}
		rec.OwnerLastSeen[id] = seen
	}

	// A field of the wrong type is left at its default
	for k, raw := range d.entries("settings", fields["settings"]) {
		field, err := json.Marshal(map[string]json.RawMessage{k: raw})
		if err == nil {
			err = json.Unmarshal(field, &rec.Settings)
		}
		if err != nil {
			d.fail("settings."+k, err)
		}
	}

	return rec, append(d.repairs, Normalize(rec)...)
}

type recordDecoder struct {
	repairs []string
}

func (d *recordDecoder) fail(name string, err error) {
	d.repairs = append(d.repairs, name+": "+err.Error())
}

// entries splits a stored object into its members
func (d *recordDecoder) entries(name string, raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		d.fail(name, err)
		return nil
	}
	return out
}
