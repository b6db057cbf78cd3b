package patterns

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"github.com/tg-selfbot-go/internal/services/cache"
)

const testDocument = `
en:
  misc:
    ping: "^/ping$"
    echo: "^/echo (.+)$"
  fast_response:
    add_response: "^/add_response (.+)$"
    set_mode: "^/set_mode(?: (\\w+))?$"
    disabled: ""
  overlap:
    first: "^/dup"
    second: "^/dup"
fa:
  misc:
    ping: "^پینگ$"
`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustParse(t *testing.T, doc string, opts ...Option) *Registry {
	t.Helper()
	r, err := Parse([]byte(doc), "en", quietLogger(), opts...)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return r
}

func TestRegistry_PingMatch(t *testing.T) {
	r := mustParse(t, testDocument)

	m, ok := r.Match("/ping", "en")
	if !ok {
		t.Fatal("expected /ping to be a command")
	}
	if m.Section != "misc" || m.Key != "ping" {
		t.Errorf("match = %+v", m)
	}
	if m.Captures == nil || len(m.Captures) != 0 {
		t.Errorf("captures = %#v, want empty", m.Captures)
	}
}

func TestRegistry_Match(t *testing.T) {
	r := mustParse(t, testDocument)

	tests := []struct {
		name     string
		text     string
		lang     string
		wantKey  string
		captures []string
	}{
		{name: "case insensitive", text: "/PING", lang: "en", wantKey: "ping", captures: []string{}},
		{name: "trimmed", text: "  /ping \n", lang: "en", wantKey: "ping", captures: []string{}},
		{name: "capture", text: "/echo hello world", lang: "en", wantKey: "echo", captures: []string{"hello world"}},
		{name: "optional group unmatched", text: "/set_mode", lang: "en", wantKey: "set_mode", captures: []string{""}},
		{name: "optional group matched", text: "/set_mode edit", lang: "en", wantKey: "set_mode", captures: []string{"edit"}},
		{name: "other language", text: "پینگ", lang: "fa", wantKey: "ping", captures: []string{}},
		{name: "unknown language falls back", text: "/ping", lang: "de", wantKey: "ping", captures: []string{}},
		{name: "free text", text: "hello there", lang: "en"},
		{name: "anchored at start", text: "say /ping", lang: "en"},
		{name: "languages are separate", text: "/ping", lang: "fa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := r.Match(tt.text, tt.lang)
			if tt.wantKey == "" {
				if ok {
					t.Fatalf("unexpected match %+v", m)
				}
				return
			}
			if !ok || m.Key != tt.wantKey {
				t.Fatalf("match = %+v, %v; want key %s", m, ok, tt.wantKey)
			}
			if !reflect.DeepEqual(m.Captures, tt.captures) {
				t.Errorf("captures = %#v, want %#v", m.Captures, tt.captures)
			}
		})
	}
}

// When two patterns match the same text the one registered first wins, every time.
func TestRegistry_FirstMatchWins(t *testing.T) {
	r := mustParse(t, testDocument)

	for i := 0; i < 50; i++ {
		m, ok := r.Match("/dup", "en")
		if !ok || m.Key != "first" {
			t.Fatalf("iteration %d: match = %+v", i, m)
		}
	}

	order := r.Patterns("en")
	want := []string{"ping", "echo", "add_response", "set_mode", "disabled", "first", "second"}
	if len(order) != len(want) {
		t.Fatalf("patterns = %+v", order)
	}
	for i, p := range order {
		if p.Key != want[i] {
			t.Errorf("position %d = %s, want %s", i, p.Key, want[i])
		}
	}
}

func TestRegistry_UnknownAndEmptyNeverMatch(t *testing.T) {
	r := mustParse(t, testDocument)

	for _, text := range []string{"", "anything", "/ping", ".*"} {
		if r.Pattern("en", "misc", "missing").MatchString(text) {
			t.Errorf("unknown key matched %q", text)
		}
		if r.Pattern("en", "fast_response", "disabled").MatchString(text) {
			t.Errorf("empty template matched %q", text)
		}
	}
	if !r.Pattern("en", "misc", "ping").MatchString("/ping") {
		t.Error("known pattern should match")
	}
	if r.IsCommand("", "en") {
		t.Error("empty text is never a command")
	}
}

func TestRegistry_LoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "invalid regex", doc: "en:\n  misc:\n    bad: \"^(unclosed\"\n"},
		{name: "not a mapping", doc: "- en\n- fa\n"},
		{name: "section list", doc: "en:\n  misc:\n    - a\n"},
		{name: "missing default language", doc: "fa:\n  misc:\n    ping: x\n"},
		{name: "malformed yaml", doc: "en: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "en", quietLogger())
			if !errors.Is(err, ErrPatternLoad) {
				t.Errorf("err = %v, want ErrPatternLoad", err)
			}
		})
	}
}

func TestRegistry_LegacyFlatKeys(t *testing.T) {
	r := mustParse(t, "en:\n  ping: \"^/ping$\"\n")
	m, ok := r.Match("/ping", "en")
	if !ok || m.Section != "" || m.Key != "ping" {
		t.Errorf("match = %+v, %v", m, ok)
	}
}

func TestRegistry_JSONDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmd.json")
	if err := os.WriteFile(path, []byte(`{"en":{"misc":{"ping":"^/ping$"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadFile(path, "en", quietLogger())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !r.IsCommand("/ping", "en") {
		t.Error("JSON document should load")
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "en", quietLogger()); !errors.Is(err, ErrPatternLoad) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestRegistry_CachedResultsAreStable(t *testing.T) {
	c := cache.NewMatchCache(&config.CacheConfig{Enabled: true, TTL: time.Minute, MaxSize: 100}, quietLogger(), nil)
	r := mustParse(t, testDocument, WithCache(c))

	first, ok := r.Match("/echo hi", "en")
	if !ok {
		t.Fatal("expected match")
	}
	first.Captures[0] = "mutated"

	second, ok := r.Match("/echo hi", "en")
	if !ok || second.Captures[0] != "hi" {
		t.Errorf("cached match = %+v", second)
	}
	if r.IsCommand("plain text", "en") || r.IsCommand("plain text", "en") {
		t.Error("negative result must stay negative")
	}
}
