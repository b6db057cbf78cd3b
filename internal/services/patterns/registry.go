package patterns

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/services/cache"
	"gopkg.in/yaml.v3"
)

// ErrPatternLoad is returned when the template document cannot be loaded or compiled
var ErrPatternLoad = errors.New("pattern load failed")

// neverMatch is the empty character class; it matches no input
var neverMatch = regexp.MustCompile(`[^\x00-\x{10FFFF}]`)

type compiledPattern struct {
	models.CommandPattern
	re *regexp.Regexp
}

// Registry holds the compiled command patterns of every language. It is
// immutable once built and safe for concurrent use.
type Registry struct {
	defaultLanguage string
	ordered         map[string][]*compiledPattern
	index           map[string]map[string]*compiledPattern
	cache           cache.Service
	logger          *logrus.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithCache memoizes Match results per (language, text)
func WithCache(c cache.Service) Option {
	return func(r *Registry) {
		r.cache = c
	}
}

// LoadFile reads and compiles the template document at path
func LoadFile(path, defaultLanguage string, logger *logrus.Logger, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPatternLoad, path, err)
	}
	return Parse(data, defaultLanguage, logger, opts...)
}

// Parse compiles a template document shaped language -> section -> key -> template.
// Patterns are registered with sections in document order and keys in document
// order within each section. A scalar directly under a language registers a key
// with an empty section.
func Parse(data []byte, defaultLanguage string, logger *logrus.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		defaultLanguage: defaultLanguage,
		ordered:         make(map[string][]*compiledPattern),
		index:           make(map[string]map[string]*compiledPattern),
		logger:          logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatternLoad, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrPatternLoad)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: line %d: top level must map languages to sections", ErrPatternLoad, root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		lang := root.Content[i].Value
		sections := root.Content[i+1]
		if sections.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: line %d: language %q must map sections", ErrPatternLoad, sections.Line, lang)
		}

		for j := 0; j+1 < len(sections.Content); j += 2 {
			name, body := sections.Content[j], sections.Content[j+1]
			switch body.Kind {
			case yaml.ScalarNode:
				if err := r.add(lang, "", name.Value, body.Value); err != nil {
					return nil, err
				}
			case yaml.MappingNode:
				for k := 0; k+1 < len(body.Content); k += 2 {
					key, tmpl := body.Content[k], body.Content[k+1]
					if tmpl.Kind != yaml.ScalarNode {
						return nil, fmt.Errorf("%w: line %d: template %s.%s.%s must be a string", ErrPatternLoad, tmpl.Line, lang, name.Value, key.Value)
					}
					if err := r.add(lang, name.Value, key.Value, tmpl.Value); err != nil {
						return nil, err
					}
				}
			default:
				return nil, fmt.Errorf("%w: line %d: section %s.%s must map keys to templates", ErrPatternLoad, body.Line, lang, name.Value)
			}
		}
	}

	if _, ok := r.ordered[defaultLanguage]; !ok {
		return nil, fmt.Errorf("%w: default language %q has no patterns", ErrPatternLoad, defaultLanguage)
	}

	for _, lang := range r.Languages() {
		logger.WithFields(logrus.Fields{
			"language": lang,
			"patterns": len(r.ordered[lang]),
		}).Info("Command patterns loaded")
	}
	return r, nil
}

func (r *Registry) add(lang, section, key, template string) error {
	id := section + "." + key
	if _, dup := r.index[lang][id]; dup {
		return fmt.Errorf("%w: duplicate key %s.%s", ErrPatternLoad, lang, id)
	}

	p := &compiledPattern{
		CommandPattern: models.CommandPattern{Language: lang, Section: section, Key: key, Template: template},
		re:             neverMatch,
	}
	if strings.TrimSpace(template) != "" {
		re, err := regexp.Compile("(?i)^(?:" + template + ")")
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrPatternLoad, lang, id, err)
		}
		p.re = re
	}

	if r.index[lang] == nil {
		r.index[lang] = make(map[string]*compiledPattern)
	}
	r.index[lang][id] = p
	r.ordered[lang] = append(r.ordered[lang], p)
	return nil
}

// Languages returns the loaded languages in sorted order
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.ordered))
	for lang := range r.ordered {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Patterns returns the patterns of a language in registration order
func (r *Registry) Patterns(language string) []models.CommandPattern {
	compiled := r.ordered[r.resolve(language)]
	out := make([]models.CommandPattern, len(compiled))
	for i, p := range compiled {
		out[i] = p.CommandPattern
	}
	return out
}

// Pattern returns the compiled matcher for a key. Unknown keys resolve to a
// matcher that never matches.
func (r *Registry) Pattern(language, section, key string) *regexp.Regexp {
	if p, ok := r.index[r.resolve(language)][section+"."+key]; ok {
		return p.re
	}
	return neverMatch
}

// Match classifies text, returning the first pattern in registration order
// that matches the trimmed text.
func (r *Registry) Match(text, language string) (models.PatternMatch, bool) {
	lang := r.resolve(language)
	text = strings.TrimSpace(text)

	if r.cache != nil {
		if entry, ok := r.cache.Get(lang, text); ok {
			if entry.Match == nil {
				return models.PatternMatch{}, false
			}
			return copyMatch(*entry.Match), true
		}
	}

	match, ok := r.match(text, lang)
	if r.cache != nil {
		if ok {
			cached := copyMatch(match)
			r.cache.Set(lang, text, &cached)
		} else {
			r.cache.Set(lang, text, nil)
		}
	}
	return match, ok
}

func (r *Registry) match(text, lang string) (models.PatternMatch, bool) {
	for _, p := range r.ordered[lang] {
		sub := p.re.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		return models.PatternMatch{
			Section:  p.Section,
			Key:      p.Key,
			Captures: append([]string{}, sub[1:]...),
		}, true
	}
	return models.PatternMatch{}, false
}

// IsCommand reports whether text matches any pattern of the language
func (r *Registry) IsCommand(text, language string) bool {
	_, ok := r.Match(text, language)
	return ok
}

func (r *Registry) resolve(language string) string {
	if _, ok := r.ordered[language]; ok {
		return language
	}
	return r.defaultLanguage
}

func copyMatch(m models.PatternMatch) models.PatternMatch {
	m.Captures = append([]string{}, m.Captures...)
	return m
}
