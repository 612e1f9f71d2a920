package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Quality modes for the collector's relevance gate. Named templates run
// strict; the built-in fallback runs permissive.
const (
	QualityModeStrict     = "strict"
	QualityModePermissive = "permissive"
)

// TemplateSource is one configured source inside a template.
type TemplateSource struct {
	SourceType string         `yaml:"source_type"`
	Parameters map[string]any `yaml:"parameters"`
	MaxItems   int            `yaml:"max_items"`
}

// SourceTemplate describes what one collection run should ingest.
type SourceTemplate struct {
	Name        string           `yaml:"-"`
	Sources     []TemplateSource `yaml:"sources"`
	QualityMode string           `yaml:"quality_mode"`
}

type templatesFile struct {
	Templates map[string]SourceTemplate `yaml:"templates"`
}

// LoadTemplates parses the YAML template file. Templates without an explicit
// quality mode default to strict, because being named implies curation.
func LoadTemplates(path string) (map[string]SourceTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading source templates: %w", err)
	}
	var parsed templatesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing source templates: %w", err)
	}
	if len(parsed.Templates) == 0 {
		return nil, fmt.Errorf("source template file %s defines no templates", path)
	}
	out := make(map[string]SourceTemplate, len(parsed.Templates))
	for name, tpl := range parsed.Templates {
		tpl.Name = name
		if tpl.QualityMode == "" {
			tpl.QualityMode = QualityModeStrict
		}
		if err := tpl.Validate(); err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		out[name] = tpl
	}
	return out, nil
}

// Validate checks a single template.
func (t SourceTemplate) Validate() error {
	if len(t.Sources) == 0 {
		return fmt.Errorf("defines no sources")
	}
	switch t.QualityMode {
	case QualityModeStrict, QualityModePermissive:
	default:
		return fmt.Errorf("unknown quality mode %q", t.QualityMode)
	}
	for _, s := range t.Sources {
		switch s.SourceType {
		case "reddit", "mastodon", "rss":
		default:
			return fmt.Errorf("unknown source type %q", s.SourceType)
		}
	}
	return nil
}

// BuiltinTemplate is the fallback used when no template file is configured or
// the requested name is missing. It runs in permissive mode.
func BuiltinTemplate() SourceTemplate {
	return SourceTemplate{
		Name:        "builtin",
		QualityMode: QualityModePermissive,
		Sources: []TemplateSource{
			{
				SourceType: "reddit",
				Parameters: map[string]any{"subreddits": []any{"programming", "golang"}},
				MaxItems:   25,
			},
			{
				SourceType: "mastodon",
				Parameters: map[string]any{"instances": []any{"mastodon.social"}},
				MaxItems:   25,
			},
		},
	}
}

// StringsParam extracts a []string parameter from a template source.
func (s TemplateSource) StringsParam(key string) []string {
	raw, ok := s.Parameters[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// IntParam extracts an int parameter from a template source.
func (s TemplateSource) IntParam(key string, def int) int {
	raw, ok := s.Parameters[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
