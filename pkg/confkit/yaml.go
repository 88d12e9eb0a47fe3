package confkit

import (
	"fmt"
	"io"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Rule registers a custom validator tag for DecodeYAML.
type Rule struct {
	Tag string
	Fn  validator.Func
}

// LoadYAML reads a YAML section file with environment expansion, then applies
// `default` tags and runs `validate` tags.
func LoadYAML[T any](path string, rules ...Rule) (*T, error) {
	LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()
	cfg, err := DecodeYAML[T](file, rules...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DecodeYAML is LoadYAML for an already opened reader.
func DecodeYAML[T any](r io.Reader, rules ...Rule) (*T, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg T
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := Validate(&cfg, rules...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct validation with the given custom rules.
func Validate(v any, rules ...Rule) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	for _, rule := range rules {
		if err := validate.RegisterValidation(rule.Tag, rule.Fn); err != nil {
			return fmt.Errorf("register validation %s: %w", rule.Tag, err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
