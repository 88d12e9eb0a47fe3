package timeseries

import (
	"fmt"
	"io"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"tickstore/pkg/confkit"
)

// Config is the storage section file (etc/storage.yaml).
type Config struct {
	Timeouts     TimeoutConfig `yaml:"timeouts"`
	MaxBatchRows int           `yaml:"max_batch_rows" default:"5000" validate:"gte=1,lte=65535"`
	Tables       []TableConfig `yaml:"tables" validate:"dive"`
}

// TimeoutConfig is the YAML form of Timeouts.
type TimeoutConfig struct {
	ExtensionCheck time.Duration `yaml:"extension_check" default:"5s" validate:"gte=0"`
	DDL            time.Duration `yaml:"ddl" default:"30s" validate:"gte=0"`
	Query          time.Duration `yaml:"query" default:"30s" validate:"gte=0"`
	Write          time.Duration `yaml:"write" default:"15s" validate:"gte=0"`
}

func (t TimeoutConfig) Timeouts() Timeouts {
	return Timeouts{ExtensionCheck: t.ExtensionCheck, DDL: t.DDL, Query: t.Query, Write: t.Write}
}

// DefaultConfig is the section used when no storage file is configured: default
// timeouts and batch size, no tables.
func DefaultConfig() *Config {
	d := DefaultTimeouts()
	return &Config{
		Timeouts: TimeoutConfig{
			ExtensionCheck: d.ExtensionCheck,
			DDL:            d.DDL,
			Query:          d.Query,
			Write:          d.Write,
		},
		MaxBatchRows: DefaultMaxBatchRows,
	}
}

// TableConfig binds a configured table to an entity kind by name.
type TableConfig struct {
	Entity              string `yaml:"entity" validate:"required,identifier"`
	RegistrationOptions `yaml:",inline"`
}

// ManagerOptions converts the section into Manager options.
func (c *Config) ManagerOptions() []Option {
	return []Option{WithTimeouts(c.Timeouts.Timeouts()), WithMaxBatchRows(c.MaxBatchRows)}
}

// ValidationRules are the custom validator tags used by storage configuration.
func ValidationRules() []confkit.Rule {
	return []confkit.Rule{
		{Tag: "identifier", Fn: func(fl validator.FieldLevel) bool { return ValidIdentifier(fl.Field().String()) }},
		{Tag: "relation", Fn: func(fl validator.FieldLevel) bool {
			_, err := ParseTableSpec(fl.Field().String())
			return err == nil
		}},
		{Tag: "interval", Fn: func(fl validator.FieldLevel) bool {
			_, err := ParseInterval(fl.Field().String())
			return err == nil
		}},
	}
}

// LoadConfig reads the storage section from disk.
func LoadConfig(path string) (*Config, error) {
	cfg, err := confkit.LoadYAML[Config](path, ValidationRules()...)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}
	return cfg, cfg.normalise()
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	cfg, err := confkit.DecodeYAML[Config](r, ValidationRules()...)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}
	return cfg, cfg.normalise()
}

func (c *Config) normalise() error {
	seen := make(map[string]struct{}, len(c.Tables))
	for i := range c.Tables {
		if err := defaults.Set(&c.Tables[i]); err != nil {
			return fmt.Errorf("storage config: table %d defaults: %w", i, err)
		}
		spec, err := ParseTableSpec(c.Tables[i].TableName)
		if err != nil {
			return fmt.Errorf("storage config: %w", err)
		}
		if _, dup := seen[spec.Qualified()]; dup {
			return fmt.Errorf("storage config: %w: %s", ErrDuplicateRegistration, spec.Qualified())
		}
		seen[spec.Qualified()] = struct{}{}
	}
	return nil
}

// Table returns the configured table named name.
func (c *Config) Table(name string) (TableConfig, bool) {
	want, err := ParseTableSpec(name)
	if err != nil {
		return TableConfig{}, false
	}
	for _, t := range c.Tables {
		if spec, err := ParseTableSpec(t.TableName); err == nil && spec == want {
			return t, true
		}
	}
	return TableConfig{}, false
}
