package handlers

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownHandlerType is returned when a config names a handler
	// type with no registration. This is fatal at load time: no handler
	// is constructed from an unvalidated config.
	ErrUnknownHandlerType = errors.New("unknown handler type")
	// ErrDuplicateHandlerID is returned when two configs share an id.
	ErrDuplicateHandlerID = errors.New("duplicate handler id")
)

// Duration decodes YAML duration strings such as "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BaseConfig carries the fields every input handler configuration has.
// Type selects the registration (and so the config schema), ID names the
// instance, and Interval enables periodic triggering when positive.
type BaseConfig struct {
	Type     string   `yaml:"type" validate:"required"`
	ID       string   `yaml:"id" validate:"required"`
	Name     string   `yaml:"name"`
	Interval Duration `yaml:"interval"`
}

// Config is a validated, type-specific handler configuration. Concrete
// schemas embed BaseConfig.
type Config interface {
	Base() *BaseConfig
}

// Base returns the embedded common fields.
func (c *BaseConfig) Base() *BaseConfig { return c }

// Registration binds a handler type tag to its config schema and
// constructor. WatchesFiles opts the handler into a per-instance input
// directory watched for dropped files.
type Registration struct {
	Type         string
	WatchesFiles bool
	NewConfig    func() Config
	New          func(cfg Config, deps Deps) (InputHandler, error)
}

// ConfigRegistry maps handler type tags to registrations. Like the entry
// registry it is built once at startup and passed in explicitly.
type ConfigRegistry struct {
	regs     map[string]Registration
	validate *validator.Validate
}

// NewConfigRegistry builds a registry from the given registrations.
func NewConfigRegistry(regs ...Registration) (*ConfigRegistry, error) {
	r := &ConfigRegistry{
		regs:     make(map[string]Registration, len(regs)),
		validate: validator.New(),
	}
	for _, reg := range regs {
		if reg.Type == "" || reg.NewConfig == nil || reg.New == nil {
			return nil, fmt.Errorf("incomplete registration for handler type %q", reg.Type)
		}
		if _, ok := r.regs[reg.Type]; ok {
			return nil, fmt.Errorf("handler type %q registered twice", reg.Type)
		}
		r.regs[reg.Type] = reg
	}
	return r, nil
}

// DefaultRegistry registers the handler types shipped with the server.
func DefaultRegistry() *ConfigRegistry {
	r, err := NewConfigRegistry(filedropRegistration(), sensorRegistration())
	if err != nil {
		// Registrations are static; a failure here is a programming error.
		panic(err)
	}
	return r
}

// Lookup returns the registration for a handler type tag.
func (r *ConfigRegistry) Lookup(handlerType string) (Registration, error) {
	reg, ok := r.regs[handlerType]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrUnknownHandlerType, handlerType)
	}
	return reg, nil
}

type handlersFile struct {
	Handlers []yaml.Node `yaml:"handlers"`
}

// LoadConfigs reads the handler configuration file and validates each
// instance against the schema registered for its declared type. Any
// unknown type, schema violation, or duplicate id fails the whole load;
// nothing is half-configured.
func (r *ConfigRegistry) LoadConfigs(path string) ([]Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read handler config %s: %w", path, err)
	}
	return r.ParseConfigs(raw)
}

// ParseConfigs validates a raw YAML handler configuration document.
func (r *ConfigRegistry) ParseConfigs(raw []byte) ([]Config, error) {
	var file handlersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse handler config: %w", err)
	}

	seen := map[string]struct{}{}
	configs := make([]Config, 0, len(file.Handlers))
	for i := range file.Handlers {
		node := &file.Handlers[i]

		var base BaseConfig
		if err := node.Decode(&base); err != nil {
			return nil, fmt.Errorf("handler config #%d: %w", i, err)
		}
		reg, err := r.Lookup(base.Type)
		if err != nil {
			return nil, fmt.Errorf("handler config #%d: %w", i, err)
		}

		cfg := reg.NewConfig()
		if err := node.Decode(cfg); err != nil {
			return nil, fmt.Errorf("handler %q: decode config: %w", base.ID, err)
		}
		if err := r.validate.Struct(cfg); err != nil {
			return nil, fmt.Errorf("handler %q: invalid config: %w", base.ID, err)
		}

		id := cfg.Base().ID
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateHandlerID, id)
		}
		seen[id] = struct{}{}
		configs = append(configs, cfg)
	}
	return configs, nil
}
