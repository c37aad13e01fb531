package medauthz

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative form of an engine: settings, policies, seed
// relationships and custom inheritance edges, loadable from YAML or JSON.
type Config struct {
	Version     uint16                  `json:"version" yaml:"version"`
	Engine      EngineConfig            `json:"engine" yaml:"engine"`
	Audit       AuditConfig             `json:"audit" yaml:"audit"`
	Policies    []*HealthcarePolicy     `json:"policies" yaml:"policies"`
	SeedDefault bool                    `json:"seed_default_policies" yaml:"seed_default_policies"`
	Tuples      []TupleConfig           `json:"relationships" yaml:"relationships"`
	Inheritance []InheritanceEdgeConfig `json:"inheritance" yaml:"inheritance"`
}

// TupleConfig is one relationship tuple in string form.
type TupleConfig struct {
	Resource  string     `json:"resource" yaml:"resource"`
	Relation  string     `json:"relation" yaml:"relation"`
	Subject   string     `json:"subject" yaml:"subject"`
	Context   string     `json:"context,omitempty" yaml:"context,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// InheritanceEdgeConfig declares that holders of one relation also satisfy
// another.
type InheritanceEdgeConfig struct {
	Holder    string `json:"holder" yaml:"holder"`
	Satisfies string `json:"satisfies" yaml:"satisfies"`
}

// ConfigLoader parses configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigurationError("parse yaml: " + err.Error())
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigurationError("parse json: " + err.Error())
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadFile dispatches on the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("read config: " + err.Error())
	}
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return l.LoadYAML(data)
	case strings.HasSuffix(path, ".json"):
		return l.LoadJSON(data)
	default:
		return nil, NewConfigurationError("unsupported config format: " + path)
	}
}

func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// fillDefaults applies the documented defaults to zero-valued settings.
func (c *Config) fillDefaults() {
	if c.Engine == (EngineConfig{}) {
		c.Engine = DefaultEngineConfig()
	} else {
		if c.Engine.MaxRelationDepth <= 0 {
			c.Engine.MaxRelationDepth = 10
		}
		if c.Engine.CacheTTLSeconds <= 0 {
			c.Engine.CacheTTLSeconds = 300
		}
		if c.Engine.MaxCacheSize <= 0 {
			c.Engine.MaxCacheSize = 1000
		}
	}
	if c.Audit == (AuditConfig{}) {
		c.Audit = DefaultAuditConfig()
	} else if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 2555
	}
}

// Validate checks referential integrity of the declared policies, tuples
// and inheritance edges.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Policies))
	for i, p := range c.Policies {
		if p == nil {
			return NewConfigurationError(fmt.Sprintf("policy %d is null", i))
		}
		if p.ID == "" {
			return NewConfigurationError(fmt.Sprintf("policy %d has no id", i))
		}
		if seen[p.ID] {
			return NewConfigurationError("duplicate policy id " + p.ID)
		}
		seen[p.ID] = true
		if p.Effect.Kind == "" {
			return NewConfigurationError("policy " + p.ID + " has no effect")
		}
	}
	for i, t := range c.Tuples {
		if _, err := ParseResource(t.Resource); err != nil {
			return NewConfigurationError(fmt.Sprintf("relationship %d: %v", i, err))
		}
		if _, err := ParseSubject(t.Subject); err != nil {
			return NewConfigurationError(fmt.Sprintf("relationship %d: %v", i, err))
		}
		if t.Relation == "" {
			return NewConfigurationError(fmt.Sprintf("relationship %d has no relation", i))
		}
	}
	for i, edge := range c.Inheritance {
		if edge.Holder == "" || edge.Satisfies == "" {
			return NewConfigurationError(fmt.Sprintf("inheritance edge %d requires holder and satisfies", i))
		}
		if edge.Holder == edge.Satisfies {
			return NewConfigurationError(fmt.Sprintf("inheritance edge %d is self-referential", i))
		}
	}
	return nil
}

// EngineOptions converts the static settings into construction options.
func (c *Config) EngineOptions() []EngineOption {
	opts := []EngineOption{
		WithEngineConfig(c.Engine),
		WithAuditConfig(c.Audit),
	}
	for _, edge := range c.Inheritance {
		opts = append(opts, WithRelationInheritance(Relation(edge.Holder), Relation(edge.Satisfies)))
	}
	return opts
}

// ApplyConfig loads the declared policies and relationships into the
// engine's stores. Settings and inheritance edges are construction-time
// and must be passed through EngineOptions instead.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.SeedDefault {
		for _, p := range DefaultPolicies() {
			if err := e.policyStore.CreatePolicy(ctx, p); err != nil {
				return err
			}
		}
	}
	for _, p := range cfg.Policies {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		if err := e.policyStore.CreatePolicy(ctx, p); err != nil {
			return err
		}
	}
	for _, tc := range cfg.Tuples {
		resource, err := ParseResource(tc.Resource)
		if err != nil {
			return NewConfigurationError(err.Error())
		}
		subject, err := ParseSubject(tc.Subject)
		if err != nil {
			return NewConfigurationError(err.Error())
		}
		tuple := NewTuple(resource, Relation(tc.Relation), subject)
		tuple.Context = tc.Context
		tuple.CreatedBy = tc.CreatedBy
		if tc.ExpiresAt != nil {
			exp := *tc.ExpiresAt
			tuple.ExpiresAt = &exp
		}
		if err := e.AddRelationship(ctx, tuple); err != nil {
			return err
		}
	}
	e.logger.Info("configuration applied",
		"policies", len(cfg.Policies),
		"relationships", len(cfg.Tuples),
		"seed_default", cfg.SeedDefault)
	return nil
}

// NewEngineFromConfig builds memory-backed stores, constructs the engine
// with the config's settings and loads its policies and relationships.
func NewEngineFromConfig(ctx context.Context, cfg *Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, NewConfigurationError("nil config")
	}
	cfg.fillDefaults()
	all := append(cfg.EngineOptions(), opts...)
	e, err := NewEngine(NewMemoryRelationshipStore(), NewMemoryPolicyStore(), NewMemoryAuditStore(), all...)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyConfig(ctx, cfg); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
