package analysis

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mjuetz34/survstat/cohort"
	"github.com/mjuetz34/survstat/duration"
	"github.com/mjuetz34/survstat/forest"
	"github.com/mjuetz34/survstat/statmodel"
)

// ForestConfig holds the random forest parameters.
type ForestConfig struct {
	Trees       int    `yaml:"trees" json:"trees" validate:"gte=1,lte=10000"`
	MaxFeatures int    `yaml:"max_features" json:"max_features" validate:"gte=0"`
	MinLeaf     int    `yaml:"min_leaf" json:"min_leaf" validate:"gte=1"`
	MaxDepth    int    `yaml:"max_depth" json:"max_depth" validate:"gte=0"`
	Seed        uint64 `yaml:"seed" json:"seed"`
	Workers     int    `yaml:"workers" json:"workers" validate:"gte=0"`
}

// CoxConfig holds the proportional hazards regression parameters.
type CoxConfig struct {
	Ties      string  `yaml:"ties" json:"ties" validate:"omitempty,oneof=efron breslow"`
	Tol       float64 `yaml:"tol" json:"tol" validate:"gt=0"`
	MaxIter   int     `yaml:"max_iter" json:"max_iter" validate:"gte=1"`
	L2        float64 `yaml:"l2" json:"l2" validate:"gte=0"`
	ConfLevel float64 `yaml:"conf_level" json:"conf_level" validate:"gt=0,lt=1"`
}

// Config describes one analysis run.
type Config struct {

	// Name of the cohort endpoint to analyze.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"required"`

	// Covariates of the Cox model and features of the forest.
	Covariates []string `yaml:"covariates" json:"covariates" validate:"required,min=1,unique"`

	// Discrete covariates whose combinations define the Kaplan-Meier
	// groups compared by the log-rank test.  If empty, a single curve
	// is estimated.
	Grouping []string `yaml:"grouping" json:"grouping,omitempty" validate:"unique"`

	// Optional discrete covariate.  If set, the whole analysis is
	// repeated within each of its values.
	Stratify string `yaml:"stratify" json:"stratify,omitempty"`

	// Optional discrete covariate compared within each stratum.
	Secondary string `yaml:"secondary" json:"secondary,omitempty"`

	// If true, the stratifying covariate is kept among the covariates
	// and grouping variables within its own strata, where it is
	// constant.
	KeepStratifier bool `yaml:"keep_stratifier" json:"keep_stratifier"`

	// Optional endpoint treated as a competing risk.  It must share the
	// time column of Endpoint.
	Competing string `yaml:"competing" json:"competing,omitempty"`

	// If true, a component that fails is recorded in the results and
	// the remaining components still run.  Otherwise the first failure
	// ends the run.
	Tolerant bool `yaml:"tolerant" json:"tolerant"`

	Forest ForestConfig `yaml:"forest" json:"forest"`
	Cox    CoxConfig    `yaml:"cox" json:"cox"`
}

// DefaultConfig returns a configuration with default model settings.
// The endpoint and covariates must still be set.
func DefaultConfig() *Config {
	fc := forest.DefaultConfig()
	pc := duration.DefaultPHRegConfig()
	return &Config{
		Forest: ForestConfig{
			Trees:   fc.NumTrees,
			MinLeaf: fc.MinLeafSize,
			Seed:    fc.Seed,
		},
		Cox: CoxConfig{
			Ties:      strings.ToLower(pc.Ties.String()),
			Tol:       pc.Tol,
			MaxIter:   pc.MaxIter,
			ConfLevel: 0.95,
		},
	}
}

var validate = validator.New()

// LoadConfig reads a YAML configuration.  Settings that are not given
// keep their default values.
func LoadConfig(r io.Reader) (*Config, error) {

	cfg, err := DecodeConfig(r)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DecodeConfig decodes a YAML configuration over the defaults without
// validating it, so that callers can override fields first.
func DecodeConfig(r io.Reader) (*Config, error) {

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding analysis config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration on its own, without reference to a
// cohort.
func (cfg *Config) Validate() error {

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid analysis config: %w", err)
	}

	if cfg.Secondary != "" && cfg.Secondary == cfg.Stratify {
		return fmt.Errorf("invalid analysis config: secondary covariate '%s' is the stratifying covariate", cfg.Secondary)
	}
	if cfg.Competing != "" && cfg.Competing == cfg.Endpoint {
		return fmt.Errorf("invalid analysis config: endpoint '%s' competes with itself", cfg.Endpoint)
	}

	return nil
}

// check verifies that the variables named by the configuration exist in
// the cohort with suitable kinds.
func (cfg *Config) check(c *cohort.Cohort) error {

	ep, err := c.Endpoint(cfg.Endpoint)
	if err != nil {
		return err
	}

	if cfg.Competing != "" {
		cp, err := c.Endpoint(cfg.Competing)
		if err != nil {
			return err
		}
		if cp.Time != ep.Time {
			msg := fmt.Sprintf("competing endpoint '%s' does not share the time column '%s'", cp.Name, ep.Time)
			return &statmodel.SchemaError{Column: cp.Time, Msg: msg}
		}
	}

	covs := make(map[string]bool)
	for _, na := range c.Covariates() {
		covs[na] = true
	}

	for _, na := range cfg.Covariates {
		if !covs[na] {
			return &statmodel.SchemaError{Column: na, Msg: "not a declared covariate"}
		}
	}

	discrete := append(append([]string(nil), cfg.Grouping...), cfg.Stratify, cfg.Secondary)
	for _, na := range discrete {
		if na == "" {
			continue
		}
		if !covs[na] {
			return &statmodel.SchemaError{Column: na, Msg: "not a declared covariate"}
		}
		col, err := c.Column(na)
		if err != nil {
			return err
		}
		if col.Kind() == cohort.Continuous {
			return &statmodel.SchemaError{Column: na, Msg: "grouping and stratifying covariates must be discrete"}
		}
	}

	return nil
}

func (cfg *Config) phregConfig() (*duration.PHRegConfig, error) {

	ties, err := duration.ParseTies(cfg.Cox.Ties)
	if err != nil {
		return nil, err
	}

	pc := duration.DefaultPHRegConfig()
	pc.Ties = ties
	pc.Tol = cfg.Cox.Tol
	pc.MaxIter = cfg.Cox.MaxIter

	return pc, nil
}

func (cfg *Config) forestConfig() *forest.Config {
	return &forest.Config{
		NumTrees:    cfg.Forest.Trees,
		MaxFeatures: cfg.Forest.MaxFeatures,
		MinLeafSize: cfg.Forest.MinLeaf,
		MaxDepth:    cfg.Forest.MaxDepth,
		Seed:        cfg.Forest.Seed,
		Workers:     cfg.Forest.Workers,
	}
}
