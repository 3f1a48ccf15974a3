// Package cohort validates a row-oriented clinical table against a typed
// schema and provides per-analysis, complete-case views of the result.
//
// Encoding of categorical covariates: declared levels are coded
// 0, 1, ..., k-1 in declaration order.  When no levels are declared they
// are inferred once at load time (numerically sorted if every value is
// numeric, lexically sorted otherwise) and reported by Cohort.Encoding,
// so that callers can pin them in the schema for later runs.  Binary
// covariates are coded 0/1, either from the literal values "0" and "1" or
// from a declared two element level list [negative, positive].
package cohort

import (
	"github.com/go-playground/validator/v10"

	"github.com/mjuetz34/survstat/statmodel"
)

// Kind is the type of a validated column.
type Kind int

// The column kinds.  Time and Event columns are implied by the schema's
// endpoints, the others are declared per covariate.
const (
	Binary Kind = iota
	Categorical
	Continuous
	Time
	Event
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Categorical:
		return "categorical"
	case Continuous:
		return "continuous"
	case Time:
		return "time"
	case Event:
		return "event"
	}
	return "unknown"
}

func parseKind(s string) Kind {
	switch s {
	case "binary":
		return Binary
	case "categorical":
		return Categorical
	}
	return Continuous
}

// Endpoint pairs a time-to-event column with its event indicator.
// Several endpoints may share one time column.
type Endpoint struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Time  string `yaml:"time" json:"time" validate:"required"`
	Event string `yaml:"event" json:"event" validate:"required"`
}

// Covariate declares a model covariate.
type Covariate struct {
	Name   string   `yaml:"name" json:"name" validate:"required"`
	Kind   string   `yaml:"kind" json:"kind" validate:"required,oneof=binary categorical continuous"`
	Levels []string `yaml:"levels,omitempty" json:"levels,omitempty" validate:"omitempty,unique"`
}

// Schema describes the columns of an input table.
type Schema struct {

	// ID optionally names a patient identifier column.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	Endpoints  []Endpoint  `yaml:"endpoints" json:"endpoints" validate:"required,min=1,dive"`
	Covariates []Covariate `yaml:"covariates" json:"covariates" validate:"dive"`

	// Missing lists the tokens read as missing values.  If empty,
	// DefaultMissing is used.
	Missing []string `yaml:"missing,omitempty" json:"missing,omitempty"`
}

// DefaultMissing are the tokens treated as missing when the schema does
// not list its own.
var DefaultMissing = []string{"", "NA", "na", "NaN", "nan", ".", "NULL"}

var validate = validator.New()

// Validate checks the schema for completeness and internal consistency.
func (s *Schema) Validate() error {

	if err := validate.Struct(s); err != nil {
		return &statmodel.SchemaError{Msg: err.Error()}
	}

	seen := make(map[string]string)
	claim := func(name, role string) error {
		if r, ok := seen[name]; ok && r != role {
			return &statmodel.SchemaError{Column: name, Msg: "declared as both " + r + " and " + role}
		}
		seen[name] = role
		return nil
	}

	names := make(map[string]bool)
	for _, ep := range s.Endpoints {
		if names[ep.Name] {
			return &statmodel.SchemaError{Msg: "duplicate endpoint '" + ep.Name + "'"}
		}
		names[ep.Name] = true
		if err := claim(ep.Time, "time"); err != nil {
			return err
		}
		if err := claim(ep.Event, "event"); err != nil {
			return err
		}
	}

	covs := make(map[string]bool)
	for _, cv := range s.Covariates {
		if err := claim(cv.Name, "covariate"); err != nil {
			return err
		}
		if covs[cv.Name] {
			return &statmodel.SchemaError{Column: cv.Name, Msg: "covariate declared twice"}
		}
		covs[cv.Name] = true
		if cv.Kind == "binary" && len(cv.Levels) != 0 && len(cv.Levels) != 2 {
			return &statmodel.SchemaError{Column: cv.Name, Msg: "binary covariate needs exactly two levels"}
		}
	}

	if s.ID != "" {
		if err := claim(s.ID, "id"); err != nil {
			return err
		}
	}

	return nil
}
