// Package indicator computes windowed moving averages over a bar series.
//
// Values are index-aligned with the series they were computed from. An
// absent value (not enough closes yet) is a nil pointer, which encodes as
// JSON null.
package indicator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"marketdash/internal/model"
)

// ErrInvalidArgument is returned for non-positive windows or malformed specs.
var ErrInvalidArgument = errors.New("invalid argument")

// Spec names one moving average, e.g. {Name: "sma20", Window: 20}.
type Spec struct {
	Name   string `yaml:"name" json:"name"`
	Window int    `yaml:"window" json:"window"`
}

// Set maps indicator name to values aligned with the series.
type Set map[string][]*float64

// DefaultSpecs are the averages the dashboard draws.
func DefaultSpecs() []Spec {
	return []Spec{{Name: "sma5", Window: 5}, {Name: "sma20", Window: 20}}
}

// ParseSpecs parses a comma-separated list such as "sma5,sma20".
func ParseSpecs(s string) ([]Spec, error) {
	var specs []Spec
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "sma") {
			return nil, fmt.Errorf("%w: unsupported indicator %q", ErrInvalidArgument, part)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(part, "sma"))
		if err != nil {
			return nil, fmt.Errorf("%w: indicator %q", ErrInvalidArgument, part)
		}
		if err := Validate(Spec{Name: part, Window: n}); err != nil {
			return nil, err
		}
		if seen[part] {
			continue
		}
		seen[part] = true
		specs = append(specs, Spec{Name: part, Window: n})
	}
	return specs, nil
}

// Validate rejects specs that would make ComputeSMA fail.
func Validate(sp Spec) error {
	if sp.Name == "" {
		return fmt.Errorf("%w: indicator name is empty", ErrInvalidArgument)
	}
	if sp.Window <= 0 {
		return fmt.Errorf("%w: %s window %d must be positive", ErrInvalidArgument, sp.Name, sp.Window)
	}
	return nil
}

// Compute recomputes every spec over the series closes. Specs must have
// passed Validate.
func Compute(series model.Series, specs []Spec) Set {
	closes := series.Closes()
	out := make(Set, len(specs))
	for _, sp := range specs {
		vals, err := ComputeSMA(closes, sp.Window)
		if err != nil {
			continue
		}
		out[sp.Name] = vals
	}
	return out
}

// Latest returns the last present value, if any.
func Latest(vals []*float64) (float64, bool) {
	if len(vals) == 0 || vals[len(vals)-1] == nil {
		return 0, false
	}
	return *vals[len(vals)-1], true
}

// Headline returns the newest value of each indicator, nil where absent.
func Headline(set Set) map[string]*float64 {
	out := make(map[string]*float64, len(set))
	for name, vals := range set {
		if v, ok := Latest(vals); ok {
			out[name] = &v
		} else {
			out[name] = nil
		}
	}
	return out
}
