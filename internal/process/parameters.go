package process

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/seantiz/crucible/internal/constraint"
)

// ParameterType is the expected type of a parameter value.
type ParameterType string

// Parameter types.
const (
	TypeString  ParameterType = "string"
	TypeInteger ParameterType = "integer"
	TypeFloat   ParameterType = "float"
	TypeBoolean ParameterType = "boolean"
	TypeEnum    ParameterType = "enum"
)

// ParameterDescriptor declares one parameter a process accepts.
type ParameterDescriptor struct {
	Name     string        `json:"name" yaml:"name"`
	Type     ParameterType `json:"type" yaml:"type"`
	Required bool          `json:"required" yaml:"required"`
	Default  string        `json:"default,omitempty" yaml:"default"`
	Allowed  []string      `json:"allowed,omitempty" yaml:"allowed"`
	Desc     string        `json:"description,omitempty" yaml:"description"`
}

// InvalidParametersError lists every parameter that failed validation.
type InvalidParametersError struct {
	Violations []constraint.Violation
}

func (e *InvalidParametersError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return "invalid parameters: " + strings.Join(msgs, "; ")
}

// ValidateParameters checks params against descs and returns a copy with
// defaults filled in. All violations are collected, not just the first.
func ValidateParameters(descs []ParameterDescriptor, params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	var violations []constraint.Violation

	declared := make(map[string]bool, len(descs))
	for _, d := range descs {
		declared[d.Name] = true

		v, ok := params[d.Name]
		if !ok {
			switch {
			case d.Required:
				violations = append(violations, constraint.Violation{Field: d.Name, Message: "is required"})
			case d.Default != "":
				out[d.Name] = d.Default
			}
			continue
		}
		if msg := checkType(d, v); msg != "" {
			violations = append(violations, constraint.Violation{Field: d.Name, Message: msg})
			continue
		}
		out[d.Name] = v
	}

	// Report undeclared parameters in a stable order.
	var unknown []string
	for name := range params {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		violations = append(violations, constraint.Violation{Field: name, Message: "is not a parameter of this process"})
	}

	if len(violations) > 0 {
		return nil, &InvalidParametersError{Violations: violations}
	}
	return out, nil
}

func checkType(d ParameterDescriptor, v string) string {
	switch d.Type {
	case TypeString, "":
		return ""
	case TypeInteger:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Sprintf("%q is not an integer", v)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Sprintf("%q is not a number", v)
		}
	case TypeBoolean:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Sprintf("%q is not a boolean", v)
		}
	case TypeEnum:
		if !slices.Contains(d.Allowed, v) {
			return fmt.Sprintf("%q is not one of %s", v, strings.Join(d.Allowed, ", "))
		}
	default:
		return fmt.Sprintf("unsupported parameter type %q", d.Type)
	}
	return ""
}
