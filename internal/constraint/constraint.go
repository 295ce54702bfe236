// Package constraint provides composable checks that reject batches and
// executions before any work is started.
package constraint

import (
	"fmt"
	"strings"
)

// Violation describes one failed check.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Checker validates a value of type T and reports every violation found.
type Checker[T any] interface {
	Check(v T) []Violation
}

// Func adapts a plain function to a Checker.
type Func[T any] func(v T) []Violation

func (f Func[T]) Check(v T) []Violation { return f(v) }

// None returns a checker that accepts everything.
func None[T any]() Checker[T] {
	return Func[T](func(T) []Violation { return nil })
}

// All combines checkers. Every checker runs and all violations are returned.
func All[T any](checkers ...Checker[T]) Checker[T] {
	return Func[T](func(v T) []Violation {
		var out []Violation
		for _, c := range checkers {
			if c == nil {
				continue
			}
			out = append(out, c.Check(v)...)
		}
		return out
	})
}

// Error carries the violations reported by a checker.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("constraint violation: %s", strings.Join(msgs, "; "))
}

// Validate runs c against v and wraps any violations in an *Error.
func Validate[T any](c Checker[T], v T) error {
	if c == nil {
		return nil
	}
	if vs := c.Check(v); len(vs) > 0 {
		return &Error{Violations: vs}
	}
	return nil
}
