// Package forecast parses the compact expressions process definitions use to
// predict result size and running duration from the size of their input.
//
// Size expressions are either an absolute size such as "2m" or "512 k", or a
// multiplier of the input size such as "*0.5". Duration expressions are an
// absolute duration such as "30min", optionally per unit of input size, as in
// "2s/k" (two seconds per kilobyte).
package forecast

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrParse is wrapped by every parse failure.
var ErrParse = errors.New("invalid forecast expression")

var sizeUnits = map[string]int64{
	"b": 1,
	"k": 1 << 10,
	"m": 1 << 20,
	"g": 1 << 30,
}

var durationUnits = map[string]time.Duration{
	"s":   time.Second,
	"min": time.Minute,
	"h":   time.Hour,
	"d":   24 * time.Hour,
}

// amountPattern matches "<decimal><unit>" with optional blanks in between.
var amountPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?|\.[0-9]+)\s*([a-z]+)$`)

// Size predicts the size of a process result.
type Size interface {
	ExpectedResultSizeInBytes(inputSizeBytes int64) int64
	String() string
}

// Duration predicts how long a process runs.
type Duration interface {
	ExpectedRunningDuration(inputSizeBytes int64) time.Duration
	String() string
}

// AbsoluteSize is a fixed expected size.
type AbsoluteSize struct {
	Bytes int64
}

func (a AbsoluteSize) ExpectedResultSizeInBytes(int64) int64 { return a.Bytes }
func (a AbsoluteSize) String() string                        { return strconv.FormatInt(a.Bytes, 10) + "b" }

// MultiplierSize scales the input size.
type MultiplierSize struct {
	Factor float64
}

func (m MultiplierSize) ExpectedResultSizeInBytes(inputSizeBytes int64) int64 {
	return saturate(m.Factor * float64(inputSizeBytes))
}

func (m MultiplierSize) String() string {
	return "*" + strconv.FormatFloat(m.Factor, 'f', -1, 64)
}

// AbsoluteDuration is a fixed expected duration.
type AbsoluteDuration struct {
	Duration time.Duration
}

func (a AbsoluteDuration) ExpectedRunningDuration(int64) time.Duration { return a.Duration }
func (a AbsoluteDuration) String() string                              { return a.Duration.String() }

// PerSizeDuration is a duration per unit of input size.
type PerSizeDuration struct {
	Duration time.Duration
	PerBytes int64
}

func (p PerSizeDuration) ExpectedRunningDuration(inputSizeBytes int64) time.Duration {
	units := float64(inputSizeBytes) / float64(p.PerBytes)
	return time.Duration(saturate(units * float64(p.Duration)))
}

func (p PerSizeDuration) String() string {
	return p.Duration.String() + "/" + strconv.FormatInt(p.PerBytes, 10) + "b"
}

// ParseSize parses a size forecast expression.
func ParseSize(expr string) (Size, error) {
	s := normalize(expr)
	if rest, ok := strings.CutPrefix(s, "*"); ok {
		factor, err := parseNumber(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("%w: size %q: %v", ErrParse, expr, err)
		}
		return MultiplierSize{Factor: factor}, nil
	}

	n, err := ParseBytes(s)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	return AbsoluteSize{Bytes: n}, nil
}

// ParseBytes parses an absolute size such as "10g" into bytes.
func ParseBytes(expr string) (int64, error) {
	value, unit, err := splitAmount(normalize(expr))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrParse, expr, err)
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q: unknown size unit %q", ErrParse, expr, unit)
	}
	return saturate(value * float64(mult)), nil
}

// ParseDuration parses a duration forecast expression.
func ParseDuration(expr string) (Duration, error) {
	s := normalize(expr)
	amount, per, hasPer := strings.Cut(s, "/")

	value, unit, err := splitAmount(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: duration %q: %v", ErrParse, expr, err)
	}
	mult, ok := durationUnits[unit]
	if !ok {
		return nil, fmt.Errorf("%w: duration %q: unknown time unit %q", ErrParse, expr, unit)
	}
	d := time.Duration(saturate(value * float64(mult)))

	if !hasPer {
		return AbsoluteDuration{Duration: d}, nil
	}
	perBytes, ok := sizeUnits[strings.TrimSpace(per)]
	if !ok {
		return nil, fmt.Errorf("%w: duration %q: unknown size unit %q", ErrParse, expr, strings.TrimSpace(per))
	}
	return PerSizeDuration{Duration: d, PerBytes: perBytes}, nil
}

func normalize(expr string) string {
	return strings.ToLower(strings.TrimSpace(expr))
}

func splitAmount(s string) (float64, string, error) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("expected <number><unit>, got %q", s)
	}
	v, err := parseNumber(m[1])
	if err != nil {
		return 0, "", err
	}
	return v, m[2], nil
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", s)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("number %q out of range", s)
	}
	return v, nil
}

// saturate converts to int64, clamping values that would overflow.
func saturate(f float64) int64 {
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Round(f))
}
