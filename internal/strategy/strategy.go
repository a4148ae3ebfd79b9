// Package strategy
package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amirphl/sma-replay/internal/indicator"
)

// ErrUnknownPolicy is returned by New for an unregistered policy name.
var ErrUnknownPolicy = errors.New("unknown signal policy")

// Action is the discrete trading decision for a single bar.
type Action int8

const (
	Hold Action = 0
	Buy  Action = 1
	Sell Action = -1
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	default:
		return "Hold"
	}
}

// MarshalText makes actions render as their names in JSON and CSV.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	case "hold", "":
		return Hold, nil
	default:
		return Hold, fmt.Errorf("invalid action %q", s)
	}
}

// Params are the two moving-average periods.
type Params struct {
	Fast int `yaml:"fast" json:"fast"`
	Slow int `yaml:"slow" json:"slow"`
}

func (p Params) Validate() error {
	if p.Fast <= 0 || p.Slow <= 0 {
		return fmt.Errorf("periods must be positive: fast=%d slow=%d", p.Fast, p.Slow)
	}
	return nil
}

// Warmup is the number of bars needed before both averages are defined.
func (p Params) Warmup() int {
	return max(p.Fast, p.Slow)
}

// Inputs holds the close column and both averages, index-aligned.
type Inputs struct {
	Close []float64
	Fast  indicator.Series
	Slow  indicator.Series
}

// Compute derives both moving averages from closes.
func Compute(closes []float64, p Params) (Inputs, error) {
	if err := p.Validate(); err != nil {
		return Inputs{}, err
	}
	var series [2]indicator.Series
	for i, ind := range []indicator.Indicator{indicator.NewSMA(p.Fast), indicator.NewSMA(p.Slow)} {
		s, err := ind.Calculate(closes)
		if err != nil {
			return Inputs{}, fmt.Errorf("%s: %w", ind.Name(), err)
		}
		series[i] = s
	}
	return Inputs{Close: closes, Fast: series[0], Slow: series[1]}, nil
}

// Len returns the number of bars.
func (in Inputs) Len() int { return len(in.Close) }

// Policy maps the inputs at bar i to an action. Implementations only look at
// bars i and i-1 and keep no state of their own.
type Policy interface {
	Name() string
	Evaluate(in Inputs, i int) (Action, string)
}

// Options tune policy construction.
type Options struct {
	WarmupEntry bool
}

// New creates a policy by name.
func New(name string, opts Options) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "crossover", "sma", "sma-crossover":
		return Crossover{WarmupEntry: opts.WarmupEntry}, nil
	case "threshold", "sma-threshold", "dual-threshold":
		return Threshold{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Names lists the canonical policy names.
func Names() []string {
	return []string{"crossover", "threshold"}
}

// Evaluate runs policy over every bar of in.
func Evaluate(policy Policy, in Inputs) []Action {
	out := make([]Action, in.Len())
	for i := range out {
		out[i], _ = policy.Evaluate(in, i)
	}
	return out
}
