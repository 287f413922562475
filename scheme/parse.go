// Package scheme selects face interpolation schemes by name, the way a
// case dictionary names them:
//
//	upwind phi
//	WENOUpwindFit phi 2 1
package scheme

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrUnknownScheme is returned for a scheme name with no constructor
var ErrUnknownScheme = errors.New("scheme: unknown scheme")

const (
	Upwind        = "upwind"
	WENOUpwindFit = "WENOUpwindFit"
)

// Spec is a parsed scheme entry
type Spec struct {
	Name   string
	Flux   string // Empty selects a zero flux
	Order  int
	LimFac float64
}

func (s Spec) String() string {
	switch s.Name {
	case WENOUpwindFit:
		return strings.Join([]string{s.Name, s.Flux, strconv.Itoa(s.Order),
			strconv.FormatFloat(s.LimFac, 'g', -1, 64)}, " ")
	}
	return strings.TrimSpace(s.Name + " " + s.Flux)
}

// Parse reads one scheme entry from r. Tokens are separated by white space;
// a trailing semicolon and anything after // on a line are ignored.
func Parse(r io.Reader) (Spec, error) {
	var toks []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "//")
		toks = append(toks, strings.Fields(strings.ReplaceAll(line, ";", " "))...)
	}
	if err := sc.Err(); err != nil {
		return Spec{}, fmt.Errorf("reading scheme: %w", err)
	}
	return parseTokens(toks)
}

// ParseString parses a scheme entry held in a string
func ParseString(s string) (Spec, error) { return Parse(strings.NewReader(s)) }

func parseTokens(toks []string) (Spec, error) {
	if len(toks) == 0 {
		return Spec{}, errors.New("scheme: empty entry")
	}
	spec := Spec{Name: toks[0]}
	args := toks[1:]

	switch spec.Name {
	case Upwind:
		if len(args) > 1 {
			return spec, fmt.Errorf("scheme %s: want [flux], got %q", spec.Name, args)
		}
		if len(args) == 1 {
			spec.Flux = args[0]
		}

	case WENOUpwindFit:
		// The flux name may be omitted: "WENOUpwindFit 2 1"
		if len(args) == 2 {
			args = append([]string{""}, args...)
		}
		if len(args) != 3 {
			return spec, fmt.Errorf("scheme %s: want [flux] order limFac, got %q", spec.Name, args)
		}
		spec.Flux = args[0]
		order, err := strconv.ParseFloat(args[1], 64)
		if err != nil || order != math.Trunc(order) || order < 1 {
			return spec, fmt.Errorf("scheme %s: order %q is not a positive integer", spec.Name, args[1])
		}
		spec.Order = int(order)
		if spec.LimFac, err = strconv.ParseFloat(args[2], 64); err != nil {
			return spec, fmt.Errorf("scheme %s: limiting factor %q: %w", spec.Name, args[2], err)
		}
		if spec.LimFac < 0 || spec.LimFac > 1 {
			return spec, fmt.Errorf("scheme %s: limiting factor %g outside [0,1]", spec.Name, spec.LimFac)
		}

	default:
		return spec, fmt.Errorf("%w %q, valid schemes are %s", ErrUnknownScheme, spec.Name,
			strings.Join(Names(), ", "))
	}
	return spec, nil
}
