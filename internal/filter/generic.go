package filter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/wxwire/bridge/internal/event"
)

// attributeValue resolves the named header attribute of an event. The
// boolean reports whether the attribute name is known.
func attributeValue(ev *event.Event, attribute string) (string, bool) {
	switch attribute {
	case "awipsid":
		return ev.AWIPSID, true
	case "cccc":
		return ev.CCCC, true
	case "ttaaii":
		return ev.TTAAII, true
	case "product_id":
		return ev.ProductID, true
	case "subject":
		return ev.Subject, true
	case "source":
		return ev.Meta.Source, true
	default:
		return "", false
	}
}

func validAttribute(attribute string) error {
	ev := &event.Event{}
	if _, ok := attributeValue(ev, attribute); !ok {
		return fmt.Errorf("filter: unknown attribute %q", attribute)
	}
	return nil
}

// ─── AttributeMatch ─────────────────────────────────────────────────────────

// AttributeMatch passes events whose named header attribute equals a
// fixed value (case-insensitive).
type AttributeMatch struct {
	id        string
	attribute string
	value     string
}

// NewAttributeMatch returns an equality filter on one of the header
// attributes: awipsid, cccc, ttaaii, product_id, subject, source.
func NewAttributeMatch(id, attribute, value string) (*AttributeMatch, error) {
	if err := validAttribute(attribute); err != nil {
		return nil, err
	}
	return &AttributeMatch{id: id, attribute: attribute, value: value}, nil
}

func (f *AttributeMatch) ID() string { return f.id }

func (f *AttributeMatch) Allow(_ context.Context, ev *event.Event) (bool, error) {
	got, _ := attributeValue(ev, f.attribute)
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(f.value)), nil
}

// ─── RegexMatch ─────────────────────────────────────────────────────────────

// RegexMatch passes events whose named header attribute matches a
// compiled pattern.
type RegexMatch struct {
	id        string
	attribute string
	re        *regexp.Regexp
}

// NewRegexMatch compiles pattern and returns a regex filter over the
// same attributes NewAttributeMatch accepts.
func NewRegexMatch(id, attribute, pattern string) (*RegexMatch, error) {
	if err := validAttribute(attribute); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("filter: compile pattern %q: %w", pattern, err)
	}
	return &RegexMatch{id: id, attribute: attribute, re: re}, nil
}

func (f *RegexMatch) ID() string { return f.id }

func (f *RegexMatch) Allow(_ context.Context, ev *event.Event) (bool, error) {
	got, _ := attributeValue(ev, f.attribute)
	return f.re.MatchString(got), nil
}

// ─── Func ───────────────────────────────────────────────────────────────────

// Func adapts a plain predicate into a Filter.
type Func struct {
	id string
	fn func(*event.Event) bool
}

// NewFunc wraps fn; a nil fn passes everything.
func NewFunc(id string, fn func(*event.Event) bool) *Func {
	return &Func{id: id, fn: fn}
}

func (f *Func) ID() string { return f.id }

func (f *Func) Allow(_ context.Context, ev *event.Event) (bool, error) {
	if f.fn == nil {
		return true, nil
	}
	return f.fn(ev), nil
}

// ─── Composite ──────────────────────────────────────────────────────────────

// compositeMode selects how a Composite combines its children.
type compositeMode int

const (
	modeAll compositeMode = iota
	modeAny
)

// Composite combines child filters with AND or OR semantics. Children
// are evaluated in order; AND stops at the first false, OR at the first
// true. A child error aborts evaluation.
type Composite struct {
	id       string
	mode     compositeMode
	children []Filter
}

// NewAll returns a composite that passes only when every child passes.
// With no children it passes everything.
func NewAll(id string, children ...Filter) *Composite {
	return &Composite{id: id, mode: modeAll, children: children}
}

// NewAny returns a composite that passes when at least one child
// passes. With no children it drops everything.
func NewAny(id string, children ...Filter) *Composite {
	return &Composite{id: id, mode: modeAny, children: children}
}

func (f *Composite) ID() string { return f.id }

func (f *Composite) Allow(ctx context.Context, ev *event.Event) (bool, error) {
	for _, child := range f.children {
		ok, err := child.Allow(ctx, ev)
		if err != nil {
			return false, fmt.Errorf("filter: composite %s child %s: %w", f.id, child.ID(), err)
		}
		if f.mode == modeAll && !ok {
			return false, nil
		}
		if f.mode == modeAny && ok {
			return true, nil
		}
	}
	return f.mode == modeAll, nil
}

// ─── PassThrough ────────────────────────────────────────────────────────────

// PassThrough passes every event. It exists so a pipeline slot can be
// configured away without changing the pipeline shape.
type PassThrough struct {
	id string
}

// NewPassThrough returns a filter that always passes.
func NewPassThrough(id string) *PassThrough {
	return &PassThrough{id: id}
}

func (f *PassThrough) ID() string { return f.id }

func (f *PassThrough) Allow(context.Context, *event.Event) (bool, error) {
	return true, nil
}
