// Package topic builds deterministic MQTT topics from processed events.
// Subscribers filter geographically and by phenomenon off the topic
// hierarchy, so the mapping from event to topic must be stable and every
// generated topic must be safe to publish (no wildcards, no empty
// segments, no leading slash).
package topic

import (
	"fmt"
	"strings"

	"github.com/wxwire/bridge/internal/event"
)

// DefaultTemplate is the topic layout used when no template is configured.
const DefaultTemplate = "{prefix}/{cccc}/{product_type}/{awipsid}/{product_id}"

// fallbackComponent replaces a component that sanitizes to nothing, so the
// topic always keeps the template's component count.
const fallbackComponent = "unknown"

type segment struct {
	field   string // placeholder name, empty for literals
	literal string
}

// Builder renders topics from a fixed template and prefix.
type Builder struct {
	prefix   string
	segments []segment
}

// New returns a builder over DefaultTemplate.
func New(prefix string) *Builder {
	b, err := NewWithTemplate(prefix, DefaultTemplate)
	if err != nil {
		// DefaultTemplate is a valid template by construction.
		panic(err)
	}
	return b
}

// NewWithTemplate parses a custom template.  Components are separated by
// "/"; each is either a literal or one of the placeholders {prefix},
// {cccc}, {product_type}, {awipsid}, {product_id}.
func NewWithTemplate(prefix, template string) (*Builder, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("topic: empty template")
	}
	valid := map[string]bool{
		"prefix": true, "cccc": true, "product_type": true,
		"awipsid": true, "product_id": true,
	}
	var segments []segment
	for _, comp := range strings.Split(template, "/") {
		if strings.HasPrefix(comp, "{") && strings.HasSuffix(comp, "}") {
			field := comp[1 : len(comp)-1]
			if !valid[field] {
				return nil, fmt.Errorf("topic: unknown template field %q", comp)
			}
			segments = append(segments, segment{field: field})
			continue
		}
		if strings.ContainsAny(comp, "{}") {
			return nil, fmt.Errorf("topic: malformed template component %q", comp)
		}
		segments = append(segments, segment{literal: comp})
	}
	return &Builder{prefix: prefix, segments: segments}, nil
}

// Build renders the topic for an event.  Equal inputs produce equal
// topics, and the output always has exactly as many "/"-separated
// components as the template.
func (b *Builder) Build(ev *event.Event) string {
	parts := make([]string, 0, len(b.segments))
	for _, seg := range b.segments {
		var raw string
		switch seg.field {
		case "":
			raw = seg.literal
		case "prefix":
			raw = b.prefix
		case "cccc":
			raw = strings.TrimSpace(ev.CCCC)
		case "product_type":
			raw = productType(ev)
		case "awipsid":
			raw = awipsidComponent(ev.AWIPSID)
		case "product_id":
			raw = strings.TrimSpace(ev.ProductID)
		}
		parts = append(parts, sanitizeComponent(raw))
	}
	return strings.Join(parts, "/")
}

// productType classifies the event for topic routing:
//
//  1. A parsed product whose segments carry VTEC uses the first VTEC of
//     the first segment that has one ("TO.W").
//  2. An XML event without VTEC uses the first three characters of the
//     AWIPS id, or "XML" when the id is absent.
//  3. Any other event uses the first three characters of the AWIPS id.
//  4. With no AWIPS id at all, "GENERAL".
func productType(ev *event.Event) string {
	if ev.Product != nil {
		for _, seg := range ev.Product.Segments {
			if len(seg.VTECs) > 0 {
				return seg.VTECs[0].PhenSig()
			}
		}
	}

	id := strings.ToUpper(strings.TrimSpace(ev.AWIPSID))
	hasID := id != "" && id != "NONE"

	if ev.Kind == event.KindXML {
		if hasID {
			return firstN(id, 3)
		}
		return "XML"
	}
	if hasID {
		return firstN(id, 3)
	}
	return "GENERAL"
}

// awipsidComponent fills the {awipsid} slot, falling back to "GENERAL"
// when the feed supplied no id.
func awipsidComponent(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, "NONE") {
		return "GENERAL"
	}
	return id
}

// sanitizeComponent makes one topic component MQTT-safe: wildcard and
// separator characters and whitespace become underscores, and a component
// that ends up empty is replaced so no topic ever carries an empty
// segment.
func sanitizeComponent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallbackComponent
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '+' || r == '#' || r == '/' || r == 0:
			b.WriteByte('_')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
