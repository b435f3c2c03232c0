package transform

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/wxwire/bridge/internal/event"
)

// canonicalDeclaration is prepended when an extracted document lost its
// declaration during cleaning.
const canonicalDeclaration = `<?xml version="1.0" encoding="UTF-8"?>`

// xmlStartRE locates an XML declaration followed by the document's root
// open tag. The matching close tag is found by scanning, because the
// root tag name is only known at match time.
var xmlStartRE = regexp.MustCompile(`(?s)<\?xml.*?\?>\s*<([A-Za-z_:][A-Za-z0-9._:-]*)[^>]*>`)

// XML extracts an embedded XML document (CAP alerts and similar) from a
// parsed product's text and promotes the event to the XML variant.
type XML struct {
	id  string
	log *slog.Logger
}

// NewXML returns the XML-extraction transformer. A nil logger falls
// back to slog.Default().
func NewXML(id string, logger *slog.Logger) *XML {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "xml"
	}
	return &XML{id: id, log: logger}
}

func (t *XML) ID() string { return t.id }

// Transform scans text-product events for an XML blob. When one is
// found it is cleaned (control characters stripped, line endings
// normalized, declaration ensured) and attached; otherwise the event
// passes through unchanged.
func (t *XML) Transform(_ context.Context, ev *event.Event) (*event.Event, error) {
	if ev.Kind != event.KindTextProduct || ev.Product == nil {
		return ev, nil
	}

	doc, ok := extractXML(ev.Product.Text)
	if !ok {
		return ev, nil
	}

	out := ev.Advance(event.StageTransform, t.id).WithXML(cleanXML(doc))
	annotateApplied(out, t.id)
	t.log.Debug("extracted embedded xml document",
		slog.String("transformer", t.id),
		slog.String("event_id", ev.Meta.EventID),
		slog.Int("bytes", len(out.XML)))
	return out, nil
}

// extractXML finds the first declaration-led XML document in text: the
// declaration, the root open tag, and everything through the first
// matching close tag.
func extractXML(text string) (string, bool) {
	loc := xmlStartRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", false
	}
	start := loc[0]
	root := text[loc[2]:loc[3]]

	closeTag := "</" + root + ">"
	rel := strings.Index(text[loc[1]:], closeTag)
	if rel < 0 {
		return "", false
	}
	end := loc[1] + rel + len(closeTag)
	return text[start:end], true
}

// cleanXML strips ASCII control characters (keeping CR, LF, TAB),
// normalizes line endings to LF, and guarantees a declaration.
func cleanXML(doc string) string {
	var b strings.Builder
	b.Grow(len(doc))
	for _, r := range doc {
		if r < 0x20 && r != '\r' && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<?xml") {
		s = canonicalDeclaration + "\n" + s
	}
	return s
}
