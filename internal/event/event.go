// Package event defines the messages that flow through the bridge: the
// pipeline event with its tagged variants (raw NOAAPort, parsed text
// product, extracted XML) and the per-stage metadata that travels with
// every event from ingest to delivery.
//
// # Metadata chain
//
// Metadata is treated as immutable per stage.  Advancing an event to the
// next stage yields a new value with the same EventID and TraceID, a fresh
// Timestamp, and an updated Stage/Source; the Custom annotation map is
// copied so earlier stages are never mutated retroactively.
//
// # Variants
//
// The event is a tagged union: a single struct with a Kind discriminator
// rather than reflection-driven attribute probing.  Filters and outputs
// switch on Kind directly.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wxwire/bridge/internal/product"
)

// Stage identifies the pipeline phase an event is currently in.
type Stage int

const (
	StageIngest Stage = iota
	StageFilter
	StageTransform
	StageOutput
)

// String returns the lowercase stage name used in logs, metrics labels,
// and error-handler stage keys ("output.mqtt").
func (s Stage) String() string {
	switch s {
	case StageIngest:
		return "ingest"
	case StageFilter:
		return "filter"
	case StageTransform:
		return "transform"
	case StageOutput:
		return "output"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Kind discriminates the event variants.
type Kind int

const (
	// KindRaw is an event fresh off the wire: NOAAPort-framed bytes plus
	// the header attributes extracted from the feed.
	KindRaw Kind = iota

	// KindTextProduct carries a parsed, structured text product.
	KindTextProduct

	// KindXML carries an XML document extracted from a product body.
	KindXML
)

// String returns the variant tag persisted in the database event_kind
// column and used in metrics labels.
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindTextProduct:
		return "text_product"
	case KindXML:
		return "xml"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Content types for the three variants.
const (
	ContentTypeRaw  = "application/octet-stream"
	ContentTypeJSON = "application/json"
	ContentTypeXML  = "text/xml"
)

// Metadata accompanies an event through every stage.
type Metadata struct {
	// EventID is unique per ingested event, assigned once at ingest.
	EventID string

	// Timestamp is the creation time of this metadata value, refreshed on
	// every stage advance.
	Timestamp time.Time

	// Source names the component that produced this stage's view of the
	// event ("receiver", "pipeline.main", "output.mqtt").
	Source string

	// Stage is the pipeline phase the event is currently in.
	Stage Stage

	// TraceID correlates log lines and metrics across stages.
	TraceID string

	// Custom holds inter-stage annotations: applied-transformer lists,
	// filter decisions, per-stage durations.  Owned by the event; copied
	// on stage advance.
	Custom map[string]any
}

// NewMetadata returns ingest-stage metadata with freshly assigned
// EventID/TraceID.
func NewMetadata(source string) Metadata {
	return Metadata{
		EventID:   "evt-" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Stage:     StageIngest,
		TraceID:   "trc-" + uuid.NewString(),
		Custom:    make(map[string]any),
	}
}

// Next returns a copy advanced to the given stage and source: same
// EventID, TraceID, and annotations, fresh Timestamp.
func (m Metadata) Next(stage Stage, source string) Metadata {
	custom := make(map[string]any, len(m.Custom)+2)
	for k, v := range m.Custom {
		custom[k] = v
	}
	return Metadata{
		EventID:   m.EventID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Stage:     stage,
		TraceID:   m.TraceID,
		Custom:    custom,
	}
}

// Annotate records a custom annotation on this stage's metadata.
func (m Metadata) Annotate(key string, value any) {
	m.Custom[key] = value
}

// Event is the unit of work flowing through the pipeline.
//
// Header fields are populated at ingest for every variant.  Product is set
// for KindTextProduct and KindXML; XML only for KindXML.
type Event struct {
	Meta Metadata
	Kind Kind

	// AWIPSID is the AFOS product identifier ("TORALY"), or "NONE" when
	// the feed omitted it.
	AWIPSID string

	// CCCC is the 4-character WMO identifier of the issuing office.
	CCCC string

	// ProductID uniquely identifies the emitted product; the duplicate
	// filter and topic builder key on it.
	ProductID string

	// TTAAII is the WMO heading designator.
	TTAAII string

	// Issue is the product issuance time (UTC).
	Issue time.Time

	// Subject is the human-readable summary from the feed.
	Subject string

	// NOAAPort is the raw body in NOAAPort wire framing: SOH, body with
	// CR-CR-LF line endings, ETX.
	NOAAPort []byte

	// DelayStamp is the XEP-0203 delayed-delivery stamp, if the feed
	// indicated the message was relayed late.
	DelayStamp *time.Time

	// ContentType describes the dominant payload representation.
	ContentType string

	// Product is the parsed structured product (KindTextProduct, KindXML).
	Product *product.TextProduct

	// XML is the extracted XML document (KindXML only).
	XML string
}

// NewRaw constructs a raw ingest event with fresh metadata.
func NewRaw(source string) *Event {
	return &Event{
		Meta:        NewMetadata(source),
		Kind:        KindRaw,
		AWIPSID:     "NONE",
		ContentType: ContentTypeRaw,
	}
}

// Advance returns a shallow copy of the event whose metadata has moved to
// the given stage.  Payload fields are shared; they are read-only once set.
func (e *Event) Advance(stage Stage, source string) *Event {
	next := *e
	next.Meta = e.Meta.Next(stage, source)
	return &next
}

// WithProduct returns a copy of the event promoted to the text-product
// variant: same identity and header fields, parsed product attached,
// content type switched to JSON.
func (e *Event) WithProduct(p *product.TextProduct) *Event {
	next := *e
	next.Kind = KindTextProduct
	next.Product = p
	next.ContentType = ContentTypeJSON
	return &next
}

// WithXML returns a copy of the event promoted to the XML variant.
func (e *Event) WithXML(doc string) *Event {
	next := *e
	next.Kind = KindXML
	next.XML = doc
	next.ContentType = ContentTypeXML
	return &next
}
