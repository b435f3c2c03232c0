package event_test

import (
	"strings"
	"testing"
	"time"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/product"
)

func TestNewRawDefaults(t *testing.T) {
	ev := event.NewRaw("receiver")

	if ev.Kind != event.KindRaw {
		t.Errorf("kind = %s, want raw", ev.Kind)
	}
	if ev.AWIPSID != "NONE" {
		t.Errorf("AWIPSID = %q, want NONE", ev.AWIPSID)
	}
	if ev.ContentType != event.ContentTypeRaw {
		t.Errorf("content type = %q, want %q", ev.ContentType, event.ContentTypeRaw)
	}
	if !strings.HasPrefix(ev.Meta.EventID, "evt-") {
		t.Errorf("event id = %q, want evt- prefix", ev.Meta.EventID)
	}
	if !strings.HasPrefix(ev.Meta.TraceID, "trc-") {
		t.Errorf("trace id = %q, want trc- prefix", ev.Meta.TraceID)
	}
	if ev.Meta.Source != "receiver" {
		t.Errorf("source = %q, want receiver", ev.Meta.Source)
	}
	if ev.Meta.Stage != event.StageIngest {
		t.Errorf("stage = %s, want ingest", ev.Meta.Stage)
	}
	if ev.Meta.Custom == nil {
		t.Error("custom annotations not initialized")
	}
}

func TestMetadataNextPreservesIdentity(t *testing.T) {
	m := event.NewMetadata("receiver")
	m.Annotate("filter.dedup", "pass")

	next := m.Next(event.StageOutput, "output.mqtt")

	if next.EventID != m.EventID || next.TraceID != m.TraceID {
		t.Error("stage advance changed the event identity")
	}
	if next.Stage != event.StageOutput || next.Source != "output.mqtt" {
		t.Errorf("next = %s/%s, want output/output.mqtt", next.Stage, next.Source)
	}
	if got := next.Custom["filter.dedup"]; got != "pass" {
		t.Errorf("annotation lost on advance: %v", got)
	}

	// The annotation map is copied, not shared.
	next.Annotate("only.next", true)
	if _, leaked := m.Custom["only.next"]; leaked {
		t.Error("annotation on the next stage leaked into the previous one")
	}
}

func TestAdvanceSharesPayload(t *testing.T) {
	ev := event.NewRaw("receiver")
	ev.ProductID = "202308151714-KTOP-WFUS53-TORTOP"
	ev.NOAAPort = []byte("\x01body\x03")

	next := ev.Advance(event.StageFilter, "pipeline.main")

	if next == ev {
		t.Fatal("Advance returned the same event")
	}
	if next.ProductID != ev.ProductID {
		t.Error("header fields not carried across the advance")
	}
	if &next.NOAAPort[0] != &ev.NOAAPort[0] {
		t.Error("payload copied instead of shared")
	}
	if next.Meta.Stage != event.StageFilter {
		t.Errorf("stage = %s, want filter", next.Meta.Stage)
	}
	if ev.Meta.Stage != event.StageIngest {
		t.Errorf("original mutated: stage = %s", ev.Meta.Stage)
	}
}

func TestWithProductPromotesVariant(t *testing.T) {
	ev := event.NewRaw("receiver")
	ev.CCCC = "KTOP"

	p := &product.TextProduct{PIL: "TORTOP"}
	next := ev.WithProduct(p)

	if next.Kind != event.KindTextProduct {
		t.Errorf("kind = %s, want text_product", next.Kind)
	}
	if next.Product != p {
		t.Error("parsed product not attached")
	}
	if next.ContentType != event.ContentTypeJSON {
		t.Errorf("content type = %q, want %q", next.ContentType, event.ContentTypeJSON)
	}
	if next.CCCC != "KTOP" {
		t.Error("header fields lost on promotion")
	}
	if ev.Kind != event.KindRaw {
		t.Error("original event mutated")
	}
}

func TestWithXMLPromotesVariant(t *testing.T) {
	ev := event.NewRaw("receiver")
	next := ev.WithXML("<alert/>")

	if next.Kind != event.KindXML {
		t.Errorf("kind = %s, want xml", next.Kind)
	}
	if next.XML != "<alert/>" {
		t.Errorf("xml = %q", next.XML)
	}
	if next.ContentType != event.ContentTypeXML {
		t.Errorf("content type = %q, want %q", next.ContentType, event.ContentTypeXML)
	}
}

func TestStageAndKindStrings(t *testing.T) {
	if got := event.StageOutput.String(); got != "output" {
		t.Errorf("StageOutput = %q, want output", got)
	}
	if got := event.KindTextProduct.String(); got != "text_product" {
		t.Errorf("KindTextProduct = %q, want text_product", got)
	}
}

func TestMetadataTimestampRefreshesOnAdvance(t *testing.T) {
	m := event.NewMetadata("receiver")
	time.Sleep(time.Millisecond)
	next := m.Next(event.StageFilter, "pipeline.main")
	if !next.Timestamp.After(m.Timestamp) {
		t.Errorf("timestamp not refreshed: %s -> %s", m.Timestamp, next.Timestamp)
	}
}
