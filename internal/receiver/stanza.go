package receiver

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gosrc.io/xmpp/stanza"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/noaaport"
)

// Namespaces of the message extensions the receiver decodes.
const (
	nwwsNS  = "nwws-oi"
	delayNS = "urn:xmpp:delay"
)

// oiExtension is the <x xmlns="nwws-oi"> payload attached to every product
// message in the NWWS-OI room. The element text is the raw product body;
// the attributes identify the product:
//
//	<x xmlns="nwws-oi" cccc="KTOP" ttaaii="WFUS53" issue="2023-08-15T17:14:00Z"
//	   awipsid="TORTOP" id="14214.7535">SOH-less product text…</x>
type oiExtension struct {
	stanza.MsgExtension
	XMLName xml.Name `xml:"nwws-oi x"`
	CCCC    string   `xml:"cccc,attr"`
	TTAAII  string   `xml:"ttaaii,attr"`
	Issue   string   `xml:"issue,attr"`
	AWIPSID string   `xml:"awipsid,attr"`
	ID      string   `xml:"id,attr"`
	Body    string   `xml:",chardata"`
}

// delayExtension is the XEP-0203 <delay> element servers attach when a
// message is relayed late (MUC history replay, server-side queuing).
type delayExtension struct {
	stanza.MsgExtension
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	From    string   `xml:"from,attr"`
	Stamp   string   `xml:"stamp,attr"`
}

func init() {
	stanza.TypeRegistry.MapExtension(stanza.PKTMessage,
		xml.Name{Space: nwwsNS, Local: "x"}, oiExtension{})
	stanza.TypeRegistry.MapExtension(stanza.PKTMessage,
		xml.Name{Space: delayNS, Local: "delay"}, delayExtension{})
}

// asMessage normalizes a routed packet to a message stanza. The library
// hands most stanzas over by value; the pointer case is handled so a future
// library change cannot silently drop the feed.
func asMessage(p stanza.Packet) (stanza.Message, bool) {
	switch v := p.(type) {
	case stanza.Message:
		return v, true
	case *stanza.Message:
		return *v, true
	}
	return stanza.Message{}, false
}

// asPresence normalizes a routed packet to a presence stanza.
func asPresence(p stanza.Packet) (stanza.Presence, bool) {
	switch v := p.(type) {
	case stanza.Presence:
		return v, true
	case *stanza.Presence:
		return *v, true
	}
	return stanza.Presence{}, false
}

// nickname returns the MUC nickname for a session started at t: the UTC
// launch minute, e.g. "202308151714".
func nickname(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// productID composes the canonical product identity from the issuance
// minute, issuing office, WMO heading, and AFOS id:
// "202308151714-KTOP-WFUS53-TORTOP".
func productID(issue time.Time, cccc, ttaaii, awipsid string) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		issue.UTC().Format("200601021504"), cccc, ttaaii, awipsid)
}

// buildEvent converts one decoded product message into a raw ingest event.
// It never fails: a malformed issue attribute falls back to the receipt
// time (counted as a parse error) rather than losing the product.
func (r *Receiver) buildEvent(msg stanza.Message, oi oiExtension) *event.Event {
	now := r.now().UTC()

	ev := event.NewRaw("receiver")
	ev.CCCC = strings.TrimSpace(oi.CCCC)
	ev.TTAAII = strings.TrimSpace(oi.TTAAII)
	if id := strings.TrimSpace(oi.AWIPSID); id != "" {
		ev.AWIPSID = id
	}

	issue, err := time.Parse(time.RFC3339, strings.TrimSpace(oi.Issue))
	if err != nil {
		r.parseErrors.Add(1)
		r.countError("issue_parse", "ingest")
		r.logger.Warn("unparseable issue attribute, using receipt time",
			slog.String("issue", oi.Issue),
			slog.String("cccc", ev.CCCC),
			slog.String("ttaaii", ev.TTAAII))
		issue = now
	}
	ev.Issue = issue.UTC()
	ev.ProductID = productID(ev.Issue, ev.CCCC, ev.TTAAII, ev.AWIPSID)

	// The feed carries the one-line summary in the stanza body; fall back
	// to the subject element for the odd stanza shaped the other way.
	subject := strings.TrimSpace(msg.Body)
	if subject == "" {
		subject = strings.TrimSpace(msg.Subject)
	}
	ev.Subject = subject

	ev.NOAAPort = noaaport.Encode(oi.Body)

	if id := strings.TrimSpace(oi.ID); id != "" {
		ev.Meta.Custom["nwws_id"] = id
	}

	var delay delayExtension
	if msg.Get(&delay) {
		if stamp, perr := time.Parse(time.RFC3339, strings.TrimSpace(delay.Stamp)); perr == nil {
			utc := stamp.UTC()
			ev.DelayStamp = &utc
			if lag := now.Sub(utc); lag > 0 {
				r.observeDelay(lag)
			}
		} else {
			r.parseErrors.Add(1)
			r.countError("delay_parse", "ingest")
		}
	}

	return ev
}

// classifyConnectError buckets a connect failure for the error counters.
// The library reports SASL and TLS problems only through error text.
func classifyConnectError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not-authorized"),
		strings.Contains(msg, "auth"),
		strings.Contains(msg, "credential"):
		return "auth"
	case strings.Contains(msg, "tls"),
		strings.Contains(msg, "certificate"),
		strings.Contains(msg, "handshake"):
		return "tls"
	default:
		return "dial"
	}
}
