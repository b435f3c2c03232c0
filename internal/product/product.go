// Package product parses NWS text products into a structured form: WMO
// heading, AFOS PIL, and per-segment UGC, VTEC, and HVTEC records plus
// headlines, bullets, impact tags, and emergency indicators.
//
// The parser is deliberately lenient.  Products arrive around the clock
// from hundreds of offices with decades of formatting drift; a segment
// that fails to yield a record set is left with whatever was recovered
// rather than failing the whole product.  Parse only returns an error
// when the text cannot be identified as a product at all (no WMO
// heading).
//
// # Time resolution
//
// WMO headings and UGC purge times carry day-hour-minute only.  They are
// resolved against a reference time (normally the feed's issuance
// attribute, falling back to the wall clock) by choosing the candidate
// month with the smallest distance from the reference.
package product

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoWMOHeader reports text in which no WMO heading line could be found.
var ErrNoWMOHeader = errors.New("product: no WMO heading found")

// WMO is the decoded WMO abbreviated heading (TTAAII CCCC DDHHMM [BBB]).
type WMO struct {
	// TTAAII is the data-type/area designator ("WFUS51").
	TTAAII string `json:"ttaaii"`

	// CCCC is the issuing center ("KTBW").
	CCCC string `json:"cccc"`

	// Issued is the heading's day-hour-minute resolved to a full UTC time.
	Issued time.Time `json:"issued"`

	// BBB is the optional correction/retransmission indicator ("CCA").
	BBB string `json:"bbb,omitempty"`
}

// Tags holds the impact-based warning tags found in a segment.
type Tags struct {
	WindMPH                float64 `json:"wind_mph,omitempty"`
	HailIn                 float64 `json:"hail_in,omitempty"`
	Tornado                string  `json:"tornado,omitempty"`
	TornadoDamageThreat    string  `json:"tornado_damage_threat,omitempty"`
	FlashFlood             string  `json:"flash_flood,omitempty"`
	FlashFloodDamageThreat string  `json:"flash_flood_damage_threat,omitempty"`
}

// Empty reports whether no tag was found.
func (t Tags) Empty() bool {
	return t == Tags{}
}

// Segment is one $$-delimited portion of a product.
type Segment struct {
	// Text is the segment body with Unix line endings.
	Text string `json:"text"`

	// UGCs lists the geographic codes the segment applies to.
	UGCs []UGC `json:"ugcs,omitempty"`

	// UGCExpire is the purge time from the UGC line.
	UGCExpire time.Time `json:"ugc_expire,omitempty"`

	// VTECs lists the segment's VTEC records in order of appearance.
	VTECs []VTEC `json:"vtecs,omitempty"`

	// HVTECs lists the segment's hydrologic VTEC records.
	HVTECs []HVTEC `json:"hvtecs,omitempty"`

	// Headlines are the ...wrapped... headline strings, unwrapped.
	Headlines []string `json:"headlines,omitempty"`

	// Tags are the impact-based warning tags.
	Tags Tags `json:"tags,omitempty"`

	// Bullets are the "* " items with wrapped lines joined.
	Bullets []string `json:"bullets,omitempty"`

	// Emergency is set for tornado / flash flood emergency wording.
	Emergency bool `json:"emergency,omitempty"`

	// PDS is set when the segment declares a particularly dangerous
	// situation.
	PDS bool `json:"pds,omitempty"`
}

// TextProduct is a fully parsed product.
type TextProduct struct {
	WMO      WMO       `json:"wmo"`
	PIL      string    `json:"pil,omitempty"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Option adjusts parser behavior.
type Option func(*parser)

// WithReference sets the reference time used to resolve day-hour-minute
// values.  Defaults to the current UTC time.
func WithReference(t time.Time) Option {
	return func(p *parser) { p.ref = t.UTC() }
}

// WithNameResolver supplies a UGC code → human name lookup.  Codes the
// resolver does not know are left unnamed.
func WithNameResolver(fn func(code string) (string, bool)) Option {
	return func(p *parser) { p.resolve = fn }
}

type parser struct {
	ref     time.Time
	resolve func(string) (string, bool)
}

var (
	wmoRE      = regexp.MustCompile(`^([A-Z]{4}[0-9]{2})\s+([A-Z][A-Z0-9]{3})\s+([0-9]{6})(?:\s+([A-Z]{3}))?\s*$`)
	pilRE      = regexp.MustCompile(`^[A-Z][A-Z0-9]{2,8}$`)
	sequenceRE = regexp.MustCompile(`^[0-9]+$`)
	segmentRE  = regexp.MustCompile(`(?m)^\s*\$\$\s*$`)
)

// Parse decodes a product from text with Unix, DOS, or NOAAPort line
// endings.  It returns ErrNoWMOHeader when no heading line is present.
func Parse(text string, opts ...Option) (*TextProduct, error) {
	p := &parser{ref: time.Now().UTC()}
	for _, opt := range opts {
		opt(p)
	}

	unix := unixText(text)
	lines := strings.Split(unix, "\n")

	wmoIdx := -1
	var wmo WMO
	for i, line := range lines {
		m := wmoRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		wmo = WMO{TTAAII: m[1], CCCC: m[2], BBB: m[4]}
		wmo.Issued = resolveDDHHMM(m[3], p.ref)
		wmoIdx = i
		break
	}
	if wmoIdx < 0 {
		return nil, ErrNoWMOHeader
	}

	// The AFOS PIL, when present, is the next non-empty line.
	pil := ""
	bodyStart := wmoIdx + 1
	for i := wmoIdx + 1; i < len(lines) && i <= wmoIdx+3; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if pilRE.MatchString(trimmed) && !sequenceRE.MatchString(trimmed) {
			pil = trimmed
			bodyStart = i + 1
		}
		break
	}

	body := strings.Join(lines[bodyStart:], "\n")

	prod := &TextProduct{WMO: wmo, PIL: pil, Text: unix}
	for _, chunk := range segmentRE.Split(body, -1) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		prod.Segments = append(prod.Segments, p.parseSegment(chunk, wmo.Issued))
	}
	return prod, nil
}

// parseSegment extracts every record set from one $$-delimited chunk.
func (p *parser) parseSegment(chunk string, issued time.Time) Segment {
	seg := Segment{Text: strings.Trim(chunk, "\n")}

	if block, expire := findUGCBlock(chunk, issued); block != nil {
		seg.UGCExpire = expire
		for _, u := range block {
			if p.resolve != nil {
				if name, ok := p.resolve(u.Code); ok {
					u.Name = name
				}
			}
			seg.UGCs = append(seg.UGCs, u)
		}
	}

	seg.VTECs = parseVTECs(chunk)
	seg.HVTECs = parseHVTECs(chunk)
	seg.Headlines = parseHeadlines(chunk)
	seg.Bullets = parseBullets(chunk)
	seg.Tags = parseTags(chunk)

	upper := strings.ToUpper(chunk)
	seg.Emergency = strings.Contains(upper, "TORNADO EMERGENCY") ||
		strings.Contains(upper, "FLASH FLOOD EMERGENCY")
	seg.PDS = strings.Contains(upper, "PARTICULARLY DANGEROUS SITUATION")

	return seg
}

// unixText normalizes NOAAPort (CR CR LF), DOS (CR LF), and stray CR line
// endings to LF.
func unixText(text string) string {
	text = strings.ReplaceAll(text, "\r\r\n", "\n")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// resolveDDHHMM interprets a 6-digit day-hour-minute against ref, picking
// the surrounding month whose candidate lands closest to ref.
func resolveDDHHMM(v string, ref time.Time) time.Time {
	if len(v) != 6 {
		return time.Time{}
	}
	day, _ := strconv.Atoi(v[0:2])
	hour, _ := strconv.Atoi(v[2:4])
	minute, _ := strconv.Atoi(v[4:6])
	if day == 0 {
		return time.Time{}
	}

	best := time.Time{}
	var bestDiff time.Duration
	for _, delta := range []int{-1, 0, 1} {
		cand := time.Date(ref.Year(), ref.Month()+time.Month(delta), day, hour, minute, 0, 0, time.UTC)
		diff := cand.Sub(ref)
		if diff < 0 {
			diff = -diff
		}
		if best.IsZero() || diff < bestDiff {
			best, bestDiff = cand, diff
		}
	}
	return best
}

// --- headlines, bullets, tags ----------------------------------------------

var headlineLineRE = regexp.MustCompile(`^\.\.\.(.*)$`)

// parseHeadlines collects ...wrapped... headline text.  A headline starts
// at a line beginning with "..." and runs until a line ending with "...";
// wrapped lines are joined with single spaces.
func parseHeadlines(chunk string) []string {
	var headlines []string
	lines := strings.Split(chunk, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		m := headlineLineRE.FindStringSubmatch(line)
		if m == nil || strings.TrimSpace(m[1]) == "" {
			continue
		}
		var parts []string
		rest := m[1]
		for {
			if idx := strings.Index(rest, "..."); idx >= 0 && strings.HasSuffix(strings.TrimSpace(rest), "...") {
				parts = append(parts, strings.TrimSuffix(strings.TrimSpace(rest), "..."))
				break
			}
			parts = append(parts, strings.TrimSpace(rest))
			i++
			if i >= len(lines) {
				break
			}
			rest = strings.TrimSpace(lines[i])
			if rest == "" {
				// Blank line with no terminator: not a headline block.
				parts = nil
				break
			}
		}
		if len(parts) > 0 {
			headline := strings.TrimSpace(strings.Join(parts, " "))
			if headline != "" {
				headlines = append(headlines, headline)
			}
		}
	}
	return headlines
}

// parseBullets collects "* " items, joining wrapped continuation lines.
func parseBullets(chunk string) []string {
	var bullets []string
	var current []string

	flush := func() {
		if len(current) > 0 {
			bullets = append(bullets, strings.Join(current, " "))
			current = nil
		}
	}

	for _, raw := range strings.Split(chunk, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "* "):
			flush()
			current = []string{strings.TrimSpace(line[2:])}
		case line == "":
			flush()
		case len(current) > 0:
			current = append(current, line)
		}
	}
	flush()
	return bullets
}

var (
	hailTagRE        = regexp.MustCompile(`(?m)^[\s*]*(?:MAX )?HAIL(?: SIZE| THREAT)?\.\.\.[<>]?([0-9.]+)\s?IN`)
	windTagRE        = regexp.MustCompile(`(?m)^[\s*]*(?:MAX )?WIND(?: GUST| THREAT)?\.\.\.[<>]?([0-9.]+)\s?MPH`)
	tornadoTagRE     = regexp.MustCompile(`(?m)^[\s*]*TORNADO\.\.\.([A-Z ]+?)\s*$`)
	tornadoDmgRE     = regexp.MustCompile(`(?m)^[\s*]*TORNADO DAMAGE THREAT\.\.\.([A-Z ]+?)\s*$`)
	flashFloodTagRE  = regexp.MustCompile(`(?m)^[\s*]*FLASH FLOOD\.\.\.([A-Z ]+?)\s*$`)
	flashFloodDmgRE  = regexp.MustCompile(`(?m)^[\s*]*FLASH FLOOD DAMAGE THREAT\.\.\.([A-Z ]+?)\s*$`)
)

// parseTags extracts impact-based warning tags from a segment.
func parseTags(chunk string) Tags {
	var tags Tags
	if m := hailTagRE.FindStringSubmatch(chunk); m != nil {
		tags.HailIn, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := windTagRE.FindStringSubmatch(chunk); m != nil {
		tags.WindMPH, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := tornadoTagRE.FindStringSubmatch(chunk); m != nil {
		tags.Tornado = strings.TrimSpace(m[1])
	}
	if m := tornadoDmgRE.FindStringSubmatch(chunk); m != nil {
		tags.TornadoDamageThreat = strings.TrimSpace(m[1])
	}
	if m := flashFloodTagRE.FindStringSubmatch(chunk); m != nil {
		tags.FlashFlood = strings.TrimSpace(m[1])
	}
	if m := flashFloodDmgRE.FindStringSubmatch(chunk); m != nil {
		tags.FlashFlood = strings.TrimSpace(tags.FlashFlood)
		tags.FlashFloodDamageThreat = strings.TrimSpace(m[1])
	}
	return tags
}
