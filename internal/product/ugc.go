package product

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UGC is one Universal Geographic Code from a segment's UGC line.
type UGC struct {
	// Code is the full code ("FLZ151").
	Code string `json:"code"`

	// State is the 2-letter state or marine-area prefix.
	State string `json:"state"`

	// Type is "zone" or "county".
	Type string `json:"type"`

	// Number is the 3-digit zone/county number.
	Number int `json:"number"`

	// Name is the human-readable name when a resolver knows the code.
	Name string `json:"name,omitempty"`
}

var (
	ugcStartRE = regexp.MustCompile(`^[A-Z]{2}[CZ][0-9]{3}[>-]`)
	ugcLineRE  = regexp.MustCompile(`^[A-Z0-9>-]+-$`)

	ugcPrefixRE      = regexp.MustCompile(`^([A-Z]{2})([CZ])([0-9]{3})$`)
	ugcPrefixRangeRE = regexp.MustCompile(`^([A-Z]{2})([CZ])([0-9]{3})>([0-9]{3})$`)
	ugcBareRE        = regexp.MustCompile(`^[0-9]{3}$`)
	ugcBareRangeRE   = regexp.MustCompile(`^([0-9]{3})>([0-9]{3})$`)
	ugcPurgeRE       = regexp.MustCompile(`^[0-9]{6}$`)
)

// maxUGCRange bounds range expansion so a corrupt line cannot balloon a
// segment into thousands of codes.
const maxUGCRange = 400

// findUGCBlock locates the segment's UGC line block (which may wrap over
// several physical lines, each terminated by "-"), expands ranges, and
// resolves the purge time against issued.  It returns nil when the segment
// has no UGC line.
func findUGCBlock(chunk string, issued time.Time) ([]UGC, time.Time) {
	lines := strings.Split(chunk, "\n")
	var block strings.Builder
	found := false
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if !found {
			if ugcStartRE.MatchString(line) && ugcLineRE.MatchString(line) {
				found = true
				block.WriteString(line)
			}
			continue
		}
		if ugcLineRE.MatchString(line) {
			block.WriteString(line)
			continue
		}
		break
	}
	if !found {
		return nil, time.Time{}
	}
	return parseUGCString(block.String(), issued)
}

// parseUGCString decodes an accumulated UGC string such as
// "FLZ151-251>255-GAZ001-132000-".
func parseUGCString(s string, issued time.Time) ([]UGC, time.Time) {
	var (
		ugcs   []UGC
		expire time.Time
		state  string
		kind   string
	)
	for _, token := range strings.Split(strings.TrimSuffix(s, "-"), "-") {
		switch {
		case ugcPrefixRE.MatchString(token):
			m := ugcPrefixRE.FindStringSubmatch(token)
			state, kind = m[1], m[2]
			n, _ := strconv.Atoi(m[3])
			ugcs = append(ugcs, newUGC(state, kind, n))

		case ugcPrefixRangeRE.MatchString(token):
			m := ugcPrefixRangeRE.FindStringSubmatch(token)
			state, kind = m[1], m[2]
			lo, _ := strconv.Atoi(m[3])
			hi, _ := strconv.Atoi(m[4])
			ugcs = append(ugcs, expandRange(state, kind, lo, hi)...)

		case ugcBareRangeRE.MatchString(token):
			if state == "" {
				continue
			}
			m := ugcBareRangeRE.FindStringSubmatch(token)
			lo, _ := strconv.Atoi(m[1])
			hi, _ := strconv.Atoi(m[2])
			ugcs = append(ugcs, expandRange(state, kind, lo, hi)...)

		case ugcPurgeRE.MatchString(token):
			expire = resolveDDHHMM(token, issued)

		case ugcBareRE.MatchString(token):
			if state == "" {
				continue
			}
			n, _ := strconv.Atoi(token)
			ugcs = append(ugcs, newUGC(state, kind, n))
		}
	}
	return ugcs, expire
}

func expandRange(state, kind string, lo, hi int) []UGC {
	if hi < lo || hi-lo > maxUGCRange {
		return []UGC{newUGC(state, kind, lo)}
	}
	out := make([]UGC, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		out = append(out, newUGC(state, kind, n))
	}
	return out
}

func newUGC(state, kind string, n int) UGC {
	typ := "county"
	if kind == "Z" {
		typ = "zone"
	}
	return UGC{
		Code:   fmt.Sprintf("%s%s%03d", state, kind, n),
		State:  state,
		Type:   typ,
		Number: n,
	}
}
