package product

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// VTEC is one Valid Time Event Code record, the structured string embedded
// in warning products:
//
//	/O.NEW.KTBW.TO.W.0015.230713T1915Z-230713T2000Z/
type VTEC struct {
	// Class is the product class: O operational, T test, E experimental,
	// X experimental VTEC.
	Class string `json:"class"`

	// Action is the event action code (NEW, CON, EXT, EXA, EXB, UPG,
	// CAN, EXP, COR, ROU).
	Action string `json:"action"`

	// Office is the 4-character issuing office.
	Office string `json:"office"`

	// Phenomena is the 2-character phenomenon code (TO, SV, FF, ...).
	Phenomena string `json:"phenomena"`

	// Significance is W warning, A watch, Y advisory, S statement,
	// F forecast, O outlook, N synopsis.
	Significance string `json:"significance"`

	// ETN is the event tracking number.
	ETN int `json:"etn"`

	// Begin and End bound the event; a zero value means "until further
	// notice" (the all-zero wire form).
	Begin time.Time `json:"begin,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// PhenSig returns the phenomena.significance pair ("TO.W") used as the
// product-type key in topic routing.
func (v VTEC) PhenSig() string {
	return fmt.Sprintf("%s.%s", v.Phenomena, v.Significance)
}

// String reassembles the wire form of the record.
func (v VTEC) String() string {
	return fmt.Sprintf("/%s.%s.%s.%s.%s.%04d.%s-%s/",
		v.Class, v.Action, v.Office, v.Phenomena, v.Significance, v.ETN,
		vtecTime(v.Begin), vtecTime(v.End))
}

const vtecTimeLayout = "060102T1504Z"

var vtecRE = regexp.MustCompile(`/([OTEX])\.([A-Z]{3})\.([A-Z]{4})\.([A-Z]{2})\.([WAYSFON])\.([0-9]{4})\.([0-9]{6}T[0-9]{4}Z)-([0-9]{6}T[0-9]{4}Z)/`)

// ParseVTEC decodes a single record from its wire form.
func ParseVTEC(raw string) (VTEC, error) {
	vtecs := parseVTECs(raw)
	if len(vtecs) == 0 {
		return VTEC{}, fmt.Errorf("product: no vtec record in %q", raw)
	}
	return vtecs[0], nil
}

// parseVTECs returns every VTEC record in the chunk in order of
// appearance.  Malformed candidates simply do not match.
func parseVTECs(chunk string) []VTEC {
	matches := vtecRE.FindAllStringSubmatch(chunk, -1)
	if matches == nil {
		return nil
	}
	vtecs := make([]VTEC, 0, len(matches))
	for _, m := range matches {
		etn, _ := strconv.Atoi(m[6])
		vtecs = append(vtecs, VTEC{
			Class:        m[1],
			Action:       m[2],
			Office:       m[3],
			Phenomena:    m[4],
			Significance: m[5],
			ETN:          etn,
			Begin:        parseVTECTime(m[7]),
			End:          parseVTECTime(m[8]),
		})
	}
	return vtecs
}

// parseVTECTime decodes YYMMDDTHHMMZ; the all-zero form maps to the zero
// time.
func parseVTECTime(v string) time.Time {
	if v == "000000T0000Z" {
		return time.Time{}
	}
	t, err := time.Parse(vtecTimeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func vtecTime(t time.Time) string {
	if t.IsZero() {
		return "000000T0000Z"
	}
	return t.UTC().Format(vtecTimeLayout)
}
