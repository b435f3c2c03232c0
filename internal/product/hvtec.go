package product

import (
	"regexp"
	"time"
)

// HVTEC is one hydrologic VTEC record, carried alongside a flood product's
// primary VTEC:
//
//	/DMBN6.1.ER.230713T1915Z.230714T0000Z.230714T0600Z.NO/
type HVTEC struct {
	// NWSLI is the 5-character location identifier of the river gauge,
	// or "00000" when the event has no point association.
	NWSLI string `json:"nwsli"`

	// Severity is 0 areal, 1 minor, 2 moderate, 3 major, N none,
	// U unknown.
	Severity string `json:"severity"`

	// Cause is the immediate-cause code (ER excessive rain, SM snowmelt,
	// DM dam failure, ...).
	Cause string `json:"cause"`

	// Begin, Crest, and End are the flood lifecycle times; zero values
	// mean the wire carried the all-zero form.
	Begin time.Time `json:"begin,omitempty"`
	Crest time.Time `json:"crest,omitempty"`
	End   time.Time `json:"end,omitempty"`

	// Record is the flood-record indicator (NO, NR, UU, OO).
	Record string `json:"record"`
}

var hvtecRE = regexp.MustCompile(`/([A-Z0-9]{5})\.([0-3NU])\.([A-Z]{2})\.([0-9]{6}T[0-9]{4}Z)\.([0-9]{6}T[0-9]{4}Z)\.([0-9]{6}T[0-9]{4}Z)\.([A-Z]{2})/`)

// parseHVTECs returns every hydrologic VTEC record in the chunk.
func parseHVTECs(chunk string) []HVTEC {
	matches := hvtecRE.FindAllStringSubmatch(chunk, -1)
	if matches == nil {
		return nil
	}
	hvtecs := make([]HVTEC, 0, len(matches))
	for _, m := range matches {
		hvtecs = append(hvtecs, HVTEC{
			NWSLI:    m[1],
			Severity: m[2],
			Cause:    m[3],
			Begin:    parseVTECTime(m[4]),
			Crest:    parseVTECTime(m[5]),
			End:      parseVTECTime(m[6]),
			Record:   m[7],
		})
	}
	return hvtecs
}
