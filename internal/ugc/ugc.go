// Package ugc loads the Universal Geographic Code lookup table that maps
// zone/county codes ("FLZ151") to human-readable names.  The table is read
// once at startup; event-time lookups are pure map reads, so the parser
// never performs I/O while the pipeline is running.
package ugc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is an immutable code → name lookup.
type Table struct {
	names map[string]string
}

// Empty returns a table with no entries; every lookup misses.
func Empty() *Table {
	return &Table{names: map[string]string{}}
}

// Load reads a table from a pipe-separated file with one entry per line:
//
//	CODE|NAME|STATE
//
// Blank lines and lines starting with '#' are ignored.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ugc: open table: %w", err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("ugc: parse table %s: %w", path, err)
	}
	return t, nil
}

// Parse reads table entries from r.
func Parse(r io.Reader) (*Table, error) {
	names := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: want CODE|NAME[|STATE], got %q", lineNo, line)
		}
		code := strings.ToUpper(strings.TrimSpace(fields[0]))
		name := strings.TrimSpace(fields[1])
		if code == "" || name == "" {
			return nil, fmt.Errorf("line %d: empty code or name", lineNo)
		}
		names[code] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Table{names: names}, nil
}

// Lookup returns the name for a code.
func (t *Table) Lookup(code string) (string, bool) {
	name, ok := t.names[strings.ToUpper(code)]
	return name, ok
}

// Len reports the number of entries.
func (t *Table) Len() int {
	return len(t.names)
}
