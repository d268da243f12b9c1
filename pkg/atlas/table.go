package atlas

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
)

// Table is the per-ROI centroid table of a Schaefer parcellation. Row i
// (0-based) describes ROI index i+1.
type Table struct {
	Networks int
	Entries  []Entry
}

// Entry is one row of the centroid table.
type Entry struct {
	Label   int
	Name    string
	Network string
	Parcel  string
	Native  models.Coordinate
}

var tableColumns = []string{"ROI Label", "ROI Name", "R", "A", "S"}

// ReadTableFile parses the centroid CSV at path.
func ReadTableFile(path string, networks int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ROI table: %w", err)
	}
	defer f.Close()

	t, err := ReadTable(f, networks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ReadTable parses a centroid CSV with the columns ROI Label, ROI Name, R, A
// and S, in any order. Labels must run 1..N in row order.
func ReadTable(r io.Reader, networks int) (*Table, error) {
	const op = "atlas.ReadTable"

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, roierr.New(roierr.MalformedInput, op, "parse CSV", err)
	}
	if len(records) < 2 {
		return nil, roierr.Newf(roierr.MalformedInput, op, "table has no ROI rows")
	}

	cols := make(map[string]int, len(tableColumns))
	for i, h := range records[0] {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idx := make([]int, len(tableColumns))
	for i, name := range tableColumns {
		c, ok := cols[name]
		if !ok {
			return nil, roierr.Newf(roierr.MalformedInput, op, "missing column %q", name)
		}
		idx[i] = c
	}

	t := &Table{Networks: networks, Entries: make([]Entry, 0, len(records)-1)}
	for n, row := range records[1:] {
		line := n + 2
		label, err := strconv.Atoi(strings.TrimSpace(row[idx[0]]))
		if err != nil {
			return nil, roierr.New(roierr.MalformedInput, op, fmt.Sprintf("line %d: bad ROI Label", line), err)
		}
		if label != n+1 {
			return nil, roierr.Newf(roierr.MalformedInput, op, "line %d: ROI Label %d out of sequence, expected %d", line, label, n+1)
		}

		var native models.Coordinate
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[idx[2+k]]), 64)
			if err != nil {
				return nil, roierr.New(roierr.MalformedInput, op, fmt.Sprintf("line %d: bad %s coordinate", line, tableColumns[2+k]), err)
			}
			native[k] = v
		}

		name := strings.TrimSpace(row[idx[1]])
		network, parcel, err := SplitName(name, networks)
		if err != nil {
			return nil, roierr.New(roierr.MalformedInput, op, fmt.Sprintf("line %d", line), err)
		}

		t.Entries = append(t.Entries, Entry{
			Label:   label,
			Name:    name,
			Network: network,
			Parcel:  parcel,
			Native:  native,
		})
	}
	return t, nil
}

// SplitName parses "{n}Networks_{hemi}_{network}_{region}" into the network
// token and the parcel label (everything after the "{n}Networks_" prefix).
func SplitName(name string, networks int) (network, parcel string, err error) {
	prefix := fmt.Sprintf("%dNetworks_", networks)
	i := strings.LastIndex(name, prefix)
	if i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i = -1
	}
	if i < 0 {
		return "", "", fmt.Errorf("ROI name %q lacks %q", name, prefix)
	}
	parcel = name[i+len(prefix):]
	if parcel == "" {
		return "", "", fmt.Errorf("ROI name %q has no parcel label", name)
	}

	tokens := strings.Split(parcel, "_")
	network = tokens[0]
	if (network == "LH" || network == "RH") && len(tokens) > 1 {
		network = tokens[1]
	}
	return network, parcel, nil
}

// Len returns the number of ROIs in the table.
func (t *Table) Len() int {
	return len(t.Entries)
}

// Lookup returns the entry of a 1-based ROI index.
func (t *Table) Lookup(index int) (Entry, error) {
	if index < 1 || index > len(t.Entries) {
		return Entry{}, roierr.Newf(roierr.InvalidRegion, "atlas.Lookup", "ROI %d outside table range 1..%d", index, len(t.Entries))
	}
	return t.Entries[index-1], nil
}
