package corpus

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"roidecode/internal/models"
	"roidecode/internal/roierr"
	"roidecode/pkg/transform"
)

// Neurosynth release file names inside the data tarball.
const (
	DatabaseFile = "database.txt"
	FeaturesFile = "features.txt"
)

// ReadTarball extracts database.txt and features.txt from a Neurosynth
// release tarball (gzip-compressed tar) and builds the corpus on grid.
func ReadTarball(r io.Reader, grid models.Grid) (*Corpus, error) {
	const op = "corpus.ReadTarball"

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, roierr.New(roierr.MalformedInput, op, "open tarball", err)
	}
	defer gz.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, roierr.New(roierr.MalformedInput, op, "read tarball", err)
		}
		name := path.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || (name != DatabaseFile && name != FeaturesFile) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, roierr.New(roierr.MalformedInput, op, "read "+name, err)
		}
		files[name] = data
	}

	for _, name := range []string{DatabaseFile, FeaturesFile} {
		if _, ok := files[name]; !ok {
			return nil, roierr.Newf(roierr.MalformedInput, op, "tarball lacks %s", name)
		}
	}
	return ParseNeurosynth(bytes.NewReader(files[DatabaseFile]), bytes.NewReader(files[FeaturesFile]), grid)
}

// ParseNeurosynth builds a corpus from the tab-separated Neurosynth tables.
//
// database holds one row per focus with at least the columns id, x, y, z and
// space; TAL foci are converted to MNI. features holds one row per study: an
// id column followed by one tf-idf column per term. Studies without foci are
// dropped since no mask can ever select them.
func ParseNeurosynth(database, features io.Reader, grid models.Grid) (*Corpus, error) {
	const op = "corpus.ParseNeurosynth"

	talToMNI, err := transform.New(transform.ICBMToTalairach).Inverse()
	if err != nil {
		return nil, err
	}

	rows, header, err := readTSV(database)
	if err != nil {
		return nil, roierr.New(roierr.MalformedInput, op, DatabaseFile, err)
	}
	col, err := columns(header, "id", "x", "y", "z", "space")
	if err != nil {
		return nil, roierr.New(roierr.MalformedInput, op, DatabaseFile, err)
	}

	order := []string{}
	foci := map[string][]models.Coordinate{}
	for n, row := range rows {
		if len(row) <= maxIndex(col) {
			return nil, roierr.Newf(roierr.MalformedInput, op, "%s line %d: %d fields", DatabaseFile, n+2, len(row))
		}
		var c models.Coordinate
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[col[1+k]]), 64)
			if err != nil {
				return nil, roierr.New(roierr.MalformedInput, op, fmt.Sprintf("%s line %d", DatabaseFile, n+2), err)
			}
			c[k] = v
		}
		if strings.EqualFold(strings.TrimSpace(row[col[4]]), "TAL") {
			c = talToMNI.Apply(c)
		}

		id := strings.TrimSpace(row[col[0]])
		if _, ok := foci[id]; !ok {
			order = append(order, id)
		}
		foci[id] = append(foci[id], c)
	}

	frows, fheader, err := readTSV(features)
	if err != nil {
		return nil, roierr.New(roierr.MalformedInput, op, FeaturesFile, err)
	}
	if len(fheader) < 2 {
		return nil, roierr.Newf(roierr.MalformedInput, op, "%s has no term columns", FeaturesFile)
	}
	terms := make([]string, len(fheader)-1)
	for i, h := range fheader[1:] {
		terms[i] = TermPrefix + strings.TrimSpace(h)
	}

	weights := map[string]map[string]float64{}
	for n, row := range frows {
		if len(row) != len(fheader) {
			return nil, roierr.Newf(roierr.MalformedInput, op, "%s line %d: %d fields, want %d", FeaturesFile, n+2, len(row), len(fheader))
		}
		w := map[string]float64{}
		for i, cell := range row[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, roierr.New(roierr.MalformedInput, op, fmt.Sprintf("%s line %d", FeaturesFile, n+2), err)
			}
			if v != 0 {
				w[terms[i]] = v
			}
		}
		weights[strings.TrimSpace(row[0])] = w
	}

	studies := make([]Study, 0, len(order))
	for _, id := range order {
		studies = append(studies, Study{ID: id, Foci: foci[id], Features: weights[id]})
	}
	return New(grid, terms, studies)
}

func readTSV(r io.Reader) (rows [][]string, header []string, err error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty table")
	}
	return records[1:], records[0], nil
}

func columns(header []string, names ...string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("missing column %q", n)
		}
		out[i] = p
	}
	return out, nil
}

func maxIndex(idx []int) int {
	m := 0
	for _, i := range idx {
		if i > m {
			m = i
		}
	}
	return m
}
