package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"roidecode/internal/download"
	"roidecode/internal/models"
)

// Header is the first line of the result CSV.
var Header = []string{"roi_index", "roi_name", "network", "parcel", "native_coords", "mni152_coords", "labels", "error"}

// ErrorMarker fills the labels column of a failed row.
const ErrorMarker = "ERROR"

// WriteCSV writes rows in order, preceded by Header.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(record(row)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes rows to path, replacing it atomically.
func WriteCSVFile(path string, rows []Row) error {
	err := download.WriteFileAtomic(path, func(f *os.File) error {
		return WriteCSV(f, rows)
	})
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func record(row Row) []string {
	r := row.ROI
	rec := []string{strconv.Itoa(r.Index), r.Name, r.NetworkLabel, r.ParcelLabel, "", "", "", ""}
	if r.Name != "" {
		rec[4] = formatCoordinate(r.Native)
		rec[5] = formatCoordinate(r.Standard)
	}
	if row.Err != nil {
		rec[6] = ErrorMarker
		rec[7] = row.Err.Error()
		return rec
	}
	rec[6] = formatLabels(row.Labels)
	return rec
}

func formatCoordinate(c models.Coordinate) string {
	return fmt.Sprintf("%.4f;%.4f;%.4f", c[0], c[1], c[2])
}

func formatLabels(labels []models.Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Term + ":" + strconv.FormatFloat(l.Score, 'f', 4, 64)
	}
	return strings.Join(parts, "|")
}
