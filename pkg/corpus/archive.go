package corpus

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"roidecode/internal/download"
	"roidecode/internal/models"
)

// archiveVersion changes whenever the archive layout changes; older caches
// are rejected and refetched.
const archiveVersion = 1

type archive struct {
	Version int
	Grid    models.Grid
	Terms   []string
	Studies []Study
}

// Save writes c to path as a gzip-compressed gob archive. The file is
// replaced atomically.
func Save(c *Corpus, path string) error {
	err := download.WriteFileAtomic(path, func(f *os.File) error {
		return Encode(c, f)
	})
	if err != nil {
		return fmt.Errorf("save corpus: %w", err)
	}
	return nil
}

// Encode writes the archive form of c to w.
func Encode(c *Corpus, w io.Writer) error {
	bw := bufio.NewWriter(w)
	gz := gzip.NewWriter(bw)
	a := archive{Version: archiveVersion, Grid: c.Grid, Terms: c.Terms, Studies: c.Studies}
	if err := gob.NewEncoder(gz).Encode(&a); err != nil {
		return fmt.Errorf("encode corpus: %w", err)
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads a corpus archive written by Save.
func Load(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Decode reads the archive form of a corpus from r.
func Decode(r io.Reader) (*Corpus, error) {
	gz, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("open corpus archive: %w", err)
	}
	defer gz.Close()

	var a archive
	if err := gob.NewDecoder(gz).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode corpus: %w", err)
	}
	if a.Version != archiveVersion {
		return nil, fmt.Errorf("corpus archive version %d, want %d", a.Version, archiveVersion)
	}

	c := &Corpus{Grid: a.Grid, Terms: a.Terms, Studies: a.Studies}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}
