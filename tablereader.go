package clprep

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"

	"github.com/carbocation/pfx"
)

// OpenTable reads a delimited table from disk, transparently decompressing
// gzip and sniffing the delimiter. The whole table is buffered: the tables
// this pipeline consumes (site lookups, QC metrics, split assignments) are a
// few thousand rows at most.
func OpenTable(path string) (*csv.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	rc, err := MaybeDecompressReadCloserFromFile(f)
	if err != nil {
		return nil, pfx.Err(err)
	}

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, pfx.Err(err)
	}

	delim := DetermineDelimiter(bytes.NewReader(data))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.LazyQuotes = true

	return r, nil
}
