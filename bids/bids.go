// Package bids locates subject images inside the study's BIDS-like site
// trees and parses the subject-to-site lookup table.
package bids

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"

	clprep "github.com/petermcgor/clprep"
)

// T1-weighted sequence names used in canonical filenames. MP2RAGE and MPRAGE
// acquisitions are grouped as T1w for training, but the sequence is recorded
// in the filename so it can be stratified on later.
const (
	SeqMP2RAGE = "MP2RAGE"
	SeqMPRAGE  = "MPRAGE"
)

// Sequence infers the acquisition sequence from a filename.
func Sequence(filename string) string {
	if strings.Contains(strings.ToLower(filename), strings.ToLower(SeqMP2RAGE)) {
		return SeqMP2RAGE
	}
	return SeqMPRAGE
}

// SiteEntry is one row of the subject-to-site lookup table.
type SiteEntry struct {
	SubjectID string `csv:"subject_id"`
	Site      string `csv:"site"`
	Domain    string `csv:"domain"`
	// Dataset is the BIDS dataset folder this subject's images live under.
	// Empty means the subject's images are only available in the flat
	// split-layout tree.
	Dataset string `csv:"dataset"`
}

// LoadSiteLookup reads the lookup table (comma- or tab-delimited) into a map
// keyed by subject ID. Duplicate subject rows are malformed metadata.
func LoadSiteLookup(path string) (map[string]SiteEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	// Tell gocsv to use the sniffed delimiter, then put the default back so
	// callers reading our own comma-separated tables are unaffected.
	delim := clprep.DetermineDelimiter(bytes.NewReader(data))
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = delim
		r.LazyQuotes = true
		return r
	})
	defer gocsv.SetCSVReader(gocsv.DefaultCSVReader)

	var rows []*SiteEntry
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("bids: parsing site lookup %s: %w", path, err)
	}

	out := make(map[string]SiteEntry, len(rows))
	for _, row := range rows {
		if _, dup := out[row.SubjectID]; dup {
			return nil, fmt.Errorf("bids: site lookup %s lists subject %s twice", path, row.SubjectID)
		}
		out[row.SubjectID] = *row
	}

	return out, nil
}

// Locator finds a subject's anatomical images. Subjects with a BIDS dataset
// assignment are searched under BIDSRoot/<dataset>/<subject>/ses-0<tp>/anat;
// the rest live in the flat split layout under SplitRoot, where MP2RAGE and
// MPRAGE acquisitions sit in sequence-named folders.
type Locator struct {
	BIDSRoot  string
	SplitRoot string
}

// FindImages returns every T1w image for the subject at the given timepoint.
// No match is a missing-file error naming the subject; assembly treats it as
// fatal for that subject.
func (l *Locator) FindImages(entry SiteEntry, tp int) ([]string, error) {
	var pattern string
	if entry.Dataset != "" {
		pattern = filepath.Join(l.BIDSRoot, entry.Dataset, entry.SubjectID,
			fmt.Sprintf("ses-0%d", tp), "anat", "*T1w.nii.gz")
	} else {
		pattern = filepath.Join(l.SplitRoot, "MP*RAGE",
			fmt.Sprintf("%s_ses-0%d*.nii.gz", entry.SubjectID, tp))
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("bids: no image for subject %s at timepoint %d (searched %s)", entry.SubjectID, tp, pattern)
	}

	sort.Strings(matches)
	return matches, nil
}
