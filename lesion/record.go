package lesion

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

// VolumeList is an ordered list of per-lesion volumes, stored in CSV cells as
// a semicolon-joined sequence so the record table stays one row per scan.
type VolumeList []float64

func (v VolumeList) MarshalCSV() (string, error) {
	parts := make([]string, 0, len(v))
	for _, f := range v {
		parts = append(parts, strconv.FormatFloat(f, 'g', -1, 64))
	}
	return strings.Join(parts, ";"), nil
}

func (v *VolumeList) UnmarshalCSV(csv string) error {
	*v = nil
	if csv == "" {
		return nil
	}
	for _, part := range strings.Split(csv, ";") {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return fmt.Errorf("lesion: bad volume list entry %q: %w", part, err)
		}
		*v = append(*v, f)
	}
	return nil
}

// ScanRecord is one row of the record table: lesion statistics for a single
// mask volume. Records are immutable once extracted; exclusions are flagged,
// never dropped.
type ScanRecord struct {
	SubjectID        string     `csv:"subject_id"`
	Site             string     `csv:"site"`
	Timepoint        int        `csv:"tp"`
	ScanID           string     `csv:"scan_id"`
	LesionCount      int        `csv:"lesion_count"`
	LesionVolumesMM3 VolumeList `csv:"lesion_volumes_mm3"`
	TotalVolumeMM3   float64    `csv:"total_volume_mm3"`
	QCPass           bool       `csv:"qc_pass"`
	Excluded         bool       `csv:"excluded"`
	ExcludeReason    string     `csv:"exclude_reason"`
}

// NewScanRecord summarizes labeled components into a record row.
func NewScanRecord(subjectID, site string, timepoint int, scanID string, comps []Component) ScanRecord {
	rec := ScanRecord{
		SubjectID: subjectID,
		Site:      site,
		Timepoint: timepoint,
		ScanID:    scanID,
		QCPass:    true,
	}
	for _, c := range comps {
		rec.LesionCount++
		rec.LesionVolumesMM3 = append(rec.LesionVolumesMM3, c.VolumeMM3)
		rec.TotalVolumeMM3 += c.VolumeMM3
	}
	return rec
}

// Exclude marks the record excluded, appending to any prior reason.
func (r *ScanRecord) Exclude(reason string) {
	r.Excluded = true
	if r.ExcludeReason != "" {
		r.ExcludeReason += "|" + reason
		return
	}
	r.ExcludeReason = reason
}

// SubjectRecord aggregates every scan of one subject. The splitter operates
// on these so that a subject's scans can never straddle partitions.
type SubjectRecord struct {
	SubjectID      string
	Site           string
	Scans          []ScanRecord
	LesionCount    int
	TotalVolumeMM3 float64
	Excluded       bool
	ExcludeReason  string
}

// BySubject groups scan records into one SubjectRecord per unique subject ID,
// ordered by subject ID so downstream processing is deterministic. A subject
// with any excluded scan is excluded as a whole: partial subjects would leak
// timepoints across the QC boundary. Conflicting site labels for one subject
// are malformed metadata.
func BySubject(scans []ScanRecord) ([]SubjectRecord, error) {
	byID := make(map[string]*SubjectRecord)
	ids := make([]string, 0, len(scans))

	for _, scan := range scans {
		rec, ok := byID[scan.SubjectID]
		if !ok {
			rec = &SubjectRecord{SubjectID: scan.SubjectID, Site: scan.Site}
			byID[scan.SubjectID] = rec
			ids = append(ids, scan.SubjectID)
		}

		if rec.Site != scan.Site {
			return nil, fmt.Errorf("lesion: subject %s appears with sites %q and %q", scan.SubjectID, rec.Site, scan.Site)
		}

		rec.Scans = append(rec.Scans, scan)
		rec.LesionCount += scan.LesionCount
		rec.TotalVolumeMM3 += scan.TotalVolumeMM3
		if scan.Excluded {
			rec.Excluded = true
			rec.ExcludeReason = scan.ExcludeReason
		}
	}

	sort.Strings(ids)
	out := make([]SubjectRecord, 0, len(ids))
	for _, id := range ids {
		rec := byID[id]
		sort.SliceStable(rec.Scans, func(i, j int) bool { return rec.Scans[i].Timepoint < rec.Scans[j].Timepoint })
		out = append(out, *rec)
	}

	return out, nil
}

// Summary holds cohort-level lesion statistics for logging.
type Summary struct {
	Subjects     int
	Excluded     int
	MeanVolume   float64
	MedianVolume float64
}

// Summarize computes cohort statistics over the included subjects.
func Summarize(subjects []SubjectRecord) (Summary, error) {
	out := Summary{Subjects: len(subjects)}

	volumes := make([]float64, 0, len(subjects))
	for _, s := range subjects {
		if s.Excluded {
			out.Excluded++
			continue
		}
		volumes = append(volumes, s.TotalVolumeMM3)
	}

	if len(volumes) == 0 {
		return out, nil
	}

	var err error
	if out.MeanVolume, err = stats.Mean(volumes); err != nil {
		return out, err
	}
	if out.MedianVolume, err = stats.Median(volumes); err != nil {
		return out, err
	}

	return out, nil
}
