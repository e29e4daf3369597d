// lesionstats extracts per-scan lesion statistics from a folder of binary
// lesion masks: connected components (26-connectivity), per-lesion and total
// volumes in mm3, and QC gating against an MRIQC-style metrics table. The
// output record table is the input to the stratified splitter.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"

	clprep "github.com/petermcgor/clprep"
	"github.com/petermcgor/clprep/bids"
	"github.com/petermcgor/clprep/config"
	"github.com/petermcgor/clprep/lesion"
	"github.com/petermcgor/clprep/qc"
)

// QC outliers beyond this many standard deviations of the cohort metric are
// flagged even when they pass the absolute threshold.
const outlierSD = 5.0

func main() {
	var maskDir, siteTable, qcTable, qcMetric, outFile, configFile string
	var qcThreshold float64
	var qcFailBelow bool

	flag.StringVar(&maskDir, "masks", "", "Path to folder with binary lesion masks (.nii or .nii.gz), one per scan")
	flag.StringVar(&siteTable, "sites", "", "Path to the subject-to-site lookup table (csv or tsv with subject_id, site, domain, dataset)")
	flag.StringVar(&qcTable, "qctable", "", "Path to an MRIQC-style metrics table for QC gating. (Optional.)")
	flag.StringVar(&qcMetric, "qcmetric", "", "Header of the metric column in -qctable")
	flag.Float64Var(&qcThreshold, "qcthreshold", 0, "Metric threshold; scans crossing it fail QC")
	flag.BoolVar(&qcFailBelow, "qcfailbelow", false, "Fail scans below -qcthreshold instead of above")
	flag.StringVar(&outFile, "out", "", "Path for the output record table CSV. Defaults to stdout.")
	flag.StringVar(&configFile, "config", "", "Path to a YAML config file; explicit flags win over file values. (Optional.)")
	flag.Parse()

	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalln(pfx.Err(err))
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["masks"] {
			maskDir = cfg.Lesion.MaskDir
		}
		if !set["qctable"] {
			qcTable = cfg.Lesion.QCTable
		}
		if !set["qcmetric"] {
			qcMetric = cfg.Lesion.QCMetric
		}
		if !set["qcthreshold"] {
			qcThreshold = cfg.Lesion.QCThreshold
		}
		if !set["qcfailbelow"] {
			qcFailBelow = cfg.Lesion.QCFailBelow
		}
	}

	maskDir = clprep.ExpandHome(maskDir)
	siteTable = clprep.ExpandHome(siteTable)
	qcTable = clprep.ExpandHome(qcTable)
	outFile = clprep.ExpandHome(outFile)

	if maskDir == "" {
		log.Fatalln("Please provide -masks")
	}
	if siteTable == "" {
		log.Fatalln("Please provide -sites")
	}
	if qcTable != "" && qcMetric == "" {
		log.Fatalln("Please provide -qcmetric when using -qctable")
	}

	if err := run(maskDir, siteTable, qcTable, qcMetric, qcThreshold, qcFailBelow, outFile); err != nil {
		log.Fatalln(pfx.Err(err))
	}
}

func run(maskDir, siteTable, qcTable, qcMetric string, qcThreshold float64, qcFailBelow bool, outFile string) error {
	sites, err := bids.LoadSiteLookup(siteTable)
	if err != nil {
		return err
	}

	var metrics *qc.Table
	var outliers map[string]bool
	if qcTable != "" {
		if metrics, err = qc.LoadTable(qcTable, "scan_id", qcMetric); err != nil {
			return err
		}
		if metrics.SkippedRows > 0 {
			log.Printf("Skipped %d malformed rows in %s", metrics.SkippedRows, qcTable)
		}
		outliers = metrics.Outliers(outlierSD)
	}

	masks, err := filepath.Glob(filepath.Join(maskDir, "*.nii*"))
	if err != nil {
		return pfx.Err(err)
	}
	if len(masks) == 0 {
		return fmt.Errorf("no .nii or .nii.gz masks found under %s", maskDir)
	}
	sort.Strings(masks)

	records := make([]*lesion.ScanRecord, 0, len(masks))
	for _, path := range masks {
		rec, err := processMask(path, sites, metrics, outliers, qcMetric, qcThreshold, qcFailBelow)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].SubjectID != records[j].SubjectID {
			return records[i].SubjectID < records[j].SubjectID
		}
		return records[i].Timepoint < records[j].Timepoint
	})

	out := os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return pfx.Err(err)
		}
		defer f.Close()
		out = f
	}
	if err := gocsv.Marshal(&records, out); err != nil {
		return pfx.Err(err)
	}

	return summarize(records)
}

func processMask(path string, sites map[string]bids.SiteEntry, metrics *qc.Table, outliers map[string]bool, qcMetric string, qcThreshold float64, qcFailBelow bool) (*lesion.ScanRecord, error) {
	scanID := scanIDFromPath(path)
	subject := subjectFromScanID(scanID)
	entry, ok := sites[subject]
	if !ok {
		return nil, fmt.Errorf("subject %s (from %s) is missing from the site lookup", subject, path)
	}

	img, err := SafelyNiftiParse(path, true)
	if err != nil {
		return nil, fmt.Errorf("subject %s: parsing %s: %w", subject, path, err)
	}
	hdr, err := SafelyNiftiHeaderParse(path)
	if err != nil {
		return nil, fmt.Errorf("subject %s: parsing header of %s: %w", subject, path, err)
	}

	dims := img.GetDims()
	nx, ny, nz := dims[0], dims[1], dims[2]
	data := make([]float64, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				data[x+nx*(y+ny*z)] = float64(img.GetAt(x, y, z, 0))
			}
		}
	}

	field, err := lesion.NewField(data, nx, ny, nz)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", subject, err)
	}

	voxVol := float64(hdr.Pixdim[1]) * float64(hdr.Pixdim[2]) * float64(hdr.Pixdim[3])
	if voxVol < 0 {
		voxVol = -voxVol
	}
	comps := lesion.ConnectedComponents(field, voxVol)

	rec := lesion.NewScanRecord(subject, entry.Site, timepointFromScanID(scanID), scanID, comps)
	if rec.LesionCount == 0 {
		rec.Exclude("no lesions")
	}

	if metrics != nil {
		if pass, known := metrics.Pass(scanID, qcThreshold, qcFailBelow); !known {
			log.Printf("Scan %s has no QC metric; leaving QC untouched", scanID)
		} else if !pass {
			rec.QCPass = false
			rec.Exclude(fmt.Sprintf("qc %s threshold", qcMetric))
		}
		if outliers[scanID] {
			rec.QCPass = false
			rec.Exclude(fmt.Sprintf("qc %s outlier beyond %.0f SD", qcMetric, outlierSD))
		}
	}

	log.Println("Processed", scanID, "-", rec.LesionCount, "lesions,", rec.TotalVolumeMM3, "mm3")

	return &rec, nil
}

func summarize(records []*lesion.ScanRecord) error {
	scans := make([]lesion.ScanRecord, 0, len(records))
	volumes := make([]float64, 0, len(records))
	for _, rec := range records {
		scans = append(scans, *rec)
		if !rec.Excluded {
			volumes = append(volumes, rec.TotalVolumeMM3)
		}
	}

	subjects, err := lesion.BySubject(scans)
	if err != nil {
		return err
	}
	summary, err := lesion.Summarize(subjects)
	if err != nil {
		return err
	}
	log.Printf("%d subjects (%d excluded); mean total volume %.1f mm3, median %.1f mm3",
		summary.Subjects, summary.Excluded, summary.MeanVolume, summary.MedianVolume)

	if len(volumes) > 1 {
		fmt.Fprintln(os.Stderr, "Total lesion volume (mm3), included scans:")
		hist := histogram.Hist(25, volumes)
		if err := histogram.Fprint(os.Stderr, hist, histogram.Linear(5)); err != nil {
			return pfx.Err(err)
		}
	}

	return nil
}

// scanIDFromPath strips the directory and the .nii/.nii.gz suffix.
func scanIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}

// subjectFromScanID takes the leading token of a BIDS-style name, e.g.
// sub-01 from sub-01_ses-01_T1w.
func subjectFromScanID(scanID string) string {
	if idx := strings.Index(scanID, "_"); idx > 0 {
		return scanID[:idx]
	}
	return scanID
}

// timepointFromScanID parses the session token (ses-01 or TP-01); scans
// without one are timepoint 1.
func timepointFromScanID(scanID string) int {
	for _, token := range strings.Split(scanID, "_") {
		for _, prefix := range []string{"ses-", "TP-"} {
			if strings.HasPrefix(token, prefix) {
				if tp, err := strconv.Atoi(strings.TrimLeft(token[len(prefix):], "0")); err == nil {
					return tp
				}
			}
		}
	}
	return 1
}
