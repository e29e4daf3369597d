// stratsplit partitions subjects from a lesionstats record table into
// train/val/test groups (or K folds), stratified by site and lesion burden.
// All scans of a subject stay in one partition. The same seed over the same
// records reproduces the assignment exactly.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"

	clprep "github.com/petermcgor/clprep"
	"github.com/petermcgor/clprep/config"
	"github.com/petermcgor/clprep/lesion"
	"github.com/petermcgor/clprep/split"
)

func main() {
	var recordFile, outFile, reportFile, ratioSpec, configFile string
	var seed int64
	var bins, folds int
	var trainRatio float64
	var binByCount bool

	flag.StringVar(&recordFile, "records", "", "Path to the record table CSV produced by lesionstats")
	flag.StringVar(&outFile, "out", "", "Path for the assignment CSV. Defaults to stdout.")
	flag.StringVar(&reportFile, "report", "", "Path for the balance report. Defaults to stderr.")
	flag.StringVar(&ratioSpec, "ratios", "train=0.7,val=0.1,test=0.2", "Comma-separated name=ratio partitions")
	flag.IntVar(&folds, "folds", 0, "When positive, split into K equal folds instead of -ratios")
	flag.Int64Var(&seed, "seed", 12345, "Shuffle seed. Negative draws one from the clock (not reproducible).")
	flag.IntVar(&bins, "bins", 5, "Number of lesion-burden quantile bins beyond the zero-lesion stratum")
	flag.BoolVar(&binByCount, "bincount", false, "Bin burden by lesion count instead of total volume")
	flag.StringVar(&configFile, "config", "", "Path to a YAML config file; explicit flags win over file values. (Optional.)")
	flag.Parse()

	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalln(pfx.Err(err))
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["seed"] {
			seed = cfg.Split.Seed
		}
		if !set["bins"] {
			bins = cfg.Split.Bins
		}
		if !set["bincount"] {
			binByCount = cfg.Split.BinByCount
		}
		if !set["folds"] {
			folds = cfg.Split.Folds
		}
		// A configured train ratio selects a two-way split unless the
		// partitions were spelled out on the command line.
		if !set["ratios"] && !set["folds"] {
			trainRatio = cfg.Split.TrainRatio
		}
	}

	recordFile = clprep.ExpandHome(recordFile)
	outFile = clprep.ExpandHome(outFile)
	reportFile = clprep.ExpandHome(reportFile)

	if recordFile == "" {
		log.Fatalln("Please provide -records")
	}

	partitions, err := parsePartitions(ratioSpec, folds, trainRatio)
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}

	if err := run(recordFile, outFile, reportFile, split.Options{
		Seed:       seed,
		Bins:       bins,
		BinByCount: binByCount,
		Partitions: partitions,
	}); err != nil {
		log.Fatalln(pfx.Err(err))
	}
}

func run(recordFile, outFile, reportFile string, opts split.Options) error {
	f, err := os.Open(recordFile)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	var scans []lesion.ScanRecord
	if err := gocsv.Unmarshal(f, &scans); err != nil {
		return fmt.Errorf("parsing %s: %w", recordFile, err)
	}

	subjects, err := lesion.BySubject(scans)
	if err != nil {
		return err
	}

	res, err := split.Split(subjects, opts)
	if err != nil {
		return err
	}

	out := os.Stdout
	if outFile != "" {
		of, err := os.Create(outFile)
		if err != nil {
			return pfx.Err(err)
		}
		defer of.Close()
		out = of
	}
	if err := gocsv.Marshal(&res.Assignments, out); err != nil {
		return pfx.Err(err)
	}

	report := os.Stderr
	if reportFile != "" {
		rf, err := os.Create(reportFile)
		if err != nil {
			return pfx.Err(err)
		}
		defer rf.Close()
		report = rf
	}
	if err := res.Report.WriteSummary(report); err != nil {
		return err
	}

	return writeHistograms(report, subjects, opts.BinByCount)
}

// writeHistograms renders the burden distribution the strata were cut from,
// so an unbalanced report can be eyeballed against the cohort shape.
func writeHistograms(out *os.File, subjects []lesion.SubjectRecord, byCount bool) error {
	burdens := make([]float64, 0, len(subjects))
	for _, s := range subjects {
		if s.Excluded {
			continue
		}
		if byCount {
			burdens = append(burdens, float64(s.LesionCount))
		} else {
			burdens = append(burdens, s.TotalVolumeMM3)
		}
	}
	if len(burdens) < 2 {
		return nil
	}

	if byCount {
		fmt.Fprintln(out, "Lesion count, included subjects:")
	} else {
		fmt.Fprintln(out, "Total lesion volume (mm3), included subjects:")
	}
	hist := histogram.Hist(25, burdens)
	return histogram.Fprint(out, hist, histogram.Linear(5))
}

func parsePartitions(ratioSpec string, folds int, trainRatio float64) ([]split.Partition, error) {
	if folds > 0 {
		return split.Folds(folds), nil
	}
	if trainRatio > 0 {
		if trainRatio >= 1 {
			return nil, fmt.Errorf("train ratio %v must be below 1", trainRatio)
		}
		return split.TrainTest(trainRatio), nil
	}

	var out []split.Partition
	for _, part := range strings.Split(ratioSpec, ",") {
		name, ratio, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("malformed -ratios entry %q (want name=ratio)", part)
		}
		r, err := strconv.ParseFloat(ratio, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed -ratios value %q: %w", ratio, err)
		}
		out = append(out, split.Partition{Name: strings.TrimSpace(name), Ratio: r})
	}
	return out, nil
}
