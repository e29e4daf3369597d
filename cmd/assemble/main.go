// assemble materializes a training-ready Dataset* folder from a split
// assignment table: it locates each subject's T1w images in the site trees,
// copies (or skull strips) them under canonical names into
// imagesTr/imagesTs, places the lesion labels, and writes dataset.json plus
// per-partition manifests. Every source file is verified before anything is
// created, so a failed run leaves no partial dataset behind.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"

	clprep "github.com/petermcgor/clprep"
	"github.com/petermcgor/clprep/bids"
	"github.com/petermcgor/clprep/config"
	"github.com/petermcgor/clprep/experiment"
	"github.com/petermcgor/clprep/lesion"
	"github.com/petermcgor/clprep/split"
	"github.com/petermcgor/clprep/synthstrip"
)

func main() {
	var assignmentFile, recordFile, siteTable, bidsRoot, splitRoot, labelsRoot string
	var outDir, datasetName, fileEnding, description, configFile string
	var skullStrip, keepBrainMask bool

	flag.StringVar(&assignmentFile, "assignments", "", "Path to the assignment CSV produced by stratsplit")
	flag.StringVar(&recordFile, "records", "", "Path to the record table CSV produced by lesionstats")
	flag.StringVar(&siteTable, "sites", "", "Path to the subject-to-site lookup table")
	flag.StringVar(&bidsRoot, "bidsroot", "", "Directory holding the per-site BIDS dataset folders")
	flag.StringVar(&splitRoot, "splitroot", "", "Directory holding the flat sequence-split image tree. (Optional.)")
	flag.StringVar(&labelsRoot, "labelsroot", "", "Directory holding lesion segmentations named by scan ID")
	flag.StringVar(&outDir, "outdir", ".", "Directory the Dataset* folder is created under")
	flag.StringVar(&datasetName, "dataset", "", "Dataset directory name, e.g. Dataset012_CorticalLesions")
	flag.StringVar(&fileEnding, "ending", ".nii.gz", "File ending of placed images")
	flag.StringVar(&description, "description", "", "Free-text dataset description for dataset.json. (Optional.)")
	flag.BoolVar(&skullStrip, "skullstrip", false, "Skull strip each image with SynthStrip instead of copying (requires docker and a GPU)")
	flag.BoolVar(&keepBrainMask, "keepmask", false, "Keep SynthStrip brain masks next to the images")
	flag.StringVar(&configFile, "config", "", "Path to a YAML config file; explicit flags win over file values. (Optional.)")
	flag.Parse()

	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalln(pfx.Err(err))
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["bidsroot"] {
			bidsRoot = cfg.Assemble.BIDSRoot
		}
		if !set["labelsroot"] {
			labelsRoot = cfg.Assemble.LabelsRoot
		}
		if !set["sites"] {
			siteTable = cfg.Assemble.SiteTable
		}
		if !set["dataset"] {
			datasetName = cfg.Assemble.DatasetName
		}
		if !set["ending"] {
			fileEnding = cfg.Assemble.FileEnding
		}
		if !set["skullstrip"] {
			skullStrip = cfg.Assemble.SkullStrip
		}
		if !set["keepmask"] {
			keepBrainMask = cfg.Assemble.KeepBrainMask
		}
	}

	for _, path := range []*string{&assignmentFile, &recordFile, &siteTable, &bidsRoot, &splitRoot, &labelsRoot, &outDir} {
		*path = clprep.ExpandHome(*path)
	}

	if assignmentFile == "" {
		log.Fatalln("Please provide -assignments")
	}
	if recordFile == "" {
		log.Fatalln("Please provide -records")
	}
	if siteTable == "" {
		log.Fatalln("Please provide -sites")
	}
	if labelsRoot == "" {
		log.Fatalln("Please provide -labelsroot")
	}
	if datasetName == "" {
		log.Fatalln("Please provide -dataset")
	}

	opts := experiment.Options{}
	if skullStrip {
		opts.StripImage = synthstrip.Strip(synthstrip.Options{KeepBrainMask: keepBrainMask})
	}

	cases, err := buildCases(assignmentFile, recordFile, siteTable, bidsRoot, splitRoot, labelsRoot, fileEnding)
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}

	d := &experiment.Descriptor{
		Name:         datasetName,
		Description:  description,
		ChannelNames: map[string]string{"0": "T1w"},
		Labels:       map[string]int{"background": 0, "lesion": 1},
		FileEnding:   fileEnding,
	}

	root := filepath.Join(outDir, datasetName)
	if err := experiment.Assemble(context.Background(), root, d, cases, opts); err != nil {
		log.Fatalln(pfx.Err(err))
	}

	log.Println("Assembled", len(cases), "cases under", root)
}

// buildCases joins the assignment table with the record table and site
// lookup: one case per scan, carrying its partition, located image, and
// label path.
func buildCases(assignmentFile, recordFile, siteTable, bidsRoot, splitRoot, labelsRoot, fileEnding string) ([]experiment.Case, error) {
	var assignments []split.Assignment
	if err := unmarshalCSVFile(assignmentFile, &assignments); err != nil {
		return nil, err
	}

	var scans []lesion.ScanRecord
	if err := unmarshalCSVFile(recordFile, &scans); err != nil {
		return nil, err
	}
	scansBySubject := map[string][]lesion.ScanRecord{}
	for _, s := range scans {
		scansBySubject[s.SubjectID] = append(scansBySubject[s.SubjectID], s)
	}

	sites, err := bids.LoadSiteLookup(siteTable)
	if err != nil {
		return nil, err
	}

	locator := &bids.Locator{BIDSRoot: bidsRoot, SplitRoot: splitRoot}

	var cases []experiment.Case
	for _, a := range assignments {
		entry, ok := sites[a.SubjectID]
		if !ok {
			return nil, fmt.Errorf("subject %s is missing from the site lookup", a.SubjectID)
		}
		subjectScans := scansBySubject[a.SubjectID]
		if len(subjectScans) == 0 {
			return nil, fmt.Errorf("subject %s has no rows in %s", a.SubjectID, recordFile)
		}

		for _, scan := range subjectScans {
			images, err := locator.FindImages(entry, scan.Timepoint)
			if err != nil {
				return nil, err
			}
			if len(images) > 1 {
				log.Printf("Subject %s timepoint %d has %d T1w images; using %s",
					a.SubjectID, scan.Timepoint, len(images), filepath.Base(images[0]))
			}

			cases = append(cases, experiment.Case{
				SubjectID: a.SubjectID,
				Timepoint: scan.Timepoint,
				Site:      entry.Site,
				Sequence:  bids.Sequence(filepath.Base(images[0])),
				Domain:    entry.Domain,
				Partition: a.Partition,
				Images:    []string{images[0]},
				Label:     filepath.Join(labelsRoot, scan.ScanID+fileEnding),
			})
		}
	}

	return cases, nil
}

func unmarshalCSVFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	if err := gocsv.Unmarshal(f, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
