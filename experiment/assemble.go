package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// ErrMissingFile marks a preflight failure: a case references an image or
// label that does not exist on disk.
var ErrMissingFile = errors.New("required file missing")

// Case is one subject scan headed into the dataset: its identity, the source
// image path per channel, and the source label path.
type Case struct {
	SubjectID string
	Timepoint int
	Site      string
	Sequence  string
	Domain    string
	Partition string

	// Images holds one source path per channel, in channel order. Label is
	// the source segmentation path.
	Images []string
	Label  string
}

// Base returns the canonical case name (no channel suffix, no extension).
func (c *Case) Base() string {
	return fmt.Sprintf("%s_TP-0%d_site-%s_seq-%s_dom-%s",
		c.SubjectID, c.Timepoint, c.Site, c.Sequence, c.Domain)
}

// ImageName returns the canonical file name for one channel of the case.
func (c *Case) ImageName(channel int, ending string) string {
	return fmt.Sprintf("%s_%04d%s", c.Base(), channel, ending)
}

// LabelName returns the canonical label file name for the case.
func (c *Case) LabelName(ending string) string {
	return c.Base() + ending
}

// training reports whether the case lands in the Tr folders. Everything that
// is not explicitly a test case trains: validation subjects stay in imagesTr
// and are held out through the trainer's own split files.
func (c *Case) training() bool {
	return c.Partition != "test"
}

// Options adjusts how Assemble materializes files.
type Options struct {
	// StripImage, when set, is used instead of a plain copy for image files
	// (labels always copy). Typically synthstrip.Strip.
	StripImage func(ctx context.Context, src, dst string) error
}

// Verify checks that every source file of every case exists before anything
// is created, so a failed assembly leaves no partial dataset behind.
func Verify(d *Descriptor, cases []Case) error {
	for i := range cases {
		c := &cases[i]
		if len(c.Images) != d.NumChannels() {
			return fmt.Errorf("experiment: subject %s: %d image channels, descriptor wants %d",
				c.SubjectID, len(c.Images), d.NumChannels())
		}
		for _, path := range append(append([]string{}, c.Images...), c.Label) {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("experiment: subject %s: %w: %s", c.SubjectID, ErrMissingFile, path)
			}
		}
	}
	return nil
}

// Assemble builds the dataset directory at root (whose final path element
// must follow the Dataset* convention): verifies all sources, creates the
// four subfolders, places each case's images and label under their canonical
// names, then writes dataset.json and per-partition manifests. NumTraining
// is set to the number of training cases actually placed.
func Assemble(ctx context.Context, root string, d *Descriptor, cases []Case, opts Options) error {
	if err := ValidateDatasetName(filepath.Base(root)); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if err := Verify(d, cases); err != nil {
		return err
	}

	for _, sub := range []string{ImagesTr, ImagesTs, LabelsTr, LabelsTs} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return pfx.Err(err)
		}
	}

	numTraining := 0
	for i := range cases {
		c := &cases[i]

		imagesDir, labelsDir := ImagesTs, LabelsTs
		if c.training() {
			imagesDir, labelsDir = ImagesTr, LabelsTr
			numTraining++
		}

		for channel, src := range c.Images {
			dst := filepath.Join(root, imagesDir, c.ImageName(channel, d.FileEnding))
			if opts.StripImage != nil {
				if err := opts.StripImage(ctx, src, dst); err != nil {
					return fmt.Errorf("experiment: subject %s: skull strip: %w", c.SubjectID, err)
				}
			} else if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("experiment: subject %s: %w", c.SubjectID, err)
			}
		}

		dst := filepath.Join(root, labelsDir, c.LabelName(d.FileEnding))
		if err := copyFile(c.Label, dst); err != nil {
			return fmt.Errorf("experiment: subject %s: %w", c.SubjectID, err)
		}

		log.Println("Placed", c.Base(), "in", imagesDir)
	}

	d.NumTraining = numTraining
	if err := d.Save(filepath.Join(root, "dataset.json")); err != nil {
		return err
	}

	return WriteManifests(root, d, cases)
}

// ManifestRow is one line of a per-partition manifest CSV: enough to trace a
// canonical file back to its source scan.
type ManifestRow struct {
	SubjectID string `csv:"subject_id"`
	Timepoint int    `csv:"tp"`
	Site      string `csv:"site"`
	Sequence  string `csv:"seq"`
	Domain    string `csv:"dom"`
	CaseName  string `csv:"case_name"`
	Source    string `csv:"source_image"`
}

// WriteManifests writes manifest_<partition>.csv files next to dataset.json,
// one row per case, rows sorted by subject ID.
func WriteManifests(root string, d *Descriptor, cases []Case) error {
	byPartition := map[string][]*ManifestRow{}
	for i := range cases {
		c := &cases[i]
		source := ""
		if len(c.Images) > 0 {
			source = c.Images[0]
		}
		byPartition[c.Partition] = append(byPartition[c.Partition], &ManifestRow{
			SubjectID: c.SubjectID,
			Timepoint: c.Timepoint,
			Site:      c.Site,
			Sequence:  c.Sequence,
			Domain:    c.Domain,
			CaseName:  c.Base(),
			Source:    source,
		})
	}

	for partition, rows := range byPartition {
		sort.Slice(rows, func(i, j int) bool { return rows[i].SubjectID < rows[j].SubjectID })

		f, err := os.Create(filepath.Join(root, "manifest_"+partition+".csv"))
		if err != nil {
			return pfx.Err(err)
		}
		if err := gocsv.MarshalFile(&rows, f); err != nil {
			f.Close()
			return pfx.Err(err)
		}
		if err := f.Close(); err != nil {
			return pfx.Err(err)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return pfx.Err(err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return pfx.Err(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return pfx.Err(err)
	}

	return out.Close()
}
