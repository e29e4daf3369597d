// reorient aligns lesion masks to their images' orientation metadata without
// resampling: the mask's qform/sform is rewritten from the image, voxel
// values untouched. Some site exports carry masks whose headers disagree
// with the image they were drawn on; this repairs the header, nothing else.
//
// Single-pair mode takes -image and -mask. Batch mode takes a dataset's
// labels directory and derives each image path by swapping labels for images
// in the path and appending the _0000 channel suffix.
package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbocation/pfx"

	"github.com/petermcgor/clprep/config"
	"github.com/petermcgor/clprep/nii"
)

func main() {
	var imageFile, maskFile, outFile, labelsDir, configFile string
	var tol float64

	flag.StringVar(&imageFile, "image", "", "Reference image whose orientation is trusted")
	flag.StringVar(&maskFile, "mask", "", "Mask to align to -image")
	flag.StringVar(&outFile, "out", "", "Output path for the aligned mask. Defaults to rewriting -mask in place.")
	flag.StringVar(&labelsDir, "labels", "", "Batch mode: labels directory (labelsTr/labelsTs) whose masks are aligned against their images")
	flag.Float64Var(&tol, "tol", nii.DefaultAffineTol, "Elementwise affine tolerance below which a mask is considered already aligned")
	flag.StringVar(&configFile, "config", "", "Path to a YAML config file; explicit flags win over file values. (Optional.)")
	flag.Parse()

	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalln(pfx.Err(err))
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["tol"] {
			tol = cfg.Reorient.AffineTolerance
		}
	}

	switch {
	case labelsDir != "":
		if err := runBatch(labelsDir, tol); err != nil {
			log.Fatalln(pfx.Err(err))
		}
	case imageFile != "" && maskFile != "":
		if outFile == "" {
			outFile = maskFile
		}
		changed, err := nii.ReorientFile(imageFile, maskFile, outFile, tol)
		if err != nil {
			log.Fatalln(pfx.Err(err))
		}
		if changed {
			log.Println("Rewrote orientation of", maskFile)
		} else {
			log.Println("Skipped", maskFile, "- already aligned")
		}
	default:
		log.Fatalln("Please provide either -labels, or both -image and -mask")
	}
}

func runBatch(labelsDir string, tol float64) error {
	masks, err := filepath.Glob(filepath.Join(labelsDir, "*.nii*"))
	if err != nil {
		return pfx.Err(err)
	}
	if len(masks) == 0 {
		return fmt.Errorf("no masks under %s", labelsDir)
	}
	sort.Strings(masks)

	changed, skipped := 0, 0
	for _, mask := range masks {
		image, err := imagePathFor(mask)
		if err != nil {
			return err
		}

		did, err := nii.ReorientFile(image, mask, mask, tol)
		if err != nil {
			return err
		}
		if did {
			changed++
			log.Println("Rewrote orientation of", mask)
		} else {
			skipped++
		}
	}

	log.Printf("Reoriented %d masks, %d already aligned", changed, skipped)
	return nil
}

// imagePathFor maps a label path to its channel-0 image: the labels path
// element becomes images, and the _0000 suffix is inserted before the
// extension. labelsTr/sub-01_TP-01.nii.gz -> imagesTr/sub-01_TP-01_0000.nii.gz.
func imagePathFor(maskPath string) (string, error) {
	dir := filepath.Dir(maskPath)
	imagesDir := strings.Replace(filepath.Base(dir), "labels", "images", 1)
	if imagesDir == filepath.Base(dir) {
		return "", fmt.Errorf("cannot derive an images directory from %s", dir)
	}

	name := filepath.Base(maskPath)
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".nii")
	ext := name[len(base):]

	return filepath.Join(filepath.Dir(dir), imagesDir, base+"_0000"+ext), nil
}
