// nii2nnunet converts NIfTI volumes into the preprocessed intermediate
// representation the training framework consumes: a (c,z,y,x) .npz array
// plus a JSON geometry sidecar. The conversion is lossless; nnunet2nii
// reproduces the original voxel values and geometry exactly.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbocation/pfx"

	"github.com/petermcgor/clprep/nii"
	"github.com/petermcgor/clprep/nnunet"
)

func main() {
	var input, output string

	flag.StringVar(&input, "in", "", "Path to a .nii/.nii.gz file, or a directory of them")
	flag.StringVar(&output, "out", "", "Output .npz path (single file) or directory (batch). Defaults next to the input.")
	flag.Parse()

	if input == "" {
		log.Fatalln("Please provide -in")
	}

	info, err := os.Stat(input)
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}

	if !info.IsDir() {
		if output == "" {
			output = arrayPathFor(input)
		}
		if err := convert(input, output); err != nil {
			log.Fatalln(pfx.Err(err))
		}
		return
	}

	matches, err := filepath.Glob(filepath.Join(input, "*.nii*"))
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if len(matches) == 0 {
		log.Fatalln("No .nii or .nii.gz files under", input)
	}
	sort.Strings(matches)

	for _, path := range matches {
		dst := arrayPathFor(path)
		if output != "" {
			dst = filepath.Join(output, filepath.Base(dst))
		}
		if err := convert(path, dst); err != nil {
			log.Fatalln(pfx.Err(err))
		}
	}
	log.Println("Converted", len(matches), "volumes")
}

func convert(src, dst string) error {
	v, err := nii.Load(src)
	if err != nil {
		return err
	}

	a, p, err := nnunet.FromVolume(v)
	if err != nil {
		return fmt.Errorf("converting %s: %w", src, err)
	}

	if err := nnunet.SaveArray(dst, a); err != nil {
		return err
	}
	if err := p.Save(nnunet.SidecarPath(dst)); err != nil {
		return err
	}

	log.Println("Wrote", dst)
	return nil
}

func arrayPathFor(niiPath string) string {
	base := strings.TrimSuffix(niiPath, ".gz")
	base = strings.TrimSuffix(base, ".nii")
	return base + ".npz"
}
