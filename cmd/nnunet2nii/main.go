// nnunet2nii converts preprocessed .npz/.npy arrays back into NIfTI, using
// each array's JSON geometry sidecar. A companion <case>_seg array shares the
// image's sidecar and comes out as <case>_seg.nii.gz with the labels cast to
// the smallest sufficient integer type.
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

	"github.com/petermcgor/clprep/nnunet"
)

func main() {
	var input, output string
	var isSeg bool

	flag.StringVar(&input, "in", "", "Path to a .npz/.npy file, or a directory of them")
	flag.StringVar(&output, "out", "", "Output .nii.gz path (single file) or directory (batch). Defaults next to the input.")
	flag.BoolVar(&isSeg, "seg", false, "Treat the input itself as a segmentation")
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
			output = niiPathFor(input)
		}
		if err := convert(input, output, isSeg || isSegName(input)); err != nil {
			log.Fatalln(pfx.Err(err))
		}
		return
	}

	matches, err := filepath.Glob(filepath.Join(input, "*.np*"))
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if len(matches) == 0 {
		log.Fatalln("No .npz or .npy files under", input)
	}
	sort.Strings(matches)

	converted := 0
	for _, path := range matches {
		dst := niiPathFor(path)
		if output != "" {
			dst = filepath.Join(output, filepath.Base(dst))
		}
		if err := convert(path, dst, isSeg || isSegName(path)); err != nil {
			log.Fatalln(pfx.Err(err))
		}
		converted++
	}
	log.Println("Converted", converted, "arrays")
}

func convert(src, dst string, isSeg bool) error {
	a, err := nnunet.LoadArray(src)
	if err != nil {
		return err
	}

	sidecar := nnunet.SidecarPath(src)
	if isSegName(src) {
		// Segmentation arrays share the image's sidecar.
		sidecar = nnunet.SidecarPath(strings.Replace(src, "_seg", "", 1))
		if _, err := os.Stat(sidecar); err != nil {
			sidecar = nnunet.SidecarPath(src)
		}
	}
	p, err := nnunet.LoadProperties(sidecar)
	if err != nil {
		return fmt.Errorf("geometry sidecar for %s: %w", src, err)
	}

	squeezed, err := nnunet.EnsureChannels(a)
	if err != nil {
		return fmt.Errorf("converting %s: %w", src, err)
	}

	v, err := nnunet.ToVolume(squeezed, p, isSeg)
	if err != nil {
		return fmt.Errorf("converting %s: %w", src, err)
	}

	if err := v.Save(dst); err != nil {
		return err
	}

	log.Println("Wrote", dst)
	return nil
}

func isSegName(path string) bool {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.HasSuffix(base, "_seg")
}

func niiPathFor(arrayPath string) string {
	base := strings.TrimSuffix(arrayPath, ".npz")
	base = strings.TrimSuffix(base, ".npy")
	return base + ".nii.gz"
}
