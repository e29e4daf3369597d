package nnunet

import (
	"archive/zip"
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/carbocation/pfx"

	clprep "github.com/petermcgor/clprep"
)

// npzPreferredMember is the member the training framework writes its image
// array under.
const npzPreferredMember = "data.npy"

// ReadNpz opens a .npz archive and decodes the image array: the "data" member
// when present, otherwise the first member (with a note, mirroring how the
// preprocessed files are consumed downstream).
func ReadNpz(path string) (*Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("nnunet: opening %s: %w", path, err)
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return nil, fmt.Errorf("nnunet: %s contains no members", path)
	}

	member := zr.File[0]
	found := false
	for _, f := range zr.File {
		if f.Name == npzPreferredMember {
			member = f
			found = true
			break
		}
	}
	if !found {
		log.Printf("Using array with key %q from %s", strings.TrimSuffix(member.Name, ".npy"), path)
	}

	rc, err := member.Open()
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer rc.Close()

	a, err := ReadNpy(rc)
	if err != nil {
		return nil, fmt.Errorf("nnunet: reading %s!%s: %w", path, member.Name, err)
	}
	return a, nil
}

// WriteNpz writes the array as a .npz archive under the "data" member.
func WriteNpz(path string, a *Array) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(npzPreferredMember)
	if err != nil {
		return pfx.Err(err)
	}
	if err := WriteNpy(w, a); err != nil {
		return fmt.Errorf("nnunet: writing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return pfx.Err(err)
	}

	return f.Close()
}

// LoadArray reads either a .npy or a .npz file, dispatching on content rather
// than extension.
func LoadArray(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	dt, err := clprep.DetectDataType(f)
	if err != nil {
		f.Close()
		return nil, pfx.Err(err)
	}

	if dt == clprep.DataTypeZip {
		f.Close()
		return ReadNpz(path)
	}

	defer f.Close()
	if _, err := f.Seek(0, 0); err != nil {
		return nil, pfx.Err(err)
	}

	a, err := ReadNpy(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("nnunet: reading %s: %w", path, err)
	}
	return a, nil
}

// SaveArray writes .npz when the path ends in .npz, .npy otherwise.
func SaveArray(path string, a *Array) error {
	if strings.HasSuffix(path, ".npz") {
		return WriteNpz(path, a)
	}

	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WriteNpy(bw, a); err != nil {
		return fmt.Errorf("nnunet: writing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return pfx.Err(err)
	}

	return f.Close()
}
