package nii

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/carbocation/pfx"
)

// Save writes the volume as a single-file NIfTI-1 volume, gzipped when the
// path ends in .gz. Output is always little-endian; voxel values are narrowed
// back to the header's datatype.
func (v *Volume) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := v.encode(w); err != nil {
		return fmt.Errorf("nii: writing %s: %w", path, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return pfx.Err(err)
		}
	}
	if err := bw.Flush(); err != nil {
		return pfx.Err(err)
	}

	return f.Close()
}

func (v *Volume) encode(w io.Writer) error {
	hdr := v.Hdr

	bitpix, err := bitpixFor(hdr.Datatype)
	if err != nil {
		return err
	}
	hdr.SizeofHdr = HeaderSize
	hdr.Bitpix = bitpix
	copy(hdr.Magic[:], "n+1\x00")

	ext := v.Extensions
	if len(ext) < 4 {
		ext = []byte{0, 0, 0, 0}
	}
	hdr.VoxOffset = float32(HeaderSize + len(ext))

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return pfx.Err(err)
	}
	if _, err := w.Write(ext); err != nil {
		return pfx.Err(err)
	}

	nvox := hdr.NVox()
	if len(v.Data) != nvox {
		return fmt.Errorf("dim field promises %d voxels but volume holds %d", nvox, len(v.Data))
	}

	buf := make([]byte, nvox*int(bitpix)/8)
	switch hdr.Datatype {
	case DTUint8:
		for i, val := range v.Data {
			buf[i] = byte(uint8(val))
		}
	case DTInt16:
		for i, val := range v.Data {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(val)))
		}
	case DTInt32:
		for i, val := range v.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(val)))
		}
	case DTFloat32:
		for i, val := range v.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(val)))
		}
	case DTFloat64:
		for i, val := range v.Data {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(val))
		}
	}

	if _, err := w.Write(buf); err != nil {
		return pfx.Err(err)
	}

	return nil
}
