package nii

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/carbocation/pfx"

	clprep "github.com/petermcgor/clprep"
)

// Load reads a single-file NIfTI-1 volume, gzipped or not, including its voxel
// data.
func Load(path string) (*Volume, error) {
	return load(path, true)
}

// LoadHeader reads only the header of a NIfTI-1 file.
func LoadHeader(path string) (Nifti1Header, error) {
	v, err := load(path, false)
	if err != nil {
		return Nifti1Header{}, err
	}
	return v.Hdr, nil
}

func load(path string, readData bool) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	rc, err := clprep.MaybeDecompressReadCloserFromFile(f)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer rc.Close()

	v, err := decode(rc, readData)
	if err != nil {
		return nil, fmt.Errorf("nii: reading %s: %w", path, err)
	}
	return v, nil
}

func decode(r io.Reader, readData bool) (*Volume, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, pfx.Err(err)
	}

	v := &Volume{byteOrder: binary.LittleEndian}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &v.Hdr); err != nil {
		return nil, pfx.Err(err)
	}

	// NIfTI encodes its byte order implicitly: sizeof_hdr reads as 348 only
	// under the writer's endianness.
	if v.Hdr.SizeofHdr != HeaderSize {
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &v.Hdr); err != nil {
			return nil, pfx.Err(err)
		}
		if v.Hdr.SizeofHdr != HeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr=%d)", v.Hdr.SizeofHdr)
		}
		v.byteOrder = binary.BigEndian
	}

	if m := v.Hdr.Magic; !(m[0] == 'n' && m[1] == '+' && m[2] == '1') {
		return nil, fmt.Errorf("unsupported magic %q (only single-file n+1 volumes are handled)", string(m[:3]))
	}

	bitpix, err := bitpixFor(v.Hdr.Datatype)
	if err != nil {
		return nil, err
	}
	if v.Hdr.Bitpix != bitpix {
		return nil, fmt.Errorf("bitpix %d inconsistent with datatype %d", v.Hdr.Bitpix, v.Hdr.Datatype)
	}

	// Anything between the fixed header and vox_offset is extension payload.
	// It is preserved verbatim so that rewriting a header does not strip it.
	voxOffset := int(v.Hdr.VoxOffset)
	if voxOffset < HeaderSize+4 {
		voxOffset = HeaderSize + 4
	}
	ext := make([]byte, voxOffset-HeaderSize)
	if _, err := io.ReadFull(r, ext); err != nil {
		return nil, pfx.Err(err)
	}
	v.Extensions = ext

	if !readData {
		return v, nil
	}

	nvox := v.Hdr.NVox()
	buf := make([]byte, nvox*int(bitpix)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("voxel data truncated: %w", err)
	}

	v.Data = make([]float64, nvox)
	bo := v.byteOrder
	switch v.Hdr.Datatype {
	case DTUint8:
		for i := range v.Data {
			v.Data[i] = float64(buf[i])
		}
	case DTInt16:
		for i := range v.Data {
			v.Data[i] = float64(int16(bo.Uint16(buf[2*i:])))
		}
	case DTInt32:
		for i := range v.Data {
			v.Data[i] = float64(int32(bo.Uint32(buf[4*i:])))
		}
	case DTFloat32:
		for i := range v.Data {
			v.Data[i] = float64(math.Float32frombits(bo.Uint32(buf[4*i:])))
		}
	case DTFloat64:
		for i := range v.Data {
			v.Data[i] = math.Float64frombits(bo.Uint64(buf[8*i:]))
		}
	}

	return v, nil
}
