package nii

import (
	"encoding/binary"
	"fmt"
)

// Volume is an in-memory NIfTI-1 volume. Data holds raw stored values (no
// scl_slope/scl_inter scaling applied) in x-fastest order, widened to float64.
// Widening is lossless for every supported datatype, and Save narrows back to
// the header's datatype, so a load/save cycle reproduces the original voxel
// bytes.
type Volume struct {
	Hdr  Nifti1Header
	Data []float64

	// Extensions carries any header-extension bytes found between the fixed
	// header and the voxel data, so that rewriting a file does not strip them.
	Extensions []byte

	byteOrder binary.ByteOrder
}

// New creates an empty volume with sane header defaults: unit spacing,
// identity sform, and the requested datatype.
func New(nx, ny, nz, nt int, datatype int16) (*Volume, error) {
	bitpix, err := bitpixFor(datatype)
	if err != nil {
		return nil, err
	}
	if nx < 1 || ny < 1 || nz < 1 || nt < 1 {
		return nil, fmt.Errorf("nii: invalid dimensions %dx%dx%dx%d", nx, ny, nz, nt)
	}

	v := &Volume{
		Data:      make([]float64, nx*ny*nz*nt),
		byteOrder: binary.LittleEndian,
	}

	h := &v.Hdr
	h.SizeofHdr = HeaderSize
	h.Regular = 'r'
	h.Dim[0] = 3
	if nt > 1 {
		h.Dim[0] = 4
	}
	h.Dim[1], h.Dim[2], h.Dim[3], h.Dim[4] = int16(nx), int16(ny), int16(nz), int16(nt)
	h.Dim[5], h.Dim[6], h.Dim[7] = 1, 1, 1
	h.Datatype = datatype
	h.Bitpix = bitpix
	h.Pixdim[0] = 1
	h.Pixdim[1], h.Pixdim[2], h.Pixdim[3], h.Pixdim[4] = 1, 1, 1, 1
	h.VoxOffset = HeaderSize + 4
	h.SclSlope = 1
	h.XyztUnits = 2 // NIFTI_UNITS_MM
	h.SformCode = 1 // NIFTI_XFORM_SCANNER_ANAT
	h.SrowX = [4]float32{1, 0, 0, 0}
	h.SrowY = [4]float32{0, 1, 0, 0}
	h.SrowZ = [4]float32{0, 0, 1, 0}
	copy(h.Magic[:], "n+1\x00")

	return v, nil
}

// Dims returns the spatial dimensions plus the fourth (time/channel)
// dimension, which is 1 for plain 3D volumes.
func (v *Volume) Dims() (nx, ny, nz, nt int) {
	nx, ny, nz = v.Hdr.SpatialDims()
	nt = int(v.Hdr.Dim[4])
	if nt < 1 {
		nt = 1
	}
	return nx, ny, nz, nt
}

func (v *Volume) index(x, y, z, t int) int {
	nx, ny, nz, _ := v.Dims()
	return x + nx*(y+ny*(z+nz*t))
}

// At returns the stored value at voxel (x, y, z, t).
func (v *Volume) At(x, y, z, t int) float64 {
	return v.Data[v.index(x, y, z, t)]
}

// SetAt stores a value at voxel (x, y, z, t).
func (v *Volume) SetAt(x, y, z, t int, value float64) {
	v.Data[v.index(x, y, z, t)] = value
}

// SetPixdim sets the voxel spacing in mm.
func (v *Volume) SetPixdim(dx, dy, dz float64) {
	v.Hdr.Pixdim[1] = float32(dx)
	v.Hdr.Pixdim[2] = float32(dy)
	v.Hdr.Pixdim[3] = float32(dz)
}
