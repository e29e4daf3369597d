// Package nii reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz).
//
// The deep-learning framework downstream of this pipeline is picky about
// orientation metadata, so unlike general-purpose viewers we never resample or
// rescale on load: voxel values and the qform/sform fields pass through
// exactly as stored, and Save reproduces them byte-for-byte.
package nii

import (
	"fmt"
)

// Datatype codes from the NIfTI-1 standard. Only the types that appear in
// this study's data are supported.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

// HeaderSize is the fixed on-disk size of a NIfTI-1 header.
const HeaderSize = 348

// Nifti1Header mirrors the 348-byte NIfTI-1 header layout, field for field.
type Nifti1Header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte // unused legacy field
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// NVox returns the total number of voxels implied by the dim field, treating
// absent dimensions as 1.
func (h *Nifti1Header) NVox() int {
	n := 1
	rank := int(h.Dim[0])
	if rank > 7 {
		rank = 7
	}
	for i := 1; i <= rank; i++ {
		if h.Dim[i] > 0 {
			n *= int(h.Dim[i])
		}
	}
	return n
}

// SpatialDims returns the first three dimensions.
func (h *Nifti1Header) SpatialDims() (nx, ny, nz int) {
	return int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
}

// VoxelVolumeMM3 is the physical volume of one voxel. Pixdim entries can
// legitimately carry sign (qfac lives in Pixdim[0]), so the magnitude is used.
func (h *Nifti1Header) VoxelVolumeMM3() float64 {
	v := float64(h.Pixdim[1]) * float64(h.Pixdim[2]) * float64(h.Pixdim[3])
	if v < 0 {
		v = -v
	}
	return v
}

func bitpixFor(datatype int16) (int16, error) {
	switch datatype {
	case DTUint8:
		return 8, nil
	case DTInt16:
		return 16, nil
	case DTInt32, DTFloat32:
		return 32, nil
	case DTFloat64:
		return 64, nil
	}
	return 0, fmt.Errorf("nii: unsupported datatype code %d", datatype)
}
