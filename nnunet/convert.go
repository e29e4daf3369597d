package nnunet

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/petermcgor/clprep/nii"
)

// The arrays travel with ITK-convention geometry (LPS world coordinates),
// while NIfTI headers use RAS. The two differ by a sign flip on the first two
// world axes.
var lpsFlip = [3]float64{-1, -1, 1}

// fallbackChannel is the channel taken from a multi-channel array when a
// single volume is asked for.
const fallbackChannel = 1

func descrFor(datatype int16) (string, error) {
	switch datatype {
	case nii.DTUint8:
		return "|u1", nil
	case nii.DTInt16:
		return "<i2", nil
	case nii.DTInt32:
		return "<i4", nil
	case nii.DTFloat32:
		return "<f4", nil
	case nii.DTFloat64:
		return "<f8", nil
	}
	return "", fmt.Errorf("nnunet: no dtype descr for NIfTI datatype %d", datatype)
}

func datatypeFor(descr string) (int16, error) {
	switch descr {
	case "|u1":
		return nii.DTUint8, nil
	case "<i2":
		return nii.DTInt16, nil
	case "<i4":
		return nii.DTInt32, nil
	case "<f4":
		return nii.DTFloat32, nil
	case "<f8":
		return nii.DTFloat64, nil
	}
	return 0, fmt.Errorf("nnunet: no NIfTI datatype for dtype descr %q", descr)
}

// FromVolume converts a NIfTI volume into a (c, z, y, x) array plus the
// geometry sidecar. NIfTI stores voxels x-fastest, which is exactly the
// C-order layout of a (c, z, y, x) array, so the voxel values copy straight
// through unchanged.
func FromVolume(v *nii.Volume) (*Array, *Properties, error) {
	descr, err := descrFor(v.Hdr.Datatype)
	if err != nil {
		return nil, nil, err
	}

	nx, ny, nz, nt := v.Dims()
	a := &Array{
		Shape: []int{nt, nz, ny, nx},
		Descr: descr,
		Data:  make([]float64, len(v.Data)),
	}
	copy(a.Data, v.Data)

	p := &Properties{}
	affine := v.Hdr.Affine()
	for j := 0; j < 3; j++ {
		s := math.Hypot(affine.At(0, j), math.Hypot(affine.At(1, j), affine.At(2, j)))
		if s == 0 {
			return nil, nil, fmt.Errorf("nnunet: degenerate affine: zero-length column %d", j)
		}
		p.Spacing[j] = s
		for i := 0; i < 3; i++ {
			p.Direction[3*i+j] = lpsFlip[i] * affine.At(i, j) / s
		}
	}
	for i := 0; i < 3; i++ {
		p.Origin[i] = lpsFlip[i] * affine.At(i, 3)
	}

	return a, p, nil
}

// ToVolume converts a (c, z, y, x) or (z, y, x) array back into a NIfTI
// volume using the sidecar geometry. Segmentations (isSeg) are rounded and
// stored in the smallest integer type that holds their label range, the way
// the downstream trainer expects label images.
func ToVolume(a *Array, p *Properties, isSeg bool) (*nii.Volume, error) {
	var nx, ny, nz, nt int
	switch len(a.Shape) {
	case 3:
		nt, nz, ny, nx = 1, a.Shape[0], a.Shape[1], a.Shape[2]
	case 4:
		nt, nz, ny, nx = a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	default:
		return nil, fmt.Errorf("nnunet: expected a 3D or 4D array, got shape %v", a.Shape)
	}

	datatype, err := datatypeFor(a.Descr)
	if err != nil {
		return nil, err
	}
	if isSeg {
		datatype = labelDatatype(a.Data)
	}

	v, err := nii.New(nx, ny, nz, nt, datatype)
	if err != nil {
		return nil, err
	}

	if isSeg {
		for i, val := range a.Data {
			v.Data[i] = math.Round(val)
		}
	} else {
		copy(v.Data, a.Data)
	}

	affine := mat.NewDense(4, 4, nil)
	affine.Set(3, 3, 1)
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			affine.Set(i, j, lpsFlip[i]*p.Direction[3*i+j]*p.Spacing[j])
		}
	}
	for i := 0; i < 3; i++ {
		affine.Set(i, 3, lpsFlip[i]*p.Origin[i])
	}
	v.Hdr.SetAffine(affine)

	return v, nil
}

// labelDatatype picks the narrowest integer datatype holding the label range.
func labelDatatype(data []float64) int16 {
	min, max := 0.0, 0.0
	for _, val := range data {
		val = math.Round(val)
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}

	switch {
	case min >= 0 && max <= math.MaxUint8:
		return nii.DTUint8
	case min >= math.MinInt16 && max <= math.MaxInt16:
		return nii.DTInt16
	default:
		return nii.DTInt32
	}
}

// EnsureChannels collapses an array to plain 3D: 3D arrays pass through,
// single-channel 4D arrays are squeezed, and multi-channel arrays fall back
// to one channel with a warning.
func EnsureChannels(a *Array) (*Array, error) {
	switch len(a.Shape) {
	case 3:
		return a, nil
	case 4:
		channel := 0
		if a.Shape[0] > 1 {
			channel = fallbackChannel
			log.Printf("Array has %d channels; keeping channel %d", a.Shape[0], channel)
		}
		volume := a.Shape[1] * a.Shape[2] * a.Shape[3]
		out := &Array{
			Shape: []int{a.Shape[1], a.Shape[2], a.Shape[3]},
			Descr: a.Descr,
			Data:  make([]float64, volume),
		}
		copy(out.Data, a.Data[channel*volume:(channel+1)*volume])
		return out, nil
	}
	return nil, fmt.Errorf("nnunet: expected a 3D or 4D array, got shape %v", a.Shape)
}
