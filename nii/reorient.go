package nii

import (
	"errors"
	"fmt"
)

// ErrGridMismatch is returned when two volumes that must share a voxel grid
// do not.
var ErrGridMismatch = errors.New("voxel grid mismatch")

// DefaultAffineTol is the tolerance under which two affines are considered
// already aligned and reorientation is skipped.
const DefaultAffineTol = 1e-4

// GridMatch reports whether two headers describe the same spatial voxel grid.
func GridMatch(a, b *Nifti1Header) bool {
	ax, ay, az := a.SpatialDims()
	bx, by, bz := b.SpatialDims()
	return ax == bx && ay == by && az == bz
}

// CopyOrientation rewrites target's orientation metadata (qform, sform, and
// the spatial pixdim entries) from ref, leaving target's voxel values
// untouched. No resampling happens: the two volumes must already live on the
// same voxel grid, and an ErrGridMismatch naming both grids is returned when
// they do not.
func CopyOrientation(ref, target *Volume) error {
	if !GridMatch(&ref.Hdr, &target.Hdr) {
		rx, ry, rz := ref.Hdr.SpatialDims()
		tx, ty, tz := target.Hdr.SpatialDims()
		return fmt.Errorf("%w: reference grid is %dx%dx%d but target grid is %dx%dx%d",
			ErrGridMismatch, rx, ry, rz, tx, ty, tz)
	}

	th := &target.Hdr
	rh := &ref.Hdr

	th.QformCode = rh.QformCode
	th.SformCode = rh.SformCode
	th.QuaternB = rh.QuaternB
	th.QuaternC = rh.QuaternC
	th.QuaternD = rh.QuaternD
	th.QoffsetX = rh.QoffsetX
	th.QoffsetY = rh.QoffsetY
	th.QoffsetZ = rh.QoffsetZ
	th.SrowX = rh.SrowX
	th.SrowY = rh.SrowY
	th.SrowZ = rh.SrowZ
	// Pixdim[0] is qfac; spatial spacings ride along with the qform.
	th.Pixdim[0] = rh.Pixdim[0]
	th.Pixdim[1] = rh.Pixdim[1]
	th.Pixdim[2] = rh.Pixdim[2]
	th.Pixdim[3] = rh.Pixdim[3]
	th.XyztUnits = rh.XyztUnits

	return nil
}

// ReorientFile aligns the mask at maskPath to the orientation of the image at
// imagePath and writes the result to outPath (which may equal maskPath). When
// the two affines already agree within tol the mask is left alone and changed
// is false.
func ReorientFile(imagePath, maskPath, outPath string, tol float64) (changed bool, err error) {
	if tol <= 0 {
		tol = DefaultAffineTol
	}

	ref, err := Load(imagePath)
	if err != nil {
		return false, err
	}
	mask, err := Load(maskPath)
	if err != nil {
		return false, err
	}

	if AffinesMatch(ref.Hdr.Affine(), mask.Hdr.Affine(), tol) {
		return false, nil
	}

	if err := CopyOrientation(ref, mask); err != nil {
		return false, fmt.Errorf("reorienting %s against %s: %w", maskPath, imagePath, err)
	}

	if err := mask.Save(outPath); err != nil {
		return false, err
	}

	return true, nil
}
