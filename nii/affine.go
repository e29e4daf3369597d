package nii

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine returns the 4x4 voxel-index to world-coordinate transform. The sform
// is preferred when set, then the qform, then a pixdim-scaled identity. This
// is the same precedence order downstream tooling applies.
func (h *Nifti1Header) Affine() *mat.Dense {
	if h.SformCode > 0 {
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	}

	if h.QformCode > 0 {
		return h.qformAffine()
	}

	return mat.NewDense(4, 4, []float64{
		float64(h.Pixdim[1]), 0, 0, 0,
		0, float64(h.Pixdim[2]), 0, 0,
		0, 0, float64(h.Pixdim[3]), 0,
		0, 0, 0, 1,
	})
}

// qformAffine reconstructs the rotation from the stored quaternion, per the
// NIfTI-1 "method 2" definition.
func (h *Nifti1Header) qformAffine() *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)

	a := 1.0 - (b*b + c*c + d*d)
	if a < 0 {
		// Rounding slop in stored quaternions; a is zero by construction.
		a = 0
	}
	a = math.Sqrt(a)

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	dx := float64(h.Pixdim[1])
	dy := float64(h.Pixdim[2])
	dz := float64(h.Pixdim[3]) * qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - b*b - c*c) * dz, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}

// SetAffine stores a as the volume's sform and keeps pixdim consistent with
// the column norms.
func (h *Nifti1Header) SetAffine(a *mat.Dense) {
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(a.At(0, j))
		h.SrowY[j] = float32(a.At(1, j))
		h.SrowZ[j] = float32(a.At(2, j))
	}
	if h.SformCode == 0 {
		h.SformCode = 1
	}

	for j := 0; j < 3; j++ {
		n := math.Hypot(a.At(0, j), math.Hypot(a.At(1, j), a.At(2, j)))
		h.Pixdim[j+1] = float32(n)
	}
}

// AffinesMatch reports whether two affines agree within tol, elementwise.
func AffinesMatch(a, b mat.Matrix, tol float64) bool {
	return mat.EqualApprox(a, b, tol)
}
