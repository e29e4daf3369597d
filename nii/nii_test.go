package nii

import (
	"encoding/binary"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

func TestHeaderSize(t *testing.T) {
	if size := binary.Size(&Nifti1Header{}); size != HeaderSize {
		t.Fatalf("header struct encodes to %d bytes, want %d", size, HeaderSize)
	}
}

func synthVolume(t *testing.T, datatype int16) *Volume {
	t.Helper()

	v, err := New(7, 5, 3, 1, datatype)
	if err != nil {
		t.Fatal(err)
	}
	v.SetPixdim(0.75, 0.75, 1.2)

	rng := rand.New(rand.NewSource(13))
	for i := range v.Data {
		switch datatype {
		case DTFloat32:
			v.Data[i] = float64(float32(rng.NormFloat64() * 100))
		case DTFloat64:
			v.Data[i] = rng.NormFloat64() * 100
		default:
			v.Data[i] = float64(rng.Intn(100))
		}
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		datatype int16
		file     string
	}{
		{"float32_plain", DTFloat32, "vol.nii"},
		{"float32_gzip", DTFloat32, "vol.nii.gz"},
		{"uint8_gzip", DTUint8, "mask.nii.gz"},
		{"int16_plain", DTInt16, "vol.nii"},
		{"float64_plain", DTFloat64, "vol.nii"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := synthVolume(t, tc.datatype)
			path := filepath.Join(t.TempDir(), tc.file)

			if err := v.Save(path); err != nil {
				t.Fatal(err)
			}

			got, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}

			if got.Hdr.Datatype != tc.datatype {
				t.Errorf("datatype = %d, want %d", got.Hdr.Datatype, tc.datatype)
			}
			gx, gy, gz, gt := got.Dims()
			if gx != 7 || gy != 5 || gz != 3 || gt != 1 {
				t.Errorf("dims = %dx%dx%dx%d, want 7x5x3x1", gx, gy, gz, gt)
			}
			for i := 1; i <= 3; i++ {
				if got.Hdr.Pixdim[i] != v.Hdr.Pixdim[i] {
					t.Errorf("pixdim[%d] = %v, want %v", i, got.Hdr.Pixdim[i], v.Hdr.Pixdim[i])
				}
			}
			for i := range v.Data {
				if got.Data[i] != v.Data[i] {
					t.Fatalf("voxel %d = %v, want %v", i, got.Data[i], v.Data[i])
				}
			}
			if !AffinesMatch(got.Hdr.Affine(), v.Hdr.Affine(), 0) {
				t.Errorf("affine changed across round trip")
			}
		})
	}
}

func TestFourDimensionalRoundTrip(t *testing.T) {
	v, err := New(4, 4, 2, 3, DTFloat32)
	if err != nil {
		t.Fatal(err)
	}
	for i := range v.Data {
		v.Data[i] = float64(float32(i) / 3)
	}

	path := filepath.Join(t.TempDir(), "vol4d.nii.gz")
	if err := v.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, _, nt := got.Dims(); nt != 3 {
		t.Fatalf("nt = %d, want 3", nt)
	}
	if got.At(1, 2, 1, 2) != v.At(1, 2, 1, 2) {
		t.Errorf("At(1,2,1,2) = %v, want %v", got.At(1, 2, 1, 2), v.At(1, 2, 1, 2))
	}
}

func TestVoxelVolume(t *testing.T) {
	v, err := New(2, 2, 2, 1, DTUint8)
	if err != nil {
		t.Fatal(err)
	}
	v.SetPixdim(0.5, 0.5, 2)
	v.Hdr.Pixdim[0] = -1 // qfac must not poison the volume

	if got, want := v.Hdr.VoxelVolumeMM3(), 0.5; math.Abs(got-want) > 1e-12 {
		t.Errorf("VoxelVolumeMM3 = %v, want %v", got, want)
	}
}

func TestQformFallbackAffine(t *testing.T) {
	v, err := New(3, 3, 3, 1, DTFloat32)
	if err != nil {
		t.Fatal(err)
	}
	v.Hdr.SformCode = 0
	v.Hdr.QformCode = 1
	v.Hdr.Pixdim[0] = 1
	v.SetPixdim(1, 1, 1)
	// Identity quaternion (b=c=d=0) with an offset.
	v.Hdr.QoffsetX = -10
	v.Hdr.QoffsetY = 5
	v.Hdr.QoffsetZ = 2.5

	a := v.Hdr.Affine()
	if a.At(0, 0) != 1 || a.At(1, 1) != 1 || a.At(2, 2) != 1 {
		t.Errorf("qform rotation not identity: %v", mat64String(a))
	}
	if a.At(0, 3) != -10 || a.At(1, 3) != 5 || a.At(2, 3) != 2.5 {
		t.Errorf("qform offset wrong: %v", mat64String(a))
	}
}

func mat64String(a interface{ At(i, j int) float64 }) [16]float64 {
	var out [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[4*i+j] = a.At(i, j)
		}
	}
	return out
}
