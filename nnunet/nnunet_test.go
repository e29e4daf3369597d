package nnunet

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petermcgor/clprep/nii"
)

func sampleArray() *Array {
	a := &Array{
		Shape: []int{1, 2, 3, 4},
		Descr: "<i2",
	}
	a.Data = make([]float64, a.Len())
	for i := range a.Data {
		a.Data[i] = float64(i*7 - 11)
	}
	return a
}

func equalArrays(t *testing.T, want, got *Array) {
	t.Helper()

	if len(got.Shape) != len(want.Shape) {
		t.Fatalf("shape %v, want %v", got.Shape, want.Shape)
	}
	for i := range want.Shape {
		if got.Shape[i] != want.Shape[i] {
			t.Fatalf("shape %v, want %v", got.Shape, want.Shape)
		}
	}
	if got.Descr != want.Descr {
		t.Fatalf("descr %q, want %q", got.Descr, want.Descr)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("element %d: %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestNpyRoundTrip(t *testing.T) {
	for _, descr := range []string{"|u1", "<i2", "<i4", "<f4", "<f8"} {
		a := &Array{Shape: []int{2, 3}, Descr: descr, Data: []float64{0, 1, 2, 3, 4, 5}}

		buf := &bytes.Buffer{}
		if err := WriteNpy(buf, a); err != nil {
			t.Fatalf("%s: %v", descr, err)
		}
		got, err := ReadNpy(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("%s: %v", descr, err)
		}
		equalArrays(t, a, got)
	}
}

func TestNpyHeaderAlignment(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteNpy(buf, sampleArray()); err != nil {
		t.Fatal(err)
	}

	// Magic + version + header length prefix + dict must land on a 64-byte
	// boundary so the data block is aligned.
	data := buf.Bytes()
	newline := bytes.IndexByte(data, '\n')
	if newline < 0 {
		t.Fatal("no header terminator")
	}
	if (newline+1)%64 != 0 {
		t.Fatalf("data offset %d is not 64-byte aligned", newline+1)
	}
}

func TestNpyHeaderValueExtraction(t *testing.T) {
	// Keys in an order NumPy itself never writes: every value has to be cut
	// at its own token, not at the end of the dict.
	dict := "{'shape': (2, 1), 'fortran_order': False, 'descr': '|u1'}"
	pad := 64 - (len(npyMagic)+2+2+len(dict)+1)%64
	dict += strings.Repeat(" ", pad) + "\n"

	buf := &bytes.Buffer{}
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	buf.Write([]byte{byte(len(dict)), byte(len(dict) >> 8)})
	buf.WriteString(dict)
	buf.Write([]byte{7, 9})

	got, err := ReadNpy(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got.Descr != "|u1" {
		t.Fatalf("descr %q, want %q", got.Descr, "|u1")
	}
	if len(got.Shape) != 2 || got.Shape[0] != 2 || got.Shape[1] != 1 {
		t.Fatalf("shape %v, want [2 1]", got.Shape)
	}
	if got.Data[0] != 7 || got.Data[1] != 9 {
		t.Fatalf("data %v", got.Data)
	}
}

func TestNpyRejectsFortranOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteNpy(buf, sampleArray()); err != nil {
		t.Fatal(err)
	}

	mangled := bytes.Replace(buf.Bytes(), []byte("'fortran_order': False"), []byte("'fortran_order': True,"), 1)
	if _, err := ReadNpy(bytes.NewReader(mangled)); err == nil {
		t.Fatal("expected an error for a fortran-ordered array")
	}
}

func TestNpzRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "case.npz")

	want := sampleArray()
	if err := WriteNpz(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := ReadNpz(path)
	if err != nil {
		t.Fatal(err)
	}
	equalArrays(t, want, got)
}

func TestLoadArrayDispatch(t *testing.T) {
	dir := t.TempDir()
	want := sampleArray()

	npz := filepath.Join(dir, "case.npz")
	if err := WriteNpz(npz, want); err != nil {
		t.Fatal(err)
	}
	// Content sniffing, not the extension, decides the format.
	misnamed := filepath.Join(dir, "case.npy")
	if err := WriteNpz(misnamed, want); err != nil {
		t.Fatal(err)
	}
	npy := filepath.Join(dir, "plain.npy")
	if err := SaveArray(npy, want); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{npz, misnamed, npy} {
		got, err := LoadArray(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		equalArrays(t, want, got)
	}
}

func TestSidecarPath(t *testing.T) {
	for path, want := range map[string]string{
		"sub-01.npz":     "sub-01.json",
		"a/b/sub-01.npy": "a/b/sub-01.json",
		"sub-01":         "sub-01.json",
	} {
		if got := SidecarPath(path); got != want {
			t.Errorf("SidecarPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "case.json")

	want := &Properties{
		Spacing:   [3]float64{0.5, 1.25, 2},
		Origin:    [3]float64{-10, 20, 5},
		Direction: [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1},
	}
	if err := want.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := LoadProperties(path)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEnsureChannels(t *testing.T) {
	three := &Array{Shape: []int{2, 2, 2}, Descr: "<f4", Data: make([]float64, 8)}
	if got, err := EnsureChannels(three); err != nil || got != three {
		t.Fatalf("3D array should pass through unchanged: %v", err)
	}

	single := &Array{Shape: []int{1, 2, 2, 2}, Descr: "<f4", Data: []float64{0, 1, 2, 3, 4, 5, 6, 7}}
	got, err := EnsureChannels(single)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Shape) != 3 || got.Shape[0] != 2 {
		t.Fatalf("squeeze gave shape %v", got.Shape)
	}
	if got.Data[7] != 7 {
		t.Fatalf("squeeze altered data: %v", got.Data)
	}

	multi := &Array{Shape: []int{3, 1, 1, 2}, Descr: "<f4", Data: []float64{0, 1, 10, 11, 20, 21}}
	got, err = EnsureChannels(multi)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data[0] != 10 || got.Data[1] != 11 {
		t.Fatalf("multi-channel fallback gave %v", got.Data)
	}
}

func TestLabelDatatype(t *testing.T) {
	for _, tc := range []struct {
		data []float64
		want int16
	}{
		{[]float64{0, 1, 2}, nii.DTUint8},
		{[]float64{0, 255}, nii.DTUint8},
		{[]float64{0, 256}, nii.DTInt16},
		{[]float64{-1, 5}, nii.DTInt16},
		{[]float64{0, 40000}, nii.DTInt32},
	} {
		if got := labelDatatype(tc.data); got != tc.want {
			t.Errorf("labelDatatype(%v) = %d, want %d", tc.data, got, tc.want)
		}
	}
}

// volumeWithGeometry builds a small int16 volume with anisotropic spacing and
// a non-zero origin.
func volumeWithGeometry(t *testing.T) *nii.Volume {
	t.Helper()

	v, err := nii.New(4, 3, 2, 1, nii.DTInt16)
	if err != nil {
		t.Fatal(err)
	}
	for i := range v.Data {
		v.Data[i] = float64(i*3 - 7)
	}
	v.SetPixdim(0.5, 1.25, 2)
	v.Hdr.SrowX = [4]float32{0.5, 0, 0, -10}
	v.Hdr.SrowY = [4]float32{0, 1.25, 0, 20}
	v.Hdr.SrowZ = [4]float32{0, 0, 2, 5}
	return v
}

func TestVolumeArrayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := volumeWithGeometry(t)

	a, p, err := FromVolume(want)
	if err != nil {
		t.Fatal(err)
	}
	if a.Shape[0] != 1 || a.Shape[1] != 2 || a.Shape[2] != 3 || a.Shape[3] != 4 {
		t.Fatalf("array shape %v", a.Shape)
	}
	// RAS to LPS: the first two world axes flip sign.
	if p.Origin != [3]float64{10, -20, 5} {
		t.Fatalf("origin %v", p.Origin)
	}
	if p.Spacing != [3]float64{0.5, 1.25, 2} {
		t.Fatalf("spacing %v", p.Spacing)
	}
	if p.Direction != [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1} {
		t.Fatalf("direction %v", p.Direction)
	}

	npz := filepath.Join(dir, "case.npz")
	if err := WriteNpz(npz, a); err != nil {
		t.Fatal(err)
	}
	if err := p.Save(SidecarPath(npz)); err != nil {
		t.Fatal(err)
	}

	a2, err := ReadNpz(npz)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := LoadProperties(SidecarPath(npz))
	if err != nil {
		t.Fatal(err)
	}

	got, err := ToVolume(a2, p2, false)
	if err != nil {
		t.Fatal(err)
	}

	if got.Hdr.Datatype != want.Hdr.Datatype {
		t.Fatalf("datatype %d, want %d", got.Hdr.Datatype, want.Hdr.Datatype)
	}
	nx, ny, nz, nt := got.Dims()
	if nx != 4 || ny != 3 || nz != 2 || nt != 1 {
		t.Fatalf("dims %dx%dx%dx%d", nx, ny, nz, nt)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("voxel %d: %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
	if !nii.AffinesMatch(got.Hdr.Affine(), want.Hdr.Affine(), 1e-6) {
		t.Fatalf("affine drifted:\nwant %v\ngot  %v", want.Hdr.Affine().RawMatrix().Data, got.Hdr.Affine().RawMatrix().Data)
	}
}

func TestToVolumeSegCasting(t *testing.T) {
	a := &Array{Shape: []int{1, 1, 2}, Descr: "<f4", Data: []float64{0, 2.0000001}}
	p := &Properties{
		Spacing:   [3]float64{1, 1, 1},
		Direction: [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1},
	}

	v, err := ToVolume(a, p, true)
	if err != nil {
		t.Fatal(err)
	}
	if v.Hdr.Datatype != nii.DTUint8 {
		t.Fatalf("seg datatype %d, want %d", v.Hdr.Datatype, nii.DTUint8)
	}
	if v.Data[1] != 2 {
		t.Fatalf("seg value %v, want 2", v.Data[1])
	}
	if math.Signbit(v.Data[0]) {
		t.Fatal("seg value lost its sign bit")
	}
}
