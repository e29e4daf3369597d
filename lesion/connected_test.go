package lesion

import (
	"testing"
)

func fieldFromVoxels(nx, ny, nz int, voxels [][3]int) *Field {
	data := make([]float64, nx*ny*nz)
	for _, v := range voxels {
		data[v[0]+nx*(v[1]+ny*v[2])] = 1
	}
	f, err := NewField(data, nx, ny, nz)
	if err != nil {
		panic(err)
	}
	return f
}

func TestEmptyMask(t *testing.T) {
	f := fieldFromVoxels(4, 4, 4, nil)
	if comps := ConnectedComponents(f, 1); len(comps) != 0 {
		t.Fatalf("expected no components, got %d", len(comps))
	}
}

func TestSingleLesion(t *testing.T) {
	f := fieldFromVoxels(5, 5, 5, [][3]int{
		{1, 1, 1}, {2, 1, 1}, {1, 2, 1}, {1, 1, 2},
	})
	comps := ConnectedComponents(f, 2.0)
	if len(comps) != 1 {
		t.Fatalf("expected 1 component, got %d", len(comps))
	}
	if comps[0].Voxels != 4 {
		t.Errorf("voxels = %d, want 4", comps[0].Voxels)
	}
	if comps[0].VolumeMM3 != 8.0 {
		t.Errorf("volume = %v, want 8.0", comps[0].VolumeMM3)
	}
}

func TestCornerTouchIsConnected(t *testing.T) {
	// (1,1,1) and (2,2,2) share only a corner: one lesion under
	// 26-connectivity, two under 6-connectivity.
	f := fieldFromVoxels(4, 4, 4, [][3]int{{1, 1, 1}, {2, 2, 2}})
	comps := ConnectedComponents(f, 1)
	if len(comps) != 1 {
		t.Fatalf("expected corner-touching voxels to merge, got %d components", len(comps))
	}
	if comps[0].Voxels != 2 {
		t.Errorf("voxels = %d, want 2", comps[0].Voxels)
	}
}

func TestSeparateLesions(t *testing.T) {
	// Two clusters separated by more than one voxel in every direction.
	f := fieldFromVoxels(8, 8, 8, [][3]int{
		{1, 1, 1}, {2, 1, 1},
		{6, 6, 6}, {6, 6, 5}, {5, 6, 6},
	})
	comps := ConnectedComponents(f, 1)
	if len(comps) != 2 {
		t.Fatalf("expected 2 components, got %d", len(comps))
	}
	// Largest first.
	if comps[0].Voxels != 3 || comps[1].Voxels != 2 {
		t.Errorf("voxel counts = %d, %d, want 3, 2", comps[0].Voxels, comps[1].Voxels)
	}
}

// A U-shape is discovered as two provisional labels that meet late in the
// scan; this exercises the union-find reconciliation pass.
func TestUShapeMergesToOne(t *testing.T) {
	f := fieldFromVoxels(5, 5, 3, [][3]int{
		{0, 0, 0}, {0, 1, 0}, {0, 2, 0},
		{4, 0, 0}, {4, 1, 0}, {4, 2, 0},
		{1, 2, 0}, {2, 2, 0}, {3, 2, 0},
	})
	comps := ConnectedComponents(f, 1)
	if len(comps) != 1 {
		t.Fatalf("expected U-shape to label as 1 component, got %d", len(comps))
	}
	if comps[0].Voxels != 9 {
		t.Errorf("voxels = %d, want 9", comps[0].Voxels)
	}
}

func TestBounds(t *testing.T) {
	f := fieldFromVoxels(6, 6, 6, [][3]int{{2, 3, 1}, {3, 3, 1}, {3, 4, 2}})
	comps := ConnectedComponents(f, 1)
	if len(comps) != 1 {
		t.Fatalf("expected 1 component, got %d", len(comps))
	}
	want := [2][3]int{{2, 3, 1}, {3, 4, 2}}
	if comps[0].Bounds != want {
		t.Errorf("bounds = %v, want %v", comps[0].Bounds, want)
	}
}

func TestAnisotropicVolume(t *testing.T) {
	f := fieldFromVoxels(3, 3, 3, [][3]int{{1, 1, 1}})
	comps := ConnectedComponents(f, 0.75*0.75*1.2)
	if len(comps) != 1 {
		t.Fatalf("expected 1 component, got %d", len(comps))
	}
	if got, want := comps[0].VolumeMM3, 0.675; got < want-1e-12 || got > want+1e-12 {
		t.Errorf("volume = %v, want %v", got, want)
	}
}
