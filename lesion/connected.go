// Package lesion computes lesion statistics from binarized segmentation
// masks: connected-component labeling, per-lesion physical volumes, and the
// per-subject record table the stratified splitter consumes.
package lesion

import (
	"fmt"
	"sort"

	"github.com/theodesp/unionfind"
)

// Following the guide at
// http://aishack.in/tutorials/connected-component-labelling/, extended to
// three dimensions with 26-connectivity: two voxels belong to the same lesion
// when they touch at a face, an edge, or a corner.

// Field is a binarized 3D mask in x-fastest order: index = x + nx*(y + ny*z).
type Field struct {
	Mask       []uint8
	NX, NY, NZ int
}

// NewField binarizes a raw volume at > 0.5, the rule used for the study's
// lesion masks (background 0, cortical lesion 1).
func NewField(data []float64, nx, ny, nz int) (*Field, error) {
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("lesion: field of %dx%dx%d needs %d voxels, got %d", nx, ny, nz, nx*ny*nz, len(data))
	}

	mask := make([]uint8, len(data))
	for i, v := range data {
		if v > 0.5 {
			mask[i] = 1
		}
	}

	return &Field{Mask: mask, NX: nx, NY: ny, NZ: nz}, nil
}

func (f *Field) at(x, y, z int) uint8 {
	return f.Mask[x+f.NX*(y+f.NY*z)]
}

// Component is one connected lesion.
type Component struct {
	Voxels    int
	VolumeMM3 float64
	// Bounds are inclusive voxel-index extents: {min, max} for x, y, z.
	Bounds [2][3]int
}

// priorOffsets are the 13 neighbors that precede a voxel in z,y,x scan order.
// Together with their mirror images they cover the full 26-neighborhood, so a
// single forward pass plus union-find reconciliation labels every component.
var priorOffsets = [13][3]int{
	{-1, -1, -1}, {0, -1, -1}, {1, -1, -1},
	{-1, 0, -1}, {0, 0, -1}, {1, 0, -1},
	{-1, 1, -1}, {0, 1, -1}, {1, 1, -1},
	{-1, -1, 0}, {0, -1, 0}, {1, -1, 0},
	{-1, 0, 0},
}

// ConnectedComponents labels the field and returns one Component per lesion,
// ordered largest first (ties broken by discovery order). voxelVolMM3 is the
// physical volume of a single voxel.
func ConnectedComponents(f *Field, voxelVolMM3 float64) []Component {
	labels := make([]int32, len(f.Mask))

	// Worst case for distinct provisional labels is a checkerboard of
	// foreground voxels.
	fg := 0
	for _, v := range f.Mask {
		if v != 0 {
			fg++
		}
	}
	if fg == 0 {
		return nil
	}

	uf := unionfind.NewThreadSafeUnionFind(fg + 1)

	var nextLabel int32 = 1
	for z := 0; z < f.NZ; z++ {
		for y := 0; y < f.NY; y++ {
			for x := 0; x < f.NX; x++ {
				if f.at(x, y, z) == 0 {
					continue
				}

				idx := x + f.NX*(y+f.NY*z)

				// Adopt the smallest label among already-visited neighbors,
				// and record that any others belong to the same lesion.
				var best int32
				for _, off := range priorOffsets {
					nx, ny, nz := x+off[0], y+off[1], z+off[2]
					if nx < 0 || ny < 0 || nz < 0 || nx >= f.NX || ny >= f.NY {
						continue
					}
					if f.at(nx, ny, nz) == 0 {
						continue
					}

					v := labels[nx+f.NX*(ny+f.NY*nz)]
					if best == 0 || v < best {
						if best != 0 {
							uf.Union(int(v), int(best))
						}
						best = v
					} else if v != best {
						uf.Union(int(best), int(v))
					}
				}

				if best == 0 {
					best = nextLabel
					nextLabel++
				}
				labels[idx] = best
			}
		}
	}

	// Reconcile provisional labels to their union-find roots.
	voxelsByRoot := make(map[int32]*Component)
	order := make([]int32, 0, 16)
	for z := 0; z < f.NZ; z++ {
		for y := 0; y < f.NY; y++ {
			for x := 0; x < f.NX; x++ {
				v := labels[x+f.NX*(y+f.NY*z)]
				if v == 0 {
					continue
				}
				if root := uf.Root(int(v)); root > 0 {
					v = int32(root)
				}

				comp, ok := voxelsByRoot[v]
				if !ok {
					comp = &Component{Bounds: [2][3]int{{x, y, z}, {x, y, z}}}
					voxelsByRoot[v] = comp
					order = append(order, v)
				}
				comp.Voxels++
				grow(&comp.Bounds, x, y, z)
			}
		}
	}

	out := make([]Component, 0, len(order))
	for _, v := range order {
		comp := voxelsByRoot[v]
		comp.VolumeMM3 = float64(comp.Voxels) * voxelVolMM3
		out = append(out, *comp)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Voxels > out[j].Voxels })

	return out
}

func grow(b *[2][3]int, x, y, z int) {
	for i, v := range [3]int{x, y, z} {
		if v < b[0][i] {
			b[0][i] = v
		}
		if v > b[1][i] {
			b[1][i] = v
		}
	}
}
