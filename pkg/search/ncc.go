package search

import "math"

// maskedNCC slides the template over the region and returns the largest
// normalized cross-correlation together with the voxel it was found at.
//
// The template is centred on each candidate voxel. A position is only
// scored when every template voxel lands on a masked region voxel, so the
// overlap is always the full template. Scanning is in storage order and
// only a strictly larger value replaces the current best. When no position
// qualifies the returned index is (-1,-1,-1) and the correlation is 0.
func maskedNCC(region *roi, offsets []Offset, means []float64) (best float64, bx, by, bz int) {
	vals, mask := region.values, region.mask
	n := float64(len(offsets))

	var sumT, sumT2 float64
	for _, t := range means {
		sumT += t
		sumT2 += t * t
	}
	varT := sumT2 - sumT*sumT/n
	if varT <= epsilon {
		return 0, -1, -1, -1
	}

	bx, by, bz = -1, -1, -1
	found := false
	for z := 0; z < vals.Depth; z++ {
		for y := 0; y < vals.Height; y++ {
			for x := 0; x < vals.Width; x++ {
				if mask.Data[mask.Index(x, y, z)] == 0 {
					continue
				}
				var sumF, sumF2, sumFT float64
				full := true
				for k, o := range offsets {
					px, py, pz := x+o.X, y+o.Y, z+o.Z
					if !mask.Contains(px, py, pz) {
						full = false
						break
					}
					idx := vals.Index(px, py, pz)
					if mask.Data[idx] == 0 {
						full = false
						break
					}
					f := vals.Data[idx]
					sumF += f
					sumF2 += f * f
					sumFT += f * means[k]
				}
				if !full {
					continue
				}
				varF := sumF2 - sumF*sumF/n
				if varF <= epsilon {
					continue
				}
				cc := (sumFT - sumF*sumT/n) / math.Sqrt(varF*varT)
				if !found || cc > best {
					best, bx, by, bz = cc, x, y, z
					found = true
				}
			}
		}
	}
	return best, bx, by, bz
}
