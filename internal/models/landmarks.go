package models

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Landmark identifiers known to the detector. Trained models may add
// further names beyond this base vocabulary.
const (
	RP  = "RP"  // mesencephalon-pons junction (reference point)
	AC  = "AC"  // anterior commissure
	PC  = "PC"  // posterior commissure
	VN4 = "VN4" // fourth ventricle notch
	LE  = "LE"  // left eye centre
	RE  = "RE"  // right eye centre
	CM  = "CM"  // centre of head mass
)

// BaseProcessingOrder is the order in which landmarks enter the linear
// estimation models. Trained coefficient matrices assume this order.
var BaseProcessingOrder = []string{RP, AC, PC, VN4, LE, RE}

// LandmarkMap maps a landmark name to its physical location
type LandmarkMap map[string]r3.Vec

// Clone returns an independent copy of the map
func (m LandmarkMap) Clone() LandmarkMap {
	out := make(LandmarkMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Has reports whether name is present
func (m LandmarkMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Names returns the landmark names in sorted order
func (m LandmarkMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
