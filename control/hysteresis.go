package control

// Hysteresis is a bang-bang current comparator with a symmetric tolerance band.
type Hysteresis struct {
	Beta  float64
	Upper float64
	Lower float64
}

// Evaluate returns the switch state for one cycle. The band is recomputed around reference on
// every call. Inside the band the previous state is held; the caller owns that bit.
func (h *Hysteresis) Evaluate(reference, actual float64, previous bool) bool {
	h.Upper = reference + h.Beta
	h.Lower = reference - h.Beta
	switch {
	case actual >= h.Upper:
		return false
	case actual <= h.Lower:
		return true
	default:
		return previous
	}
}
