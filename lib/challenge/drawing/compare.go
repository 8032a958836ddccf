package drawing

import "math"

// Comparator scores how well a drawing matches a descriptor, from 0 (nothing
// like it) to 1 (a perfect match). Implementations must be deterministic.
type Comparator interface {
	Compare(strokes []Stroke, durationMS float64, d *Descriptor) float64
}

// Geometric compares coarse geometric features of the drawing against the
// descriptor's ranges. Each feature scores 1 inside its range and decays
// exponentially outside it; the result is their weighted geometric mean, so
// one badly wrong feature drags the whole score down.
type Geometric struct{}

func (Geometric) Compare(strokes []Stroke, durationMS float64, d *Descriptor) float64 {
	f := Measure(strokes, durationMS)
	if f.Strokes == 0 {
		return 0
	}

	var sum, weights float64
	add := func(score, weight float64) {
		sum += weight * math.Log(score)
		weights += weight
	}

	if !d.Strokes.IsZero() {
		add(closeness(d.Strokes.distance(float64(f.Strokes)), strokesScale), strokesWeight)
	}

	if !d.Aspect.IsZero() {
		logRange := Range{Min: math.Log(d.Aspect.Min), Max: math.Log(d.Aspect.Max)}
		add(closeness(logRange.distance(math.Log(f.Aspect)), aspectScale), aspectWeight)
	}

	if !d.Closure.IsZero() {
		add(closeness(d.Closure.distance(f.Closure), closureScale), closureWeight)
	}

	if !d.Corners.IsZero() {
		add(closeness(d.Corners.distance(float64(f.Corners)), cornersScale), cornersWeight)
	}

	if e, ok := d.effort(f); ok {
		if e == 0 {
			return 0
		}
		add(e, effortWeight)
	}

	if weights == 0 {
		return 0
	}

	return math.Exp(sum / weights)
}
