package drawing

import (
	"fmt"
	"math"

	chall "github.com/antimoltbook/verifier/lib/challenge"
)

// Stroke is one pen-down to pen-up movement as parallel coordinate arrays.
// T holds millisecond offsets and may be omitted.
type Stroke struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
	T []float64 `json:"t,omitempty"`
}

// Len is the number of points in the stroke.
func (s Stroke) Len() int {
	return len(s.X)
}

// Response is what the drawing canvas submits.
type Response struct {
	Strokes    []Stroke `json:"strokes"`
	DurationMS *float64 `json:"duration_ms"`
}

// maxMagnitude bounds every coordinate, timestamp and duration. Canvas
// pixels and milliseconds never come near it, and it keeps the geometry in
// Measure finite.
const maxMagnitude = 1e6

func checkValue(v float64, what string) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > maxMagnitude {
		return fmt.Errorf("%w: %s is out of range: %v", chall.ErrInvalidFormat, what, v)
	}
	return nil
}

func (r *Response) validate() error {
	if r.Strokes == nil {
		return fmt.Errorf("%w strokes", chall.ErrMissingField)
	}

	if r.DurationMS == nil {
		return fmt.Errorf("%w duration_ms", chall.ErrMissingField)
	}

	if *r.DurationMS < 0 {
		return fmt.Errorf("%w: duration_ms is negative: %v", chall.ErrInvalidFormat, *r.DurationMS)
	}

	if err := checkValue(*r.DurationMS, "duration_ms"); err != nil {
		return err
	}

	for i, s := range r.Strokes {
		if len(s.X) != len(s.Y) {
			return fmt.Errorf("%w: stroke %d has %d x and %d y values", chall.ErrInvalidFormat, i, len(s.X), len(s.Y))
		}

		if len(s.T) != 0 && len(s.T) != len(s.X) {
			return fmt.Errorf("%w: stroke %d has %d points but %d timestamps", chall.ErrInvalidFormat, i, len(s.X), len(s.T))
		}

		for j := range s.X {
			if err := checkValue(s.X[j], fmt.Sprintf("stroke %d x[%d]", i, j)); err != nil {
				return err
			}
			if err := checkValue(s.Y[j], fmt.Sprintf("stroke %d y[%d]", i, j)); err != nil {
				return err
			}
		}

		for j, v := range s.T {
			if err := checkValue(v, fmt.Sprintf("stroke %d t[%d]", i, j)); err != nil {
				return err
			}
		}
	}

	return nil
}

type point struct{ x, y float64 }

func (p point) sub(o point) point { return point{p.x - o.x, p.y - o.y} }
func (p point) norm() float64    { return math.Hypot(p.x, p.y) }

func (s Stroke) points() []point {
	result := make([]point, len(s.X))
	for i := range s.X {
		result[i] = point{s.X[i], s.Y[i]}
	}
	return result
}

// Features are the measurements a Descriptor is matched against.
type Features struct {
	Strokes    int
	Points     int
	Aspect     float64
	Closure    float64
	Corners    int
	DurationMS float64
}

const (
	// a turn sharper than this counts as a corner
	cornerAngle = 55.0
	// points closer than diagonal/cornerSpacing to the previous kept point
	// are dropped before corners are counted
	cornerSpacing = 40.0
)

// Measure computes the features of a drawing. Empty strokes are ignored.
func Measure(strokes []Stroke, durationMS float64) Features {
	f := Features{DurationMS: durationMS}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)

	var first, last point
	for _, s := range strokes {
		if s.Len() == 0 {
			continue
		}

		pts := s.points()
		if f.Strokes == 0 {
			first = pts[0]
		}
		last = pts[len(pts)-1]

		f.Strokes++
		f.Points += len(pts)

		for _, p := range pts {
			minX, maxX = min(minX, p.x), max(maxX, p.x)
			minY, maxY = min(minY, p.y), max(maxY, p.y)
		}
	}

	if f.Strokes == 0 {
		return f
	}

	w := max(maxX-minX, 1)
	h := max(maxY-minY, 1)
	diag := math.Hypot(w, h)

	f.Aspect = w / h
	f.Closure = last.sub(first).norm() / diag

	for _, s := range strokes {
		f.Corners += corners(s.points(), diag/cornerSpacing)
	}

	return f
}

func corners(pts []point, minGap float64) int {
	if len(pts) < 3 {
		return 0
	}

	kept := []point{pts[0]}
	for _, p := range pts[1:] {
		if p.sub(kept[len(kept)-1]).norm() >= minGap {
			kept = append(kept, p)
		}
	}

	count := 0
	for i := 1; i+1 < len(kept); i++ {
		a := kept[i].sub(kept[i-1])
		b := kept[i+1].sub(kept[i])

		cos := (a.x*b.x + a.y*b.y) / (a.norm() * b.norm())
		turn := math.Acos(max(-1, min(1, cos))) * 180 / math.Pi

		if turn >= cornerAngle {
			count++
		}
	}

	return count
}
