package drawing

import "math"

// Range is an inclusive interval. The zero Range means "not checked".
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// distance is how far v lies outside the range. NaN is infinitely far.
func (r Range) distance(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return math.Inf(1)
	case v < r.Min:
		return r.Min - v
	case v > r.Max:
		return v - r.Max
	default:
		return 0
	}
}

// Descriptor is the answer material for a drawing: the ranges a plausible
// human drawing of the target falls in.
type Descriptor struct {
	Name          string  `json:"name"`
	Strokes       Range   `json:"strokes,omitzero"`
	Aspect        Range   `json:"aspect,omitzero"`
	Closure       Range   `json:"closure,omitzero"`
	Corners       Range   `json:"corners,omitzero"`
	MinPoints     int     `json:"min_points,omitempty"`
	MinDurationMS float64 `json:"min_duration_ms,omitempty"`
}

func shape(name string, strokes, aspect, closure, corners Range) Descriptor {
	return Descriptor{
		Name:          name,
		Strokes:       strokes,
		Aspect:        aspect,
		Closure:       closure,
		Corners:       corners,
		MinPoints:     10,
		MinDurationMS: 300,
	}
}

// Shapes are the draw_shape targets.
var Shapes = map[string]Descriptor{
	"circle": shape("circle", Range{1, 2}, Range{0.75, 1.33}, Range{0, 0.25}, Range{0, 1}),
	"moon":   shape("moon", Range{1, 3}, Range{0.3, 1.2}, Range{0, 0.35}, Range{1, 3}),
	"star":   shape("star", Range{1, 5}, Range{0.7, 1.4}, Range{0, 0.3}, Range{4, 12}),
	"heart":  shape("heart", Range{1, 3}, Range{0.7, 1.5}, Range{0, 0.3}, Range{1, 4}),
	"house":  shape("house", Range{1, 8}, Range{0.6, 1.6}, Range{}, Range{3, 10}),
}

// DefaultShapes lists the shapes in a stable order for random selection.
var DefaultShapes = []string{"moon", "star", "circle", "heart", "house"}

// DefaultSubjects are the draw_freeform prompts.
var DefaultSubjects = []string{"cat", "dog", "tree", "flower", "fish"}

// Freeform judges effort only: several strokes, enough points and time.
func Freeform(subject string) Descriptor {
	return Descriptor{
		Name:          subject,
		Strokes:       Range{3, 50},
		MinPoints:     10,
		MinDurationMS: 500,
	}
}

// feature weights and the distance at which a feature's score falls to 1/e
const (
	strokesWeight = 0.15
	strokesScale  = 2
	aspectWeight  = 0.2
	aspectScale   = 0.5
	closureWeight = 0.2
	closureScale  = 0.25
	cornersWeight = 0.3
	cornersScale  = 1.5
	effortWeight  = 0.15
)

func closeness(dist, scale float64) float64 {
	return math.Exp(-dist / scale)
}

// effort is 1 once the drawing has enough points and took long enough.
func (d Descriptor) effort(f Features) (float64, bool) {
	if d.MinPoints == 0 && d.MinDurationMS == 0 {
		return 0, false
	}

	e := 1.0
	if d.MinPoints > 0 {
		e *= min(float64(f.Points)/float64(d.MinPoints), 1)
	}
	if d.MinDurationMS > 0 {
		e *= min(f.DurationMS/d.MinDurationMS, 1)
	}
	return e, true
}
