package landscape

import "math"

// Comparer decides whether two coordinate vectors describe the same structure.
// Energies have already been matched within tolerance when it is called.
type Comparer interface {
	Equivalent(a, b Coords) bool
}

// Measurer is implemented by comparers that can rank equivalent candidates.
// When several stored structures are equivalent to a report, the Database
// picks the one with the smallest distance.
type Measurer interface {
	Distance(a, b Coords) float64
}

// DistanceComparer treats structures as equal when their Euclidean distance is
// at most Tolerance.
type DistanceComparer struct {
	Tolerance float64

	// TranslationInvariant centres both structures on their centroid first.
	// Only applies to vectors whose length is a multiple of 3 (x,y,z triples).
	TranslationInvariant bool
}

// Equivalent implements Comparer.
func (c DistanceComparer) Equivalent(a, b Coords) bool {
	if len(a) != len(b) {
		return false
	}
	return c.Distance(a, b) <= c.Tolerance
}

// Distance returns the Euclidean distance between a and b after alignment.
func (c DistanceComparer) Distance(a, b Coords) float64 {
	var ca, cb [3]float64
	if c.TranslationInvariant && len(a)%3 == 0 {
		ca = centroid(a)
		cb = centroid(b)
	}

	var sum float64
	for i := range a {
		d := (a[i] - ca[i%3]) - (b[i] - cb[i%3])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func centroid(c Coords) [3]float64 {
	var out [3]float64
	n := float64(len(c) / 3)
	if n == 0 {
		return out
	}
	for i, v := range c {
		out[i%3] += v
	}
	for k := range out {
		out[k] /= n
	}
	return out
}
