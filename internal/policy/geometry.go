package policy

// Point is a 2D position in the home coordinate frame.
type Point struct {
	X float64
	Y float64
}

// Polygon is a closed fence boundary; vertices in order, no implicit closing
// vertex required.
type Polygon []Point

// Contains reports whether p is inside the polygon, by ray casting. Points on
// an edge count as inside, which is the safe interpretation for fences.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			x := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X == x {
				return true
			}
			if p.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
