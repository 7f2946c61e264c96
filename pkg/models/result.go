package models

// Landmark is a single point of interest reported by the analyzer.
// Coordinates are normalised to the frame (0..1) for X and Y.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Coord returns coordinate i (0 = X, 1 = Y, 2 = Z)
func (l Landmark) Coord(i int) float64 {
	switch i {
	case 0:
		return l.X
	case 1:
		return l.Y
	default:
		return l.Z
	}
}

// LandmarkSet is the ordered list of points found for one subject
type LandmarkSet []Landmark

// Result is the outcome of analysing one frame. A nil Result, or one without
// a non-empty first subject, means nothing was detected.
type Result struct {
	Subjects []LandmarkSet `json:"multi_face_landmarks"`
}

// Detected reports whether the result carries at least one usable subject
func (r *Result) Detected() bool {
	return r != nil && len(r.Subjects) > 0 && len(r.Subjects[0]) > 0
}

// NewDetection builds a single-subject result
func NewDetection(points LandmarkSet) *Result {
	return &Result{Subjects: []LandmarkSet{points}}
}
