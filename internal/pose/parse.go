package pose

import (
	"fmt"
	"math"
	"sort"

	"github.com/e7canasta/orion-pose-capture/internal/types"
)

// Tensor is a single-batch NCHW float map.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// At returns the value of channel c at row y, column x.
func (t Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

func (t Tensor) validate(name string, channels int) error {
	if t.Channels != channels {
		return fmt.Errorf("pose: %s has %d channels, want %d", name, t.Channels, channels)
	}
	if t.Height <= 0 || t.Width <= 0 || len(t.Data) != t.Channels*t.Height*t.Width {
		return fmt.Errorf("pose: %s shape %dx%dx%d does not match %d values",
			name, t.Channels, t.Height, t.Width, len(t.Data))
	}
	return nil
}

// Params tunes object parsing.
type Params struct {
	// Threshold is the minimum confidence for a peak
	Threshold float32
	// LinkThreshold is the minimum PAF score for a link
	LinkThreshold float32
	// WindowSize is the peak suppression and refinement window (odd)
	WindowSize int
	// MaxPeaks bounds peaks per part
	MaxPeaks int
	// MaxObjects bounds objects per frame
	MaxObjects int
	// IntegralSamples is the number of PAF samples per candidate link
	IntegralSamples int
}

// DefaultParams returns the parser settings the pose models were trained with.
func DefaultParams() Params {
	return Params{
		Threshold:       0.1,
		LinkThreshold:   0.1,
		WindowSize:      5,
		MaxPeaks:        100,
		MaxObjects:      100,
		IntegralSamples: 7,
	}
}

// Peak is a refined local maximum in normalized coordinates.
type Peak struct {
	X     float64
	Y     float64
	Score float32
}

// Point is one part of an Object in normalized [0,1] coordinates.
type Point struct {
	X     float64
	Y     float64
	Score float32
	Found bool
}

// Object is one detected pose; Points is indexed by part.
type Object struct {
	Points []Point
}

type linkCandidate struct {
	a, b  int
	score float32
}

// ParseObjects decodes confidence maps and part affinity fields into objects.
//
// Steps:
//  1. Peaks: local maxima above Threshold per part, refined by a weighted
//     average over the window
//  2. Links: each peak pair scored by the PAF line integral
//  3. Assignment: greedy one-to-one matching per link above LinkThreshold
//  4. Objects: connected components of the part graph
func ParseObjects(cmap, paf Tensor, topology []Link, p Params) ([]Object, error) {
	if err := cmap.validate("cmap", cmap.Channels); err != nil {
		return nil, err
	}
	if err := paf.validate("paf", 2*len(topology)); err != nil {
		return nil, err
	}
	if paf.Height != cmap.Height || paf.Width != cmap.Width {
		return nil, fmt.Errorf("pose: cmap %dx%d and paf %dx%d differ",
			cmap.Height, cmap.Width, paf.Height, paf.Width)
	}
	for _, l := range topology {
		if l.PartA >= cmap.Channels || l.PartB >= cmap.Channels {
			return nil, fmt.Errorf("pose: link parts %d-%d exceed %d cmap channels", l.PartA, l.PartB, cmap.Channels)
		}
	}

	peaks := make([][]Peak, cmap.Channels)
	for c := range peaks {
		peaks[c] = findPeaks(cmap, c, p)
	}

	// Graph nodes are (part, peak index) pairs joined by assigned links
	type node struct{ part, peak int }
	adjacency := make(map[node][]node)

	for _, l := range topology {
		pa, pb := peaks[l.PartA], peaks[l.PartB]
		if len(pa) == 0 || len(pb) == 0 {
			continue
		}

		var cands []linkCandidate
		for i := range pa {
			for j := range pb {
				s := pafScore(paf, l, pa[i], pb[j], p.IntegralSamples)
				if s > p.LinkThreshold {
					cands = append(cands, linkCandidate{a: i, b: j, score: s})
				}
			}
		}

		for _, c := range assignGreedy(cands) {
			na := node{l.PartA, c.a}
			nb := node{l.PartB, c.b}
			adjacency[na] = append(adjacency[na], nb)
			adjacency[nb] = append(adjacency[nb], na)
		}
	}

	visited := make(map[node]bool)
	var objects []Object

	for part := range peaks {
		for idx := range peaks[part] {
			start := node{part, idx}
			if visited[start] {
				continue
			}
			if len(objects) >= p.MaxObjects {
				return objects, nil
			}

			obj := Object{Points: make([]Point, cmap.Channels)}
			queue := []node{start}
			visited[start] = true
			for len(queue) > 0 {
				n := queue[0]
				queue = queue[1:]

				// First peak reached for a part wins
				if !obj.Points[n.part].Found {
					pk := peaks[n.part][n.peak]
					obj.Points[n.part] = Point{X: pk.X, Y: pk.Y, Score: pk.Score, Found: true}
				}
				for _, next := range adjacency[n] {
					if !visited[next] {
						visited[next] = true
						queue = append(queue, next)
					}
				}
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// findPeaks returns refined local maxima of one confidence channel.
func findPeaks(cmap Tensor, c int, p Params) []Peak {
	r := p.WindowSize / 2
	var peaks []Peak

	for y := 0; y < cmap.Height; y++ {
		for x := 0; x < cmap.Width; x++ {
			v := cmap.At(c, y, x)
			if v < p.Threshold {
				continue
			}
			if !isLocalMax(cmap, c, y, x, r) {
				continue
			}
			peaks = append(peaks, refinePeak(cmap, c, y, x, r))
			if len(peaks) >= p.MaxPeaks {
				return peaks
			}
		}
	}
	return peaks
}

func isLocalMax(cmap Tensor, c, y, x, r int) bool {
	v := cmap.At(c, y, x)
	for yy := max(0, y-r); yy <= min(cmap.Height-1, y+r); yy++ {
		for xx := max(0, x-r); xx <= min(cmap.Width-1, x+r); xx++ {
			if cmap.At(c, yy, xx) > v {
				return false
			}
		}
	}
	return true
}

// refinePeak computes the confidence-weighted centroid around a maximum,
// normalized to [0,1] at pixel centers.
func refinePeak(cmap Tensor, c, y, x, r int) Peak {
	var sum, sy, sx float64
	for yy := max(0, y-r); yy <= min(cmap.Height-1, y+r); yy++ {
		for xx := max(0, x-r); xx <= min(cmap.Width-1, x+r); xx++ {
			w := float64(cmap.At(c, yy, xx))
			if w <= 0 {
				continue
			}
			sum += w
			sy += w * float64(yy)
			sx += w * float64(xx)
		}
	}

	cy, cx := float64(y), float64(x)
	if sum > 0 {
		cy, cx = sy/sum, sx/sum
	}
	return Peak{
		X:     (cx + 0.5) / float64(cmap.Width),
		Y:     (cy + 0.5) / float64(cmap.Height),
		Score: cmap.At(c, y, x),
	}
}

// pafScore integrates the PAF along the segment a->b, projected on its direction.
func pafScore(paf Tensor, l Link, a, b Peak, samples int) float32 {
	ax, ay := a.X*float64(paf.Width), a.Y*float64(paf.Height)
	bx, by := b.X*float64(paf.Width), b.Y*float64(paf.Height)

	dx, dy := bx-ax, by-ay
	norm := math.Hypot(dx, dy)
	if norm < 1e-5 {
		return 0
	}
	ux, uy := dx/norm, dy/norm

	var score float64
	for s := 0; s < samples; s++ {
		t := (float64(s) + 0.5) / float64(samples)
		px := int(ax + t*dx)
		py := int(ay + t*dy)
		px = min(max(px, 0), paf.Width-1)
		py = min(max(py, 0), paf.Height-1)

		score += float64(paf.At(l.PafX, py, px))*ux + float64(paf.At(l.PafY, py, px))*uy
	}
	return float32(score / float64(samples))
}

// assignGreedy picks the best scoring pairs so each peak is used at most once.
func assignGreedy(cands []linkCandidate) []linkCandidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	usedA := make(map[int]bool)
	usedB := make(map[int]bool)
	var out []linkCandidate
	for _, c := range cands {
		if usedA[c.a] || usedB[c.b] {
			continue
		}
		usedA[c.a] = true
		usedB[c.b] = true
		out = append(out, c)
	}
	return out
}

// ToPoses scales objects to frame pixels and names keypoints after the task.
func ToPoses(objects []Object, task *Task, width, height int) []types.Pose {
	poses := make([]types.Pose, 0, len(objects))
	for id, obj := range objects {
		kps := make([]types.Keypoint, len(obj.Points))
		for i, pt := range obj.Points {
			kp := types.Keypoint{Visible: pt.Found}
			if i < len(task.Keypoints) {
				kp.Name = task.Keypoints[i]
			}
			if pt.Found {
				kp.X = pt.X * float64(width)
				kp.Y = pt.Y * float64(height)
				kp.Score = float64(pt.Score)
			}
			kps[i] = kp
		}
		poses = append(poses, types.Pose{ID: id, Keypoints: kps})
	}
	return poses
}
