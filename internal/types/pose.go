package types

import "time"

// Keypoint represents a single pose keypoint in frame pixel coordinates
type Keypoint struct {
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Score   float64 `json:"score"`
	Visible bool    `json:"visible"`
}

// Pose is one detected object. Keypoints is indexed by task part index,
// so missing parts are present with Visible=false.
type Pose struct {
	ID        int        `json:"id"`
	Keypoints []Keypoint `json:"keypoints"`
}

// VisibleCount returns the number of detected keypoints.
func (p *Pose) VisibleCount() int {
	n := 0
	for _, kp := range p.Keypoints {
		if kp.Visible {
			n++
		}
	}
	return n
}

// Result is the inference output for one frame
type Result struct {
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Poses     []Pose        `json:"poses"`
	Latency   time.Duration `json:"latency"`
}

// EmptyResult returns a result with no poses for the given frame.
func EmptyResult(f Frame) Result {
	return Result{Seq: f.Seq, Timestamp: f.Timestamp}
}
