// Package pose describes the pose task (keypoints and skeleton) and turns
// raw confidence maps and part affinity fields into detected objects.
package pose

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidTask is returned when a task description cannot be used.
var ErrInvalidTask = errors.New("pose: invalid task description")

//go:embed human_pose.json
var humanPoseJSON []byte

// Task is a COCO-style category description.
type Task struct {
	Supercategory string   `json:"supercategory"`
	ID            int      `json:"id"`
	Name          string   `json:"name"`
	Keypoints     []string `json:"keypoints"`
	// Skeleton holds 1-based keypoint index pairs
	Skeleton [][]int `json:"skeleton"`
}

// Link connects two parts through a pair of PAF channels.
// PafY holds the row component, PafX the column component.
type Link struct {
	PafY  int
	PafX  int
	PartA int
	PartB int
}

// LoadTask reads and validates a task description file.
func LoadTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pose: read task: %w", err)
	}
	return ParseTask(data)
}

// ParseTask decodes and validates a task description.
func ParseTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// HumanPose returns the built-in 18 keypoint human task.
func HumanPose() *Task {
	t, err := ParseTask(humanPoseJSON)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate checks that every skeleton pair references known keypoints.
func (t *Task) Validate() error {
	if len(t.Keypoints) == 0 {
		return fmt.Errorf("%w: no keypoints", ErrInvalidTask)
	}
	for i, pair := range t.Skeleton {
		if len(pair) != 2 {
			return fmt.Errorf("%w: skeleton[%d] has %d entries", ErrInvalidTask, i, len(pair))
		}
		for _, idx := range pair {
			if idx < 1 || idx > len(t.Keypoints) {
				return fmt.Errorf("%w: skeleton[%d] index %d out of range", ErrInvalidTask, i, idx)
			}
		}
	}
	return nil
}

// NumParts is the number of confidence map channels the model emits.
func (t *Task) NumParts() int { return len(t.Keypoints) }

// NumLinks is the number of skeleton links; the PAF has twice as many channels.
func (t *Task) NumLinks() int { return len(t.Skeleton) }

// Topology converts the skeleton into 0-based links with PAF channels 2k, 2k+1.
func (t *Task) Topology() []Link {
	links := make([]Link, len(t.Skeleton))
	for k, pair := range t.Skeleton {
		links[k] = Link{
			PafY:  2 * k,
			PafX:  2*k + 1,
			PartA: pair[0] - 1,
			PartB: pair[1] - 1,
		}
	}
	return links
}

// CSVHeader returns timestamp, object_id, then x/y columns per keypoint,
// interleaved in keypoint order.
func (t *Task) CSVHeader() []string {
	header := make([]string, 0, 2+2*len(t.Keypoints))
	header = append(header, "timestamp", "object_id")
	for _, kp := range t.Keypoints {
		header = append(header, kp+"_x", kp+"_y")
	}
	return header
}
