// Package recorder writes detected keypoints to a bounded CSV session.
//
// A session holds at most max_records data rows. Every row is flushed and
// synced before Record returns, so an abrupt exit loses at most the row in
// flight. When the budget is spent the session closes itself; later calls
// report ErrSessionClosed and the pipeline keeps running.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/orion-pose-capture/internal/types"
)

var (
	// ErrInvalidConfig is returned by Open for a bad limit or directory.
	ErrInvalidConfig = types.ErrInvalidConfig
	// ErrSessionClosed is returned by Record after the budget is spent or Close.
	ErrSessionClosed = errors.New("recorder: session closed")
)

// TimestampLayout formats the timestamp column.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Point is one keypoint cell pair. Missing points are written as empty cells.
type Point struct {
	X     float64
	Y     float64
	Valid bool
}

// Row is one detected object in one frame.
type Row struct {
	Timestamp time.Time
	ObjectID  int
	Points    []Point
}

// RowFromPose builds a row from a pose in frame pixels.
func RowFromPose(ts time.Time, p types.Pose) Row {
	pts := make([]Point, len(p.Keypoints))
	for i, kp := range p.Keypoints {
		pts[i] = Point{X: kp.X, Y: kp.Y, Valid: kp.Visible}
	}
	return Row{Timestamp: ts, ObjectID: p.ID, Points: pts}
}

// Session is an open CSV recording.
type Session struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	path   string
	max    int
	count  int
	points int
	closed bool
}

// FileName returns the session file name for a start time.
func FileName(start time.Time) string {
	return "posecap-" + start.Format("20060102-150405.000") + ".csv"
}

// Open creates the session file in dir and writes the header row.
//
// Returns ErrInvalidConfig if maxRecords <= 0 or dir is missing, not a
// directory or not writable. Nothing is created on failure.
func Open(dir string, maxRecords int, header []string, now time.Time) (*Session, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("%w: csv max records must be > 0, got %d", ErrInvalidConfig, maxRecords)
	}
	if len(header) < 2 || len(header)%2 != 0 {
		return nil, fmt.Errorf("%w: csv header needs timestamp, object_id and x/y pairs", ErrInvalidConfig)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: csv path: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: csv path %s is not a directory", ErrInvalidConfig, dir)
	}

	path := filepath.Join(dir, FileName(now))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: csv path not writable: %v", ErrInvalidConfig, err)
	}

	s := &Session{
		file:   file,
		w:      csv.NewWriter(file),
		path:   path,
		max:    maxRecords,
		points: (len(header) - 2) / 2,
	}

	if err := s.writeLocked(header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("recorder: write header: %w", err)
	}

	slog.Info("recorder: session opened",
		"path", path,
		"max_records", maxRecords,
	)
	return s, nil
}

// Record appends one row durably. The max_records-th row closes the session.
func (s *Session) Record(r Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := s.writeLocked(s.cells(r)); err != nil {
		return fmt.Errorf("recorder: write row: %w", err)
	}
	s.count++

	if s.count >= s.max {
		slog.Info("recorder: max records reached, closing session",
			"path", s.path,
			"records", s.count,
		)
		return s.closeLocked()
	}
	return nil
}

// cells renders a row; points beyond the header are ignored, missing ones are empty.
func (s *Session) cells(r Row) []string {
	out := make([]string, 2+2*s.points)
	out[0] = r.Timestamp.Format(TimestampLayout)
	out[1] = strconv.Itoa(r.ObjectID)
	for i := 0; i < s.points && i < len(r.Points); i++ {
		p := r.Points[i]
		if !p.Valid {
			continue
		}
		out[2+2*i] = strconv.FormatFloat(p.X, 'f', 2, 64)
		out[3+2*i] = strconv.FormatFloat(p.Y, 'f', 2, 64)
	}
	return out
}

// writeLocked writes, flushes and syncs one record.
func (s *Session) writeLocked(record []string) error {
	if err := s.w.Write(record); err != nil {
		return err
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes and releases the file. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	s.closed = true
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.file.Close()

	slog.Debug("recorder: session closed", "path", s.path, "records", s.count)

	if werr != nil {
		return fmt.Errorf("recorder: flush: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("recorder: close: %w", cerr)
	}
	return nil
}

// Count returns the number of data rows written.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Closed reports whether the session stopped accepting rows.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Path returns the CSV file path.
func (s *Session) Path() string { return s.path }
