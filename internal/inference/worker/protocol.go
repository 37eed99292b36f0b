package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds a single framed message (a 4K RGB frame is ~25MB)
const MaxMessageSize = 64 << 20

// Request is one frame sent to the model process.
type Request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      RequestMeta `msgpack:"meta"`
}

// RequestMeta is echoed back by the model process.
type RequestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

// Reply is the model output for one request.
type Reply struct {
	Seq   uint64      `msgpack:"seq"`
	Poses []ReplyPose `msgpack:"poses"`
	Error string      `msgpack:"error,omitempty"`
}

// ReplyPose holds one [x, y, score] triple per task part, x and y
// normalized to [0,1]. A score of 0 marks a missing part.
type ReplyPose struct {
	Keypoints [][]float64 `msgpack:"keypoints"`
}

// writeMessage writes v as msgpack with a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit %d", len(payload), MaxMessageSize)
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))

	if _, err := w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v interface{}) error {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lengthBuf)
	if n > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit %d", n, MaxMessageSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
