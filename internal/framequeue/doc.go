// Package framequeue decouples frame production (capture) from frame
// consumption (inference) with a bounded FIFO.
//
// Two full-queue policies:
//
//	DropOldest  evict the head, admit the newest   (live cameras: freshness)
//	Block       producer waits for a free slot     (file playback: completeness)
//
// Lifecycle signals are plain sentinel errors: Push after Close returns
// ErrClosed, Pop on a closed and drained queue returns ErrEndOfStream. Both are
// expected control flow, not failures.
//
// Usage:
//
//	q, _ := framequeue.New(2, framequeue.DropOldest)
//	go func() {
//		defer q.Close()
//		for f := range frames {
//			_ = q.Push(f)
//		}
//	}()
//	for {
//		f, err := q.Pop()
//		if errors.Is(err, framequeue.ErrEndOfStream) {
//			break
//		}
//		process(f)
//	}
package framequeue
