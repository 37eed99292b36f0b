package framequeue

// Stats is a point-in-time snapshot of queue counters.
//
// All fields are read under the queue lock, so
// Enqueued == Dequeued + Dropped + uint64(Len) holds for every snapshot.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Dequeued uint64 `json:"dequeued"`
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Closed   bool   `json:"closed"`
}

// DropRate returns dropped/enqueued, or 0 when nothing was enqueued.
func (s Stats) DropRate() float64 {
	if s.Enqueued == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(s.Enqueued)
}

// Stats returns a consistent snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
		Dequeued: q.dequeued,
		Len:      q.count,
		Cap:      len(q.buf),
		Closed:   q.closed,
	}
}
