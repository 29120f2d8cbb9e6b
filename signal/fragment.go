package signal

// Split splits b into fragments of at most mtu bytes. An empty b yields no
// fragments.
func Split(b []byte, mtu int) [][]byte {
	if mtu <= 0 {
		panic("signal: mtu must be positive")
	}
	frags := make([][]byte, 0, (len(b)+mtu-1)/mtu)
	for len(b) > 0 {
		n := mtu
		if len(b) < n {
			n = len(b)
		}
		frags = append(frags, b[:n:n])
		b = b[n:]
	}
	return frags
}

// A WriteQueue hands out the fragments of one outbound value, one per
// write callback.
type WriteQueue struct {
	kind  Kind
	frags [][]byte
	next  int
}

// NewWriteQueue fragments value for the given mtu.
func NewWriteQueue(kind Kind, value []byte, mtu int) *WriteQueue {
	return &WriteQueue{kind: kind, frags: Split(value, mtu)}
}

// Kind returns the kind of the queued value.
func (q *WriteQueue) Kind() Kind {
	return q.kind
}

// Next returns the next fragment to write, or false once all fragments
// have been handed out.
func (q *WriteQueue) Next() ([]byte, bool) {
	if q.next >= len(q.frags) {
		return nil, false
	}
	f := q.frags[q.next]
	q.next++
	return f, true
}

// Len returns the total number of fragments.
func (q *WriteQueue) Len() int {
	return len(q.frags)
}

// Remaining returns the number of fragments not yet handed out.
func (q *WriteQueue) Remaining() int {
	return len(q.frags) - q.next
}
