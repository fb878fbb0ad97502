package event

// Buffer keeps the most recent records in arrival order. When an append
// exceeds the capacity the oldest records are dropped first.
//
// Buffer is not safe for concurrent use; its owner serializes access.
type Buffer struct {
	max     int
	records []*Record
}

// NewBuffer creates a buffer holding at most max records (minimum 1).
func NewBuffer(max int) *Buffer {
	if max < 1 {
		max = 1
	}
	return &Buffer{max: max, records: make([]*Record, 0, max)}
}

// Append adds a record and returns how many old records were evicted.
func (b *Buffer) Append(r *Record) int {
	b.records = append(b.records, r)
	over := len(b.records) - b.max
	if over <= 0 {
		return 0
	}
	n := copy(b.records, b.records[over:])
	clear(b.records[n:])
	b.records = b.records[:n]
	return over
}

// Records returns a copy of the buffered records, oldest first.
func (b *Buffer) Records() []*Record {
	out := make([]*Record, len(b.records))
	copy(out, b.records)
	return out
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	return len(b.records)
}

// Cap returns the maximum number of records retained.
func (b *Buffer) Cap() int {
	return b.max
}

// Clear drops every buffered record.
func (b *Buffer) Clear() {
	clear(b.records)
	b.records = b.records[:0]
}
