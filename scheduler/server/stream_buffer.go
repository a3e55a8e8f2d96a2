package server

// streamItem is either a chunk to deliver (missing == 0) or a gap marker for
// chunks [seq, seq+missing) that will never be delivered.
type streamItem struct {
	seq     uint64
	data    []byte
	missing uint64
}

// streamBuffer restores the order of one output stream of one assignment.
// Chunks arriving ahead of the next expected sequence number wait in a
// window; when the window overflows the oldest hole is given up as a gap.
type streamBuffer struct {
	next    uint64
	window  int
	pending map[uint64][]byte
}

func newStreamBuffer(window int) *streamBuffer {
	if window < 1 {
		window = 1
	}
	return &streamBuffer{window: window, pending: make(map[uint64][]byte)}
}

// push accepts one chunk and returns what can now be delivered, in order.
// Duplicates and chunks behind the stream are dropped.
func (b *streamBuffer) push(seq uint64, data []byte) []streamItem {
	if seq < b.next {
		return nil
	}
	if _, dup := b.pending[seq]; dup {
		return nil
	}
	b.pending[seq] = data
	out := b.drain(nil)
	for len(b.pending) > b.window {
		out = b.skipToOldest(out)
		out = b.drain(out)
	}
	return out
}

// flush gives up on every hole and delivers everything still buffered.
// Called when the assignment ends.
func (b *streamBuffer) flush() []streamItem {
	var out []streamItem
	for len(b.pending) > 0 {
		out = b.skipToOldest(out)
		out = b.drain(out)
	}
	return out
}

func (b *streamBuffer) drain(out []streamItem) []streamItem {
	for {
		data, ok := b.pending[b.next]
		if !ok {
			return out
		}
		delete(b.pending, b.next)
		out = append(out, streamItem{seq: b.next, data: data})
		b.next++
	}
}

func (b *streamBuffer) skipToOldest(out []streamItem) []streamItem {
	oldest := ^uint64(0)
	for seq := range b.pending {
		if seq < oldest {
			oldest = seq
		}
	}
	if oldest > b.next {
		out = append(out, streamItem{seq: b.next, missing: oldest - b.next})
		b.next = oldest
	}
	return out
}
