package discord

import "forwardbot/internal/domain"

// bufferCapacity bounds how many messages the gateway keeps per channel.
const bufferCapacity = 500

// ringBuffer is a fixed-capacity message buffer. Appending beyond capacity
// evicts the oldest entry. Not safe for concurrent use; the owning
// connection serialises access.
type ringBuffer struct {
	entries []domain.Message
	head    int // index of the oldest entry
	size    int
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{entries: make([]domain.Message, bufferCapacity)}
}

func (b *ringBuffer) append(msg domain.Message) {
	if b.size < len(b.entries) {
		b.entries[(b.head+b.size)%len(b.entries)] = msg
		b.size++
		return
	}
	b.entries[b.head] = msg
	b.head = (b.head + 1) % len(b.entries)
}

func (b *ringBuffer) clear() {
	b.head = 0
	b.size = 0
}

func (b *ringBuffer) len() int { return b.size }

// snapshot returns the buffered messages oldest-first.
func (b *ringBuffer) snapshot() []domain.Message {
	out := make([]domain.Message, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(b.head+i)%len(b.entries)])
	}
	return out
}

// after returns up to limit of the most recent entries whose ID sorts
// strictly after cursor, oldest-first. limit <= 0 means no cap.
func (b *ringBuffer) after(cursor string, limit int) []domain.Message {
	matched := make([]domain.Message, 0, b.size)
	for i := 0; i < b.size; i++ {
		msg := b.entries[(b.head+i)%len(b.entries)]
		if domain.IDAfter(msg.ID, cursor) {
			matched = append(matched, msg)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
