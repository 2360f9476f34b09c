// Package ingress implements the unbounded FIFO backing the core thread's
// command queue.
package ingress

import (
	"sync"
)

// chunkSize is the number of commands per node in the linked list.
// 128 commands * 8 bytes + cursors is ~1KB per chunk.
const chunkSize = 128

// Queue is a chunked linked-list FIFO of commands.
//
// Thread Safety: Queue is NOT thread-safe. The owner must provide external
// synchronization (the core thread guards it with its own mutex, which is also
// what linearizes submission order).
type Queue struct { // betteralign:ignore
	head   *chunk
	tail   *chunk
	length int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node, readPos/pos are cursors for O(1) push and pop.
type chunk struct {
	commands [chunkSize]func()
	next     *chunk
	readPos  int // first unread slot
	pos      int // first unused slot
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears every slot before pooling, so queued closures (and the
// object references they capture) are not retained.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.commands[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push appends a command.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *Queue) Push(command func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.commands) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.commands[q.tail.pos] = command
	q.tail.pos++
	q.length++
}

// Pop removes and returns the oldest command, or false if the queue is empty.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *Queue) Pop() (func(), bool) {
	var buf [1]func()
	if q.PopBatch(buf[:]) == 0 {
		return nil, false
	}
	return buf[0], true
}

// PopBatch moves up to len(buf) commands into buf, in FIFO order, returning
// the number moved. Each chunk is drained with a single copy, and returned to
// the pool once empty (except the tail, which is rewound).
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *Queue) PopBatch(buf []func()) int {
	var n int
	for n < len(buf) && q.head != nil {
		c := q.head
		m := copy(buf[n:], c.commands[c.readPos:c.pos])
		clear(c.commands[c.readPos : c.readPos+m])
		c.readPos += m
		n += m

		if c.readPos < c.pos {
			break
		}
		if c == q.tail {
			c.pos = 0
			c.readPos = 0
			break
		}
		q.head = c.next
		returnChunk(c)
	}
	q.length -= n
	return n
}

// Clear drops every queued command, returning how many were dropped.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *Queue) Clear() int {
	n := q.length
	for c := q.head; c != nil; {
		next := c.next
		returnChunk(c)
		c = next
	}
	q.head = nil
	q.tail = nil
	q.length = 0
	return n
}

// Length returns the number of queued commands.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *Queue) Length() int {
	return q.length
}
