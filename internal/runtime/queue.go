package runtime

// msgQueue is a bounded FIFO backed by a slice ring. It is not safe for
// concurrent use; the Router's lock serializes all access.
type msgQueue struct {
	buf   []*Message
	head  int
	count int
}

func newMsgQueue(capacity int) *msgQueue {
	return &msgQueue{buf: make([]*Message, capacity)}
}

func (q *msgQueue) push(m *Message) bool {
	if q.count == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = m
	q.count++
	return true
}

func (q *msgQueue) pop() (*Message, bool) {
	if q.count == 0 {
		return nil, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return m, true
}

func (q *msgQueue) len() int { return q.count }

// drain removes and returns all queued messages in FIFO order.
func (q *msgQueue) drain() []*Message {
	out := make([]*Message, 0, q.count)
	for {
		m, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

// queuePair holds the dual queues for one recipient: active for the current
// epoch, next for messages buffered while a switch is in flight.
type queuePair struct {
	active *msgQueue
	next   *msgQueue
	// signal wakes a blocked dequeuer; capacity 1 so enqueues never block.
	signal chan struct{}
}

func newQueuePair(capacity int) *queuePair {
	return &queuePair{
		active: newMsgQueue(capacity),
		next:   newMsgQueue(capacity),
		signal: make(chan struct{}, 1),
	}
}

func (p *queuePair) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
