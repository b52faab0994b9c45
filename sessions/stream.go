package sessions

import (
	"sync"

	"github.com/eapache/queue"
)

// StreamSink is the transport-side write end of an attached push stream. A
// sink is written to by exactly one goroutine; it does not need internal
// locking against the sessions package.
type StreamSink interface {
	WriteFrame(p []byte) error
}

// Stream is the session-side handle of one attached push stream. Frames are
// buffered through an unbounded FIFO and drained by a single writer
// goroutine, so emission order per session is preserved and emitters never
// block on a slow client.
type Stream struct {
	sink  StreamSink
	onErr func(error)

	mu     sync.Mutex
	q      *queue.Queue
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newStream(sink StreamSink, onErr func(error)) *Stream {
	st := &Stream{
		sink:  sink,
		onErr: onErr,
		q:     queue.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go st.run()
	return st
}

// enqueue adds a frame for delivery. Returns false once the stream is closed.
func (st *Stream) enqueue(frame []byte) bool {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	st.q.Add(frame)
	st.mu.Unlock()
	select {
	case st.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops the writer. Frames still queued are dropped; push delivery is
// best-effort across disconnects.
func (st *Stream) close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	st.mu.Unlock()
	close(st.done)
}

func (st *Stream) run() {
	for {
		st.mu.Lock()
		var frame []byte
		if st.q.Length() > 0 {
			frame = st.q.Remove().([]byte)
		}
		closed := st.closed
		st.mu.Unlock()

		if frame == nil {
			if closed {
				return
			}
			select {
			case <-st.wake:
			case <-st.done:
			}
			continue
		}

		if err := st.sink.WriteFrame(frame); err != nil {
			if st.onErr != nil {
				st.onErr(err)
			}
			st.close()
			return
		}
	}
}
