package wsconn

import (
	"encoding/json"
	"errors"
	"sync"
)

// DefaultOutboxSize is the queue length used when NewOutbox gets size <= 0.
const DefaultOutboxSize = 256

// ErrOutboxFull is passed to the fail func when a frame did not fit.
var ErrOutboxFull = errors.New("outbound queue full")

// Outbox queues frames for one peer and writes them in order from its own
// goroutine. Send never blocks, so it can be called from the gateway link's
// read goroutine without one slow peer stalling the others.
type Outbox struct {
	frames chan []byte
	write  func(data []byte) error
	fail   func(err error)

	failOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
	stop     sync.Once
}

// NewOutbox starts a writer that passes each queued frame to write. fail is
// called once, with ErrOutboxFull or the write error, after which the outbox
// drops everything; callers usually close the connection there.
func NewOutbox(size int, write func(data []byte) error, fail func(err error)) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	o := &Outbox{
		frames:  make(chan []byte, size),
		write:   write,
		fail:    fail,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

// Send marshals v and queues it. It reports false when the frame was
// dropped because the outbox failed, is full or is closed.
func (o *Outbox) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.frames <- data:
		return true
	default:
		o.abort(ErrOutboxFull)
		return false
	}
}

// Close stops the writer and waits for it to exit. Queued frames are
// discarded. Safe to call more than once.
func (o *Outbox) Close() {
	o.stop.Do(func() { close(o.done) })
	<-o.stopped
}

func (o *Outbox) run() {
	defer close(o.stopped)
	for {
		select {
		case <-o.done:
			return
		case data := <-o.frames:
			if err := o.write(data); err != nil {
				o.abort(err)
				return
			}
		}
	}
}

func (o *Outbox) abort(err error) {
	o.failOnce.Do(func() {
		o.stop.Do(func() { close(o.done) })
		if o.fail != nil {
			o.fail(err)
		}
	})
}
