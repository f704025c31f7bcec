package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher queues events for a pool of workers that deliver them to a sink
// off the request path. Each delivery gets its own timeout.
type Dispatcher struct {
	sink        Sink
	queue       chan Event
	dropIfFull  bool
	emitTimeout time.Duration

	mu      sync.RWMutex // guards closed against sends on queue
	closed  bool
	abandon chan struct{}
	workers sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		sink:        sink,
		queue:       make(chan Event, cfg.BufferSize),
		dropIfFull:  cfg.DropIfFull,
		emitTimeout: cfg.EmitTimeout,
		abandon:     make(chan struct{}),
	}
	d.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.work()
	}
	return d
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for e := range d.queue {
		select {
		case <-d.abandon:
			d.dropped.Add(1)
			continue
		default:
		}
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx := context.Background()
	if d.emitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.emitTimeout)
		defer cancel()
	}
	d.sink.Emit(ctx, e)
	d.delivered.Add(1)
}

// Emit enqueues e. With DropIfFull a full queue drops the event; otherwise
// Emit waits for room or for ctx. Events after Close are ignored.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	if d.dropIfFull {
		select {
		case d.queue <- e:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- e:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops intake and waits for the queue to drain. If ctx ends first the
// remaining events are counted as dropped and ctx.Err() is returned; workers
// finish in the background.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		close(d.abandon)
		return ctx.Err()
	}
}

// Delivered returns how many events reached the sink.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}

// Dropped returns how many events were discarded: full queue, cancelled
// emit, or abandoned at Close.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
