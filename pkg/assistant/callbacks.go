package assistant

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bassist/internal/groutine"
	"github.com/srg/bassist/internal/ringchan"
)

const dispatchQueueDepth = 128

// dispatcher fans notifications out to registered Callbacks listeners from a
// dedicated goroutine. Producers never block: the queue drops its oldest
// undelivered notification under backpressure.
type dispatcher struct {
	logger *logrus.Entry
	queue  *ringchan.RingChannel[func(Callbacks)]

	mu        sync.Mutex
	listeners []Callbacks

	wg sync.WaitGroup
}

func newDispatcher(logger *logrus.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger.WithField("component", "dispatcher"),
		queue:  ringchan.New[func(Callbacks)](dispatchQueueDepth),
	}

	d.wg.Add(1)
	groutine.Go(nil, "assistant-dispatch", func(ctx context.Context) {
		defer d.wg.Done()
		d.run()
	})

	return d
}

func (d *dispatcher) run() {
	for fn := range d.queue.C() {
		d.mu.Lock()
		listeners := make([]Callbacks, len(d.listeners))
		copy(listeners, d.listeners)
		d.mu.Unlock()

		for _, l := range listeners {
			fn(l)
		}
	}
}

func (d *dispatcher) register(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.listeners {
		if l == cb {
			return
		}
	}
	d.listeners = append(d.listeners, cb)
}

func (d *dispatcher) unregister(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.listeners {
		if l == cb {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

// notify queues one notification closure for delivery to every listener.
func (d *dispatcher) notify(fn func(Callbacks)) {
	if d.queue.Send(fn) {
		d.logger.Warn("notification queue full, dropped oldest")
	}
}

// close stops the dispatch goroutine after the queue drains.
func (d *dispatcher) close() {
	d.queue.Close()
	d.wg.Wait()
}
