package feed

import (
	"context"
	"sync"

	"github.com/yanun0323/logs"

	"tradeguard/internal/bus"
	"tradeguard/internal/obs"
)

// fanout delivers items to subscribers, each with its own bounded queue and
// goroutine so a slow or panicking handler only affects itself.
type fanout[T any] struct {
	name     string
	size     int
	metrics  *obs.Metrics
	mu       sync.RWMutex
	subs     map[uint64]*subscriber[T]
	nextID   uint64
	wg       sync.WaitGroup
	isClosed bool
}

type subscriber[T any] struct {
	queue  *bus.Queue[T]
	accept func(T) bool
}

func newFanout[T any](name string, size int, metrics *obs.Metrics) *fanout[T] {
	return &fanout[T]{name: name, size: size, metrics: metrics, subs: make(map[uint64]*subscriber[T])}
}

// add registers a handler. accept may be nil to receive everything.
func (f *fanout[T]) add(accept func(T) bool, handler func(T)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed || handler == nil {
		return func() {}
	}
	f.nextID++
	id := f.nextID
	sub := &subscriber[T]{queue: bus.NewQueue[T](f.size), accept: accept}
	f.subs[id] = sub
	f.wg.Go(func() {
		sub.queue.Run(context.Background(), func(item T) {
			f.call(handler, item)
		})
	})

	return func() {
		f.mu.Lock()
		s, ok := f.subs[id]
		delete(f.subs, id)
		f.mu.Unlock()
		if ok {
			s.queue.Close()
		}
	}
}

func (f *fanout[T]) publish(item T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.accept != nil && !sub.accept(item) {
			continue
		}
		if err := sub.queue.TryPublish(item); err != nil {
			f.metrics.IncQueueDrop()
		}
	}
}

func (f *fanout[T]) call(handler func(T), item T) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("%s subscriber panicked, err: %+v", f.name, r)
		}
	}()
	handler(item)
}

// close stops accepting subscribers, drains queued items and waits.
func (f *fanout[T]) close() {
	f.mu.Lock()
	f.isClosed = true
	for id, sub := range f.subs {
		sub.queue.Close()
		delete(f.subs, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
