// Package spike deduplicates concurrent lookups of the same external resource and caches the results.
//
// Concurrent GetResult calls for the same key share one Fetch. Values are cached for the cache time,
// errors for the (usually much shorter) error cache time so a failing resource is not hammered.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	taskQueueLen           = 60
	currentlyExecutedSize  = 50
	defaultCleanupInterval = 5 * time.Millisecond
	defaultFetchTimeout    = 5 * time.Second
)

// Key is anything usable as a map key with a stable string form, e.g. common.Address or common.Hash.
type Key interface {
	comparable
	String() string
}

type Manager[K Key, T any] struct {
	mu                sync.RWMutex
	handler           Handler[K, T]
	taskQueue         chan task[K, T]
	currentlyExecuted map[K][]chan<- result[T]
}

// NewCustomManager creates a new Manager with a cache implementation controlled by client code
func NewCustomManager[K Key, T any](h Handler[K, T]) *Manager[K, T] {
	cm := &Manager[K, T]{
		handler:           h,
		taskQueue:         make(chan task[K, T], taskQueueLen),
		currentlyExecuted: make(map[K][]chan<- result[T], currentlyExecutedSize),
	}
	go cm.start()
	return cm
}

// NewManager creates a new Manager backed by go-cache. A zero errorCacheTime disables error caching.
func NewManager[K Key, T any](fetch func(ctx context.Context, k K) (T, error), cacheTime, errorCacheTime time.Duration) *Manager[K, T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	h := Handler[K, T]{
		Fetch: fetch,
		Set: func(k K, v T) {
			g.Set(k.String(), result[T]{v: v}, cacheTime)
		},
		Get: func(k K) (T, error, bool) {
			v, ok := g.Get(k.String())
			if !ok {
				var rt T
				return rt, nil, false
			}
			//nolint:forcetypeassert
			r := v.(result[T])
			return r.v, r.e, true
		},
	}
	if errorCacheTime > 0 {
		h.SetError = func(k K, err error) {
			g.Set(k.String(), result[T]{e: err}, errorCacheTime)
		}
	}
	return NewCustomManager[K, T](h)
}

// Handler connects the Manager to a cache. Get reports a cached value or a cached error.
// SetError is optional.
type Handler[K Key, T any] struct {
	Fetch    func(ctx context.Context, k K) (T, error)
	Set      func(k K, v T)
	SetError func(k K, err error)
	Get      func(k K) (T, error, bool)
}

type task[K Key, T any] struct {
	key K
	res chan<- result[T]
}

type result[T any] struct {
	v T
	e error
}

func (m *Manager[K, T]) start() {
	for t := range m.taskQueue {
		m.mu.Lock()
		if m.respondCached(t) {
			m.mu.Unlock()
			continue
		}
		if chans, ok := m.currentlyExecuted[t.key]; ok {
			m.currentlyExecuted[t.key] = append(chans, t.res)
			m.mu.Unlock()
			continue
		}
		m.currentlyExecuted[t.key] = []chan<- result[T]{t.res}
		m.mu.Unlock()

		go m.fetch(t.key)
	}
}

// respondCached must be called with mu held
func (m *Manager[K, T]) respondCached(t task[K, T]) bool {
	v, err, ok := m.handler.Get(t.key)
	if !ok {
		return false
	}
	t.res <- result[T]{v: v, e: err}
	close(t.res)
	return true
}

func (m *Manager[K, T]) fetch(key K) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
	defer cancel()

	res, err := m.handler.Fetch(ctx, key)
	if err != nil {
		if m.handler.SetError != nil {
			m.handler.SetError(key, err)
		}
	} else {
		m.handler.Set(key, res)
	}

	m.mu.Lock()
	chans := m.currentlyExecuted[key]
	for _, ch := range chans {
		ch <- result[T]{v: res, e: err}
		close(ch)
	}
	delete(m.currentlyExecuted, key)
	m.mu.Unlock()
}

func (m *Manager[K, T]) GetResult(ctx context.Context, k K) (T, error) { //nolint:ireturn
	if r, err, ok := m.handler.Get(k); ok {
		return r, err
	}

	resChan := make(chan result[T], 1)
	select {
	case m.taskQueue <- task[K, T]{key: k, res: resChan}:
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	}

	select {
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}
