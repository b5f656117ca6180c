package repository

import (
	"context"
	"sync"

	"github.com/abevier/tsk/futures"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// KeyedQueue serializes tasks per key while allowing tasks on different keys
// to run in parallel, up to a global concurrency cap. Tasks on the same key
// run strictly in submission order, so a task observes all effects of the
// tasks queued before it.
type KeyedQueue[T any] struct {
	name   string
	logger models.Logger

	mu     sync.Mutex
	chains map[string]*taskChain[T]
	closed bool
	wg     sync.WaitGroup

	// Caps the number of chains draining at once.
	slots chan struct{}
}

type queuedTask[T any] struct {
	ctx    context.Context
	run    func(ctx context.Context) (T, error)
	future *futures.Future[T]
}

type taskChain[T any] struct {
	pending []*queuedTask[T]
	active  bool
}

func NewKeyedQueue[T any](name string, concurrencyLimit int, logger models.Logger) *KeyedQueue[T] {
	if concurrencyLimit <= 0 {
		concurrencyLimit = models.DefaultExecConcurrency
	}
	return &KeyedQueue[T]{
		name:   name,
		logger: logger,
		chains: make(map[string]*taskChain[T]),
		slots:  make(chan struct{}, concurrencyLimit),
	}
}

// Run submits a task for the given key and returns a future that resolves
// with the task's result. Submissions after Close fail with ErrQueueClosed.
func (q *KeyedQueue[T]) Run(ctx context.Context, key string, task func(ctx context.Context) (T, error)) *futures.Future[T] {
	future := futures.New[T]()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		future.Fail(models.ErrQueueClosed)
		return future
	}
	chain, found := q.chains[key]
	if !found {
		chain = &taskChain[T]{}
		q.chains[key] = chain
	}
	chain.pending = append(chain.pending, &queuedTask[T]{ctx: ctx, run: task, future: future})
	if !chain.active {
		chain.active = true
		q.wg.Add(1)
		go q.drain(key, chain)
	}
	q.mu.Unlock()
	return future
}

func (q *KeyedQueue[T]) drain(key string, chain *taskChain[T]) {
	defer q.wg.Done()
	q.slots <- struct{}{}
	defer func() { <-q.slots }()
	for {
		q.mu.Lock()
		if len(chain.pending) == 0 {
			// Prune the empty chain so the map doesn't grow without bound
			// over the process lifetime.
			chain.active = false
			delete(q.chains, key)
			q.mu.Unlock()
			return
		}
		task := chain.pending[0]
		chain.pending = chain.pending[1:]
		closed := q.closed
		q.mu.Unlock()
		if closed {
			task.future.Fail(models.ErrQueueClosed)
			continue
		}
		if result, err := task.run(task.ctx); err != nil {
			task.future.Fail(err)
		} else {
			task.future.Complete(result)
		}
	}
}

// Close rejects subsequent submissions, fails tasks that have not started
// yet, and waits for in-flight tasks to finish. Idempotent.
func (q *KeyedQueue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Debugf("%s: queue drained and closed", q.name)
}
