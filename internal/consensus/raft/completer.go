package raft

import "sync"

// StorageCompleter queues completion callbacks of asynchronous storage
// operations and hands them back to the node's event loop. Callbacks run in
// the order they were enqueued and only on the goroutine calling Drain.
type StorageCompleter struct {
	mu      sync.Mutex
	queue   []func()
	readyCh chan struct{}
}

// NewStorageCompleter returns an empty completer.
func NewStorageCompleter() *StorageCompleter {
	return &StorageCompleter{readyCh: make(chan struct{}, 1)}
}

// Enqueue adds a completion. It never blocks.
func (c *StorageCompleter) Enqueue(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	select {
	case c.readyCh <- struct{}{}:
	default:
	}
}

// Ready is signaled after Enqueue. A signal may cover several completions.
func (c *StorageCompleter) Ready() <-chan struct{} {
	return c.readyCh
}

// Pending returns the number of queued completions.
func (c *StorageCompleter) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Drain runs queued completions until the queue is empty, including any
// enqueued by the completions themselves. It returns how many ran.
func (c *StorageCompleter) Drain() int {
	ran := 0
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

// storageExecutor runs storage operations off the event loop and reports
// each outcome through the completer. Operations run in submission order.
type storageExecutor interface {
	// Submit schedules op. done receives op's error on the event loop.
	// A nil op completes once all earlier operations have completed.
	Submit(op func() error, done func(error))
	Close()
}

type storageOp struct {
	run  func() error
	done func(error)
}

// asyncExecutor runs operations on a single worker goroutine.
type asyncExecutor struct {
	completer *StorageCompleter
	ops       chan storageOp
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newAsyncExecutor(c *StorageCompleter, queueSize int) *asyncExecutor {
	e := &asyncExecutor{
		completer: c,
		ops:       make(chan storageOp, queueSize),
		quit:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *asyncExecutor) loop() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.ops:
			e.run(op)
		case <-e.quit:
			// Finish what was accepted so no write is silently lost.
			for {
				select {
				case op := <-e.ops:
					e.run(op)
				default:
					return
				}
			}
		}
	}
}

func (e *asyncExecutor) run(op storageOp) {
	var err error
	if op.run != nil {
		err = op.run()
	}
	if op.done != nil {
		done := op.done
		e.completer.Enqueue(func() { done(err) })
	}
}

func (e *asyncExecutor) Submit(op func() error, done func(error)) {
	select {
	case <-e.quit:
		if done != nil {
			e.completer.Enqueue(func() { done(ErrStopped) })
		}
		return
	default:
	}
	select {
	case e.ops <- storageOp{run: op, done: done}:
	case <-e.quit:
		if done != nil {
			e.completer.Enqueue(func() { done(ErrStopped) })
		}
	}
}

func (e *asyncExecutor) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}

// inlineExecutor runs operations synchronously on the caller's goroutine.
// Completions are still delivered through the completer so callers observe
// the same ordering as with asyncExecutor.
type inlineExecutor struct {
	completer *StorageCompleter
}

func newInlineExecutor(c *StorageCompleter) *inlineExecutor {
	return &inlineExecutor{completer: c}
}

func (e *inlineExecutor) Submit(op func() error, done func(error)) {
	var err error
	if op != nil {
		err = op()
	}
	if done != nil {
		e.completer.Enqueue(func() { done(err) })
	}
}

func (e *inlineExecutor) Close() {}
