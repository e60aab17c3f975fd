// Package workerpool runs wire encode and decode jobs on a fixed set of
// worker goroutines. Each job carries a correlation id; a router goroutine
// hands results back to the waiting caller.
package workerpool

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/textcloud/internal/wire"
)

const (
	DefaultTimeout = 5 * time.Second
	fallbackSize   = 4
	mailboxSize    = 64
)

var (
	ErrTimeout        = errors.New("workerpool: job timed out")
	ErrPoolTerminated = errors.New("workerpool: pool terminated")
	ErrQueueFull      = errors.New("workerpool: too many pending jobs")
)

type Op int

const (
	OpEncode Op = iota
	OpDecode
)

type request struct {
	id      string
	op      Op
	msgType wire.MessageType
	payload wire.Payload
	frame   []byte
}

type response struct {
	id      string
	frame   []byte
	message wire.Message
	err     error
}

// Result is what a completed job hands back. Frame is set for encode jobs,
// Message for decode jobs.
type Result struct {
	Frame   []byte
	Message wire.Message
}

// Future resolves exactly once with the job's result, a timeout, or pool
// termination.
type Future struct {
	done  chan struct{}
	res   response
	timer *time.Timer
}

// Wait blocks until the job resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		if f.res.err != nil {
			return Result{}, f.res.err
		}
		return Result{Frame: f.res.frame, Message: f.res.message}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) complete(r response) {
	f.res = r
	close(f.done)
}

type Pool struct {
	mailboxes []chan request
	results   chan response
	next      atomic.Uint64
	timeout   time.Duration
	logger    *log.Logger

	mu         sync.Mutex
	pending    map[string]*Future
	maxPending int
	closed     bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	handle func(request) response
}

// New starts a pool of size workers. A size below one uses the number of
// CPUs, or 4 if that cannot be determined. A zero timeout uses
// DefaultTimeout.
func New(size int, timeout time.Duration, logger *log.Logger) *Pool {
	return newPool(size, timeout, logger, process)
}

func newPool(size int, timeout time.Duration, logger *log.Logger, handle func(request) response) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
		if size < 1 {
			size = fallbackSize
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}

	p := &Pool{
		mailboxes: make([]chan request, size),
		results:   make(chan response, size*mailboxSize),
		timeout:   timeout,
		logger:    logger,
		pending:   make(map[string]*Future),
		done:      make(chan struct{}),
		handle:    handle,
	}
	for i := range p.mailboxes {
		p.mailboxes[i] = make(chan request, mailboxSize)
		p.wg.Add(1)
		go p.work(p.mailboxes[i])
	}
	p.wg.Add(1)
	go p.route()
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.mailboxes)
}

// SetMaxPending caps the number of jobs awaiting a result. Jobs beyond the
// cap fail at once with ErrQueueFull. Zero means no cap.
func (p *Pool) SetMaxPending(n int) {
	p.mu.Lock()
	p.maxPending = max(n, 0)
	p.mu.Unlock()
}

// Encode serializes a payload on a worker.
func (p *Pool) Encode(ctx context.Context, t wire.MessageType, payload wire.Payload) ([]byte, error) {
	res, err := p.submit(request{op: OpEncode, msgType: t, payload: payload}).Wait(ctx)
	return res.Frame, err
}

// Decode parses a frame on a worker.
func (p *Pool) Decode(ctx context.Context, frame []byte) (wire.Message, error) {
	res, err := p.submit(request{op: OpDecode, frame: frame}).Wait(ctx)
	return res.Message, err
}

// submit queues a job on the next worker in round-robin order.
func (p *Pool) submit(req request) *Future {
	f := &Future{done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.complete(response{err: ErrPoolTerminated})
		return f
	}
	if p.maxPending > 0 && len(p.pending) >= p.maxPending {
		p.mu.Unlock()
		f.complete(response{err: ErrQueueFull})
		return f
	}
	req.id = uuid.NewString()
	p.pending[req.id] = f
	id := req.id
	f.timer = time.AfterFunc(p.timeout, func() {
		p.resolve(response{id: id, err: ErrTimeout})
	})
	p.mu.Unlock()

	mailbox := p.mailboxes[p.next.Add(1)%uint64(len(p.mailboxes))]
	select {
	case mailbox <- req:
	case <-p.done:
	}
	return f
}

// Pending returns the number of jobs awaiting a result.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close stops the workers and fails every outstanding future with
// ErrPoolTerminated. It is safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		outstanding := p.pending
		p.pending = make(map[string]*Future)
		p.mu.Unlock()

		close(p.done)
		for _, f := range outstanding {
			f.timer.Stop()
			f.complete(response{err: ErrPoolTerminated})
		}
		p.wg.Wait()
		if len(outstanding) > 0 {
			p.logger.Printf("Worker pool terminated with %d outstanding jobs", len(outstanding))
		}
	})
}

func (p *Pool) work(mailbox <-chan request) {
	defer p.wg.Done()
	for {
		select {
		case req := <-mailbox:
			res := p.handle(req)
			res.id = req.id
			select {
			case p.results <- res:
			case <-p.done:
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Pool) route() {
	defer p.wg.Done()
	for {
		select {
		case res := <-p.results:
			p.resolve(res)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) resolve(res response) {
	p.mu.Lock()
	f, ok := p.pending[res.id]
	delete(p.pending, res.id)
	p.mu.Unlock()

	if !ok {
		// Late result for a job that already timed out.
		return
	}
	f.timer.Stop()
	f.complete(res)
}

func process(req request) response {
	switch req.op {
	case OpEncode:
		frame, err := wire.Encode(req.msgType, req.payload)
		return response{frame: frame, err: err}
	case OpDecode:
		msg, err := wire.Decode(req.frame)
		return response{message: msg, err: err}
	}
	return response{err: errors.New("workerpool: unknown operation")}
}
