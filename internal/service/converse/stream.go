package converse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-relay/internal/pipeline"
)

var errIdle = errors.New("chat back end went silent")

// fragmentRelay decouples reading the remote reply from the consumer.
// The producer appends to an unbounded backlog and is never blocked by a
// slow reader; a forwarder drains the backlog into a bounded pipe. The
// timeout bounds silence from the remote side only: it restarts on every
// fragment and stops once the remote is done.
type fragmentRelay struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration
	timer   *time.Timer

	mu    sync.Mutex
	cond  *sync.Cond
	items []string
	done  bool
	err   error
}

func newFragmentRelay(parent context.Context, timeout time.Duration) *fragmentRelay {
	ctx, cancel := context.WithCancelCause(parent)
	r := &fragmentRelay{ctx: ctx, cancel: cancel, timeout: timeout}
	r.cond = sync.NewCond(&r.mu)
	r.timer = time.AfterFunc(timeout, r.expire)
	return r
}

// touch restarts the silence timer.
func (r *fragmentRelay) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		r.timer.Reset(r.timeout)
	}
}

func (r *fragmentRelay) push(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.timer.Reset(r.timeout)
	r.items = append(r.items, fragment)
	r.cond.Signal()
}

// finish ends the backlog. Only the first call counts.
func (r *fragmentRelay) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.timer.Stop()
	r.done = true
	r.err = err
	r.cond.Signal()
}

func (r *fragmentRelay) expire() {
	r.cancel(errIdle)
	r.finish(r.timeoutError())
}

func (r *fragmentRelay) expired() bool {
	return errors.Is(context.Cause(r.ctx), errIdle)
}

func (r *fragmentRelay) timeoutError() error {
	return &pipeline.ConversationError{
		Reason: fmt.Sprintf("no data from chat back end for %s", r.timeout),
		Err:    context.DeadlineExceeded,
	}
}

// failure classifies a read error of the producer.
func (r *fragmentRelay) failure(reason string, err error) error {
	if r.expired() {
		return r.timeoutError()
	}
	if cause := context.Cause(r.ctx); cause != nil {
		return cause
	}
	return &pipeline.ConversationError{Reason: reason, Err: err}
}

// stop releases the remote side.
func (r *fragmentRelay) stop() {
	r.timer.Stop()
	r.cancel(context.Canceled)
}

func (r *fragmentRelay) next() ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.items) == 0 && !r.done {
		r.cond.Wait()
	}
	items := r.items
	r.items = nil
	return items, r.done, r.err
}

// start runs produce in the background and returns the consumer side.
// produce reports fragments through push and returns when the remote
// reply is complete or failed.
func (r *fragmentRelay) start(buffer int, produce func() error) *schema.StreamReader[string] {
	sr, sw := schema.Pipe[string](buffer)

	go func() {
		r.finish(produce())
	}()

	go func() {
		defer r.stop()
		defer sw.Close()
		for {
			items, done, err := r.next()
			for _, item := range items {
				if closed := sw.Send(item, nil); closed {
					return
				}
			}
			if done {
				if err != nil {
					sw.Send("", err)
				}
				return
			}
		}
	}()
	return sr
}
