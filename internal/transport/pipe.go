package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

const pipeQueue = 64

// PipeEnd is one side of an in-process frame pipe.
type PipeEnd struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

var _ Transport = (*PipeEnd)(nil)

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeQueue)
	ba := make(chan []byte, pipeQueue)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &PipeEnd{in: ba, out: ab, done: done, once: once}
	b := &PipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-p.done:
		return types.ErrNotConnected
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return types.ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrTimeout, ctx.Err())
	}
}

func (p *PipeEnd) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, types.ErrNotConnected
	case <-timer.C:
		return nil, types.ErrTimeout
	case <-ctx.Done():
		return nil, types.ErrTimeout
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Closed reports whether the pipe has been closed from either end.
func (p *PipeEnd) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// PipeDialer hands out pipes to registered in-process peers. Each Dial
// creates a fresh pipe and passes the far end to the peer's accept func.
type PipeDialer struct {
	mu    sync.Mutex
	peers map[string]func(*PipeEnd)
}

var _ Dialer = (*PipeDialer)(nil)

func NewPipeDialer() *PipeDialer {
	return &PipeDialer{peers: make(map[string]func(*PipeEnd))}
}

// Listen registers accept for address, replacing any previous peer.
func (d *PipeDialer) Listen(address string, accept func(*PipeEnd)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[address] = accept
}

// Unlisten removes the peer; later dials fail as unreachable.
func (d *PipeDialer) Unlisten(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, address)
}

func (d *PipeDialer) Dial(ctx context.Context, address string) (Transport, error) {
	d.mu.Lock()
	accept, ok := d.peers[address]
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no peer at %s", types.ErrUnreachable, address)
	}

	local, remote := Pipe()
	go accept(remote)
	return local, nil
}
