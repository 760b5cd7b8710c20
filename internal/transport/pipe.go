package transport

import "sync"

// pipeState is shared by both ends of a pipe
type pipeState struct {
	done      chan struct{}
	closeOnce sync.Once
}

type pipeEnd struct {
	state *pipeState
	peer  *pipeEnd

	mu      sync.Mutex
	queue   [][]byte
	handler func([]byte)
	notify  chan struct{}
}

// NewPipe returns the two ends of an in-process transport. Messages sent
// on one end are delivered, in order, to the other.
func NewPipe() (Transport, Transport) {
	state := &pipeState{done: make(chan struct{})}

	a := &pipeEnd{state: state, notify: make(chan struct{}, 1)}
	b := &pipeEnd{state: state, notify: make(chan struct{}, 1)}
	a.peer, b.peer = b, a

	go a.deliver()
	go b.deliver()

	return a, b
}

func (p *pipeEnd) Send(data []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	p.peer.enqueue(msg)
	return nil
}

func (p *pipeEnd) OnMessage(handler func([]byte)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	p.wake()
}

func (p *pipeEnd) Close() error {
	p.state.closeOnce.Do(func() {
		close(p.state.done)
	})
	return nil
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.state.done
}

func (p *pipeEnd) enqueue(msg []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	p.wake()
}

func (p *pipeEnd) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// deliver hands queued messages to the handler one at a time
func (p *pipeEnd) deliver() {
	for {
		select {
		case <-p.state.done:
			return
		case <-p.notify:
		}

		for {
			p.mu.Lock()
			if p.handler == nil || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			msg := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			handler := p.handler
			p.mu.Unlock()

			select {
			case <-p.state.done:
				return
			default:
			}
			handler(msg)
		}
	}
}
