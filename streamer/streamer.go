// Package streamer fans values out to any number of subscribers. A slow
// subscriber loses its oldest values instead of stalling the others.
package streamer

import (
	"sync"
	"sync/atomic"
)

type Client[T any] struct {
	streamer *Streamer[T]
	input    chan *T
	C        <-chan *T
}

// Close unsubscribes the client. C is closed once it is done.
func (c *Client[T]) Close() {
	for {
		select {
		case _, ok := <-c.C:
			if !ok {
				return
			}
		case c.streamer.remove <- c:
			return
		case <-c.streamer.done:
			return
		}
	}
}

// send never blocks: when the client is behind, its oldest value goes.
func (c *Client[T]) send(data *T) {
	for {
		select {
		case c.input <- data:
			return
		default:
		}
		select {
		case <-c.input:
		default:
		}
	}
}

type Streamer[T any] struct {
	mu        sync.Mutex
	isRunning bool
	stopped   bool
	clients   map[*Client[T]]bool
	count     atomic.Int32
	add       chan *Client[T]
	remove    chan *Client[T]
	broadcast chan *T
	stop      chan bool
	done      chan struct{}
}

func NewStreamer[T any](buffSize int) *Streamer[T] {
	return &Streamer[T]{
		clients:   make(map[*Client[T]]bool),
		add:       make(chan *Client[T]),
		remove:    make(chan *Client[T]),
		broadcast: make(chan *T, buffSize),
		stop:      make(chan bool),
		done:      make(chan struct{}),
	}
}

// NewClient subscribes a client. It returns nil once the streamer stopped.
func (m *Streamer[T]) NewClient(buffSize int) *Client[T] {
	if buffSize < 1 {
		buffSize = 1
	}
	ch := make(chan *T, buffSize)
	c := &Client[T]{
		streamer: m,
		input:    ch,
		C:        ch,
	}
	select {
	case m.add <- c:
		return c
	case <-m.done:
		return nil
	}
}

// Broadcast queues data for every client and reports false when the
// streamer is not running or its queue is full.
func (m *Streamer[T]) Broadcast(data *T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return false
	}
	select {
	case m.broadcast <- data:
		return true
	default:
		return false
	}
}

func (m *Streamer[T]) Run() {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()
	for {
		select {
		case <-m.stop:
			m.flush()
			for client := range m.clients {
				close(client.input)
			}
			clear(m.clients)
			m.count.Store(0)
			close(m.done)
			return
		case client := <-m.add:
			m.clients[client] = true
			m.count.Store(int32(len(m.clients)))
		case client := <-m.remove:
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.input)
				m.count.Store(int32(len(m.clients)))
			}
		case chunk := <-m.broadcast:
			for client := range m.clients {
				client.send(chunk)
			}
		}
	}
}

// flush hands out what was broadcast before Stop.
func (m *Streamer[T]) flush() {
	for {
		select {
		case chunk := <-m.broadcast:
			for client := range m.clients {
				client.send(chunk)
			}
		default:
			return
		}
	}
}

// Stop closes every client. A streamer stopped before Run never starts.
func (m *Streamer[T]) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.stopped = true
	if !m.isRunning {
		close(m.done)
		return true
	}
	m.isRunning = false
	m.stop <- true
	return true
}

// Clients returns the number of subscribed clients.
func (m *Streamer[T]) Clients() int {
	return int(m.count.Load())
}

// Done is closed once Run has returned.
func (m *Streamer[T]) Done() <-chan struct{} {
	return m.done
}
