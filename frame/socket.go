package frame

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SocketSource reads fixed size raw frames pushed by a producer (typically a
// GStreamer tcpclientsink) into a TCP socket. Producers may come and go; the
// source keeps accepting until it is closed.
type SocketSource struct {
	listener net.Listener
	width    int
	height   int
	format   PixelFormat
	frames   chan *Frame
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	conn     net.Conn
	index    uint64
}

func ListenSocket(address string, width int, height int, format PixelFormat, buffered int) (*SocketSource, error) {
	soc, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if buffered < 1 {
		buffered = 1
	}
	s := &SocketSource{
		listener: soc,
		width:    width,
		height:   height,
		format:   format,
		frames:   make(chan *Frame, buffered),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *SocketSource) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *SocketSource) serve() {
	defer s.wg.Done()
	address := s.listener.Addr().String()
	for {
		log.Print("Waiting for input stream at ", address)
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Error("Cannot accept socket connection at ", address, ": ", err)
			}
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serveConnection(conn, address)
		conn.Close()
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *SocketSource) serveConnection(conn net.Conn, address string) {
	log.Print("Accepted input stream at ", address)
	for {
		f := New(s.width, s.height, s.format)
		size, err := io.ReadFull(conn, f.Data)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Print("Socket connection closed at ", address)
			} else if size != len(f.Data) {
				log.Warn("Stream has wrong frame size! Expected: ", len(f.Data), ", but got ", size)
			} else {
				log.Warn("Socket read error ", err)
			}
			return
		}
		s.index++
		f.Index = s.index
		f.Timestamp = time.Now()
		if !s.push(f) {
			return
		}
	}
}

// push hands a frame over, evicting the oldest buffered one when the reader
// falls behind.
func (s *SocketSource) push(f *Frame) bool {
	for {
		select {
		case <-s.done:
			return false
		case s.frames <- f:
			return true
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *SocketSource) Acquire(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrEndOfStream
	case f := <-s.frames:
		return f, nil
	}
}

func (s *SocketSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
