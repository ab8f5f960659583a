package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sanskarpan/File-Share/pkg/fileindex"
	"github.com/sanskarpan/File-Share/pkg/logger"
	"github.com/sanskarpan/File-Share/pkg/monitor"
	"github.com/sanskarpan/File-Share/pkg/peers"
	"github.com/sanskarpan/File-Share/pkg/protocol"
)

const (
	maxEvents      = 128
	epollTimeoutMs = 100
	readChunkSize  = 8 * 1024
	socketBufSize  = 64 * 1024
	idleTimeout    = 60 * time.Second
	sweepInterval  = 60 * time.Second
)

// Server owns the listen socket, the epoll instance, and the connection
// map. A single event-loop goroutine services readiness batches and is the
// only mutator of connection state.
type Server struct {
	port int

	listenFD int
	epollFD  int

	connsMu sync.Mutex
	conns   map[int]*conn

	running atomic.Bool
	wg      sync.WaitGroup

	index    *fileindex.Index
	registry *peers.Registry
	metrics  *monitor.Metrics
	log      *zap.SugaredLogger
}

func New(port int, index *fileindex.Index, registry *peers.Registry, metrics *monitor.Metrics, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Sugar
	}
	return &Server{
		port:     port,
		listenFD: -1,
		epollFD:  -1,
		conns:    make(map[int]*conn),
		index:    index,
		registry: registry,
		metrics:  metrics,
		log:      log,
	}
}

// Start binds, listens, creates the epoll instance and launches the event
// loop. Any failure here is unrecoverable and returned to the caller.
func (s *Server) Start() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create listen socket: %w", err)
	}
	s.listenFD = fd
	configureSocket(fd)

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind port %d: %w", s.port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	// Learn the bound port when 0 was requested
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			s.port = in4.Port
		}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("create epoll: %w", err)
	}
	s.epollFD = epfd

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return fmt.Errorf("register listen socket: %w", err)
	}

	s.running.Store(true)
	s.wg.Add(1)
	go s.eventLoop()

	s.log.Infof("[Server] listening on port %d", s.port)
	return nil
}

// Stop clears the running flag, joins the loop and releases every
// descriptor.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.wg.Wait()

	s.connsMu.Lock()
	for fd := range s.conns {
		unix.Close(fd)
	}
	s.conns = make(map[int]*conn)
	s.connsMu.Unlock()

	if s.epollFD >= 0 {
		unix.Close(s.epollFD)
		s.epollFD = -1
	}
	if s.listenFD >= 0 {
		unix.Close(s.listenFD)
		s.listenFD = -1
	}
	s.log.Info("[Server] stopped")
}

// Port reports the bound listen port.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func configureSocket(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufSize)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufSize)
}

func (s *Server) eventLoop() {
	defer s.wg.Done()

	events := make([]unix.EpollEvent, maxEvents)
	lastSweep := time.Now()

	for s.running.Load() {
		// Bounded wait so the shutdown flag is observed within 100ms
		n, err := unix.EpollWait(s.epollFD, events, epollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.log.Errorf("[Server] epoll_wait: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			if fd == s.listenFD {
				if mask&unix.EPOLLIN != 0 {
					s.acceptPending()
				}
				continue
			}

			c, ok := s.lookupConn(fd)
			if !ok {
				continue
			}
			if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				s.closeConn(c, "hangup")
				continue
			}
			if mask&unix.EPOLLIN != 0 {
				s.handleReadable(c)
			}
			if mask&unix.EPOLLOUT != 0 {
				if _, ok := s.lookupConn(fd); ok {
					s.handleWritable(c)
				}
			}
		}

		if time.Since(lastSweep) >= sweepInterval {
			s.sweepIdleConns()
			lastSweep = time.Now()
		}
	}
}

func (s *Server) acceptPending() {
	for {
		fd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.log.Errorf("[Server] accept: %v", err)
			return
		}
		configureSocket(fd)

		ip, addr := remoteAddr(sa)
		event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
		if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			s.log.Errorf("[Server] register client %s: %v", addr, err)
			unix.Close(fd)
			continue
		}

		c := newConn(fd, ip, addr)
		s.connsMu.Lock()
		s.conns[fd] = c
		s.connsMu.Unlock()

		s.log.Infof("[Server] connection accepted: remote=%s fd=%d", addr, fd)
	}
}

func remoteAddr(sa unix.Sockaddr) (ip, addr string) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip = net.IP(v.Addr[:]).String()
		return ip, fmt.Sprintf("%s:%d", ip, v.Port)
	case *unix.SockaddrInet6:
		ip = net.IP(v.Addr[:]).String()
		return ip, fmt.Sprintf("[%s]:%d", ip, v.Port)
	default:
		return "", "unknown"
	}
}

func (s *Server) lookupConn(fd int) (*conn, bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	c, ok := s.conns[fd]
	return c, ok
}

func (s *Server) closeConn(c *conn, reason string) {
	s.connsMu.Lock()
	if _, ok := s.conns[c.fd]; !ok {
		s.connsMu.Unlock()
		return
	}
	delete(s.conns, c.fd)
	s.connsMu.Unlock()

	_ = unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_DEL, c.fd, nil)
	unix.Close(c.fd)
	s.log.Infof("[Server] connection closed: remote=%s fd=%d reason=%s read=%d written=%d",
		c.addr, c.fd, reason, c.bytesRead, c.bytesWritten)
}

// handleReadable drains the socket (edge-triggered, so until EAGAIN) and
// advances the framing state machine.
func (s *Server) handleReadable(c *conn) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.readBuf = append(c.readBuf, buf[:n]...)
			c.bytesRead += uint64(n)
			c.touch()
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			s.closeConn(c, fmt.Sprintf("read error: %v", err))
			return
		}
		if n == 0 {
			s.closeConn(c, "peer closed")
			return
		}
	}
	s.advance(c)
}

// advance consumes as many complete frames as the read buffer holds. Bytes
// past a frame stay buffered and are reconsidered immediately.
func (s *Server) advance(c *conn) {
	for {
		switch c.state {
		case stateReadingHeader:
			if len(c.readBuf) < protocol.HeaderSize {
				return
			}
			h, err := protocol.ParseHeader(c.readBuf[:protocol.HeaderSize])
			if err != nil {
				s.closeConn(c, fmt.Sprintf("bad header: %v", err))
				return
			}
			c.expected = h.PayloadSize
			c.state = stateReadingBody

		case stateReadingBody:
			total := protocol.HeaderSize + int(c.expected)
			if len(c.readBuf) < total {
				return
			}
			t, payload, err := protocol.Decode(c.readBuf[:total])
			if err != nil {
				s.closeConn(c, fmt.Sprintf("bad frame: %v", err))
				return
			}
			c.readBuf = append([]byte(nil), c.readBuf[total:]...)
			c.state = stateReadingHeader
			c.expected = 0

			s.dispatch(c, t, payload)
			if _, open := s.lookupConn(c.fd); !open {
				return
			}

		case stateWritingResponse:
			// A response is still draining; leave remaining input buffered
			// so replies stay FIFO on this connection.
			return
		}
	}
}

// handleWritable drains the outbound buffer on write readiness, then
// reconsiders any input buffered while the response was draining.
func (s *Server) handleWritable(c *conn) {
	s.flush(c)
	if _, open := s.lookupConn(c.fd); open && len(c.writeBuf) == 0 {
		s.advance(c)
	}
}

// queue appends a frame to the connection's write buffer and tries to
// drain it immediately.
func (s *Server) queue(c *conn, frame []byte) {
	c.writeBuf = append(c.writeBuf, frame...)
	s.flush(c)
}

func (s *Server) flush(c *conn) {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if n > 0 {
			c.writeBuf = c.writeBuf[n:]
			c.bytesWritten += uint64(n)
			c.touch()
		}
		if err != nil {
			if err == unix.EAGAIN {
				s.armWrite(c)
				return
			}
			if err == unix.EINTR {
				continue
			}
			s.closeConn(c, fmt.Sprintf("write error: %v", err))
			return
		}
	}

	// Buffer drained: drop write interest and resume reading
	if c.writeArmed {
		s.disarmWrite(c)
	}
	if c.state == stateWritingResponse {
		c.state = stateReadingHeader
	}
	if c.closeAfterWrite {
		s.closeConn(c, "closing after error response")
	}
}

func (s *Server) armWrite(c *conn) {
	c.state = stateWritingResponse
	if c.writeArmed {
		return
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET, Fd: int32(c.fd)}
	if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_MOD, c.fd, &event); err != nil {
		s.closeConn(c, fmt.Sprintf("arm write: %v", err))
		return
	}
	c.writeArmed = true
}

func (s *Server) disarmWrite(c *conn) {
	event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(c.fd)}
	if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_MOD, c.fd, &event); err != nil {
		s.closeConn(c, fmt.Sprintf("disarm write: %v", err))
		return
	}
	c.writeArmed = false
}

func (s *Server) sweepIdleConns() {
	now := time.Now()
	s.connsMu.Lock()
	var idle []*conn
	for _, c := range s.conns {
		if now.Sub(c.lastActivity) > idleTimeout {
			idle = append(idle, c)
		}
	}
	s.connsMu.Unlock()

	for _, c := range idle {
		s.closeConn(c, "idle")
	}
}
