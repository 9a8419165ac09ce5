package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// ServerConfig holds control channel configuration.
type ServerConfig struct {
	SocketPath   string
	ReadTimeout  time.Duration // Idle limit between requests on a non-subscribed connection
	WriteTimeout time.Duration // Limit for writing one message
	QueueSize    int           // Outgoing messages buffered per connection
}

// DefaultServerConfig returns default server configuration for socketPath.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Second,
		QueueSize:    64,
	}
}

// HandlerFunc answers one method call.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Mux maps method names to handlers.
type Mux struct {
	handlers map[string]HandlerFunc
}

// NewMux creates an empty method table.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for method, replacing any previous handler.
func (m *Mux) Handle(method string, fn HandlerFunc) {
	m.handlers[method] = fn
}

// Methods returns the registered method names.
func (m *Mux) Methods() []string {
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	return out
}

func (m *Mux) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	fn, ok := m.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
	return fn(ctx, params)
}

// Server accepts control connections on a Unix socket.
type Server struct {
	config ServerConfig
	mux    *Mux
	hub    *Hub
	logger *zap.Logger

	listener net.Listener
	closing  atomic.Bool

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server. Call Listen, then Serve.
func NewServer(config ServerConfig, mux *Mux, hub *Hub, logger *zap.Logger) *Server {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &Server{
		config: config,
		mux:    mux,
		hub:    hub,
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
}

// Listen binds the socket. A socket that still accepts connections belongs
// to a running daemon and yields ErrChannelBindFailed; a dead one is removed.
func (s *Server) Listen() error {
	path := s.config.SocketPath
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelBindFailed, err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelBindFailed, err)
	}

	if _, err := os.Lstat(path); err == nil {
		live, err := net.DialTimeout("unix", path, 500*time.Millisecond)
		if err == nil {
			_ = live.Close()
			return fmt.Errorf("%w: another daemon is listening on %s", domain.ErrChannelBindFailed, path)
		}
		s.logger.Info("removing stale socket", zap.String("path", path))
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrChannelBindFailed, err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelBindFailed, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = l.Close()
		return fmt.Errorf("%w: %v", domain.ErrChannelBindFailed, err)
	}
	s.listener = l

	s.logger.Info("control channel listening", zap.String("socket", path))
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.config.SocketPath
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("ipc: Serve called before Listen")
	}

	var backoff time.Duration
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		c := newConn(nc, s.config, s.logger)
		if !s.track(c) {
			c.close()
			return nil
		}
		go s.serveConn(c)
	}
}

// Shutdown stops accepting at once, lets requests already being handled
// finish until ctx ends, then closes every remaining connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		_ = os.Remove(s.config.SocketPath)
	}

	// Readers blocked waiting for the next request give up now; a request
	// already read still runs to completion.
	s.mu.Lock()
	for c := range s.conns {
		_ = c.nc.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	n := len(s.conns)
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.logger.Warn("closed connections at shutdown deadline", zap.Int("connections", n))

	<-done
	return ctx.Err()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) serveConn(c *conn) {
	defer s.wg.Done()
	defer s.untrack(c)
	defer s.hub.remove(c)

	go c.writeLoop()
	defer c.finish()

	r := bufio.NewReaderSize(c.nc, 4096)
	for {
		if !c.subscribed.Load() && s.config.ReadTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		// Checked after setting the deadline so Shutdown's deadline is not
		// overwritten unnoticed.
		if s.closing.Load() {
			return
		}

		line, err := readFrame(r, MaxMessageSize)
		if errors.Is(err, domain.ErrRequestTooLarge) {
			s.logger.Warn("rejected oversized request")
			if !c.send(errorLine(nil, &Error{Code: CodeTooLarge, Message: "request too large"})) {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		req, perr := parseRequest(line)
		if perr != nil {
			if !c.send(errorLine(req.ID, perr)) {
				return
			}
			continue
		}

		if req.Method == "subscribe" {
			if !c.send(resultLine(req.ID, map[string]bool{"subscribed": true})) {
				return
			}
			if c.subscribed.CompareAndSwap(false, true) {
				_ = c.nc.SetReadDeadline(time.Time{})
				s.hub.add(c)
			}
			continue
		}

		if !c.send(s.dispatch(req)) {
			return
		}
	}
}

func (s *Server) dispatch(req Request) (line []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("handler panicked", zap.String("method", req.Method), zap.Any("panic", p))
			line = errorLine(req.ID, &Error{Code: CodeInternal, Message: "internal error"})
		}
	}()

	result, err := s.mux.call(context.Background(), req.Method, req.Params)
	if err != nil {
		wire := errorFor(err)
		if wire.Code == CodeInternal {
			s.logger.Error("request failed", zap.String("method", req.Method), zap.Error(err))
		}
		return errorLine(req.ID, wire)
	}
	return resultLine(req.ID, result)
}

func resultLine(id json.RawMessage, result any) []byte {
	data, err := json.Marshal(result)
	if err != nil {
		return errorLine(id, &Error{Code: CodeInternal, Message: "failed to encode result"})
	}
	line, err := encodeLine(Response{ID: nullID(id), Result: data})
	if err != nil {
		return errorLine(id, &Error{Code: CodeInternal, Message: "failed to encode result"})
	}
	if len(line) > MaxMessageSize+1 {
		return errorLine(id, &Error{Code: CodeTooLarge, Message: "response too large"})
	}
	return line
}

func errorLine(id json.RawMessage, e *Error) []byte {
	line, _ := encodeLine(Response{ID: nullID(id), Error: e})
	return line
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// conn is one client connection. Responses and pushes share one ordered
// queue drained by a single writer goroutine.
type conn struct {
	nc           net.Conn
	out          chan []byte
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
	subscribed   atomic.Bool
	writeTimeout time.Duration
	logger       *zap.Logger
}

func newConn(nc net.Conn, cfg ServerConfig, logger *zap.Logger) *conn {
	return &conn{
		nc:           nc,
		out:          make(chan []byte, cfg.QueueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

// send queues a response, waiting for room. It fails once the connection
// is torn down.
func (c *conn) send(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) push(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

// finish flushes queued responses, then closes the connection.
func (c *conn) finish() {
	// nil marks the end of the queue for the writer.
	select {
	case c.out <- nil:
	case <-c.done:
	}
	select {
	case <-c.writerDone:
	case <-time.After(c.writeTimeout):
	}
	c.close()
	<-c.writerDone
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.out:
			if msg == nil {
				return
			}
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if _, err := c.nc.Write(msg); err != nil {
				c.logger.Debug("write failed, closing connection", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
