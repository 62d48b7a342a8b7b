package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/mdlayher/vsock"

	"github.com/sealbox/sealbox/internal/events"
	"github.com/sealbox/sealbox/internal/lifecycle"
	"github.com/sealbox/sealbox/internal/repository"
)

// defaultStopTimeout applies when a stop request carries no grace period.
const defaultStopTimeout = 10 * time.Second

// Runtime is the lifecycle surface the console exposes.
// *lifecycle.Runtime implements it.
type Runtime interface {
	Install(ctx context.Context, repo, path string) (*repository.Package, error)
	Uninstall(ctx context.Context, name, version string) error
	Start(ctx context.Context, name, version string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	List(ctx context.Context) []lifecycle.Status
	Status(ctx context.Context, name string) (*lifecycle.Record, error)
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

// Server accepts console connections and dispatches commands to the
// runtime. Each connection is handled on its own goroutine, so a slow
// operation for one client never delays another.
type Server struct {
	rt       Runtime
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen opens the configured endpoint. Supported schemes are tcp://,
// unix:// and vsock://.
func Listen(endpoint string, rt Runtime) (*Server, error) {
	l, err := listen(endpoint)
	if err != nil {
		return nil, fmt.Errorf("console listen %s: %w", endpoint, err)
	}
	return &Server{rt: rt, listener: l, conns: make(map[net.Conn]struct{})}, nil
}

func listen(endpoint string) (net.Listener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp":
		return net.Listen("tcp", u.Host)
	case "unix":
		// A stale socket from a previous run blocks the bind.
		if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return net.Listen("unix", u.Path)
	case "vsock":
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port %q", u.Port())
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported console scheme %q", u.Scheme)
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn)
		go s.handle(ctx, conn)
	}
}

// Close shuts the listener and every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handle serves one connection. A protocol error (unreadable frame,
// oversized frame, unknown command) closes this connection and no other.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrack(conn)

	logger := log.G(ctx).WithField("remote", conn.RemoteAddr().String())
	logger.Debug("console connection opened")

	// Subscribed event pushes and command responses share the connection;
	// the write side is serialized.
	var writeMu sync.Mutex
	send := func(msg *Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(conn, msg)
	}

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.WithError(err).Warn("closing console connection on protocol error")
			}
			return
		}

		resp, subscribe := s.dispatch(ctx, &req)
		if err := send(&Message{Response: resp}); err != nil {
			return
		}
		if resp.Error != nil && resp.Error.Code == CodeProtocol {
			logger.WithField("command", req.Command).
				Warn("closing console connection on unknown command")
			return
		}

		if subscribe {
			s.stream(ctx, logger.WithField("command", req.Command), send)
			return
		}
	}
}

// dispatch maps one request to one runtime operation.
func (s *Server) dispatch(ctx context.Context, req *Request) (*Response, bool) {
	resp := &Response{ID: req.ID}

	switch req.Command {
	case CommandInstall:
		pkg, err := s.rt.Install(ctx, req.Repository, req.Path)
		if err != nil {
			resp.Error = wireError(err)
			break
		}
		resp.Package = pkg.Ref()

	case CommandUninstall:
		resp.Error = wireError(s.rt.Uninstall(ctx, req.Name, req.Version))

	case CommandStart:
		resp.Error = wireError(s.rt.Start(ctx, req.Name, req.Version))

	case CommandStop:
		timeout := defaultStopTimeout
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}
		resp.Error = wireError(s.rt.Stop(ctx, req.Name, timeout))

	case CommandList:
		resp.Statuses = s.rt.List(ctx)

	case CommandStatus:
		rec, err := s.rt.Status(ctx, req.Name)
		if err != nil {
			resp.Error = wireError(err)
			break
		}
		resp.Record = rec

	case CommandSubscribe:
		return resp, true

	default:
		resp.Error = &Error{Code: CodeProtocol, Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
	return resp, false
}

// stream pushes state-change events until the subscription or connection
// ends. Per-container ordering is preserved end to end; a subscriber that
// cannot keep up is dropped by the exchange and the stream ends.
func (s *Server) stream(ctx context.Context, logger *log.Entry, send func(*Message) error) {
	ch, cancel := s.rt.Subscribe(ctx)
	defer cancel()

	logger.Debug("console subscriber attached")
	for ev := range ch {
		if err := send(&Message{Event: &ev}); err != nil {
			logger.WithError(err).Debug("console subscriber write failed")
			return
		}
	}
	logger.Debug("console subscriber detached")
}
