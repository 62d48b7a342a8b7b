package console

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/sealbox/sealbox/internal/events"
	"github.com/sealbox/sealbox/internal/lifecycle"
)

// Client is a console connection for tooling and tests. Calls are
// serialized; use a dedicated client per concurrent caller.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to a console endpoint using the same schemes the server
// listens on.
func Dial(endpoint string) (*Client, error) {
	conn, err := dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("console dial %s: %w", endpoint, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func dial(endpoint string) (net.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp":
		return net.Dial("tcp", u.Host)
	case "unix":
		return net.Dial("unix", u.Path)
	case "vsock":
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock cid %q", u.Hostname())
		}
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port %q", u.Port())
		}
		return vsock.Dial(uint32(cid), uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported console scheme %q", u.Scheme)
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends one request and waits for its response.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = c.nextID

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	var msg Message
	if err := readFrame(c.r, &msg); err != nil {
		return nil, err
	}
	if msg.Response == nil {
		return nil, fmt.Errorf("unexpected message, want response for %d", req.ID)
	}
	if msg.Response.Error != nil {
		return nil, msg.Response.Error
	}
	return msg.Response, nil
}

// Install adds the package file at path to the named repository and
// returns the installed reference.
func (c *Client) Install(ctx context.Context, repository, path string) (string, error) {
	resp, err := c.call(ctx, &Request{Command: CommandInstall, Repository: repository, Path: path})
	if err != nil {
		return "", err
	}
	return resp.Package, nil
}

// Uninstall removes name:version from its repository.
func (c *Client) Uninstall(ctx context.Context, name, version string) error {
	_, err := c.call(ctx, &Request{Command: CommandUninstall, Name: name, Version: version})
	return err
}

// Start launches name:version and returns once it is running.
func (c *Client) Start(ctx context.Context, name, version string) error {
	_, err := c.call(ctx, &Request{Command: CommandStart, Name: name, Version: version})
	return err
}

// Stop terminates the named container with the given grace period.
func (c *Client) Stop(ctx context.Context, name string, timeout time.Duration) error {
	_, err := c.call(ctx, &Request{Command: CommandStop, Name: name, TimeoutMS: timeout.Milliseconds()})
	return err
}

// List returns every indexed package with its instance state.
func (c *Client) List(ctx context.Context) ([]lifecycle.Status, error) {
	resp, err := c.call(ctx, &Request{Command: CommandList})
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// Status returns the named container's record.
func (c *Client) Status(ctx context.Context, name string) (*lifecycle.Record, error) {
	resp, err := c.call(ctx, &Request{Command: CommandStatus, Name: name})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// Subscribe turns the connection into an event stream. The returned
// channel closes when the subscription or connection ends; the client is
// not usable for further calls afterwards.
func (c *Client) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	if _, err := c.call(ctx, &Request{Command: CommandSubscribe}); err != nil {
		return nil, err
	}

	// Event delivery has no per-call deadline.
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	ch := make(chan events.Event)
	go func() {
		defer close(ch)
		defer c.conn.Close()
		for {
			var msg Message
			if err := readFrame(c.r, &msg); err != nil {
				return
			}
			if msg.Event == nil {
				continue
			}
			select {
			case ch <- *msg.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
