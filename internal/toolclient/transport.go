package toolclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// Transport carries protocol messages to one tool server.
type Transport interface {
	// Send writes req and blocks until the response with the same id
	// arrives, ctx is done, or the transport fails.
	Send(ctx context.Context, req *toolproto.Request) (*toolproto.Response, error)
	// Notify writes a message that expects no response.
	Notify(ctx context.Context, n *toolproto.Notification) error
	// Done is closed once the transport can no longer carry messages.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// StreamTransport speaks the protocol over a reader/writer pair. One reader
// goroutine demultiplexes responses by id, so concurrent Sends may complete
// in any order.
type StreamTransport struct {
	w      io.Writer
	closer func() error
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *toolproto.Response
	err     error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport starts reading frames from r. closer, if non-nil, is
// invoked once when the transport shuts down.
func NewStreamTransport(r io.Reader, w io.Writer, closer func() error, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StreamTransport{
		w:       w,
		closer:  closer,
		logger:  logger,
		pending: make(map[int64]chan *toolproto.Response),
		done:    make(chan struct{}),
	}
	go t.readLoop(toolproto.NewReader(r))
	return t
}

func (t *StreamTransport) readLoop(r *toolproto.Reader) {
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: server closed stdout", ErrTransportClosed)
			}
			t.fail(err)
			return
		}
		if !env.IsResponse() {
			// Notifications and server-initiated requests are not part of
			// the broker's protocol surface.
			t.logger.Debug("ignoring server message", "method", env.Method)
			continue
		}
		resp, err := env.Response()
		if err != nil {
			t.logger.Debug("ignoring response with unusable id", "id", string(env.ID), "error", err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("response for unknown id", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// fail records err as the terminal error and shuts the transport down.
// Pending Sends observe Done and return err.
func (t *StreamTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	_ = t.shutdown()
}

func (t *StreamTransport) shutdown() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.closer != nil {
			t.closeErr = t.closer()
		}
	})
	return t.closeErr
}

func (t *StreamTransport) Send(ctx context.Context, req *toolproto.Request) (*toolproto.Response, error) {
	ch := make(chan *toolproto.Response, 1)

	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	if _, dup := t.pending[req.ID]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("request id %d already in flight", req.ID)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.forget(req.ID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	case <-t.done:
		t.forget(req.ID)
		// The response may have been delivered just before shutdown.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, t.Err()
	}
}

func (t *StreamTransport) Notify(_ context.Context, n *toolproto.Notification) error {
	if err := t.Err(); err != nil {
		return err
	}
	return t.write(n)
}

func (t *StreamTransport) write(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := toolproto.WriteMessage(t.w, v); err != nil {
		if errors.Is(err, toolproto.ErrFrameTooLarge) {
			return err
		}
		t.fail(err)
		return err
	}
	return nil
}

func (t *StreamTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *StreamTransport) Done() <-chan struct{} { return t.done }

func (t *StreamTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
		return nil
	}
}

// Close shuts the transport down. Pending Sends return ErrTransportClosed.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.err == nil {
		t.err = ErrTransportClosed
	}
	t.mu.Unlock()
	return t.shutdown()
}
