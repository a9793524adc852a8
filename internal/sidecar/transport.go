package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/osaproject/osa/pkg/protocol"
)

// DefaultMaxLineBytes caps one response line. An over-cap line is truncated
// and discarded; only the request it answers fails, the transport lives on.
const DefaultMaxLineBytes = 1 << 20

var (
	// ErrPortClosed is returned for requests on a dead transport.
	ErrPortClosed = errors.New("sidecar port closed")
	// ErrLineTooLong means the sidecar sent a response over the line cap.
	ErrLineTooLong = errors.New("sidecar response exceeds line limit")
)

// Transport speaks newline-delimited JSON-RPC over a sidecar's stdio.
// Requests are correlated by id; out-of-order responses are fine and
// responses for unknown ids are logged and dropped.
type Transport struct {
	name  string
	stdin io.WriteCloser

	mu      sync.Mutex
	pending map[string]chan *protocol.SidecarResponse
	onNotif func(*protocol.SidecarRequest)

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

func NewTransport(name string, stdin io.WriteCloser, stdout io.Reader, maxLineBytes int) *Transport {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	t := &Transport{
		name:    name,
		stdin:   stdin,
		pending: make(map[string]chan *protocol.SidecarResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout, maxLineBytes)
	return t
}

// OnNotification registers the handler for id-less inbound requests.
// Must be called before the sidecar starts emitting notifications.
func (t *Transport) OnNotification(handler func(*protocol.SidecarRequest)) {
	t.mu.Lock()
	t.onNotif = handler
	t.mu.Unlock()
}

func (t *Transport) readLoop(stdout io.Reader, maxLineBytes int) {
	defer t.shutdown()

	bufSize := 64 * 1024
	if bufSize > maxLineBytes {
		bufSize = maxLineBytes
	}
	r := bufio.NewReaderSize(stdout, bufSize)

	for {
		line, truncated, err := readCappedLine(r, maxLineBytes)
		switch {
		case truncated:
			t.failOversized(line)
		case len(line) > 0:
			t.dispatch(line)
		}
		if err != nil {
			if err != io.EOF {
				t.readErr = err
			}
			return
		}
	}
}

// readCappedLine reads one newline-terminated line, keeping at most max
// bytes. When the line runs over, the kept prefix comes back with
// truncated=true and the remainder is consumed and discarded so the next
// line starts clean.
func readCappedLine(r *bufio.Reader, max int) (line []byte, truncated bool, err error) {
	for {
		chunk, e := r.ReadSlice('\n')
		if !truncated {
			line = append(line, chunk...)
			if len(line) > max {
				line = line[:max]
				truncated = true
			}
		}
		switch e {
		case nil:
			if !truncated {
				line = bytes.TrimRight(line, "\r\n")
			}
			return line, truncated, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return line, truncated, e
		}
	}
}

// dispatch routes one complete line to its pending request or the
// notification handler.
func (t *Transport) dispatch(line []byte) {
	var resp protocol.SidecarResponse
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if !ok {
			// Late or unsolicited response.
			slog.Debug("sidecar response dropped", "sidecar", t.name, "id", resp.ID)
			return
		}
		ch <- &resp
		return
	}

	var req protocol.SidecarRequest
	if err := json.Unmarshal(line, &req); err == nil && req.Method != "" {
		t.mu.Lock()
		handler := t.onNotif
		t.mu.Unlock()
		if handler != nil {
			go handler(&req)
		}
		return
	}

	slog.Warn("sidecar line unparseable", "sidecar", t.name, "bytes", len(line))
}

// failOversized fails the single request an over-cap line was answering,
// identified from the truncated prefix. Unidentifiable lines are dropped;
// the caller's timeout covers the lost answer.
func (t *Transport) failOversized(prefix []byte) {
	id := extractResponseID(prefix)
	if id == "" {
		slog.Warn("oversized sidecar line dropped", "sidecar", t.name, "bytes", len(prefix))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		slog.Debug("oversized sidecar response dropped", "sidecar", t.name, "id", id)
		return
	}
	ch <- &protocol.SidecarResponse{ID: id, Error: &protocol.SidecarError{
		Code:    -32600,
		Message: ErrLineTooLong.Error(),
	}}
}

// extractResponseID pulls the "id" value out of a truncated JSON prefix.
// The id is a UUID near the front of the object, so it survives truncation.
func extractResponseID(prefix []byte) string {
	s := string(prefix)
	i := strings.Index(s, `"id"`)
	if i < 0 {
		return ""
	}
	s = s[i+len(`"id"`):]
	i = strings.IndexByte(s, '"')
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	i = strings.IndexByte(s, '"')
	if i < 0 {
		return ""
	}
	return s[:i]
}

// Send writes a request and waits for its correlated response.
func (t *Transport) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := protocol.SidecarRequest{ID: uuid.NewString(), Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = encoded
	}

	ch := make(chan *protocol.SidecarResponse, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.forget(req.ID)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	case <-t.done:
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, ErrPortClosed
	}
}

// Notify writes a request without waiting for a response.
func (t *Transport) Notify(method string, params interface{}) error {
	req := protocol.SidecarRequest{Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = encoded
	}
	return t.write(req)
}

func (t *Transport) write(req protocol.SidecarRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to sidecar: %w", err)
	}
	return nil
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// shutdown fails every pending request and marks the transport dead.
func (t *Transport) shutdown() {
	t.closeOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	t.pending = make(map[string]chan *protocol.SidecarResponse)
	t.mu.Unlock()
}

// Close stops the transport; the read loop ends when stdout drains.
func (t *Transport) Close() error {
	err := t.stdin.Close()
	t.shutdown()
	return err
}

// Done is closed once the transport is no longer usable.
func (t *Transport) Done() <-chan struct{} { return t.done }
