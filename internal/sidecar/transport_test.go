package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osaproject/osa/pkg/protocol"
)

// fakeSidecar echoes scripted responses over in-memory pipes.
type fakeSidecar struct {
	transport *Transport
	requests  chan protocol.SidecarRequest
	out       *io.PipeWriter
	mu        sync.Mutex
}

func newFakeSidecar(t *testing.T, maxLine int) *fakeSidecar {
	t.Helper()
	inR, inW := io.Pipe()   // gateway -> sidecar
	outR, outW := io.Pipe() // sidecar -> gateway

	f := &fakeSidecar{
		transport: NewTransport("fake", inW, outR, maxLine),
		requests:  make(chan protocol.SidecarRequest, 8),
		out:       outW,
	}
	t.Cleanup(func() {
		f.transport.Close()
		outW.Close()
	})

	go func() {
		scanner := bufio.NewScanner(inR)
		scanner.Buffer(make([]byte, 64*1024), 4<<20)
		for scanner.Scan() {
			var req protocol.SidecarRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				f.requests <- req
			}
		}
	}()
	return f
}

func (f *fakeSidecar) respond(resp protocol.SidecarResponse) {
	data, _ := json.Marshal(resp)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.Write(append(data, '\n'))
}

func (f *fakeSidecar) writeRaw(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	io.WriteString(f.out, line+"\n")
}

func TestTransportCorrelatesById(t *testing.T) {
	f := newFakeSidecar(t, 0)

	// Answer two requests in reverse order.
	go func() {
		first := <-f.requests
		second := <-f.requests
		f.respond(protocol.SidecarResponse{ID: second.ID, Result: json.RawMessage(`"two"`)})
		f.respond(protocol.SidecarResponse{ID: first.ID, Result: json.RawMessage(`"one"`)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, want := range []string{"one", "two"} {
		wg.Add(1)
		go func(i int, want string) {
			defer wg.Done()
			raw, err := f.transport.Send(ctx, "echo", map[string]any{"n": i})
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			results[i] = string(raw)
		}(i, want)
		// Keep submission order deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	if results[0] != `"one"` || results[1] != `"two"` {
		t.Errorf("results = %v", results)
	}
}

func TestTransportErrorResponse(t *testing.T) {
	f := newFakeSidecar(t, 0)

	go func() {
		req := <-f.requests
		f.respond(protocol.SidecarResponse{ID: req.ID, Error: &protocol.SidecarError{Code: -32601, Message: "no such method"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.transport.Send(ctx, "missing", nil)
	var rpcErr *protocol.SidecarError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("err = %v", err)
	}
}

func TestTransportTimeoutDropsLateResponse(t *testing.T) {
	f := newFakeSidecar(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.transport.Send(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}

	// The late response must be dropped, not delivered to anyone.
	req := <-f.requests
	f.respond(protocol.SidecarResponse{ID: req.ID, Result: json.RawMessage(`"late"`)})
	time.Sleep(50 * time.Millisecond)
}

func TestTransportClosedFailsPending(t *testing.T) {
	f := newFakeSidecar(t, 0)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := f.transport.Send(ctx, "hang", nil)
		done <- err
	}()

	<-f.requests
	f.out.Close() // sidecar dies

	select {
	case err := <-done:
		if err == nil {
			t.Error("pending request survived transport death")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed")
	}
}

func TestTransportOversizedLineFailsOnlyItsRequest(t *testing.T) {
	f := newFakeSidecar(t, 256)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := f.transport.Send(ctx, "big", nil)
		done <- err
	}()

	req := <-f.requests
	f.writeRaw(`{"id":"` + req.ID + `","result":"` + strings.Repeat("x", 2<<20) + `"}`)

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "line limit") {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oversized line did not fail the request")
	}

	// The transport survives and serves the next request normally.
	go func() {
		next := <-f.requests
		f.respond(protocol.SidecarResponse{ID: next.ID, Result: json.RawMessage(`"fine"`)})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.transport.Send(ctx, "small", nil)
	if err != nil || string(raw) != `"fine"` {
		t.Errorf("follow-up = %q %v", raw, err)
	}
}

func TestTransportOversizedJunkDoesNotKillOthers(t *testing.T) {
	f := newFakeSidecar(t, 256)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := f.transport.Send(ctx, "unrelated", nil)
		done <- err
	}()

	req := <-f.requests
	// A giant line naming no request is discarded; the pending request
	// still gets its real answer afterwards.
	f.writeRaw(strings.Repeat("x", 1<<20))
	f.respond(protocol.SidecarResponse{ID: req.ID, Result: json.RawMessage(`"ok"`)})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unrelated request failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated request never completed")
	}
}

func TestTransportNotificationsDispatch(t *testing.T) {
	f := newFakeSidecar(t, 0)

	got := make(chan *protocol.SidecarRequest, 1)
	f.transport.OnNotification(func(req *protocol.SidecarRequest) { got <- req })

	f.writeRaw(`{"method": "progress", "params": {"pct": 50}}`)

	select {
	case req := <-got:
		if req.Method != "progress" {
			t.Errorf("method = %q", req.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}
