package stream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPolicyNext(t *testing.T) {
	p := Policy{Enabled: true, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}
	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 7; i++ {
		d = p.Next(d)
		got = append(got, d)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d: expected %v got %v", i, want[i], got[i])
		}
	}
}

// fakeTimer records scheduled delays and lets the test fire them by hand.
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (f *fakeTimer) schedule(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	return time.NewTimer(time.Hour)
}

func (f *fakeTimer) fire(i int) {
	f.mu.Lock()
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

func TestBackoffGrowsAcrossFailures(t *testing.T) {
	ft := &fakeTimer{}
	c := New("ws://127.0.0.1:1/traffic", nil, DefaultPolicy(), nil)
	c.timer = ft.schedule
	c.dial = func(url string, header http.Header) (conn, error) {
		return nil, errors.New("connection refused")
	}

	c.Connect()
	ft.fire(0)
	ft.fire(1)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.delays) != len(want) {
		t.Fatalf("expected %d scheduled reconnects, got %v", len(want), ft.delays)
	}
	for i := range want {
		if ft.delays[i] != want[i] {
			t.Errorf("reconnect %d: expected delay %v got %v", i, want[i], ft.delays[i])
		}
	}
}

func TestSuccessfulConnectResetsDelay(t *testing.T) {
	ft := &fakeTimer{}
	fails := 2
	c := New("ws://127.0.0.1:1/traffic", nil, DefaultPolicy(), nil)
	c.timer = ft.schedule
	c.dial = func(url string, header http.Header) (conn, error) {
		if fails > 0 {
			fails--
			return nil, errors.New("connection refused")
		}
		return blockedConn{}, nil
	}

	c.Connect() // fail -> schedule 2s
	ft.fire(0)  // fail -> schedule 4s
	ft.fire(1)  // success

	// Force the next failure cycle and confirm it starts back at 2s.
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	fails = 1
	c.Connect()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second}
	if len(ft.delays) != len(want) {
		t.Fatalf("expected %d scheduled reconnects, got %v", len(want), ft.delays)
	}
	if ft.delays[2] != 2*time.Second {
		t.Errorf("delay after successful reconnect: expected 2s got %v", ft.delays[2])
	}
}

// blockedConn parks ReadMessage forever so the read loop stays quiet.
type blockedConn struct{}

func (blockedConn) ReadMessage() (int, []byte, error) {
	select {}
}
func (blockedConn) WriteMessage(int, []byte) error            { return nil }
func (blockedConn) WriteControl(int, []byte, time.Time) error { return nil }
func (blockedConn) Close() error                              { return nil }

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	ft := &fakeTimer{}
	c := New("ws://127.0.0.1:1/logs", nil, DefaultPolicy(), nil)
	c.timer = ft.schedule
	c.dial = func(url string, header http.Header) (conn, error) {
		return nil, errors.New("connection refused")
	}

	c.Connect()
	c.Disconnect(websocket.CloseNormalClosure)

	ft.fire(0) // pending timer fires after disconnect; must not redial or emit

	if _, ok := <-c.Events(); ok {
		// Drain any pre-disconnect error event, then require closure.
		for range c.Events() {
		}
	}

	ft.mu.Lock()
	n := len(ft.delays)
	ft.mu.Unlock()
	if n != 1 {
		t.Errorf("expected no reconnect scheduled after manual disconnect, got %d", n)
	}
}

func TestLiveStreamDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"up":100,"down":200}`))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x01})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/traffic"
	c := New(url, nil, Policy{}, nil)
	c.Connect()
	defer c.Disconnect(websocket.CloseNormalClosure)

	var kinds []EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-c.Events():
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	if kinds[0] != EventConnected || kinds[1] != EventText || kinds[2] != EventBinary {
		t.Errorf("unexpected event order: %v", kinds)
	}
}
