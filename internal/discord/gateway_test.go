package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// fakeGatewayServer speaks just enough of the gateway protocol for the
// client: hello with a fast heartbeat interval, then reads frames. The
// first connection is dropped right after identify to force a
// reconnect; op-1 frames on later connections are counted.
func fakeGatewayServer(t *testing.T, heartbeats chan<- struct{}) (url string, conns *atomic.Int32) {
	t.Helper()
	conns = &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ctx := r.Context()
		hello := map[string]any{"op": opHello, "d": map[string]any{"heartbeat_interval": 50}}
		if err := wsjson.Write(ctx, c, hello); err != nil {
			return
		}
		var identify map[string]any
		if err := wsjson.Read(ctx, c, &identify); err != nil {
			return
		}
		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "forced drop")
			return
		}
		for {
			var frame map[string]any
			if err := wsjson.Read(ctx, c, &frame); err != nil {
				return
			}
			if op, _ := frame["op"].(float64); int(op) == opHeartbeat {
				select {
				case heartbeats <- struct{}{}:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func TestReconnectReplacesHeartbeatLoop(t *testing.T) {
	heartbeats := make(chan struct{}, 128)
	url, conns := fakeGatewayServer(t, heartbeats)

	g := NewGateway(url, "test-token", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		_ = g.Close(cctx)
	})

	deadline := time.Now().Add(3 * time.Second)
	for conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("gateway never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}

drain:
	for {
		select {
		case <-heartbeats:
		default:
			break drain
		}
	}

	// A single 50ms loop yields ~12 beats in 600ms. A leaked loop from
	// the first connection would roughly double that.
	window := time.NewTimer(600 * time.Millisecond)
	defer window.Stop()
	count := 0
counting:
	for {
		select {
		case <-heartbeats:
			count++
		case <-window.C:
			break counting
		}
	}
	if count == 0 {
		t.Fatalf("no heartbeats after reconnect")
	}
	if count > 16 {
		t.Fatalf("heartbeat rate after reconnect: %d in 600ms, want ~12 (single loop)", count)
	}
}
