package discord

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/osu-rivals-bot/internal/obslog"
	"github.com/kapu/osu-rivals-bot/internal/rival"
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opHello          = 10
	opHeartbeatACK   = 11
	gatewayIntents   = 1 << 12 // DIRECT_MESSAGES
	defaultHeartbeat = 41250 * time.Millisecond
)

// EventHandler receives accept/decline button presses parsed off the
// gateway. Handlers run on the read loop; keep them quick or hand off.
type EventHandler func(ctx context.Context, ev rival.Event, interactionID, interactionToken string)

// Gateway maintains a Discord gateway connection and forwards
// INTERACTION_CREATE dispatches for rivalry prompt buttons. Each
// dialed connection gets its own listen and heartbeat pair, scoped to
// a per-connection done channel so a reconnect never leaves the old
// pair running.
type Gateway struct {
	url   string
	token string

	handler EventHandler

	conn     *websocket.Conn
	connDone chan struct{}
	connM    sync.Mutex

	heartbeatEvery time.Duration
	seq            int64
	seqM           sync.Mutex

	maxReconnectAttempts int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewGateway(url, token string, handler EventHandler) *Gateway {
	return &Gateway{
		url:                  url,
		token:                token,
		handler:              handler,
		heartbeatEvery:       defaultHeartbeat,
		maxReconnectAttempts: 10,
		stopCh:               make(chan struct{}),
	}
}

type gatewayFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type interactionData struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Data  struct {
		CustomID string `json:"custom_id"`
	} `json:"data"`
}

// Connect dials the gateway, completes the hello/identify handshake and
// starts the read and heartbeat loops.
func (g *Gateway) Connect(ctx context.Context) error {
	g.rootCtx, g.rootCancel = context.WithCancel(context.Background())
	conn, done, err := g.dial(ctx)
	if err != nil {
		return err
	}
	g.startLoops(conn, done)
	return nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, g.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, nil, err
	}
	conn.SetReadLimit(1 << 20)

	var hello gatewayFrame
	if err := wsjson.Read(dialCtx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, nil, err
	}
	if hello.Op == opHello {
		var d helloData
		if err := json.Unmarshal(hello.D, &d); err == nil && d.HeartbeatInterval > 0 {
			g.heartbeatEvery = time.Duration(d.HeartbeatInterval) * time.Millisecond
		}
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "osu-rivals-bot",
				"device":  "osu-rivals-bot",
			},
		},
	}
	if err := wsjson.Write(dialCtx, conn, identify); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "identify failed")
		return nil, nil, err
	}

	done := make(chan struct{})
	g.connM.Lock()
	g.conn = conn
	g.connDone = done
	g.connM.Unlock()
	obslog.L().Info("gateway_connected", zap.String("url", g.url))
	return conn, done, nil
}

// startLoops is only ever called while the waitgroup already counts
// the caller (Connect, or a reconnect goroutine), so the Add can never
// race a Close that is already waiting.
func (g *Gateway) startLoops(conn *websocket.Conn, done chan struct{}) {
	every := g.heartbeatEvery
	g.wg.Add(2)
	go g.listen(conn, done)
	go g.heartbeatLoop(conn, done, every)
}

func (g *Gateway) listen(conn *websocket.Conn, done chan struct{}) {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case <-done:
			return
		default:
		}

		var frame gatewayFrame
		if err := wsjson.Read(g.rootCtx, conn, &frame); err != nil {
			if g.isStopping() {
				return
			}
			obslog.L().Warn("gateway_read_failed", zap.Error(err))
			g.closeConn(websocket.StatusGoingAway, "reconnect")
			g.scheduleReconnect()
			return
		}

		if frame.S != nil {
			g.seqM.Lock()
			g.seq = *frame.S
			g.seqM.Unlock()
		}

		switch frame.Op {
		case opDispatch:
			g.handleDispatch(frame)
		case opHeartbeat:
			g.sendHeartbeat(conn)
		case opHeartbeatACK:
			// nothing to do
		}
	}
}

func (g *Gateway) handleDispatch(frame gatewayFrame) {
	if frame.T != "INTERACTION_CREATE" || g.handler == nil {
		return
	}
	var in interactionData
	if err := json.Unmarshal(frame.D, &in); err != nil {
		obslog.L().Warn("gateway_bad_interaction", zap.Error(err))
		return
	}
	ev, ok := ParseCustomID(in.Data.CustomID)
	if !ok {
		return
	}
	g.handler(g.rootCtx, ev, in.ID, in.Token)
}

// heartbeatLoop beats for exactly one connection and dies with it: the
// done channel is closed whenever that connection is torn down, so a
// reconnect never accumulates extra heartbeat tickers.
func (g *Gateway) heartbeatLoop(conn *websocket.Conn, done chan struct{}, every time.Duration) {
	defer g.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-done:
			return
		case <-t.C:
			g.sendHeartbeat(conn)
		}
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) {
	g.seqM.Lock()
	seq := g.seq
	g.seqM.Unlock()

	ctx, cancel := context.WithTimeout(g.rootCtx, 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
		obslog.L().Warn("gateway_heartbeat_failed", zap.Error(err))
	}
}

func (g *Gateway) scheduleReconnect() {
	if g.isStopping() {
		return
	}
	// The caller (a still-counted listen goroutine) keeps the waitgroup
	// positive across this Add.
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for attempt := 1; attempt <= g.maxReconnectAttempts; attempt++ {
			select {
			case <-g.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}

			conn, done, err := g.dial(g.rootCtx)
			if err != nil {
				obslog.L().Warn("gateway_reconnect_failed",
					zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			g.startLoops(conn, done)
			return
		}
		obslog.L().Error("gateway_reconnect_exhausted",
			zap.Int("attempts", g.maxReconnectAttempts))
	}()
}

func (g *Gateway) closeConn(code websocket.StatusCode, reason string) {
	g.connM.Lock()
	defer g.connM.Unlock()
	if g.connDone != nil {
		close(g.connDone)
		g.connDone = nil
	}
	if g.conn == nil {
		return
	}
	_ = g.conn.Close(code, reason)
	g.conn = nil
}

func (g *Gateway) isStopping() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

// Close stops the loops and waits for them, bounded by ctx.
func (g *Gateway) Close(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.closeConn(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if g.rootCancel != nil {
			g.rootCancel()
		}
		return nil
	}
}
