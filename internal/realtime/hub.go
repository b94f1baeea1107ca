// Package realtime はWebSocketによるリアルタイム配信と会話ルームの中継を提供する。
//
// Hub は接続の登録と全体配信を担い、Rooms はルーム単位の中継を担う。
// フレームはすべて {"event": ..., "data": ...} の形式で送受信する。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nao1215/shopnotify/internal/metrics"
	"github.com/nao1215/shopnotify/pkg/middleware"
)

// ErrClosed はHubが停止済みであることを表す。
var ErrClosed = errors.New("リアルタイム配信は停止済みです")

// EventHandler はクライアントから受信したイベントを処理する。
// 同じ接続のイベントは受信順に1つずつ実行される。
type EventHandler func(ctx context.Context, s Session, data json.RawMessage)

// Options はHubの設定。ゼロ値の項目はデフォルト値を使う。
type Options struct {
	// SendBuffer は接続ごとの送信キュー長。
	SendBuffer int
	// AllowedOrigins は接続を許可するOrigin。"*" はすべてを許可する。空の場合は同一オリジンのみ。
	AllowedOrigins []string
	// PongWait はpongを待つ時間。これを過ぎると接続を切断する。
	PongWait time.Duration
	// PingPeriod はpingの送信間隔。PongWaitより短くする。
	PingPeriod time.Duration
	// WriteWait は1回の書き込みの上限時間。
	WriteWait time.Duration
	// Logger はログ出力先。
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Hub は接続中のクライアントを管理し、イベントを配信する。
type Hub struct {
	opts     Options
	logger   *slog.Logger
	origins  middleware.Origins
	upgrader websocket.Upgrader
	rooms    *Rooms

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	conns        map[string]*conn
	handlers     map[string]EventHandler
	onConnect    []func(connID string)
	onDisconnect []func(connID string)
	closed       bool
}

// NewHub は新しいHubを生成する。
func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:     opts,
		logger:   opts.Logger,
		origins:  middleware.NewOrigins(opts.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*conn),
		handlers: make(map[string]EventHandler),
	}
	h.rooms = NewRooms(h)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Rooms はHubに接続したクライアントの会話ルームを返す。
func (h *Hub) Rooms() *Rooms {
	return h.rooms
}

// On はイベント名に対するハンドラを登録する。同じイベント名は上書きする。
func (h *Hub) On(eventName string, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[eventName] = fn
}

// OnConnect は接続時に呼ばれる関数を登録する。
func (h *Hub) OnConnect(fn func(connID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// OnDisconnect は切断時に呼ばれる関数を登録する。呼ばれる時点でルームからは外れている。
func (h *Hub) OnDisconnect(fn func(connID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// ConnCount は接続中のクライアント数を返す。
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send は接続IDを指定してフレームを送信キューに積む。
func (h *Hub) Send(connID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(frame)
}

// Broadcast は接続中のすべてのクライアントにイベントを送信する。
// 送信キューが満杯の接続にはフレームを破棄して送らない。
func (h *Hub) Broadcast(_ context.Context, eventName string, payload any) error {
	frame, err := encodeFrame(eventName, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	return nil
}

// EmitToRoom はルームのメンバーにイベントを送信する。excludeConnIDが空でなければその接続を除く。
func (h *Hub) EmitToRoom(_ context.Context, roomID, eventName string, payload any, excludeConnID string) error {
	_, err := h.rooms.Relay(eventName, roomID, payload, excludeConnID, excludeConnID != "")
	return err
}

// HandleWS はWebSocket接続を受け付けるハンドラ。
// JWTAuthミドルウェアの後に配置し、クレームを接続の識別情報にする。
func (h *Hub) HandleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.RLock()
		closed := h.closed
		h.mu.RUnlock()
		if closed {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "リアルタイム配信は停止中です"})
			return
		}

		ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade がエラーレスポンスを書き込み済み
			h.logger.WarnContext(c.Request.Context(), "WebSocketへのアップグレードに失敗しました", "error", err)
			return
		}

		session := Session{
			ConnID: uuid.NewString(),
			UserID: middleware.GetUserID(c),
			Email:  middleware.GetEmail(c),
			Role:   middleware.GetRole(c),
		}
		if !h.register(newConn(h, ws, session)) {
			_ = ws.Close()
		}
	}
}

// register は接続を登録し、送受信のゴルーチンを開始する。
func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.conns[c.session.ConnID] = c
	callbacks := slices.Clone(h.onConnect)
	h.wg.Add(2)
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	h.logger.Info("WebSocket接続を開始しました", "conn_id", c.session.ConnID, "user_id", c.session.UserID)
	for _, fn := range callbacks {
		fn(c.session.ConnID)
	}

	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		c.readLoop(h.ctx)
		h.unregister(c)
	}()
	return true
}

// unregister は接続を登録から外し、すべてのルームから退出させる。
func (h *Hub) unregister(c *conn) {
	id := c.session.ConnID
	h.mu.Lock()
	delete(h.conns, id)
	callbacks := slices.Clone(h.onDisconnect)
	h.mu.Unlock()

	rooms := h.rooms.Disconnect(id)
	metrics.WSConnections.Dec()
	h.logger.Info("WebSocket接続を終了しました", "conn_id", id, "rooms", rooms)
	for _, fn := range callbacks {
		fn(id)
	}
}

// dispatch は受信したフレームを登録済みのハンドラに渡す。
func (h *Hub) dispatch(ctx context.Context, s Session, f Frame) {
	h.mu.RLock()
	fn, ok := h.handlers[f.Event]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("未知のイベントを無視します", "conn_id", s.ConnID, "event", f.Event)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("イベントの処理中にパニックが発生しました", "conn_id", s.ConnID, "event", f.Event, "panic", r)
		}
	}()
	fn(ctx, s, f.Data)
}

// Close はすべての接続を閉じ、送受信のゴルーチンの終了を待つ。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.origins.Empty() {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return h.origins.Allows(origin)
}
