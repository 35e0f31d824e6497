package gateway

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/pkg/event"
)

// ErrForbidden は接続したユーザーと参加を求めたチャネルのユーザーが異なることを表す。
var ErrForbidden = errors.New("他のユーザーのチャネルには参加できません")

// ErrClosed はHubが停止済みであることを表す。
var ErrClosed = errors.New("ライブ配信は停止しています")

// DefaultBuffer は接続ごとの送信バッファの既定値。
const DefaultBuffer = 16

// Conn はユーザーの1本のライブ接続。
type Conn struct {
	// ID は接続の識別子。
	ID string
	// UserID は接続しているユーザーのID。
	UserID string

	events chan event.LivePayload
	once   sync.Once
}

// Events は接続に届いた通知を受け取るチャネルを返す。接続が閉じられるとクローズされる。
func (c *Conn) Events() <-chan event.LivePayload {
	return c.events
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.events) })
}

// Hub はユーザーIDごとのルームで接続を管理する。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Conn
	buffer int
	closed bool

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHub は新しいHubを生成する。bufferが0以下の場合は既定値を使う。
func NewHub(buffer int, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		rooms:   make(map[string]map[string]*Conn),
		buffer:  buffer,
		metrics: m,
		logger:  logger,
	}
}

// Join は接続をユーザーのルームに参加させる。
// identityは認証済みのユーザーIDで、userIDと一致しなければErrForbiddenを返す。
func (h *Hub) Join(identity, userID, connID string) (*Conn, error) {
	if identity == "" || identity != userID {
		return nil, ErrForbidden
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	c := &Conn{ID: connID, UserID: userID, events: make(chan event.LivePayload, h.buffer)}
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[userID] = room
	}
	if old, ok := room[connID]; ok {
		old.close()
	} else {
		h.metrics.LiveConnections.Inc()
	}
	room[connID] = c

	h.logger.Debug("ライブ接続が参加しました", zap.String("user_id", userID), zap.String("conn_id", connID))
	return c, nil
}

// Leave は接続をルームから外して閉じる。
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.UserID]
	if !ok || room[c.ID] != c {
		return
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(h.rooms, c.UserID)
	}
	c.close()
	h.metrics.LiveConnections.Dec()
	h.logger.Debug("ライブ接続が離脱しました", zap.String("user_id", c.UserID), zap.String("conn_id", c.ID))
}

// Push はユーザーの全接続に通知を送り、送れた接続数を返す。
// 送信はブロックせず、オフラインのユーザーには0を返す。
// 送信バッファが溢れている接続は読み出しが遅いものとして今回の通知を捨てる。
func (h *Hub) Push(_ context.Context, userID string, p event.LivePayload) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, nil
	}

	delivered := 0
	for _, c := range h.rooms[userID] {
		select {
		case c.events <- p:
			delivered++
		default:
			h.logger.Warn("送信バッファが一杯のため通知を破棄",
				zap.String("user_id", userID),
				zap.String("conn_id", c.ID),
				zap.String("notification_id", p.ID),
			)
		}
	}
	return delivered, nil
}

// Online はユーザーの接続数を返す。
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Close は全接続を閉じ、以降の参加を拒否する。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, room := range h.rooms {
		for _, c := range room {
			c.close()
			h.metrics.LiveConnections.Dec()
		}
		delete(h.rooms, userID)
	}
	h.logger.Info("ライブ配信を停止しました")
}
