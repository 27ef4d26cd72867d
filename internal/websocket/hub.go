package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceFunc is told when a user's first connection opens and when the
// last one closes.
type PresenceFunc func(ctx context.Context, uid string, online bool)

// Hub maintains the set of active clients. A user may hold several
// connections, each with its own session.
type Hub struct {
	// Registered clients grouped by UserID.
	clients map[string]map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	presence *presenceWriter
	log      zerolog.Logger
	done     chan struct{}
}

// NewHub creates a new Hub. presence may be nil.
func NewHub(presence PresenceFunc, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		presence:   newPresenceWriter(presence),
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run starts the hub and listens for registrations until ctx ends, then
// closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.log.Info().Msg("WebSocket Hub Run loop started.")
	for {
		select {
		case client := <-h.register:
			conns, ok := h.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[client.UserID] = conns
			}
			conns[client] = struct{}{}
			h.log.Info().Str("uid", client.UserID).Int("connections", len(conns)).Msg("客户端已注册")
			if !ok {
				h.setPresence(ctx, client.UserID, true)
			}

		case client := <-h.unregister:
			conns, ok := h.clients[client.UserID]
			if !ok {
				continue
			}
			if _, ok := conns[client]; !ok {
				h.log.Warn().Str("uid", client.UserID).Msg("尝试注销一个不匹配或已过期的客户端连接")
				continue
			}
			delete(conns, client)
			h.log.Info().Str("uid", client.UserID).Int("connections", len(conns)).Msg("客户端已注销")
			if len(conns) == 0 {
				delete(h.clients, client.UserID)
				h.setPresence(ctx, client.UserID, false)
			}

		case <-ctx.Done():
			for uid, conns := range h.clients {
				for client := range conns {
					client.conn.Close()
				}
				h.setPresence(ctx, uid, false)
			}
			h.clients = make(map[string]map[*Client]struct{})
			h.presence.wait()
			h.log.Info().Msg("WebSocket Hub 已停止")
			return
		}
	}
}

// setPresence 不在 Run 循环里写库；同一用户的更新按顺序执行
func (h *Hub) setPresence(ctx context.Context, uid string, online bool) {
	h.presence.set(context.WithoutCancel(ctx), uid, online)
}

// presenceWriter 为每个用户保留最新的待写状态，由一个 goroutine 依次写出。
type presenceWriter struct {
	fn PresenceFunc

	mu      sync.Mutex
	pending map[string]bool
	busy    map[string]bool
	wg      sync.WaitGroup
}

func newPresenceWriter(fn PresenceFunc) *presenceWriter {
	return &presenceWriter{
		fn:      fn,
		pending: make(map[string]bool),
		busy:    make(map[string]bool),
	}
}

func (p *presenceWriter) set(ctx context.Context, uid string, online bool) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[uid] = online
	if p.busy[uid] {
		return
	}
	p.busy[uid] = true
	p.wg.Add(1)
	go p.drain(ctx, uid)
}

func (p *presenceWriter) drain(ctx context.Context, uid string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		online, ok := p.pending[uid]
		if !ok {
			delete(p.busy, uid)
			p.mu.Unlock()
			return
		}
		delete(p.pending, uid)
		p.mu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		p.fn(writeCtx, uid, online)
		cancel()
	}
}

// wait blocks until every queued write has finished.
func (p *presenceWriter) wait() {
	p.wg.Wait()
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
