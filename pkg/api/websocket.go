package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/pkg/app/exchange"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are policed by the CORS layer on REST; the stream is read-only
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub indexes subscribers by channel name and fans exchange events out to them.
// Channels are "<type>" for every instrument or "<type>:<instrument id>".
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*subscriber]struct{}
	members  map[*subscriber]struct{}
	closed   bool

	log *zap.Logger
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	outbox chan []byte
	// joined is owned by the hub and guarded by its mutex
	joined map[string]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*subscriber]struct{}),
		members:  make(map[*subscriber]struct{}),
		log:      log,
	}
}

// Run blocks until ctx is done, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.members {
		h.dropLocked(sub)
	}
}

func (h *Hub) join(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.members[sub] = struct{}{}
	h.log.Info("ws_client_connected", zap.String("client", sub.id), zap.Int("total", len(h.members)))
	return true
}

func (h *Hub) leave(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[sub]; ok {
		h.dropLocked(sub)
		h.log.Info("ws_client_disconnected", zap.String("client", sub.id), zap.Int("total", len(h.members)))
	}
}

func (h *Hub) dropLocked(sub *subscriber) {
	for ch := range sub.joined {
		h.unsubscribeLocked(sub, ch)
	}
	delete(h.members, sub)
	close(sub.outbox)
}

func (h *Hub) subscribe(sub *subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[sub]; !ok {
		return
	}
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.channels[channel] = set
	}
	set[sub] = struct{}{}
	sub.joined[channel] = struct{}{}
}

func (h *Hub) unsubscribe(sub *subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(sub, channel)
}

func (h *Hub) unsubscribeLocked(sub *subscriber, channel string) {
	delete(sub.joined, channel)
	if set, ok := h.channels[channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Subscribers returns how many connections listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish implements exchange.Publisher. It never blocks: a subscriber whose outbox is
// full misses the event.
func (h *Hub) Publish(ev exchange.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("ws_marshal_failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*subscriber]struct{})
	for _, ch := range []string{string(ev.Type), string(ev.Type) + ":" + ev.InstrumentID} {
		for sub := range h.channels[ch] {
			if _, dup := sent[sub]; dup {
				continue
			}
			sent[sub] = struct{}{}
			select {
			case sub.outbox <- msg:
			default:
			}
		}
	}
}

// apply handles one control message from a subscriber.
func (h *Hub) apply(sub *subscriber, req WSSubscribeRequest) bool {
	var fn func(*subscriber, string)
	switch req.Op {
	case "subscribe":
		fn = h.subscribe
	case "unsubscribe":
		fn = h.unsubscribe
	default:
		return false
	}
	for _, ch := range req.Channels {
		fn(sub, ch)
	}
	return true
}

// listen reads control messages until the connection fails.
func (h *Hub) listen(sub *subscriber) {
	defer func() {
		h.leave(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req WSSubscribeRequest
		if err := sub.conn.ReadJSON(&req); err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				h.log.Debug("ws_invalid_message", zap.String("client", sub.id), zap.Error(err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("ws_read_failed", zap.String("client", sub.id), zap.Error(err))
			}
			return
		}
		if !h.apply(sub, req) {
			h.log.Debug("ws_unknown_op", zap.String("client", sub.id), zap.String("op", req.Op))
		}
	}
}

// deliver writes queued events and keepalive pings until the outbox closes.
func (h *Hub) deliver(sub *subscriber) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		sub.conn.Close()
	}()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, ok := <-sub.outbox:
			if !ok {
				kind = websocket.CloseMessage
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}

		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(kind, payload); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		id:     conn.RemoteAddr().String(),
		conn:   conn,
		outbox: make(chan []byte, sendBuffer),
		joined: make(map[string]struct{}),
	}
	if !s.hub.join(sub) {
		conn.Close()
		return
	}
	go s.hub.deliver(sub)
	go s.hub.listen(sub)
}
