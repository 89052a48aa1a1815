package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rideshare/internal/chat"
	"github.com/rideshare/internal/feed"
	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/metrics"
	"github.com/rideshare/internal/model"
	"github.com/rideshare/internal/requests"
	"github.com/rideshare/internal/session"
	"github.com/rideshare/internal/storage"
)

// opTimeout bounds one inbound command (backend reads and mutations).
const opTimeout = 10 * time.Second

type Options struct {
	MaxConns       int
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	Session        session.Options
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	return o
}

// Hub keeps the open connections of this gateway and routes their commands
// to the per-tab sessions.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	opts     Options
	backend  session.Backend
	feed     *feed.Client
	presence storage.Store

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub. presence may be nil (no push relay, nobody asks who is online).
func NewHub(backend session.Backend, fc *feed.Client, presence storage.Store, opts Options) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		opts:       opts.withDefaults(),
		backend:    backend,
		feed:       fc,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Closing done first lets exiting pumps skip the unregister queue.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	metrics.Connections.Sub(float64(h.total))
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
		h.leave(c)
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.Connections.Inc()
	h.touch(c)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	metrics.Connections.Dec()

	// Network I/O outside the lock.
	c.Close()
	h.leave(c)
}

func (h *Hub) touch(c *Client) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Touch(ctx, c.userID, c.id); err != nil {
		logger.Errorf("ws presence touch user=%s: %v", c.userID, err)
	}
}

func (h *Hub) leave(c *Client) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Leave(ctx, c.userID, c.id); err != nil {
		logger.Errorf("ws presence leave user=%s: %v", c.userID, err)
	}
}

// Connections returns the number of open sockets of userID on this gateway.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

var transitions = map[EventType]requests.Action{
	EventAcceptRequest: requests.ActionAccept,
	EventRejectRequest: requests.ActionReject,
	EventCancelRequest: requests.ActionCancel,
	EventHideRequest:   requests.ActionHide,
}

// HandleMessage dispatches incoming WebSocket messages to the client's session.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws."+string(msg.Type), time.Now())()
	s := c.sess
	if s == nil {
		c.enqueue(errorMessage(model.ErrNotAuthenticated))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	needRequest := func() bool {
		if strings.TrimSpace(msg.RequestID) == "" {
			c.enqueue(badRequest("request_id required"))
			return false
		}
		return true
	}

	var err error
	switch msg.Type {
	case EventWatchDriverRequests:
		_, err = s.WatchRequests(ctx, model.RoleDriver)
	case EventWatchPassengerRequests:
		_, err = s.WatchRequests(ctx, model.RolePassenger)
	case EventOpenChat:
		if !needRequest() {
			return
		}
		_, err = s.OpenChat(ctx, msg.RequestID)
	case EventCloseChat:
		if !needRequest() {
			return
		}
		s.CloseChat(msg.RequestID)
	case EventChatFocus:
		if !needRequest() {
			return
		}
		err = s.FocusChat(msg.RequestID, msg.Focused)
	case EventSendMessage:
		if !needRequest() {
			return
		}
		err = s.SendMessage(ctx, msg.RequestID, msg.Content)
		var sendErr *chat.SendError
		if errors.As(err, &sendErr) {
			c.enqueue(OutgoingMessage{Type: EventSendFailed, Payload: SendFailedPayload{
				RequestID: sendErr.RequestID,
				Content:   sendErr.Content,
				Error:     model.Code(sendErr.Err),
			}})
			return
		}
	case EventAcceptRequest, EventRejectRequest, EventCancelRequest, EventHideRequest:
		if !needRequest() {
			return
		}
		err = s.Transition(ctx, msg.RequestID, transitions[msg.Type])
	case EventRequestRide:
		if strings.TrimSpace(msg.RideID) == "" {
			c.enqueue(badRequest("ride_id required"))
			return
		}
		_, err = s.RequestRide(ctx, msg.RideID)
	case EventRefresh:
		err = s.Refresh(ctx)
	default:
		c.enqueue(badRequest("unknown event type"))
		return
	}
	if err != nil {
		if model.Code(err) == "internal" {
			logger.Errorf("ws %s user=%s: %v", msg.Type, c.userID, err)
		}
		c.enqueue(errorMessage(err))
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
