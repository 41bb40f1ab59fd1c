// README: Hub tracks live connections and room membership and fans frames out to them.
package socket

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/types"
)

var (
	ErrUnknownHandle = errors.New("connection not found")
	ErrSlowClient    = errors.New("client send buffer full")
)

const defaultSendBuffer = 64

// Client is one attached connection. Frames queued on send are written by a single
// writer goroutine, so a client observes frames in enqueue order.
type Client struct {
	handle types.Handle
	send   chan []byte
	rooms  map[string]struct{}
}

func (c *Client) Handle() types.Handle { return c.handle }

// Outbox is drained by the connection writer; it is closed on Detach.
func (c *Client) Outbox() <-chan []byte { return c.send }

type Hub struct {
	mu           sync.Mutex
	clients      map[types.Handle]*Client
	rooms        map[string]map[types.Handle]*Client
	onDisconnect []func(types.Handle)
	sendBuffer   int
	logger       zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[types.Handle]*Client),
		rooms:      make(map[string]map[types.Handle]*Client),
		sendBuffer: defaultSendBuffer,
		logger:     logger.With().Str("component", "socket").Logger(),
	}
}

// OnDisconnect registers fn to run after a connection is detached.
func (h *Hub) OnDisconnect(fn func(types.Handle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Attach registers a new connection under a fresh handle.
func (h *Hub) Attach() *Client {
	c := &Client{
		handle: types.Handle(uuid.NewString()),
		send:   make(chan []byte, h.sendBuffer),
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c.handle] = c
	h.mu.Unlock()
	h.logger.Debug().Str("handle", string(c.handle)).Msg("client attached")
	return c
}

// Detach drops the connection from every room, closes its outbox and runs the
// disconnect callbacks. Detaching twice is a no-op.
func (h *Hub) Detach(handle types.Handle) {
	h.mu.Lock()
	c, ok := h.clients[handle]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, handle)
	for room := range c.rooms {
		h.leaveLocked(room, handle)
	}
	close(c.send)
	callbacks := append([]func(types.Handle){}, h.onDisconnect...)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(handle)
	}
	h.logger.Debug().Str("handle", string(handle)).Msg("client detached")
}

// Join adds the connection to room. Unknown handles are ignored.
func (h *Hub) Join(room string, handle types.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[handle]
	if !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[types.Handle]*Client)
		h.rooms[room] = members
	}
	members[handle] = c
	c.rooms[room] = struct{}{}
	return true
}

func (h *Hub) Leave(room string, handle types.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[handle]; ok {
		delete(c.rooms, room)
	}
	h.leaveLocked(room, handle)
}

func (h *Hub) leaveLocked(room string, handle types.Handle) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, handle)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Send queues one frame for a single connection.
func (h *Hub) Send(handle types.Handle, event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[handle]
	if !ok {
		return ErrUnknownHandle
	}
	return h.enqueueLocked(c, msg, event)
}

// Broadcast queues one frame for every member of room and returns how many accepted it.
// Frames are queued under the hub lock, so members see broadcasts in call order.
func (h *Hub) Broadcast(room, event string, data any) int {
	msg, err := encode(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.rooms[room] {
		if h.enqueueLocked(c, msg, event) == nil {
			n++
		}
	}
	return n
}

func (h *Hub) enqueueLocked(c *Client, msg []byte, event string) error {
	select {
	case c.send <- msg:
		return nil
	default:
		h.logger.Warn().Str("handle", string(c.handle)).Str("event", event).Msg("dropping frame for slow client")
		return ErrSlowClient
	}
}

func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
