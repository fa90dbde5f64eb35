package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Transport keepalive settings.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one live websocket connection. Only the write pump writes to
// the socket; everything else hands it frames through Enqueue.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	log  zerolog.Logger

	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]struct{}
}

func newConn(id string, ws *websocket.Conn, buffer int, log zerolog.Logger) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		log:    log.With().Str("conn_id", id).Logger(),
		joined: make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Enqueue hands a frame to the write pump without blocking. A full buffer
// means the client is not keeping up: the connection is closed and the
// client must rejoin and refetch history.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Int("buffer", cap(c.send)).Msg("send buffer full, closing connection")
		c.Close()
		return false
	}
}

// Close signals both pumps to stop. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// Unblocks a pending read; the write pump closes the socket.
		c.ws.SetReadDeadline(time.Now())
	})
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) markJoined(conversationID string) {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) markLeft(conversationID string) {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
}

func (c *Conn) isJoined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[conversationID]
	return ok
}

// joinedIDs returns a snapshot of the joined conversation ids.
func (c *Conn) joinedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	return ids
}

// writePump drains the send buffer to the socket and sends pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads frames until the socket fails and passes each to handle.
// Frames from one connection are handled in arrival order.
func (c *Conn) readPump(maxMessageBytes int64, handle func([]byte)) {
	c.ws.SetReadLimit(maxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		handle(data)
		select {
		case <-c.done:
			return
		default:
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}
