package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/peer-signaling/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// eventClient is one websocket observer of the event bus.
type eventClient struct {
	id     string
	conn   *websocket.Conn
	sub    *events.Subscription
	logger *slog.Logger
}

// StreamEvents upgrades to a websocket and streams every bus event as JSON
// until the client disconnects. Kinds may be narrowed with ?kind=a&kind=b.
func StreamEvents(bus *events.Bus, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		kinds := make(map[events.Kind]struct{})
		for _, k := range c.QueryArray("kind") {
			kinds[events.Kind(k)] = struct{}{}
		}

		// Subscribe before the upgrade completes so the client sees every
		// event published after its handshake.
		sub := bus.Subscribe()
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			logger.Warn("failed to upgrade connection", "error", err)
			return
		}

		client := &eventClient{
			id:     uuid.New().String(),
			conn:   conn,
			sub:    sub,
			logger: logger,
		}
		logger.Info("event stream opened", "client", client.id, "remote", c.ClientIP())

		go client.writePump(kinds)
		go client.readPump()
	}
}

// readPump only watches for the close and keeps the read deadline fresh;
// observers do not send anything.
func (c *eventClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		c.logger.Info("event stream closed", "client", c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *eventClient) writePump(kinds map[events.Kind]struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if len(kinds) > 0 {
				if _, want := kinds[ev.Kind]; !want {
					continue
				}
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("failed to marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("failed to write event", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
