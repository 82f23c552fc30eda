// Package gateway exposes the router over WebSocket. Each connected agent
// gets a read pump that admits envelopes through the Router and a write
// pump that drains its mailbox, so external processes can participate
// without linking the runtime.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apex/runtime/internal/runtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Matches the router's payload bound, leaving room for envelope framing.
	maxMessageSize = runtime.MaxPayloadBytes + 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the wire format between external agents and the router.
type Envelope struct {
	EpisodeID  string                 `json:"episode_id"`
	Sender     string                 `json:"sender,omitempty"`
	Recipient  string                 `json:"recipient,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   string                 `json:"priority,omitempty"`
}

// Outbound is the delivery format pushed to a connected agent.
type Outbound struct {
	EpisodeID   string                 `json:"episode_id"`
	MsgID       string                 `json:"msg_id"`
	Sender      string                 `json:"sender"`
	TopoEpoch   uint64                 `json:"topo_epoch"`
	Payload     map[string]interface{} `json:"payload"`
	Redelivered bool                   `json:"redelivered"`
}

// Ack reports admission results back over the socket.
type Ack struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Gateway upgrades agent connections and bridges them onto the Router.
type Gateway struct {
	router *runtime.Router

	mu      sync.Mutex
	clients map[runtime.AgentID]*client

	logger *log.Logger
}

func New(router *runtime.Router) *Gateway {
	return &Gateway{
		router:  router,
		clients: make(map[runtime.AgentID]*client),
		logger:  log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

type client struct {
	gw    *Gateway
	agent runtime.AgentID
	conn  *websocket.Conn
	send  chan Outbound
	acks  chan Ack
	done  chan struct{}
	once  sync.Once
}

// HandleWS upgrades the connection. The agent identity comes from the
// ?agent= query parameter; unknown identities are refused before upgrade.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	agent := runtime.AgentID(r.URL.Query().Get("agent"))
	if agent == "" {
		http.Error(w, "missing agent parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade failed for %s: %v", agent, err)
		return
	}

	c := &client{
		gw:    g,
		agent: agent,
		conn:  conn,
		send:  make(chan Outbound, 64),
		acks:  make(chan Ack, 16),
		done:  make(chan struct{}),
	}

	g.mu.Lock()
	if prev, ok := g.clients[agent]; ok {
		prev.close()
	}
	g.clients[agent] = c
	g.mu.Unlock()

	g.logger.Printf("agent %s connected", agent)
	go c.writePump()
	go c.deliverPump()
	go c.readPump()
}

// Connected returns the currently connected agent IDs.
func (g *Gateway) Connected() []runtime.AgentID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]runtime.AgentID, 0, len(g.clients))
	for a := range g.clients {
		out = append(out, a)
	}
	return out
}

// Close drops every connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.clients {
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) unregister() {
	c.gw.mu.Lock()
	if c.gw.clients[c.agent] == c {
		delete(c.gw.clients, c.agent)
	}
	c.gw.mu.Unlock()
	c.close()
}

// readPump admits inbound envelopes. Admission failures are acked with the
// drop reason; the connection stays up.
func (c *client) readPump() {
	defer c.unregister()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Printf("agent %s read error: %v", c.agent, err)
			}
			return
		}
		c.admit(env)
	}
}

func (c *client) admit(env Envelope) {
	sender := runtime.AgentID(env.Sender)
	if sender == "" {
		sender = c.agent
	}

	var msg *runtime.Message
	var err error
	if len(env.Recipients) > 0 {
		recipients := make([]runtime.AgentID, len(env.Recipients))
		for i, rcpt := range env.Recipients {
			recipients[i] = runtime.AgentID(rcpt)
		}
		msg, err = runtime.NewFanout(env.EpisodeID, sender, recipients, env.Payload, 0)
	} else {
		msg, err = runtime.NewMessage(env.EpisodeID, sender, runtime.AgentID(env.Recipient), env.Payload, 0)
	}
	if err == nil {
		err = c.gw.router.Route(msg)
	}

	ack := Ack{OK: err == nil}
	if err != nil {
		ack.Reason = string(runtime.RejectReason(err))
		ack.Detail = err.Error()
	}
	select {
	case c.acks <- ack:
	case <-c.done:
	}
}

// deliverPump drains the agent's mailbox into the send channel.
func (c *client) deliverPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		msg, err := c.gw.router.DequeueContext(ctx, c.agent)
		if err != nil {
			return
		}
		out := Outbound{
			EpisodeID:   msg.EpisodeID,
			MsgID:       msg.MsgID,
			Sender:      string(msg.Sender),
			TopoEpoch:   uint64(msg.TopoEpoch),
			Payload:     msg.Payload,
			Redelivered: msg.Redelivered,
		}
		select {
		case c.send <- out:
		case <-c.done:
			return
		}
	}
}

// writePump serializes all socket writes and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.unregister()
	}()

	for {
		select {
		case out := <-c.send:
			if !c.writeJSON(out) {
				return
			}
		case ack := <-c.acks:
			if !c.writeJSON(ack) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeJSON performs one socket write. The write pump is the only caller,
// so socket writes are never concurrent.
func (c *client) writeJSON(v interface{}) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(v)
	if err != nil {
		return true
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.gw.logger.Printf("write to %s failed: %v", c.agent, err)
		return false
	}
	return true
}
