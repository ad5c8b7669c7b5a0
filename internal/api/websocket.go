package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/stream"
	"github.com/neontrader/backend/internal/validation"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum control frame size allowed from peer.
	maxMessageSize = 512

	// Outbound frames buffered per connection before the client is
	// considered too slow.
	clientSendBuffer = 256

	// Time an unauthenticated connection may hold a socket open.
	authWait = 10 * time.Second
)

// clientFrame is a control message from the browser.
type clientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

// controlFrame is a non-data response to the browser. Data frames are
// stream.Message verbatim.
type controlFrame struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient is one authenticated WebSocket connection fanning hub
// subscriptions into the socket. send stays open for the connection's
// lifetime; done signals every pump to stop.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	userID uuid.UUID

	mu   sync.Mutex
	subs map[string]*stream.Subscription

	closeOnce sync.Once
}

// handleWebSocket upgrades the connection and runs the pumps. The
// client authenticates by token query parameter or by an auth frame
// as its first message.
func (s *Server) handleWebSocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWSOrigin,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*stream.Subscription),
	}

	// Token in the query string authenticates immediately; otherwise
	// the read pump waits for an auth frame.
	if token := c.Query("token"); token != "" {
		if !client.authenticate(token) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		client.control("authenticated", "", "")
	}

	// Paired with the Dec in shutdown, which every started pump pair
	// reaches exactly once.
	metrics.WSClientsConnected.Inc()
	go client.writePump()
	go client.readPump()
}

// checkWSOrigin mirrors the CORS policy for the upgrade request.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authenticate verifies the token and pins the connection to a user.
func (c *wsClient) authenticate(token string) bool {
	claims, err := c.server.auth.VerifyToken(token)
	if err != nil {
		return false
	}
	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return false
	}
	c.userID = uid
	return true
}

func (c *wsClient) authenticated() bool { return c.userID != uuid.Nil }

// readPump consumes control frames until the connection drops.
func (c *wsClient) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	deadline := pongWait
	if !c.authenticated() {
		deadline = authWait
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.control("error", "", "malformed frame")
			continue
		}

		c.handleFrame(frame)
	}
}

// handleFrame dispatches one client control frame.
func (c *wsClient) handleFrame(frame clientFrame) {
	switch frame.Type {
	case "auth":
		if c.authenticated() {
			c.control("authenticated", "", "")
			return
		}
		if !c.authenticate(frame.Token) {
			c.control("error", "", "invalid token")
			return
		}
		c.control("authenticated", "", "")

	case "subscribe":
		if !c.authenticated() {
			c.control("error", "", "authenticate first")
			return
		}
		channel, err := c.resolveChannel(frame)
		if err != "" {
			c.control("error", "", err)
			return
		}
		c.subscribe(channel)

	case "unsubscribe":
		if !c.authenticated() {
			c.control("error", "", "authenticate first")
			return
		}
		channel, err := c.resolveChannel(frame)
		if err != "" {
			c.control("error", "", err)
			return
		}
		c.unsubscribe(channel)

	case "ping":
		c.control("pong", "", "")

	default:
		c.control("error", "", "unknown frame type")
	}
}

// resolveChannel maps a subscribe frame onto a hub channel. Trade and
// notification channels are pinned to the authenticated user; clients
// never address another account.
func (c *wsClient) resolveChannel(frame clientFrame) (channel, errMsg string) {
	switch frame.Channel {
	case stream.ClassPrices:
		symbol := validation.NormalizeSymbol(frame.Symbol)
		if symbol == "" {
			return "", "symbol is required for price subscriptions"
		}
		return stream.PriceChannel(symbol), ""
	case stream.ClassTrades:
		return stream.TradeChannel(c.userID.String()), ""
	case stream.ClassNotifications:
		return stream.NotificationChannel(c.userID.String()), ""
	case stream.ClassSystem:
		return stream.SystemChannel, ""
	default:
		return "", "unknown channel"
	}
}

// subscribe attaches the client to a hub channel and starts the
// forwarding goroutine.
func (c *wsClient) subscribe(channel string) {
	c.mu.Lock()
	if _, exists := c.subs[channel]; exists {
		c.mu.Unlock()
		c.control("subscribed", channel, "")
		return
	}

	sub, err := c.server.hub.Subscribe(channel)
	if err != nil {
		c.mu.Unlock()
		c.control("error", channel, "subscription failed")
		return
	}
	c.subs[channel] = sub
	c.mu.Unlock()

	go c.forward(sub)
	c.control("subscribed", channel, "")
}

// unsubscribe detaches from a channel. Removing the entry before
// closing tells the forwarder the closure was requested.
func (c *wsClient) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.mu.Unlock()

	if ok {
		sub.Close()
	}
	c.control("unsubscribed", channel, "")
}

// forward pumps one subscription into the send channel. A closed
// subscription still present in the map means the hub evicted this
// client as too slow; the socket is closed so the client resyncs
// over REST.
func (c *wsClient) forward(sub *stream.Subscription) {
	for msg := range sub.C() {
		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case <-c.done:
			return
		case c.send <- raw:
		default:
			// The socket cannot keep up with its own buffer.
			log.Debug().Str("channel", sub.Channel()).Msg("WebSocket send buffer full, dropping client")
			c.shutdown()
			return
		}
	}

	c.mu.Lock()
	_, evicted := c.subs[sub.Channel()]
	delete(c.subs, sub.Channel())
	c.mu.Unlock()

	if evicted {
		c.control("error", sub.Channel(), "subscription dropped, resynchronize over REST")
		c.shutdown()
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush whatever else is queued into the same write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// control queues a small control frame; full buffers drop it.
func (c *wsClient) control(typ, channel, errMsg string) {
	frame := controlFrame{
		Type:      typ,
		Channel:   channel,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- raw:
	default:
	}
}

// shutdown closes every subscription and the socket exactly once.
func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		metrics.WSClientsConnected.Dec()

		c.mu.Lock()
		subs := make([]*stream.Subscription, 0, len(c.subs))
		for channel, sub := range c.subs {
			subs = append(subs, sub)
			delete(c.subs, channel)
		}
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Close()
		}

		_ = c.conn.Close()
	})
}
