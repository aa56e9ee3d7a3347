package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campfire/engine/internal/actions"
	configpkg "campfire/engine/internal/config"
	"campfire/engine/internal/events"
	"campfire/engine/internal/intake"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/protocol"
	"campfire/engine/internal/world"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	submitTimeout    = 2 * time.Second
)

var errJoinFirst = errors.New("join before sending actions")

type actionIntake interface {
	Submit(ctx context.Context, sub intake.Submission) (actions.Request, error)
	Join(ctx context.Context, id world.PlayerID, name string) (bool, error)
}

type changeSetSource interface {
	Subscribe(id string, since uint64, resume bool) (*events.Subscription, error)
}

// worldReader runs fn against a consistent view of the world.
type worldReader func(fn func(world.View) error) error

// GatewayOptions wires the realtime gateway.
type GatewayOptions struct {
	Intake          actionIntake
	ChangeSets      changeSetSource
	World           worldReader
	Authenticator   websocketAuthenticator
	Logger          *logging.Logger
	PingInterval    time.Duration
	MaxPayloadBytes int64
	MaxClients      int
	AllowedOrigins  []string
}

// Gateway accepts websocket players, forwards their actions to intake and
// streams every published change set back to them.
type Gateway struct {
	intake       actionIntake
	changeSets   changeSetSource
	world        worldReader
	auth         websocketAuthenticator
	log          *logging.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	maxPayload   int64
	maxClients   int

	mu       sync.Mutex
	clients  map[string]*wsClient
	reserved int
	closed   bool
}

// NewGateway validates the options and returns a ready gateway.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Intake == nil || opts.ChangeSets == nil || opts.World == nil {
		return nil, errors.New("gateway requires intake, change sets and a world reader")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	authenticator := opts.Authenticator
	if authenticator == nil {
		authenticator = anonymousAuthenticator{}
	}
	gw := &Gateway{
		intake:       opts.Intake,
		changeSets:   opts.ChangeSets,
		world:        opts.World,
		auth:         authenticator,
		log:          logger.With(logging.String("component", "gateway")),
		pingInterval: opts.PingInterval,
		maxPayload:   opts.MaxPayloadBytes,
		maxClients:   opts.MaxClients,
		clients:      make(map[string]*wsClient),
	}
	if gw.pingInterval <= 0 {
		gw.pingInterval = configpkg.DefaultPingInterval
	}
	gw.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return gw, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// Clients reports how many websocket connections are attached or mid-handshake.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients) + g.reserved
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Warn("websocket authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !g.reserve() {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.unreserve()
		g.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		who:  who,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
		gw:   g,
	}
	c.log = g.log.With(
		logging.String("client_id", c.id),
		logging.String("player_id", string(who.PlayerID)),
	)
	if !g.attach(c) {
		_ = conn.Close()
		return
	}
	c.log.Info("client connected", logging.String("remote_addr", r.RemoteAddr))

	go c.writeLoop()
	c.readLoop()
}

// reserve holds a capacity slot until attach or release.
func (g *Gateway) reserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.maxClients > 0 && len(g.clients)+g.reserved >= g.maxClients {
		return false
	}
	g.reserved++
	return true
}

func (g *Gateway) unreserve() {
	g.mu.Lock()
	g.reserved--
	g.mu.Unlock()
}

func (g *Gateway) attach(c *wsClient) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserved--
	if g.closed {
		return false
	}
	g.clients[c.id] = c
	return true
}

func (g *Gateway) release(id string) {
	g.mu.Lock()
	delete(g.clients, id)
	g.mu.Unlock()
}

// Close disconnects every client and refuses new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*wsClient, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.close("server shutting down")
	}
}

type wsClient struct {
	id   string
	who  identity
	conn *websocket.Conn
	send chan []byte
	gw   *Gateway
	log  *logging.Logger

	joined bool

	subMu sync.Mutex
	sub   *events.Subscription

	closeOnce   sync.Once
	closeReason string
	done        chan struct{}
}

func (c *wsClient) readLoop() {
	defer c.close("client disconnected")
	if c.gw.maxPayload > 0 {
		c.conn.SetReadLimit(c.gw.maxPayload)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.gw.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.gw.pingInterval))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		msg, err := protocol.DecodeClient(raw)
		if err != nil {
			c.reply(protocol.NewError("", err))
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one decoded message and reports whether the connection stays open.
func (c *wsClient) handle(msg protocol.ClientMessage) bool {
	switch msg.Type {
	case protocol.TypeJoin:
		return c.join(msg)
	case protocol.TypeResume:
		if !c.joined && !c.admit(msg.Ref, "") {
			return false
		}
		return c.subscribe(*msg.SinceTick)
	case protocol.TypeAction:
		if !c.joined {
			c.reply(protocol.NewError(msg.Ref, errJoinFirst))
			return true
		}
		c.submit(msg)
	case protocol.TypePing:
		var current uint64
		_ = c.gw.world(func(view world.View) error {
			current = view.Tick()
			return nil
		})
		c.reply(protocol.Pong{Type: protocol.TypePong, Ref: msg.Ref, Tick: current})
	}
	return true
}

func (c *wsClient) join(msg protocol.ClientMessage) bool {
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		name = c.who.Name
	}
	if !c.admit(msg.Ref, name) {
		return false
	}
	//1.- Snapshot first so the subscription can pick up exactly where the snapshot ends.
	var welcome protocol.Welcome
	err := c.gw.world(func(view world.View) error {
		welcome = protocol.NewWelcome(c.who.PlayerID, view)
		return nil
	})
	if err != nil {
		c.reply(protocol.NewError(msg.Ref, err))
		return false
	}
	c.reply(welcome)
	return c.subscribe(welcome.Tick)
}

// admit registers the player with intake. Joining twice is harmless.
func (c *wsClient) admit(ref, name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if _, err := c.gw.intake.Join(ctx, c.who.PlayerID, name); err != nil {
		c.log.Warn("join refused", logging.Error(err))
		c.reply(protocol.NewError(ref, err))
		return false
	}
	c.joined = true
	return true
}

// subscribe replaces the change set subscription with one resuming at since.
func (c *wsClient) subscribe(since uint64) bool {
	c.subMu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	sub, err := c.gw.changeSets.Subscribe(c.id, since, true)
	if err == nil {
		c.sub = sub
	}
	c.subMu.Unlock()
	if err != nil {
		c.log.Warn("change set subscription failed", logging.Error(err))
		c.reply(protocol.NewError("", err))
		return false
	}
	go c.forward(sub)
	return true
}

func (c *wsClient) forward(sub *events.Subscription) {
	for cs := range sub.Events() {
		if !c.reply(protocol.NewChangeSet(cs)) {
			return
		}
	}
	//1.- A channel closed under a still-current subscription means the hub dropped us.
	c.subMu.Lock()
	current := c.sub == sub
	c.subMu.Unlock()
	if current {
		c.log.Warn("change set stream ended; closing client")
		c.close("change set stream ended; reconnect and resume")
	}
}

func (c *wsClient) submit(msg protocol.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	req, err := c.gw.intake.Submit(ctx, intake.Submission{
		PlayerID: c.who.PlayerID,
		Kind:     msg.Kind,
		Payload:  *msg.Payload,
		Sequence: msg.Seq,
		SentAt:   msg.SentAt(),
	})
	if err == nil {
		c.reply(protocol.NewAccepted(msg.Ref, req))
		return
	}
	var rejected *actions.RejectedError
	switch {
	case errors.As(err, &rejected):
		c.reply(protocol.NewRejected(msg.Ref, rejected.Reason))
	case errors.Is(err, actions.ErrUnknownActionKind):
		c.reply(protocol.NewRejected(msg.Ref, actions.ErrUnknownActionKind.Error()))
	default:
		c.log.Warn("action submission failed", logging.Error(err))
		c.reply(protocol.NewError(msg.Ref, err))
	}
}

// reply queues msg for the writer. A client whose buffer is full is dropped.
func (c *wsClient) reply(msg any) bool {
	payload, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("encode outbound message", logging.Error(err))
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.close("client too slow")
		return false
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close("ping failed")
				return
			}
		case <-c.done:
			//1.- Flush what is already queued so final replies reach the client.
			if !c.flushQueued() {
				return
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsClient) flushQueued() bool {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *wsClient) close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
		c.subMu.Lock()
		if c.sub != nil {
			c.sub.Close()
			c.sub = nil
		}
		c.subMu.Unlock()
		c.gw.release(c.id)
		c.log.Info("client disconnected", logging.String("reason", reason))
	})
}
