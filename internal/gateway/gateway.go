// Package gateway serves browser tabs over WebSocket and HTTP: it opens a
// chat session per connection, forwards prompts to the dispatcher and pushes
// per-model pane updates back.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"aifusion/internal/catalog"
	"aifusion/internal/config"
	"aifusion/internal/dispatch"
	"aifusion/internal/middleware"
	"aifusion/internal/persistence"
	"aifusion/internal/quota"
	"aifusion/internal/sessions"
	"aifusion/internal/version"
	"aifusion/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Options wires the gateway to the rest of the service.
type Options struct {
	Config   *config.Config
	Catalog  *catalog.Catalog
	Sessions *sessions.Manager
	Bridge   *persistence.Bridge // optional; disables history when nil
	Quota    quota.Checker
	Tokens   middleware.TokenValidator
}

// Gateway represents the fusion gateway
type Gateway struct {
	config   *config.Config
	catalog  *catalog.Catalog
	sessions *sessions.Manager
	bridge   *persistence.Bridge
	quota    quota.Checker

	authMiddleware      *middleware.AuthMiddleware
	rateLimitMiddleware *middleware.RateLimitMiddleware
	upgrader            *middleware.AuthenticatedUpgrader

	clients  map[string]*Client
	clientMu sync.RWMutex

	// lifecycle context for WebSocket goroutines; request contexts end as
	// soon as the upgrade handler returns
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	closeOnce sync.Once
}

// Client represents a WebSocket client connection
type Client struct {
	ID      string
	Email   string
	Session *sessions.Session
	Conn    *websocket.Conn
	Send    chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil || opts.Catalog == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("gateway requires config, catalog and sessions")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("gateway requires a token validator")
	}
	if opts.Quota == nil {
		opts.Quota = quota.Unlimited{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   opts.Config,
		catalog:  opts.Catalog,
		sessions: opts.Sessions,
		bridge:   opts.Bridge,
		quota:    opts.Quota,
		authMiddleware: middleware.NewAuthMiddleware(opts.Tokens, middleware.AuthMiddlewareConfig{
			SkipPaths: []string{"/health"},
		}),
		rateLimitMiddleware: middleware.NewRateLimitMiddleware(opts.Config.RateLimiting, nil),
		upgrader: middleware.NewAuthenticatedUpgrader(opts.Tokens, &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		}),
		clients:   make(map[string]*Client),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	return g, nil
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// public, rate limited by IP
	mux.Handle("/health", g.rateLimitMiddleware.Wrap(http.HandlerFunc(g.handleHealth)))
	// authenticates during the upgrade handshake
	mux.Handle("/ws", g.rateLimitMiddleware.Wrap(http.HandlerFunc(g.handleWebSocket)))

	// auth first (sets context), then rate limiting (reads it)
	protect := func(h http.HandlerFunc) http.Handler {
		return g.authMiddleware.Wrap(g.rateLimitMiddleware.Wrap(h))
	}
	mux.Handle("/api/models", protect(g.handleModels))
	mux.Handle("/api/quota", protect(g.handleQuota))
	mux.Handle("/api/history", protect(g.handleHistory))
	mux.Handle("/api/chat", protect(g.handleChat))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.config.Port),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	log.Printf("[Gateway] Started on port %d", g.config.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			g.Close()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	log.Println("[Gateway] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Gateway] Server shutdown error: %v", err)
	}
	g.Close()
	return nil
}

// Close disconnects every client and stops background work.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()

		g.clientMu.RLock()
		for _, c := range g.clients {
			c.shutdown()
		}
		g.clientMu.RUnlock()

		g.rateLimitMiddleware.Stop()
	})
}

// ClientCount returns the number of connected WebSocket clients.
func (g *Gateway) ClientCount() int {
	g.clientMu.RLock()
	defer g.clientMu.RUnlock()
	return len(g.clients)
}

// handleWebSocket authenticates, opens a session and starts the client
// pumps. ?chat_id=<id> reopens an existing chat.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, info, err := g.upgrader.UpgradeWithAuth(w, r)
	if err != nil {
		log.Printf("[Gateway] WebSocket upgrade rejected: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(g.ctx)
	principal := sessions.Principal{Email: info.Email, Name: info.DisplayName}
	session, err := g.sessions.Open(ctx, principal, r.URL.Query().Get("chat_id"))
	if err != nil {
		cancel()
		log.Printf("[Gateway] Failed to open session for %s: %v", info.Email, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Client{
		ID:      uuid.New().String(),
		Email:   info.Email,
		Session: session,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	session.SetObserver(dispatch.ObserverFunc(func(e dispatch.Event) {
		g.sendToClient(client, paneUpdate(e))
	}))

	g.clientMu.Lock()
	g.clients[client.ID] = client
	g.clientMu.Unlock()

	log.Printf("[Gateway] Client connected: %s (user: %s, chat: %s)", client.ID, client.Email, session.ChatID())

	build := version.GetBuildInfo()
	g.sendToClient(client, &protocol.GatewayInfo{
		BaseMessage:   protocol.NewBase(protocol.TypeGatewayInfo),
		Version:       build.Version,
		GitCommit:     build.ShortCommit(),
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		Email:         client.Email,
		Premium:       session.IsPremium(),
		ChatID:        session.ChatID(),
		Models:        toModelInfos(g.catalog),
		Selection:     toProtoSelection(session.Selection.Snapshot()),
		Conversation:  toProtoConversation(session.Conversation.Snapshot()),
	})

	go g.handleClientWrite(client)
	go g.watchHistory(ctx, client)
	go g.handleClientRead(ctx, cancel, client)
}

// handleClientRead processes client messages in order; a send's append
// phase completes before the next message is read.
func (g *Gateway) handleClientRead(ctx context.Context, cancel context.CancelFunc, client *Client) {
	defer func() {
		cancel()
		client.shutdown()
		g.sessions.Close(client.Session.Key)

		g.clientMu.Lock()
		delete(g.clients, client.ID)
		g.clientMu.Unlock()

		client.Conn.Close()
		log.Printf("[Gateway] Client disconnected: %s", client.ID)
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Gateway] WebSocket read error from %s: %v", client.ID, err)
			}
			return
		}

		parsed, err := protocol.ParseMessage(data)
		if err != nil {
			g.sendErrorToClient(client, protocol.CodeBadRequest, "Malformed message")
			continue
		}

		switch msg := parsed.(type) {
		case *protocol.ChatSend:
			g.handleChatSend(ctx, client, msg)
		case *protocol.SelectionUpdate:
			g.handleSelectionUpdate(client, msg)
		case *protocol.SessionSwitch:
			g.handleSessionSwitch(ctx, client, msg)
		case *protocol.HealthCheck:
			g.sendToClient(client, &protocol.HealthCheck{
				BaseMessage: protocol.NewBase(protocol.TypeHealthCheck),
				Status:      "ok",
			})
		default:
			log.Printf("[Gateway] Unhandled message type from %s: %T", client.ID, msg)
			g.sendErrorToClient(client, protocol.CodeBadRequest, "Unknown message type")
		}
	}
}

// handleClientWrite owns all writes to the connection.
func (g *Gateway) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Gateway] WebSocket write error to %s: %v", client.ID, err)
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			_ = client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// watchHistory pushes the user's sidebar feed until the client leaves.
func (g *Gateway) watchHistory(ctx context.Context, client *Client) {
	if g.bridge == nil {
		return
	}
	feed, err := g.bridge.Watch(ctx, client.Email)
	if err != nil {
		log.Printf("[Gateway] Failed to watch history for %s: %v", client.Email, err)
		return
	}
	for chats := range feed {
		g.sendToClient(client, &protocol.HistoryList{
			BaseMessage: protocol.NewBase(protocol.TypeHistoryList),
			Chats:       toSummaries(chats),
		})
	}
}

// sendToClient queues a message without blocking; a full buffer drops it.
func (g *Gateway) sendToClient(client *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Gateway] Failed to marshal message for client %s: %v", client.ID, err)
		return
	}

	select {
	case <-client.done:
	case client.Send <- data:
	default:
		log.Printf("[Gateway] Client %s send buffer full, dropping message", client.ID)
	}
}

func (g *Gateway) sendErrorToClient(client *Client, code, message string) {
	g.sendToClient(client, &protocol.ErrorResponse{
		BaseMessage: protocol.NewBase(protocol.TypeErrorResponse),
		ChatID:      client.Session.ChatID(),
		Code:        code,
		Message:     message,
	})
}
