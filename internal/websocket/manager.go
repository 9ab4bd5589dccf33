package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/validation"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// Manager owns the notification connections. A single hub goroutine
// registers clients, removes them and fans messages out, so client send
// channels are only ever touched there.
type Manager struct {
	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn

	allowedOrigins []string
	logger         logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
	done         chan struct{}
}

// NewManager starts a manager accepting connections whose Origin is one of
// allowedOrigins, given as full origins or host:port. Requests without an
// Origin header come from non-browser clients and are accepted.
func NewManager(allowedOrigins []string, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		clients:        make(map[*websocket.Conn]*Client),
		broadcast:      make(chan []byte, 64),
		register:       make(chan *Client, 16),
		unregister:     make(chan *websocket.Conn, 16),
		allowedOrigins: allowedOrigins,
		logger:         logger.WithComponent("websocket"),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go m.runHub()

	return m
}

// HandleWebSocket upgrades the request and registers the client.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		if err := validation.ValidateOrigin(origin, m.allowedOrigins); err != nil {
			m.logger.Warn(r.Context(), err, "WebSocket connection rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// The origin has been checked above.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: r.RemoteAddr,
	}

	select {
	case m.register <- client:
	case <-m.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go m.writeToClient(client)
	m.readFromClient(client)
}

// Notify queues n for every connected client.
func (m *Manager) Notify(ctx context.Context, n Notification) error {
	if err := m.ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	select {
	case m.broadcast <- data:
		return nil
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of registered clients.
func (m *Manager) ClientCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	return len(m.clients)
}

// Shutdown closes every connection and stops the hub.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.isShutdown.Store(true)
		m.cancel()
	})

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runHub() {
	defer close(m.done)

	for {
		select {
		case client := <-m.register:
			m.clientsMutex.Lock()
			m.clients[client.conn] = client
			total := len(m.clients)
			m.clientsMutex.Unlock()
			m.logger.Debug(m.ctx, "WebSocket client connected", "remote", client.remoteAddr, "clients", total)

		case conn := <-m.unregister:
			m.remove(conn, websocket.StatusNormalClosure, "")

		case message := <-m.broadcast:
			m.clientsMutex.RLock()
			var slow []*websocket.Conn
			for conn, client := range m.clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, conn)
				}
			}
			m.clientsMutex.RUnlock()

			for _, conn := range slow {
				m.remove(conn, websocket.StatusPolicyViolation, "client too slow")
			}

		case <-m.ctx.Done():
			m.clientsMutex.Lock()
			for conn, client := range m.clients {
				close(client.send)
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			m.clients = make(map[*websocket.Conn]*Client)
			m.clientsMutex.Unlock()

			return
		}
	}
}

func (m *Manager) remove(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	m.clientsMutex.Lock()
	client, ok := m.clients[conn]
	if ok {
		delete(m.clients, conn)
		close(client.send)
	}
	total := len(m.clients)
	m.clientsMutex.Unlock()

	if ok {
		_ = conn.Close(code, reason)
		m.logger.Debug(m.ctx, "WebSocket client disconnected", "remote", client.remoteAddr, "clients", total)
	}
}

// readFromClient drains client frames until the connection ends. Clients
// never send anything meaningful; reading keeps control frames flowing.
func (m *Manager) readFromClient(client *Client) {
	defer func() {
		select {
		case m.unregister <- client.conn:
		case <-m.ctx.Done():
		}
	}()

	for {
		_, _, err := client.conn.Read(m.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && m.ctx.Err() == nil {
				m.logger.Debug(m.ctx, "WebSocket read ended", "remote", client.remoteAddr, "error", err.Error())
			}
			return
		}
	}
}

func (m *Manager) writeToClient(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := client.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				m.logger.Warn(m.ctx, err, "WebSocket write failed", "remote", client.remoteAddr)
				_ = client.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				_ = client.conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}
