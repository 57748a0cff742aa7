package agent

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The bridge serves local UIs only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bridge fans agent notifications out to websocket subscribers so a UI can
// watch session, discovery, and server events live. Slow subscribers are
// dropped rather than allowed to stall the rest.
type Bridge struct {
	srv      *http.Server
	ln       net.Listener
	stopOnce sync.Once

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	out  chan Notification
}

// StartBridge listens on addr and serves notification streams at /events.
func StartBridge(addr string) (*Bridge, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	b := &Bridge{ln: ln, clients: make(map[*wsClient]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", b.handleEvents)
	b.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := b.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			Error("event bridge stopped", "err", err)
		}
	}()
	Info("event bridge listening", "addr", ln.Addr().String())
	return b, nil
}

// Addr returns the bound listen address.
func (b *Bridge) Addr() string { return b.ln.Addr().String() }

// Stop closes the listener and every subscriber connection.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		_ = b.srv.Close()
		b.mu.Lock()
		for c := range b.clients {
			close(c.out)
			delete(b.clients, c)
		}
		b.mu.Unlock()
	})
}

// Publish sends a notification to every connected subscriber.
func (b *Bridge) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.out <- n:
		default:
			// Subscriber is not keeping up.
			close(c.out)
			delete(b.clients, c)
			Warn("dropping slow event subscriber", "remote", c.conn.RemoteAddr().String())
		}
	}
}

func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn, out: make(chan Notification, 32)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	Debug("event subscriber connected", "remote", conn.RemoteAddr().String())

	go c.writeLoop()
	// Drain the read side so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				b.drop(c)
				return
			}
		}
	}()
}

func (b *Bridge) drop(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		close(c.out)
		delete(b.clients, c)
	}
	b.mu.Unlock()
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for n := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(n); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
