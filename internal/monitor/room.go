package monitor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 10
	writeWait         = time.Second
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// WithRoomLogger sets the logger for the room
func WithRoomLogger(logger *slog.Logger) func(*Room) {
	return func(r *Room) {
		r.logger = logger.With(slog.String("component", "monitor"))
	}
}

// Room fans messages out to every connected websocket client
type Room struct {
	// forward holds messages to send to every client
	forward chan []byte
	// join is a channel for clients wishing to join the room
	join chan *client
	// leave is a channel for clients wishing to leave the room
	leave chan *client
	// clients holds all current clients in this room
	clients map[*client]bool
	// done is closed once Run has returned
	done chan struct{}

	logger *slog.Logger
}

// NewRoom makes a new room that is ready to Run
func NewRoom(options ...func(*Room)) *Room {
	r := Room{
		forward: make(chan []byte),
		join:    make(chan *client),
		leave:   make(chan *client),
		clients: make(map[*client]bool),
		done:    make(chan struct{}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Run serves joins, leaves and broadcasts until ctx is done, then
// disconnects every client.
func (r *Room) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			for c := range r.clients {
				delete(r.clients, c)
				close(c.send)
			}
			return

		case c := <-r.join:
			r.clients[c] = true
			r.logger.Info("monitor client joined", slog.String("remote", c.socket.RemoteAddr().String()))

		case c := <-r.leave:
			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
			}
			r.logger.Info("monitor client left", slog.String("remote", c.socket.RemoteAddr().String()))

		case msg := <-r.forward:
			for c := range r.clients {
				select {
				case c.send <- msg:
				default:
					r.logger.Debug("monitor client is slow, message dropped")
				}
			}
		}
	}
}

// Broadcast queues msg for every client. It gives up when ctx is done.
func (r *Room) Broadcast(ctx context.Context, msg []byte) {
	select {
	case r.forward <- msg:
	case <-ctx.Done():
	case <-r.done:
	}
}

func (r *Room) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		socket: socket,
		send:   make(chan []byte, messageBufferSize),
	}

	select {
	case r.join <- c:
	case <-r.done:
		_ = socket.Close()
		return
	}

	go c.write()
	c.read()

	select {
	case r.leave <- c:
	case <-r.done:
	}
}

type client struct {
	socket *websocket.Conn
	send   chan []byte
}

// read drains the client until it disconnects; clients never send anything
func (c *client) read() {
	defer c.socket.Close()

	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()

	for msg := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
