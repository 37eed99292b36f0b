// Package web serves the composed frames over HTTP.
//
// Routes:
//
//	GET /healthz  liveness
//	GET /stats    pipeline snapshot (JSON)
//	GET /stream   multipart MJPEG
//	GET /ws       websocket, one binary JPEG message per frame
//
// Frames are encoded once per Show and fanned out to clients through small
// buffered channels; a slow client loses frames, the pipeline never waits.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// DefaultJPEGQuality is the encode quality of streamed frames
	DefaultJPEGQuality = 80
	// clientBuffer is the per-client frame backlog before dropping
	clientBuffer = 2
	writeTimeout = 2 * time.Second
)

// StatsFunc returns the snapshot served on /stats.
type StatsFunc func() any

// Server is a display.Sink that streams frames to HTTP clients.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	listener net.Listener
	stats    StatsFunc
	quality  int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	frames  uint64
	dropped uint64
}

type client struct {
	kind   string
	frames chan []byte
}

// New creates the server and its routes. Nothing listens until Start.
func New(stats StatsFunc) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:  gin.New(),
		stats:   stats,
		quality: DefaultJPEGQuality,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/stream", s.handleStream)
	s.engine.GET("/ws", s.handleWebSocket)

	return s
}

// Handler exposes the routes (tests, embedding).
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background.
// Fails fast if the address cannot be bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}

	s.listener = ln
	s.http = &http.Server{
		Handler:     s.engine,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web: server stopped", "error", err)
		}
	}()

	slog.Info("web: viewer listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Show encodes the image once and offers it to every client.
func (s *Server) Show(img *image.RGBA) error {
	if s.Clients() == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("web: encode jpeg: %w", err)
	}
	data := buf.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()

	atomic.AddUint64(&s.frames, 1)
	for c := range s.clients {
		select {
		case c.frames <- data:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
	return nil
}

// Clients returns the number of connected viewers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped returns how many client frames were skipped for slow viewers.
func (s *Server) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Server) register(kind string) (*client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	c := &client{kind: kind, frames: make(chan []byte, clientBuffer)}
	s.clients[c] = struct{}{}
	slog.Debug("web: client connected", "kind", kind, "clients", len(s.clients))
	return c, true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.frames)
		slog.Debug("web: client disconnected", "kind", c.kind, "clients", len(s.clients))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.stats())
}

// handleStream serves multipart MJPEG until the client leaves or Close.
func (s *Server) handleStream(c *gin.Context) {
	cl, ok := s.register("mjpeg")
	if !ok {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.unregister(cl)

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := c.Writer
	// Send headers before the first frame
	writer.Flush()
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case frame, ok := <-cl.frames:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := writer.Write(frame); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}
			writer.Flush()
		}
	}
}

// handleWebSocket streams binary JPEG messages.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("web: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cl, ok := s.register("ws")
	if !ok {
		return
	}
	defer s.unregister(cl)

	// Reader goroutine only detects the peer closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return

		case frame, ok := <-cl.frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and stops the HTTP server.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.frames)
	}
	s.mu.Unlock()

	slog.Info("web: viewer stopped",
		"frames", atomic.LoadUint64(&s.frames),
		"dropped", atomic.LoadUint64(&s.dropped),
	)

	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}
