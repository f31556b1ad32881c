// Package transport is the reference client transport: a Gin HTTP server
// exposing one WebSocket upgrade route that speaks the JSON wire protocol
// of spec §6. Grounded on internal/dashboard/server.go's Gin
// bootstrap/shutdown shape, combined with the gorilla/websocket upgrader
// pattern the example corpus exercises in its worker tests.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"marketfeed/fanout"
	"marketfeed/logger"
)

// closeCode maps the exit reasons of spec §7 to WebSocket close frame
// codes sent to a disconnected client.
const (
	closeCodeNormal       = 1000
	closeCodeLagged       = 4001
	closeCodeInvalidFrame = 4002
)

// defaultClientQueueSize is the per-client outgoing queue depth used
// when no configured FanoutConfig.ClientQueueSize is threaded through.
const defaultClientQueueSize = 1024

// Server hosts the WebSocket endpoint clients connect to.
type Server struct {
	fan              *fanout.Fanout
	log              *logger.Log
	up               websocket.Upgrader
	http             *http.Server
	clientQueueSize  int
	maxSubsPerClient int
}

// New constructs a Server with the default 1024-frame client queue depth
// and no per-client subscription cap. compressionLevel is 0-9, per the
// --websocket-compression-level CLI flag; 0 disables per-message
// compression.
func New(addr string, fan *fanout.Fanout, log *logger.Log, compressionLevel int) *Server {
	return NewWithLimits(addr, fan, log, compressionLevel, defaultClientQueueSize, 0)
}

// NewWithLimits constructs a Server whose accepted clients get a
// clientQueueSize-deep outgoing queue and, when maxSubsPerClient > 0, a
// cap on concurrent subscriptions enforced at subscribe time.
func NewWithLimits(addr string, fan *fanout.Fanout, log *logger.Log, compressionLevel, clientQueueSize, maxSubsPerClient int) *Server {
	if clientQueueSize <= 0 {
		clientQueueSize = defaultClientQueueSize
	}

	up := websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: compressionLevel > 0,
		CheckOrigin:       func(r *http.Request) bool { return true },
	}

	s := &Server{fan: fan, log: log, up: up, clientQueueSize: clientQueueSize, maxSubsPerClient: maxSubsPerClient}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", s.handleUpgrade(compressionLevel))

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string { return s.http.Addr }

func (s *Server) handleUpgrade(compressionLevel int) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.up.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.WithComponent("transport").WithError(err).Warn("websocket upgrade failed")
			return
		}
		if compressionLevel > 0 {
			conn.SetCompressionLevel(compressionLevel)
		}

		client := fanout.NewClientWithLimits(uuid.NewString(), s.clientQueueSize, s.maxSubsPerClient)
		s.fan.Register(client)
		s.log.WithComponent("transport").WithFields(logger.Fields{"client": client.ID}).Info("client connected")

		done := make(chan struct{})
		go s.writeLoop(conn, client, done)

		reason := s.readLoop(conn, client)
		s.fan.UnregisterWithReason(client.ID, reason)
		<-done

		code, text := closeCodeFor(client.Reason())
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second))
		conn.Close()
		s.log.WithComponent("transport").WithFields(logger.Fields{
			"client": client.ID, "reason": client.Reason().String(),
		}).Info("client disconnected")
	}
}

// closeCodeFor maps a fanout.DisconnectReason to the WebSocket close
// frame code and text sent to the client, per spec §7.
func closeCodeFor(reason fanout.DisconnectReason) (int, string) {
	switch reason {
	case fanout.ReasonLagged:
		return closeCodeLagged, "client lagged"
	case fanout.ReasonInvalidFrame:
		return closeCodeInvalidFrame, "invalid frame"
	default:
		return closeCodeNormal, "normal closure"
	}
}

// readLoop parses subscribe/unsubscribe frames and hands them to the
// Fanout, which enqueues the resulting ack (and initial snapshot, if
// any) on the client's outgoing queue — the same queue writeLoop
// drains, so conn is only ever written to from writeLoop. Returns the
// reason the loop ended, classified from the terminal read error.
func (s *Server) readLoop(conn *websocket.Conn, client *fanout.Client) fanout.DisconnectReason {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return fanout.ReasonNormal
			}
			return fanout.ReasonInvalidFrame
		}
		s.fan.HandleRequest(client, raw)
	}
}

// writeLoop drains the client's bounded broadcast queue to the socket.
// It exits when the queue is closed (client disconnected, by lag or
// otherwise) or a write fails. It never sends the final close frame
// itself: that happens once in handleUpgrade, after both loops have
// stopped, so exactly one goroutine ever writes to conn.
func (s *Server) writeLoop(conn *websocket.Conn, client *fanout.Client, done chan<- struct{}) {
	defer close(done)
	for frame := range client.Out() {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}
