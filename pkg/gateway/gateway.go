// Package gateway exposes the telephony-facing web surface: the call
// answer webhook, the media-stream websocket, and health and metrics
// endpoints. Each websocket connection becomes one session; the
// gateway itself holds no call state.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fixly-app/voicebridge/internal/events"
	"github.com/fixly-app/voicebridge/pkg/session"
)

// SessionFactory builds a session bound to an outbound channel. The
// entrypoint supplies one wired with real providers; tests supply
// mocks. A factory error fails the connection before any media flows.
type SessionFactory func(ch session.Channel) (*session.Session, error)

// Config holds gateway settings.
type Config struct {
	// PublicHost is the externally reachable hostname used in the
	// wss:// stream URL returned from the answer webhook.
	PublicHost string

	// Greeting is spoken by the telephony provider while the media
	// stream connects.
	Greeting string

	Logger *slog.Logger
}

// Server is the voicebridge web gateway.
type Server struct {
	app        *fiber.App
	cfg        Config
	logger     *slog.Logger
	publisher  *events.Publisher
	newSession SessionFactory
}

// NewServer creates the gateway with its routes registered.
func NewServer(cfg Config, publisher *events.Publisher, factory SessionFactory) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Connecting you to our service."
	}

	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "gateway"),
		publisher:  publisher,
		newSession: factory,
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicebridge",
		DisableStartupMessage: true,
	})

	app.Get("/healthz", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Post("/voice/incoming", s.handleIncoming)

	app.Use("/voice/connection", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/voice/connection", websocket.New(func(c *websocket.Conn) {
		s.serveConn(c)
	}))

	s.app = app
	return s
}

// Start serves on the given port and blocks until shutdown.
func (s *Server) Start(port string) error {
	s.logger.Info("gateway listening", "port", port)
	return s.app.Listen(":" + port)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleIncoming answers a call with TwiML that connects the caller's
// audio to the media-stream websocket.
func (s *Server) handleIncoming(c *fiber.Ctx) error {
	if s.cfg.PublicHost == "" {
		s.logger.Error("answer webhook hit without a public host configured")
		return c.Status(fiber.StatusInternalServerError).SendString("server configuration error")
	}

	streamURL := fmt.Sprintf("wss://%s/voice/connection", s.cfg.PublicHost)
	s.logger.Info("incoming call", "stream_url", streamURL)

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say voice="alice">%s</Say>
  <Connect>
    <Stream url=%q track="inbound_track"/>
  </Connect>
</Response>`, s.cfg.Greeting, streamURL)

	c.Set(fiber.HeaderContentType, "text/xml")
	return c.SendString(twiml)
}

// serveConn runs one call: it adapts the websocket into a session
// channel, runs the session, and feeds inbound frames to it until
// either side hangs up.
func (s *Server) serveConn(conn wsConn) {
	ch := newWSChannel(conn)
	sess, err := s.newSession(ch)
	if err != nil {
		s.logger.Error("session init failed, dropping connection", "error", err)
		conn.Close()
		return
	}
	logger := s.logger.With("session_id", sess.ID())
	logger.Info("media stream connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.publisher.Publish(ctx, events.SessionEvent{
		Type:      events.TypeSessionCreated,
		SessionID: sess.ID(),
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	go ch.writePump()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.HandleRaw(data)
	}

	sess.Shutdown()
	err = <-runErr
	ch.close()

	evType := events.TypeSessionEnded
	if err != nil {
		evType = events.TypeSessionTransport
		logger.Error("session ended on transport error", "error", err)
	} else {
		logger.Info("session ended", "turns", sess.Turn())
	}

	s.publisher.Publish(context.Background(), events.SessionEvent{
		Type:      evType,
		SessionID: sess.ID(),
		StreamSID: sess.StreamSID(),
		CallSID:   sess.CallSID(),
		Turns:     sess.Turn(),
	})
}
