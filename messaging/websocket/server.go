// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/gorilla/websocket"
)

// Config configures the server side.
type Config struct {
	Address         string
	Path            string
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Limiter, when set, rejects upgrade requests from hosts over their rate.
	Limiter Limiter

	// Global marks this server as a global transport. Inbound multicasts
	// are then never republished to global calculators.
	Global bool
}

// Limiter decides whether a connection attempt from a remote address may proceed.
type Limiter interface {
	Allow(remoteAddr string) bool
}

// Server accepts libjoynr runtimes. Each connection starts with a frame
// carrying the client's WebSocketClient address; every later frame is an
// encoded message handed to the receiver.
type Server struct {
	config   Config
	codec    message.Codec
	receiver address.MessageReceiver
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*conn

	onConnect    func(address.WebSocketClient)
	onDisconnect func(address.WebSocketClient)
}

// NewServer creates a server. It does not listen until Listen is called.
func NewServer(cfg Config, codec message.Codec, receiver address.MessageReceiver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}

	s := &Server{
		config:   cfg,
		codec:    codec,
		receiver: receiver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// OnClient sets callbacks run when a client connects and disconnects.
// Must be called before Listen.
func (s *Server) OnClient(connected, disconnected func(address.WebSocketClient)) {
	s.onConnect = connected
	s.onDisconnect = disconnected
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.closeClients()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// Send writes data to the client with the given id.
func (s *Server) Send(clientID string, data []byte) error {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotConnected, clientID)
	}
	return c.write(websocket.BinaryMessage, data)
}

// Connected reports whether clientID has a live connection.
func (s *Server) Connected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.Limiter != nil && !s.config.Limiter.Allow(r.RemoteAddr) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	c := newConn(ws, s.config.WriteTimeout)
	defer c.close()

	client, err := s.handshake(ws)
	if err != nil {
		s.logger.Warn("websocket_handshake_failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.register(client.ID, c)
	defer func() {
		if s.unregister(client.ID, c) && s.onDisconnect != nil {
			s.onDisconnect(client)
		}
	}()
	if s.onConnect != nil {
		s.onConnect(client)
	}

	s.logger.Debug("websocket_client_connected",
		slog.String("client_id", client.ID),
		slog.String("remote_addr", r.RemoteAddr))

	readLoop(ws, s.codec, s.receiver, s.config.Global, s.logger)
}

func (s *Server) handshake(ws *websocket.Conn) (address.WebSocketClient, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return address.WebSocketClient{}, err
	}
	addr, err := address.Parse(string(data))
	if err != nil {
		return address.WebSocketClient{}, errors.Join(ErrBadHandshake, err)
	}
	client, ok := addr.(address.WebSocketClient)
	if !ok || client.ID == "" {
		return address.WebSocketClient{}, ErrBadHandshake
	}
	return client, nil
}

func (s *Server) register(clientID string, c *conn) {
	s.mu.Lock()
	old := s.clients[clientID]
	s.clients[clientID] = c
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// unregister reports whether c was still the connection of clientID.
func (s *Server) unregister(clientID string, c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients[clientID] != c {
		return false
	}
	delete(s.clients, clientID)
	return true
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// readLoop forwards frames to receiver until the connection fails.
func readLoop(ws *websocket.Conn, codec message.Codec, receiver address.MessageReceiver, global bool, logger *slog.Logger) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			logger.Debug("websocket_frame_ignored", slog.Int("type", messageType))
			continue
		}
		msg, err := codec.Unmarshal(data)
		if err != nil {
			logger.Warn("websocket_message_malformed", slog.String("error", err.Error()))
			continue
		}
		msg.ReceivedFromGlobal = global
		if err := receiver.Receive(msg); err != nil {
			logger.Warn("websocket_message_rejected",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}
}

var _ messaging.Stub = (*ServerStub)(nil)

// ServerStub sends messages to a connected client.
type ServerStub struct {
	server   *Server
	clientID string
	codec    message.Codec
}

// NewServerFactory returns the stub factory for WebSocketClient addresses.
func NewServerFactory(s *Server) messaging.StubFactory {
	return messaging.StubFactoryFunc(func(addr address.Address) (messaging.Stub, error) {
		a, ok := addr.(address.WebSocketClient)
		if !ok {
			return nil, fmt.Errorf("%w: %v", messaging.ErrNoStub, addr)
		}
		return &ServerStub{server: s, clientID: a.ID, codec: s.codec}, nil
	})
}

// Transmit writes the message on its own goroutine. A client that is not
// connected yet is a transient failure.
func (st *ServerStub) Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error)) {
	data, err := st.codec.Marshal(msg)
	if err != nil {
		onFailure(messaging.NotSent(err))
		return
	}
	go func() {
		if err := ctx.Err(); err != nil {
			onFailure(err)
			return
		}
		if err := st.server.Send(st.clientID, data); err != nil {
			onFailure(err)
			return
		}
		onSuccess()
	}()
}
