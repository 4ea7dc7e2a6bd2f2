// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket carries joynr messages between a cluster controller and
// the libjoynr runtimes connected to it.
package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrClientNotConnected is returned when a client address has no live connection.
	ErrClientNotConnected = errors.New("websocket client not connected")

	// ErrBadHandshake is returned when the first frame is not a client address.
	ErrBadHandshake = errors.New("websocket handshake must carry a client address")
)

// conn serializes writes on a connection; gorilla allows one writer at a time.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientNotConnected
	}
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
