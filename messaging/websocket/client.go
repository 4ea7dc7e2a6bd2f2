// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/gorilla/websocket"
)

// Client is the libjoynr side: it dials WebSocket addresses, announces its
// own client address and keeps one connection per server URL. Frames sent
// back by a server are handed to the receiver.
type Client struct {
	own          address.WebSocketClient
	codec        message.Codec
	receiver     address.MessageReceiver
	writeTimeout time.Duration
	dialer       *websocket.Dialer
	logger       *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewClient creates a client announcing itself as own.
func NewClient(own address.WebSocketClient, codec message.Codec, receiver address.MessageReceiver, writeTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		own:          own,
		codec:        codec,
		receiver:     receiver,
		writeTimeout: writeTimeout,
		dialer:       websocket.DefaultDialer,
		logger:       logger,
		conns:        make(map[string]*conn),
	}
}

// Factory returns the stub factory for WebSocket addresses.
func (c *Client) Factory() messaging.StubFactory {
	return messaging.StubFactoryFunc(func(addr address.Address) (messaging.Stub, error) {
		a, ok := addr.(address.WebSocket)
		if !ok {
			return nil, fmt.Errorf("%w: %v", messaging.ErrNoStub, addr)
		}
		return &ClientStub{client: c, url: a.URL()}, nil
	})
}

// Close closes every connection.
func (c *Client) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*conn)
	c.mu.Unlock()

	for _, cn := range conns {
		cn.close()
	}
}

func (c *Client) connect(ctx context.Context, url string) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cn, ok := c.conns[url]; ok {
		return cn, nil
	}

	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	cn := newConn(ws, c.writeTimeout)

	hello, err := address.Format(c.own)
	if err != nil {
		cn.close()
		return nil, err
	}
	if err := cn.write(websocket.TextMessage, []byte(hello)); err != nil {
		cn.close()
		return nil, fmt.Errorf("announce to %s: %w", url, err)
	}

	c.conns[url] = cn
	go func() {
		readLoop(ws, c.codec, c.receiver, false, c.logger)
		c.drop(url, cn)
	}()

	c.logger.Debug("websocket_connected", slog.String("url", url))
	return cn, nil
}

func (c *Client) drop(url string, cn *conn) {
	c.mu.Lock()
	if c.conns[url] == cn {
		delete(c.conns, url)
	}
	c.mu.Unlock()
	cn.close()
}

var _ messaging.Stub = (*ClientStub)(nil)

// ClientStub sends messages to a WebSocket server.
type ClientStub struct {
	client *Client
	url    string
}

// Transmit connects if needed and writes the message on its own goroutine.
func (st *ClientStub) Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error)) {
	data, err := st.client.codec.Marshal(msg)
	if err != nil {
		onFailure(messaging.NotSent(err))
		return
	}
	go func() {
		cn, err := st.client.connect(ctx, st.url)
		if err != nil {
			onFailure(err)
			return
		}
		if err := cn.write(websocket.BinaryMessage, data); err != nil {
			st.client.drop(st.url, cn)
			onFailure(err)
			return
		}
		onSuccess()
	}()
}
