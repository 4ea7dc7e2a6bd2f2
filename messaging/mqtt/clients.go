// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt carries joynr messages over MQTT brokers, one connection per
// backend (GBID).
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrUnknownGBID = errors.New("unknown gbid")
	ErrTimeout     = errors.New("mqtt operation timed out")
	ErrClosed      = errors.New("mqtt clients closed")
)

// Config configures the broker connections.
type Config struct {
	// Brokers maps each GBID to a broker URL such as tcp://localhost:1883.
	Brokers        map[string]string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
}

// Client is the part of a paho client used here.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// Dialer connects to the broker of one GBID. onConnect must be called on
// every (re)connection.
type Dialer func(gbid, brokerURL string, onConnect func(Client)) (Client, error)

// Clients keeps one lazily connected client per GBID.
type Clients struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
	hooks   []func(gbid string, c Client)
	closed  bool
}

// NewClients creates the connection pool. A nil dial connects with paho.
func NewClients(cfg Config, dial Dialer, logger *slog.Logger) *Clients {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	c := &Clients{
		cfg:     cfg,
		dial:    dial,
		logger:  logger,
		clients: make(map[string]Client),
	}
	if c.dial == nil {
		c.dial = c.pahoDial
	}
	return c
}

// GBIDs returns the configured backends in sorted order.
func (c *Clients) GBIDs() []string {
	gbids := make([]string, 0, len(c.cfg.Brokers))
	for gbid := range c.cfg.Brokers {
		gbids = append(gbids, gbid)
	}
	slices.Sort(gbids)
	return gbids
}

// OnConnect registers fn to run after every (re)connection.
func (c *Clients) OnConnect(fn func(gbid string, cl Client)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Get returns the client of gbid, connecting it on first use.
func (c *Clients) Get(gbid string) (Client, error) {
	url, ok := c.cfg.Brokers[gbid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGBID, gbid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if cl, ok := c.clients[gbid]; ok {
		return cl, nil
	}

	cl, err := c.dial(gbid, url, func(cl Client) { c.connected(gbid, cl) })
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s (%s): %w", gbid, url, err)
	}
	c.clients[gbid] = cl
	c.logger.Info("mqtt client connected", slog.String("gbid", gbid), slog.String("broker", url))
	return cl, nil
}

// Close disconnects every client.
func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for gbid, cl := range c.clients {
		cl.Disconnect(250)
		delete(c.clients, gbid)
	}
}

func (c *Clients) connected(gbid string, cl Client) {
	c.mu.Lock()
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(gbid, cl)
	}
}

func (c *Clients) pahoDial(gbid, brokerURL string, onConnect func(Client)) (Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(c.cfg.ClientID + "-" + gbid).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetOnConnectHandler(func(pc paho.Client) { onConnect(pc) }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("mqtt connection lost", slog.String("gbid", gbid), slog.String("error", err.Error()))
		})
	if c.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.KeepAlive)
	}

	cl := paho.NewClient(opts)
	tok := cl.Connect()
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		return nil, ErrTimeout
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return cl, nil
}
