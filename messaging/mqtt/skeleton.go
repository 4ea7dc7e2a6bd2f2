// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
	"github.com/absmach/joynr/topics"
	paho "github.com/eclipse/paho.mqtt.golang"
)

var _ messaging.MulticastSkeleton = (*Skeleton)(nil)

// SkeletonConfig configures the inbound side.
type SkeletonConfig struct {
	// ReplyToTopic is the topic this runtime is reachable at on every backend.
	ReplyToTopic string

	// MulticastTopicPrefix is prepended to multicast ids.
	MulticastTopicPrefix string

	QoS     byte
	Timeout time.Duration
}

// Skeleton subscribes to the reply-to topic and to multicast topics on
// every backend and passes inbound messages to a receiver.
type Skeleton struct {
	cfg      SkeletonConfig
	clients  *Clients
	codec    message.Codec
	receiver address.MessageReceiver
	logger   *slog.Logger

	mu   sync.Mutex
	refs map[string]int // multicast topic -> subscriptions
}

// NewSkeleton creates a skeleton. It resubscribes its topics whenever a
// client reconnects.
func NewSkeleton(cfg SkeletonConfig, clients *Clients, codec message.Codec, receiver address.MessageReceiver, logger *slog.Logger) *Skeleton {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Skeleton{
		cfg:      cfg,
		clients:  clients,
		codec:    codec,
		receiver: receiver,
		logger:   logger,
		refs:     make(map[string]int),
	}
	clients.OnConnect(s.resubscribe)
	return s
}

// ReplyTo returns the address this runtime is reachable at on gbid.
func (s *Skeleton) ReplyTo(gbid string) address.MQTT {
	return address.MQTT{BrokerURI: gbid, Topic: s.cfg.ReplyToTopic}
}

// OwnAddresses returns the reply-to address of every backend.
func (s *Skeleton) OwnAddresses() []address.Address {
	gbids := s.clients.GBIDs()
	addrs := make([]address.Address, 0, len(gbids))
	for _, gbid := range gbids {
		addrs = append(addrs, s.ReplyTo(gbid))
	}
	return addrs
}

// Start subscribes the reply-to topic on every backend.
func (s *Skeleton) Start() error {
	for _, gbid := range s.clients.GBIDs() {
		cl, err := s.clients.Get(gbid)
		if err != nil {
			return err
		}
		if err := s.subscribe(gbid, cl, s.cfg.ReplyToTopic); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMulticastSubscription subscribes the topic of multicastID, which
// may contain wildcards, on every backend.
func (s *Skeleton) RegisterMulticastSubscription(multicastID string) error {
	topic := s.multicastTopic(multicastID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[topic]++
	if s.refs[topic] > 1 {
		return nil
	}
	for _, gbid := range s.clients.GBIDs() {
		cl, err := s.clients.Get(gbid)
		if err == nil {
			err = s.subscribe(gbid, cl, topic)
		}
		if err != nil {
			s.refs[topic]--
			if s.refs[topic] == 0 {
				delete(s.refs, topic)
			}
			return err
		}
	}
	return nil
}

// UnregisterMulticastSubscription drops one subscription of multicastID and
// unsubscribes the topic once none is left.
func (s *Skeleton) UnregisterMulticastSubscription(multicastID string) error {
	topic := s.multicastTopic(multicastID)

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.refs[topic]
	if !ok {
		return nil
	}
	if n > 1 {
		s.refs[topic] = n - 1
		return nil
	}
	delete(s.refs, topic)

	var firstErr error
	for _, gbid := range s.clients.GBIDs() {
		cl, err := s.clients.Get(gbid)
		if err == nil {
			err = s.wait(cl.Unsubscribe(topic))
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe %s on %s: %w", topic, gbid, err)
		}
	}
	return firstErr
}

func (s *Skeleton) multicastTopic(multicastID string) string {
	return topics.WithPrefix(s.cfg.MulticastTopicPrefix, topics.MulticastToMQTT(multicastID))
}

func (s *Skeleton) subscribe(gbid string, cl Client, topic string) error {
	if err := s.wait(cl.Subscribe(topic, s.cfg.QoS, s.handler(gbid))); err != nil {
		return fmt.Errorf("subscribe %s on %s: %w", topic, gbid, err)
	}
	s.logger.Debug("mqtt subscribed", slog.String("gbid", gbid), slog.String("topic", topic))
	return nil
}

func (s *Skeleton) resubscribe(gbid string, cl Client) {
	s.mu.Lock()
	topicList := make([]string, 0, len(s.refs)+1)
	for topic := range s.refs {
		topicList = append(topicList, topic)
	}
	s.mu.Unlock()
	topicList = append(topicList, s.cfg.ReplyToTopic)

	// Subscribing blocks on the broker ack, which paho only delivers once
	// the connect handler returned.
	go func() {
		for _, topic := range topicList {
			if err := s.subscribe(gbid, cl, topic); err != nil {
				s.logger.Warn("mqtt resubscribe failed",
					slog.String("gbid", gbid),
					slog.String("topic", topic),
					slog.String("error", err.Error()))
			}
		}
	}()
}

func (s *Skeleton) wait(tok paho.Token) error {
	if !tok.WaitTimeout(s.cfg.Timeout) {
		return ErrTimeout
	}
	return tok.Error()
}

func (s *Skeleton) handler(gbid string) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		msg, err := s.codec.Unmarshal(m.Payload())
		if err != nil {
			s.logger.Warn("dropping undecodable mqtt message",
				slog.String("gbid", gbid),
				slog.String("topic", m.Topic()),
				slog.String("error", err.Error()))
			return
		}
		if _, ok := msg.Header(message.HeaderGBID); !ok {
			msg.SetHeader(message.HeaderGBID, gbid)
		}
		msg.ReceivedFromGlobal = true
		if err := s.receiver.Receive(msg); err != nil {
			s.logger.Warn("inbound mqtt message rejected",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}
}
