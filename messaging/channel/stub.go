// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package channel posts messages to an HTTP bounce proxy channel.
package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/joynr/address"
	"github.com/absmach/joynr/message"
	"github.com/absmach/joynr/messaging"
)

const contentType = "application/msgpack"

// Factory creates stubs for channel addresses sharing one HTTP client.
type Factory struct {
	client *http.Client
	codec  message.Codec
}

// NewFactory returns a channel stub factory. A zero timeout defaults to 30s.
func NewFactory(codec message.Codec, timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Factory{
		client: &http.Client{Timeout: timeout},
		codec:  codec,
	}
}

// Create implements messaging.StubFactory.
func (f *Factory) Create(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %v", messaging.ErrNoStub, addr)
	}
	return &Stub{factory: f, url: MessageURL(a)}, nil
}

// MessageURL returns the URL messages for a are posted to.
func MessageURL(a address.Channel) string {
	base := a.EndpointURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "channels/" + a.ChannelID + "/message/"
}

var _ messaging.Stub = (*Stub)(nil)

// Stub posts messages to one channel.
type Stub struct {
	factory *Factory
	url     string
}

// Transmit posts the message on its own goroutine. A 4xx answer means the
// proxy will never accept the message and is not retried.
func (s *Stub) Transmit(ctx context.Context, msg *message.Message, onSuccess func(), onFailure func(error)) {
	data, err := s.factory.codec.Marshal(msg)
	if err != nil {
		onFailure(messaging.NotSent(err))
		return
	}
	go func() {
		if err := s.post(ctx, data); err != nil {
			onFailure(err)
			return
		}
		onSuccess()
	}()
}

func (s *Stub) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return messaging.NotSent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.factory.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return messaging.NotSent(fmt.Errorf("bounce proxy returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("bounce proxy returned status %d", resp.StatusCode)
	}
}
