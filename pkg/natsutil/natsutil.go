// Package natsutil provides typed NATS publish helpers with OpenTelemetry
// trace propagation through message headers.
package natsutil

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Inject copies the trace context from ctx into the message headers.
func Inject(ctx context.Context, msg *nats.Msg) {
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
}

// Extract returns a context carrying the trace context from the message
// headers, or the parent unchanged when none is present.
func Extract(parent context.Context, msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(parent, (*headerCarrier)(msg))
}

// Publish serializes v as JSON and publishes it to the given subject with
// the trace context from ctx injected into the message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	Inject(ctx, msg)
	return nc.PublishMsg(msg)
}
