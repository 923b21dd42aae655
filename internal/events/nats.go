package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Conn is the part of *nats.Conn the forwarder uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}

// NATSForwarder republishes bus events as JSON on
// <prefix>.<topic>.<type>, e.g. devflow.events.task_123.step_completed.
type NATSForwarder struct {
	conn   Conn
	prefix string
}

func NewNATSForwarder(conn Conn, prefix string) *NATSForwarder {
	if prefix == "" {
		prefix = "devflow.events"
	}
	return &NATSForwarder{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (f *NATSForwarder) Subject(e Event) string {
	return f.prefix + "." + token(e.Topic()) + "." + token(string(e.Type))
}

// Run forwards events from sub until ctx is done or the subscription closes.
func (f *NATSForwarder) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			f.forward(e)
		}
	}
}

func (f *NATSForwarder) forward(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", string(e.Type)).Msg("encode event")
		return
	}
	subject := f.Subject(e)
	if err := f.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
