package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject prefix escalation events publish under.
const DefaultNATSSubject = "acgs.escalations"

// publisher is the subset of *nats.Conn the sender needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSender publishes notifications to NATS as
// "<subject>.<level>.<conflict_id>".
type NATSSender struct {
	conn    publisher
	subject string
}

// ConnectNATS dials a NATS server with reconnect enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("acgs-escalation"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSSender creates a sender over an established connection.
func NewNATSSender(nc *nats.Conn, subject string) *NATSSender {
	return newNATSSender(nc, subject)
}

func newNATSSender(p publisher, subject string) *NATSSender {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSender{conn: p, subject: subject}
}

// Send implements Sender.
func (s *NATSSender) Send(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", s.subject, p.Level, p.ConflictID)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish escalation event: %w", err)
	}
	return nil
}
