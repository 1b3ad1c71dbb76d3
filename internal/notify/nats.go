package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by NATS.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each message as JSON on a fixed subject.
type NATS struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a notifier that owns the connection.
func ConnectNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("subgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] nats disconnected: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}
	return &NATS{pub: nc, subject: subject, conn: nc}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Notify(_ context.Context, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		log.Printf("[notify] nats publish %s: %v", n.subject, err)
		return false
	}
	return true
}

// Close drains the owned connection, if any.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
