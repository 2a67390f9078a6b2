// Package alert publishes run events and alerts to NATS.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/logger"
)

const DefaultSubject = "syncflow"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events to "<subject>.events" and alerts to "<subject>.alerts".
type NATSSink struct {
	conn    *nats.Conn
	pub     publisher
	subject string
	// Events are published only when EmitEvents is set; alerts always are.
	EmitEvents bool
}

func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("syncflow"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: conn, pub: conn, subject: subject}, nil
}

func (s *NATSSink) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.pub.Publish(subject, data)
}

func (s *NATSSink) Emit(_ context.Context, ev etl.Event) {
	if !s.EmitEvents {
		return
	}
	if err := s.publish(s.subject+".events", ev); err != nil {
		logger.Warnf("Failed to publish %s event: %v", ev.Kind, err)
	}
}

func (s *NATSSink) Alert(_ context.Context, a etl.AlertEvent) error {
	if err := s.publish(s.subject+".alerts", a); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
			return err
		}
	}
	return nil
}
