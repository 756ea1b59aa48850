// Package bus republishes market data snapshots onto NATS so services other
// than websocket clients can consume the feed.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/pkg/md"
)

// Client wraps a NATS connection with the gateway's publishing conventions.
type Client struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// Connect dials the NATS server with unlimited reconnects. Publishing is
// fire-and-forget; a dropped connection buffers and replays.
func Connect(url string) (*Client, error) {
	logger := logrus.WithField("component", "bus")

	opts := []nats.Option{
		nats.Name("mdgateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Errorf("NATS error: %v", err)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn, logger: logger}, nil
}

// SnapshotSubject returns the subject a snapshot is published on.
func SnapshotSubject(source md.Source, instrument string) string {
	return fmt.Sprintf("md.%s.%s", source, instrument)
}

// PublishSnapshot publishes one snapshot as JSON on md.<source>.<instrument>.
func (c *Client) PublishSnapshot(source md.Source, snap *md.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.conn.Publish(SnapshotSubject(source, snap.InstrumentID), data); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Flush(); err != nil {
			c.logger.Warnf("NATS flush on close: %v", err)
		}
		c.conn.Close()
	}
}
