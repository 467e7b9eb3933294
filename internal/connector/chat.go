package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// ChatConnector consumes a chat provider's websocket feed. Unlike the
// pollers it has no cursor: the feed is live-only and the dedup window
// absorbs reconnect replays.
type ChatConnector struct {
	name     string
	feedURL  string
	endpoint string // endpoint identity reported in envelopes
	submit   Submitter
	rollup   *Rollup
	dialer   *websocket.Dialer
	logger   *log.Logger
}

// NewChatConnector creates a websocket chat connector.
func NewChatConnector(name, feedURL, endpoint string, submit Submitter, rollup *Rollup) *ChatConnector {
	return &ChatConnector{
		name:     name,
		feedURL:  feedURL,
		endpoint: endpoint,
		submit:   submit,
		rollup:   rollup,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
	}
}

// Name identifies the connector in rollups.
func (c *ChatConnector) Name() string { return c.name }

// chatMessage is one frame from the chat feed.
type chatMessage struct {
	EventID   string    `json:"event_id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Run dials the feed and consumes frames until ctx is cancelled or the
// connection drops (the manager redials with backoff).
func (c *ChatConnector) Run(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.feedURL, nil)
	if err != nil {
		return fmt.Errorf("dial chat feed: %w", err)
	}
	defer conn.Close()
	c.logger.Printf("%s connected to %s", c.name, c.feedURL)

	// Close the socket when ctx dies so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Keepalive pings; the feed drops silent clients.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read chat frame: %w", err)
		}

		var msg chatMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.logger.Printf("unparseable frame: %v", err)
			continue
		}
		if msg.EventID == "" || msg.Text == "" {
			continue
		}

		ar, err := c.submit.Submit(ctx, c.translate(&msg, frame))
		if c.rollup != nil {
			accepted, duplicate, rejected := 0, 0, 0
			switch {
			case err != nil:
				rejected = 1
			case ar.Duplicate:
				duplicate = 1
			default:
				accepted = 1
			}
			if rerr := c.rollup.Bump(ctx, c.name, accepted, duplicate, rejected); rerr != nil {
				c.logger.Printf("%v", rerr)
			}
		}
		if err != nil {
			c.logger.Printf("event %s rejected: %v", msg.EventID, err)
		}
	}
}

// translate maps a chat frame onto the canonical envelope. The room is the
// external thread.
func (c *ChatConnector) translate(msg *chatMessage, raw []byte) *contract.Envelope {
	observed := msg.Timestamp
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	return &contract.Envelope{
		SchemaVersion: contract.SchemaIngestV1,
		Source: contract.Source{
			Channel:          "chat",
			Provider:         c.name,
			EndpointIdentity: c.endpoint,
		},
		Event: contract.Event{
			ExternalEventID:  msg.EventID,
			ExternalThreadID: msg.RoomID,
			ObservedAt:       observed,
		},
		Sender: contract.Sender{
			Identity: msg.UserID,
			Display:  msg.UserName,
		},
		Payload: contract.Payload{
			Raw:            raw,
			NormalizedText: msg.Text,
		},
		Control: contract.Control{PolicyTier: contract.TierRealtime},
	}
}
