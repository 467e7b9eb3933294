package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// EmailPoller polls a mail-gateway REST feed for new messages. The gateway
// exposes messages in arrival order; the cursor is the last consumed
// message id.
type EmailPoller struct {
	name     string
	feedURL  string // gateway endpoint, e.g. https://mailgw/internal/messages
	mailbox  string
	submit   Submitter
	cursor   Cursor
	rollup   *Rollup
	interval time.Duration
	httpc    *http.Client
	logger   *log.Logger
}

// NewEmailPoller creates a poller over a mail gateway feed.
func NewEmailPoller(name, feedURL, mailbox string, submit Submitter, cursor Cursor, rollup *Rollup, interval time.Duration) *EmailPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &EmailPoller{
		name:     name,
		feedURL:  feedURL,
		mailbox:  mailbox,
		submit:   submit,
		cursor:   cursor,
		rollup:   rollup,
		interval: interval,
		httpc:    &http.Client{Timeout: 20 * time.Second},
		logger:   log.New(log.Writer(), "[EMAIL] ", log.LstdFlags),
	}
}

// Name identifies the poller in cursors and rollups.
func (p *EmailPoller) Name() string { return p.name }

// gatewayMessage is one message from the mail gateway feed.
type gatewayMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	From       string    `json:"from"`
	FromName   string    `json:"from_name"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"body_text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Run polls until ctx is cancelled.
func (p *EmailPoller) Run(ctx context.Context) error {
	since, err := p.cursor.Load(ctx, p.name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	for {
		next, err := p.pollOnce(ctx, since)
		if err != nil {
			return err
		}
		if next != since {
			since = next
			if err := p.cursor.Store(ctx, p.name, since); err != nil {
				p.logger.Printf("cursor store failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

func (p *EmailPoller) pollOnce(ctx context.Context, since string) (string, error) {
	url := p.feedURL + "?mailbox=" + p.mailbox
	if since != "" {
		url += "&after=" + since
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return since, err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return since, fmt.Errorf("mail gateway poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return since, fmt.Errorf("mail gateway returned %d", resp.StatusCode)
	}

	var messages []gatewayMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return since, fmt.Errorf("decode feed: %w", err)
	}

	accepted, duplicate, rejected := 0, 0, 0
	last := since
	for i := range messages {
		msg := &messages[i]
		ar, err := p.submit.Submit(ctx, p.translate(msg))
		switch {
		case err != nil:
			rejected++
			p.logger.Printf("message %s rejected: %v", msg.ID, err)
		case ar.Duplicate:
			duplicate++
		default:
			accepted++
		}
		last = msg.ID
	}

	if p.rollup != nil {
		if err := p.rollup.Bump(ctx, p.name, accepted, duplicate, rejected); err != nil {
			p.logger.Printf("%v", err)
		}
	}
	return last, nil
}

// translate maps a gateway message onto the canonical envelope. Email is
// bulk-tier by default; the subject is folded into the normalized text so
// triage rules can match on it.
func (p *EmailPoller) translate(msg *gatewayMessage) *contract.Envelope {
	raw, _ := json.Marshal(msg)
	text := msg.BodyText
	if msg.Subject != "" {
		text = msg.Subject + "\n" + msg.BodyText
	}

	return &contract.Envelope{
		SchemaVersion: contract.SchemaIngestV1,
		Source: contract.Source{
			Channel:          "email",
			Provider:         "mail-gateway",
			EndpointIdentity: p.mailbox,
		},
		Event: contract.Event{
			ExternalEventID:  msg.ID,
			ExternalThreadID: msg.ThreadID,
			ObservedAt:       msg.ReceivedAt,
		},
		Sender: contract.Sender{
			Identity: msg.From,
			Display:  msg.FromName,
		},
		Payload: contract.Payload{
			Raw:            raw,
			NormalizedText: text,
		},
		Control: contract.Control{PolicyTier: contract.TierBulk},
	}
}
