package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// TelegramPoller long-polls the Telegram Bot API and translates each update
// into an ingest.v1 envelope. The cursor is Telegram's update offset.
type TelegramPoller struct {
	name     string
	apiBase  string // https://api.telegram.org/bot<token>
	botID    string
	submit   Submitter
	cursor   Cursor
	rollup   *Rollup
	interval time.Duration
	httpc    *http.Client
	logger   *log.Logger
}

// NewTelegramPoller creates a poller. rollup may be nil.
func NewTelegramPoller(name, apiBase, botID string, submit Submitter, cursor Cursor, rollup *Rollup, interval time.Duration) *TelegramPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &TelegramPoller{
		name:     name,
		apiBase:  apiBase,
		botID:    botID,
		submit:   submit,
		cursor:   cursor,
		rollup:   rollup,
		interval: interval,
		httpc:    &http.Client{Timeout: 35 * time.Second},
		logger:   log.New(log.Writer(), "[TELEGRAM] ", log.LstdFlags),
	}
}

// Name identifies the poller in cursors and rollups.
func (p *TelegramPoller) Name() string { return p.name }

// telegramUpdate is the subset of the Bot API update we translate.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Date      int64  `json:"date"`
		Text      string `json:"text"`
		From      struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type telegramResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// Run polls until ctx is cancelled.
func (p *TelegramPoller) Run(ctx context.Context) error {
	offset, err := p.cursor.Load(ctx, p.name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	for {
		next, err := p.pollOnce(ctx, offset)
		if err != nil {
			return err
		}
		if next != offset {
			offset = next
			if err := p.cursor.Store(ctx, p.name, offset); err != nil {
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

func (p *TelegramPoller) pollOnce(ctx context.Context, offset string) (string, error) {
	url := p.apiBase + "/getUpdates?timeout=30"
	if offset != "" {
		url += "&offset=" + offset
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return offset, err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return offset, fmt.Errorf("getUpdates: %w", err)
	}
	defer resp.Body.Close()

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return offset, fmt.Errorf("decode getUpdates: %w", err)
	}
	if !tr.OK {
		return offset, fmt.Errorf("telegram api returned not-ok")
	}

	accepted, duplicate, rejected := 0, 0, 0
	var maxID int64
	for _, u := range tr.Result {
		if u.UpdateID > maxID {
			maxID = u.UpdateID
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}

		env := p.translate(&u)
		ar, err := p.submit.Submit(ctx, env)
		switch {
		case err != nil:
			rejected++
			p.logger.Printf("update %d rejected: %v", u.UpdateID, err)
		case ar.Duplicate:
			duplicate++
		default:
			accepted++
		}
	}

	if p.rollup != nil {
		if err := p.rollup.Bump(ctx, p.name, accepted, duplicate, rejected); err != nil {
			p.logger.Printf("%v", err)
		}
	}

	if maxID > 0 {
		return strconv.FormatInt(maxID+1, 10), nil
	}
	return offset, nil
}

// translate maps a Telegram update onto the canonical envelope. The chat id
// is the external thread; the update id is the external event id.
func (p *TelegramPoller) translate(u *telegramUpdate) *contract.Envelope {
	raw, _ := json.Marshal(u)
	sender := strconv.FormatInt(u.Message.From.ID, 10)
	display := u.Message.From.Username
	if display == "" {
		display = u.Message.From.FirstName
	}

	return &contract.Envelope{
		SchemaVersion: contract.SchemaIngestV1,
		Source: contract.Source{
			Channel:          "telegram",
			Provider:         "telegram-bot",
			EndpointIdentity: p.botID,
		},
		Event: contract.Event{
			ExternalEventID:  strconv.FormatInt(u.UpdateID, 10),
			ExternalThreadID: strconv.FormatInt(u.Message.Chat.ID, 10),
			ObservedAt:       time.Unix(u.Message.Date, 0).UTC(),
		},
		Sender: contract.Sender{
			Identity: sender,
			Display:  display,
		},
		Payload: contract.Payload{
			Raw:            raw,
			NormalizedText: u.Message.Text,
		},
		Control: contract.Control{PolicyTier: contract.TierRealtime},
	}
}
