package telegram

import (
	"context"
	"fmt"

	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/ports"
)

// Dispatcher sends notification batches to user chats.
type Dispatcher struct {
	client *Client
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher wraps a Bot API client.
func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// SendBatch sends the header, each entry and the footer lines in order.
// The returned count covers entries only and stops at the first failure.
func (d *Dispatcher) SendBatch(ctx context.Context, chatID int64, batch domain.Batch) (int, error) {
	if batch.Header != "" {
		if err := d.client.SendMessage(ctx, chatID, batch.Header, nil); err != nil {
			return 0, fmt.Errorf("send header: %w", err)
		}
	}

	delivered := 0
	for _, entry := range batch.Entries {
		if err := d.client.pause(ctx); err != nil {
			return delivered, err
		}
		if err := d.client.SendMessage(ctx, chatID, entry.Text, toButtons(entry.Links)); err != nil {
			return delivered, fmt.Errorf("send entry for watch %d: %w", entry.WatchID, err)
		}
		delivered++
	}

	for _, line := range batch.Footer {
		if err := d.client.pause(ctx); err != nil {
			return delivered, err
		}
		if err := d.client.SendMessage(ctx, chatID, line, nil); err != nil {
			return delivered, fmt.Errorf("send footer: %w", err)
		}
	}
	return delivered, nil
}

func toButtons(links []domain.Link) []inlineButton {
	buttons := make([]inlineButton, 0, len(links))
	for _, link := range links {
		buttons = append(buttons, inlineButton{Text: link.Label, URL: link.URL})
	}
	return buttons
}

// Alerter forwards operator alerts to the admin chat.
type Alerter struct {
	client      *Client
	adminChatID int64
}

var _ ports.Alerter = (*Alerter)(nil)

// NewAlerter returns nil when no admin chat is configured.
func NewAlerter(client *Client, adminChatID int64) *Alerter {
	if client == nil || adminChatID == 0 {
		return nil
	}
	return &Alerter{client: client, adminChatID: adminChatID}
}

// Alert sends "[bot] message" to the admin chat.
func (a *Alerter) Alert(ctx context.Context, message string) error {
	if a == nil {
		return nil
	}
	return a.client.SendMessage(ctx, a.adminChatID, "[🤖] "+message, nil)
}
