package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinova/clinova/internal/domain/billing"
	"github.com/clinova/clinova/internal/platform/db"
)

// BillingPublisher forwards billing audit events to subscribed webhook
// endpoints. Delivery happens on a separate goroutine so that request
// handling never blocks on slow subscribers.
type BillingPublisher struct {
	manager *Manager
	logger  zerolog.Logger
	timeout time.Duration
}

// NewBillingPublisher creates a publisher backed by the given manager.
func NewBillingPublisher(manager *Manager, logger zerolog.Logger, timeout time.Duration) *BillingPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BillingPublisher{manager: manager, logger: logger, timeout: timeout}
}

// Publish implements billing.EventPublisher. The tenant is taken from the
// request context so deliveries only reach that tenant's endpoints.
func (p *BillingPublisher) Publish(ctx context.Context, ev *billing.AuditEvent) {
	tenantID := db.TenantFromContext(ctx)

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", ev.EventType).Msg("failed to marshal audit event")
		return
	}

	event := Event{
		ID:           uuid.New().String(),
		Type:         ev.EventType,
		ResourceType: "invoice",
		ResourceID:   ev.InvoiceID.String(),
		TenantID:     tenantID,
		Payload:      payload,
		Timestamp:    ev.CreatedAt,
	}

	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		results := p.manager.Deliver(dctx, event)
		for _, r := range results {
			if !r.Success {
				p.logger.Warn().
					Str("endpoint_id", r.EndpointID).
					Str("event_type", event.Type).
					Int("status_code", r.StatusCode).
					Str("error", r.Error).
					Msg("webhook delivery failed")
			}
		}
	}()
}
