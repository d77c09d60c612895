package escrow

import (
	"strconv"
	"strings"
)

const (
	EventTypeEscrowHeld            = "escrow.held"
	EventTypeEscrowAccrued         = "escrow.accrued"
	EventTypeEscrowReleased        = "escrow.released"
	EventTypeEscrowForfeited       = "escrow.forfeited"
	EventTypeEscrowRefunded        = "escrow.refunded"
	EventTypeEscrowPartial         = "escrow.partial"
	EventTypeDisputeFiled          = "escrow.dispute.filed"
	EventTypeDisputeResolved       = "escrow.dispute.resolved"
	EventTypeReconciliationFlagged = "escrow.reconciliation.flagged"
)

// Event is the concrete payload emitted by the engine. It satisfies the
// events.Event interface consumed by the outbox and stream subscribers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventType implements the events.Event interface.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// NewHeldEvent returns the canonical event payload for a newly held escrow.
func NewHeldEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowHeld, e, nil) }

// NewAccruedEvent returns the event payload for one applied accrual increment,
// carrying the gross increment and the retained fee.
func NewAccruedEvent(e *Escrow, increment, fee string) *Event {
	return newEscrowEvent(EventTypeEscrowAccrued, e, map[string]string{
		"increment": increment,
		"fee":       fee,
	})
}

// NewReleasedEvent returns the event payload for a completed release.
func NewReleasedEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowReleased, e, nil) }

// NewForfeitedEvent returns the event payload for a completed forfeit.
func NewForfeitedEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowForfeited, e, nil) }

// NewRefundedEvent returns the event payload for a completed refund.
func NewRefundedEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowRefunded, e, nil) }

// NewPartialEvent returns the event payload emitted when a distribution moved
// funds for only a subset of recipients.
func NewPartialEvent(e *Escrow, op string) *Event {
	return newEscrowEvent(EventTypeEscrowPartial, e, map[string]string{"operation": op})
}

// NewDisputeFiledEvent returns the event payload emitted when a stakeholder
// files a grievance.
func NewDisputeFiledEvent(d *Dispute) *Event { return newDisputeEvent(EventTypeDisputeFiled, d) }

// NewDisputeResolvedEvent returns the event payload emitted when an
// adjudicator closes a dispute.
func NewDisputeResolvedEvent(d *Dispute) *Event { return newDisputeEvent(EventTypeDisputeResolved, d) }

// NewReconciliationFlaggedEvent returns the event payload emitted when a
// reconciliation pass detects drift. The redrive key is a fresh recon-scoped
// idempotency key for the compensating distribution re-drive.
func NewReconciliationFlaggedEvent(e *Escrow, anomaly, detail, redriveKey string) *Event {
	return newEscrowEvent(EventTypeReconciliationFlagged, e, map[string]string{
		"anomaly":    anomaly,
		"detail":     detail,
		"redriveKey": redriveKey,
	})
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) *Event {
	attrs := make(map[string]string)
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = sanitized.ID
	attrs["goalId"] = sanitized.GoalID
	attrs["status"] = sanitized.Status.String()
	attrs["currency"] = sanitized.Currency
	attrs["totalPrincipal"] = sanitized.TotalPrincipal().String()
	attrs["accruedAmount"] = sanitized.AccruedAmount.String()
	attrs["stakeholders"] = strconv.Itoa(len(sanitized.Stakeholders))
	for k, v := range extra {
		if strings.TrimSpace(v) != "" {
			attrs[k] = v
		}
	}
	return &Event{Type: eventType, Attributes: attrs}
}

func newDisputeEvent(eventType string, d *Dispute) *Event {
	attrs := make(map[string]string)
	if d == nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	attrs["disputeId"] = d.ID
	attrs["goalId"] = d.GoalID
	attrs["escrowId"] = d.EscrowID
	attrs["filedBy"] = d.FiledBy
	attrs["status"] = string(d.Status)
	attrs["createdAt"] = strconv.FormatInt(d.CreatedAt, 10)
	if d.Decision != "" {
		attrs["decision"] = string(d.Decision)
	}
	if d.DecisionBy != "" {
		attrs["decisionBy"] = d.DecisionBy
	}
	return &Event{Type: eventType, Attributes: attrs}
}
