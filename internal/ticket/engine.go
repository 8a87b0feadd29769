package ticket

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/ticket-desk/internal/apperror"
)

// DestinationKind selects how a close request settles a ticket
type DestinationKind string

const (
	KindPay        DestinationKind = "PAY"
	KindRoomCharge DestinationKind = "ROOM_CHARGE"
)

// Destination is the operator's choice when closing a ticket
type Destination struct {
	Kind     DestinationKind   `json:"kind"`
	Method   Method            `json:"method,omitempty"`
	Amount   *decimal.Decimal  `json:"amount,omitempty"`
	Metadata *TransferMetadata `json:"metadata,omitempty"`

	RoomOrClient string `json:"room_or_client,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Pay builds a payment destination
func Pay(method Method, amount decimal.Decimal, meta *TransferMetadata) Destination {
	return Destination{Kind: KindPay, Method: method, Amount: &amount, Metadata: meta}
}

// ChargeToRoom builds a room-charge destination
func ChargeToRoom(roomOrClient string) Destination {
	return Destination{Kind: KindRoomCharge, RoomOrClient: roomOrClient}
}

// Settlement describes how a ticket is settled once its total is covered
type Settlement struct {
	Status         Status                     `json:"status"`
	Label          string                     `json:"label"`
	Metadata       []TransferMetadata         `json:"metadata,omitempty"`
	TotalsByMethod map[string]decimal.Decimal `json:"totals_by_method"`
	Receivable     decimal.Decimal            `json:"receivable"`
	RoomOrClient   string                     `json:"room_or_client,omitempty"`
	Notes          string                     `json:"notes,omitempty"`

	// Closed is set once the backend acknowledged the closure
	Closed bool `json:"closed"`
}

func (s *Settlement) clone() *Settlement {
	c := *s
	c.Metadata = slices.Clone(s.Metadata)
	c.TotalsByMethod = maps.Clone(s.TotalsByMethod)
	return &c
}

// Transition is the outcome of planning a close request against a ticket.
// Nothing is applied to the ticket until the caller persisted it.
type Transition struct {
	From        Status
	To          Status
	Payment     *Payment
	Paid        decimal.Decimal
	Remaining   decimal.Decimal
	Overpayment *apperror.OverpaymentWarning
	Settlement  *Settlement
}

// Engine decides ticket state transitions
type Engine struct {
	tolerance decimal.Decimal
}

// NewEngine creates a new Engine
func NewEngine() *Engine {
	return &Engine{tolerance: Tolerance}
}

// Plan validates a close request and computes the resulting transition.
// It does not modify the ticket.
func (e *Engine) Plan(t *Ticket, dest Destination, now time.Time) (*Transition, error) {
	if t.Status.Terminal() {
		return nil, &apperror.TicketAlreadyClosedError{TicketID: t.ID, Status: string(t.Status)}
	}

	total := t.Total()
	if len(t.Items) == 0 || !total.IsPositive() {
		return nil, &apperror.EmptyTicketError{TicketID: t.ID}
	}

	switch dest.Kind {
	case KindRoomCharge:
		return e.planRoomCharge(t, dest, total)
	case KindPay:
		return e.planPayment(t, dest, total, now)
	default:
		return nil, apperror.NewValidationError("kind", fmt.Sprintf("unknown destination %q", dest.Kind))
	}
}

func (e *Engine) planRoomCharge(t *Ticket, dest Destination, total decimal.Decimal) (*Transition, error) {
	if t.Status != StatusOpen {
		return nil, &apperror.TransitionError{TicketID: t.ID, Status: string(t.Status), Action: "charge to a room"}
	}
	room := strings.TrimSpace(dest.RoomOrClient)
	if room == "" {
		return nil, apperror.NewValidationError("room_or_client", "room or client is required")
	}

	return &Transition{
		From:      t.Status,
		To:        StatusRoomCharged,
		Paid:      decimal.Zero,
		Remaining: decimal.Zero,
		Settlement: &Settlement{
			Status:         StatusRoomCharged,
			Label:          LabelRoomCharge,
			TotalsByMethod: map[string]decimal.Decimal{},
			Receivable:     total,
			RoomOrClient:   room,
			Notes:          dest.Notes,
		},
	}, nil
}

func (e *Engine) planPayment(t *Ticket, dest Destination, total decimal.Decimal, now time.Time) (*Transition, error) {
	var (
		amount decimal.Decimal
		meta   *TransferMetadata
	)

	switch dest.Method {
	case MethodCash:
		if t.Status != StatusOpen {
			return nil, &apperror.TransitionError{TicketID: t.ID, Status: string(t.Status), Action: "pay in cash"}
		}
		if dest.Amount != nil && !e.equal(*dest.Amount, total) {
			return nil, apperror.NewValidationError("amount", fmt.Sprintf("cash must cover the full total of %s", total))
		}
		amount = total

	case MethodCard:
		if t.Status != StatusOpen {
			return nil, &apperror.TransitionError{TicketID: t.ID, Status: string(t.Status), Action: "pay by card"}
		}
		if dest.Metadata != nil {
			if strings.TrimSpace(dest.Metadata.Operation) == "" {
				return nil, apperror.NewValidationError("metadata.operation", "operation number is required")
			}
			m := *dest.Metadata
			meta = &m
		}
		amount = total

	case MethodTransfer:
		validation := &apperror.ValidationError{}
		if dest.Amount != nil {
			amount = *dest.Amount
		} else if dest.Metadata != nil {
			amount = dest.Metadata.Amount
		}
		if !amount.IsPositive() {
			validation.Add("amount", "transfer amount must be positive")
		}
		if dest.Metadata == nil || strings.TrimSpace(dest.Metadata.Operation) == "" {
			validation.Add("metadata.operation", "operation number is required")
		}
		if validation.HasErrors() {
			return nil, validation
		}
		m := *dest.Metadata
		meta = &m

	default:
		return nil, apperror.NewValidationError("method", fmt.Sprintf("unknown payment method %q", dest.Method))
	}

	payment := &Payment{
		Method:     dest.Method,
		Amount:     amount,
		RecordedAt: now,
		Metadata:   meta,
	}

	paid := t.Paid().Add(amount)
	tr := &Transition{
		From:      t.Status,
		Payment:   payment,
		Paid:      paid,
		Remaining: decimal.Max(total.Sub(paid), decimal.Zero),
	}

	if paid.Add(e.tolerance).LessThan(total) {
		tr.To = StatusPartial
		return tr, nil
	}

	tr.To = StatusPaid
	if paid.Sub(total).GreaterThan(e.tolerance) {
		tr.Overpayment = &apperror.OverpaymentWarning{
			TicketID: t.ID,
			Total:    total.StringFixed(2),
			Paid:     paid.StringFixed(2),
			Excess:   paid.Sub(total).StringFixed(2),
		}
	}
	tr.Settlement = e.settlement(t, payment, dest.Notes)
	return tr, nil
}

// settlement accumulates every payment, including the one being planned
// Resume rebuilds the settlement of a ticket whose payments already cover
// its total. It returns nil while a balance remains.
func (e *Engine) Resume(t *Ticket) *Settlement {
	n := len(t.Payments)
	if n == 0 || t.Paid().Add(e.tolerance).LessThan(t.Total()) {
		return nil
	}
	prior := &Ticket{Payments: t.Payments[:n-1]}
	last := t.Payments[n-1]
	return e.settlement(prior, &last, "")
}

func (e *Engine) settlement(t *Ticket, last *Payment, notes string) *Settlement {
	payments := append(slices.Clone(t.Payments), *last)

	s := &Settlement{
		Status:         StatusPaid,
		Label:          last.Method.Label(),
		TotalsByMethod: make(map[string]decimal.Decimal),
		Receivable:     decimal.Zero,
		Notes:          notes,
	}
	for _, p := range payments {
		s.TotalsByMethod[string(p.Method)] = s.TotalsByMethod[string(p.Method)].Add(p.Amount)
		if p.Metadata != nil {
			s.Metadata = append(s.Metadata, *p.Metadata)
		}
	}
	return s
}

func (e *Engine) equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(e.tolerance)
}
