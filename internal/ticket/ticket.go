package ticket

import (
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a ticket
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusPartial     Status = "PARTIAL"
	StatusPaid        Status = "PAID"
	StatusRoomCharged Status = "ROOM_CHARGED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRoomCharged || s == StatusCancelled
}

// Method is how a payment was made
type Method string

const (
	MethodCash     Method = "CASH"
	MethodTransfer Method = "TRANSFER"
	MethodCard     Method = "CARD"
)

// Settlement labels written on consumption records
const (
	LabelCash       = "EFECTIVO"
	LabelTransfer   = "TRANSFERENCIA"
	LabelCard       = "TARJETA"
	LabelRoomCharge = "HABITACION"
)

// Label returns the settlement label of a payment method
func (m Method) Label() string {
	switch m {
	case MethodCash:
		return LabelCash
	case MethodTransfer:
		return LabelTransfer
	case MethodCard:
		return LabelCard
	}
	return string(m)
}

// Tolerance absorbs rounding when comparing payments against a total
var Tolerance = decimal.New(1, -2)

// CurrentUser is the staff member operating the session
type CurrentUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TransferMetadata describes a transfer or card receipt. Amount is the value
// read from the receipt and may differ from the confirmed payment amount.
type TransferMetadata struct {
	Amount      decimal.Decimal `json:"amount"`
	Time        string          `json:"time,omitempty"`
	Bank        string          `json:"bank,omitempty"`
	Operation   string          `json:"operation"`
	Destination string          `json:"destination,omitempty"`
	ReceiptRef  string          `json:"receipt_ref,omitempty"`
}

// LineItem is one product entry of a ticket
type LineItem struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	AddedAt     time.Time       `json:"added_at"`
}

// Subtotal is unit price times quantity
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Payment is an entry of the append-only payment trail
type Payment struct {
	ID         string            `json:"id"`
	Method     Method            `json:"method"`
	Amount     decimal.Decimal   `json:"amount"`
	RecordedAt time.Time         `json:"recorded_at"`
	Metadata   *TransferMetadata `json:"metadata,omitempty"`
}

// Ticket is a customer order aggregating line items and payments
type Ticket struct {
	ID       string     `json:"id"`
	Area     string     `json:"area"`
	OpenedBy string     `json:"opened_by"`
	Items    []LineItem `json:"items"`
	Payments []Payment  `json:"payments"`
	Status   Status     `json:"status"`

	// Pending is set once a settling payment was recorded but the
	// consumption records or the closure have not been persisted yet
	Pending *Settlement `json:"pending_settlement,omitempty"`

	// ConsumptionIDs maps line item IDs to the consumption records created for them
	ConsumptionIDs map[string]string `json:"consumption_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is the sum of the line item subtotals
func (t *Ticket) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range t.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Paid is the sum of all registered payments
func (t *Ticket) Paid() decimal.Decimal {
	paid := decimal.Zero
	for _, p := range t.Payments {
		paid = paid.Add(p.Amount)
	}
	return paid
}

// Remaining is what is left to pay, never negative
func (t *Ticket) Remaining() decimal.Decimal {
	remaining := t.Total().Sub(t.Paid())
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

func (t *Ticket) findItem(id string) int {
	return slices.IndexFunc(t.Items, func(li LineItem) bool { return li.ID == id })
}

// clone returns a deep copy safe to hand outside the session
func (t *Ticket) clone() *Ticket {
	c := *t
	c.Items = slices.Clone(t.Items)
	c.Payments = make([]Payment, len(t.Payments))
	for i, p := range t.Payments {
		c.Payments[i] = p
		if p.Metadata != nil {
			meta := *p.Metadata
			c.Payments[i].Metadata = &meta
		}
	}
	if c.Items == nil {
		c.Items = []LineItem{}
	}
	c.ConsumptionIDs = maps.Clone(t.ConsumptionIDs)
	if t.Pending != nil {
		c.Pending = t.Pending.clone()
	}
	return &c
}

// Consumption is the durable record of one line item once its ticket is settled
type Consumption struct {
	ID           string             `json:"id"`
	TicketID     string             `json:"ticket_id"`
	LineItemID   string             `json:"line_item_id"`
	Description  string             `json:"description"`
	Category     string             `json:"category"`
	UnitPrice    decimal.Decimal    `json:"unit_price"`
	Quantity     int                `json:"quantity"`
	Subtotal     decimal.Decimal    `json:"subtotal"`
	Settlement   string             `json:"settlement"`
	Metadata     []TransferMetadata `json:"metadata,omitempty"`
	RoomOrClient string             `json:"room_or_client,omitempty"`
	StaffID      string             `json:"staff_id"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Closure is what the backend stores when a ticket reaches a terminal state
type Closure struct {
	Status         Status                     `json:"status"`
	TotalsByMethod map[string]decimal.Decimal `json:"totals_by_method"`
	Receivable     decimal.Decimal            `json:"receivable"`
	RoomOrClient   string                     `json:"room_or_client,omitempty"`
	Notes          string                     `json:"notes,omitempty"`
	ClosedBy       string                     `json:"closed_by"`
	ClosedAt       time.Time                  `json:"closed_at"`
}
