package ticket

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/ticket-desk/internal/apperror"
	"github.com/zombor/ticket-desk/internal/extract"
	"github.com/zombor/ticket-desk/internal/imaging"
	"github.com/zombor/ticket-desk/internal/scanning"
)

// IDGenerator generates unique IDs for receipt captures
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ReceiptReader recognizes a receipt photo and extracts its fields
type ReceiptReader interface {
	Read(ctx context.Context, data []byte, contentType string) (*scanning.Reading, error)
}

// Outcome classifies a close request
type Outcome string

const (
	OutcomePartial  Outcome = "PARTIAL"
	OutcomeSettled  Outcome = "SETTLED"
	OutcomeRejected Outcome = "REJECTED"
)

// CloseResult is returned by every close request. A rejected request also
// returns the error that caused it.
type CloseResult struct {
	Outcome   Outcome                      `json:"outcome"`
	Status    Status                       `json:"status"`
	Total     decimal.Decimal              `json:"total"`
	Paid      decimal.Decimal              `json:"paid"`
	Remaining decimal.Decimal              `json:"remaining"`
	Warning   *apperror.OverpaymentWarning `json:"warning,omitempty"`
	Reason    string                       `json:"reason,omitempty"`
	Ticket    *Ticket                      `json:"ticket"`
}

// Capture is a scanned receipt awaiting operator confirmation. Draft holds
// the extracted fields; the operator may edit them before confirming.
type Capture struct {
	ID          string           `json:"id"`
	TicketID    string           `json:"ticket_id"`
	ImageRef    string           `json:"image_ref"`
	ContentType string           `json:"content_type"`
	Draft       TransferMetadata `json:"draft"`
	Missing     []string         `json:"missing,omitempty"`
	Text        string           `json:"text,omitempty"`
	Passes      int              `json:"passes"`
	ManualEntry bool             `json:"manual_entry"`
	Failure     string           `json:"failure,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// entry guards a single ticket of the working set
type entry struct {
	mu      sync.Mutex
	ticket  *Ticket
	removed bool
}

// Session keeps the working set of open tickets for one operator. Each
// ticket is guarded by its own lock so concurrent requests on different
// tickets do not block each other.
type Session struct {
	user        CurrentUser
	backend     Backend
	engine      *Engine
	reader      ReceiptReader
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource

	mu       sync.Mutex
	tickets  map[string]*entry
	closed   map[string]Status
	captures map[string]*Capture
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithReader enables receipt scanning
func WithReader(r ReceiptReader) SessionOption {
	return func(s *Session) { s.reader = r }
}

// WithStorage sets where receipt photos are kept
func WithStorage(st Storage) SessionOption {
	return func(s *Session) { s.storage = st }
}

// WithIDGenerator overrides capture ID generation
func WithIDGenerator(g IDGenerator) SessionOption {
	return func(s *Session) { s.idGenerator = g }
}

// WithTimeSource overrides the clock
func WithTimeSource(t TimeSource) SessionOption {
	return func(s *Session) { s.timeSource = t }
}

// NewSession creates a new Session operated by user
func NewSession(user CurrentUser, backend Backend, opts ...SessionOption) *Session {
	s := &Session{
		user:        user,
		backend:     backend,
		engine:      NewEngine(),
		idGenerator: &defaultIDGenerator{},
		timeSource:  &defaultTimeSource{},
		tickets:     make(map[string]*entry),
		closed:      make(map[string]Status),
		captures:    make(map[string]*Capture),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// User returns the operator of the session
func (s *Session) User() CurrentUser {
	return s.user
}

// acquire locks the ticket and returns it with the unlock function
func (s *Session) acquire(id string) (*entry, func(), error) {
	s.mu.Lock()
	e, ok := s.tickets[id]
	status, closed := s.closed[id]
	s.mu.Unlock()

	if !ok {
		if closed {
			return nil, nil, &apperror.TicketAlreadyClosedError{TicketID: id, Status: string(status)}
		}
		return nil, nil, &apperror.NotFoundError{Resource: "ticket", ID: id}
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return s.acquire(id)
	}
	return e, e.mu.Unlock, nil
}

// retire removes a terminal ticket from the working set; caller holds e.mu
func (s *Session) retire(e *entry) {
	e.removed = true
	s.mu.Lock()
	delete(s.tickets, e.ticket.ID)
	s.closed[e.ticket.ID] = e.ticket.Status
	s.mu.Unlock()
}

// Restore puts tickets loaded from the backend back into the working set,
// typically after a restart. Status is derived from the recorded payments;
// a ticket whose payments already cover its total comes back awaiting
// FinalizeSettlement. It returns how many tickets were added.
func (s *Session) Restore(tickets []*Ticket) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, t := range tickets {
		if t.Status.Terminal() {
			continue
		}
		if _, ok := s.tickets[t.ID]; ok {
			continue
		}
		t = t.clone()
		t.Status = StatusOpen
		if len(t.Payments) > 0 {
			t.Status = StatusPartial
		}
		t.Pending = s.engine.Resume(t)

		s.tickets[t.ID] = &entry{ticket: t}
		restored++
		slog.Info("Ticket restored",
			"ticket_id", t.ID,
			"status", t.Status,
			"paid", t.Paid().String(),
			"awaiting_settlement", t.Pending != nil,
		)
	}
	return restored
}

// OpenTicket registers a new ticket for area with the backend and adds it to the working set
func (s *Session) OpenTicket(ctx context.Context, area string) (string, error) {
	area = strings.TrimSpace(area)
	if area == "" {
		return "", apperror.NewValidationError("area", "area is required")
	}

	id, err := s.backend.CreateTicket(ctx, area, s.user)
	if err != nil {
		slog.Error("Failed to create ticket", "area", area, "error", err)
		return "", &apperror.PersistenceError{Op: "ticket", Err: err}
	}

	now := s.timeSource.Now()
	t := &Ticket{
		ID:        id,
		Area:      area,
		OpenedBy:  s.user.ID,
		Items:     []LineItem{},
		Payments:  []Payment{},
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.tickets[id] = &entry{ticket: t}
	s.mu.Unlock()

	slog.Info("Ticket opened", "ticket_id", id, "area", area, "staff_id", s.user.ID)
	return id, nil
}

// AddLineItem appends an item to an open or partially paid ticket
func (s *Session) AddLineItem(ctx context.Context, id, description, category string, unitPrice decimal.Decimal, quantity int) (*LineItem, error) {
	validation := &apperror.ValidationError{}
	description = strings.TrimSpace(description)
	if description == "" {
		validation.Add("description", "description is required")
	}
	if !unitPrice.IsPositive() {
		validation.Add("unit_price", "unit price must be positive")
	}
	if quantity <= 0 {
		validation.Add("quantity", "quantity must be positive")
	}
	if validation.HasErrors() {
		return nil, validation
	}

	e, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t := e.ticket
	if t.Pending != nil {
		return nil, &apperror.TransitionError{TicketID: id, Status: "awaiting settlement", Action: "add items to"}
	}

	item := LineItem{
		Description: description,
		Category:    strings.TrimSpace(category),
		UnitPrice:   unitPrice,
		Quantity:    quantity,
		AddedAt:     s.timeSource.Now(),
	}

	itemID, err := s.backend.AddLineItem(ctx, id, item)
	if err != nil {
		slog.Error("Failed to add line item", "ticket_id", id, "error", err)
		return nil, &apperror.PersistenceError{Op: "line item", Err: err}
	}

	item.ID = itemID
	t.Items = append(t.Items, item)
	t.UpdatedAt = item.AddedAt
	return &item, nil
}

// RemoveLineItem deletes an item from a ticket that has no payments yet
func (s *Session) RemoveLineItem(ctx context.Context, id, itemID string) error {
	e, unlock, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()

	t := e.ticket
	if t.Status != StatusOpen || len(t.Payments) > 0 {
		return &apperror.TransitionError{TicketID: id, Status: string(t.Status), Action: "remove items from"}
	}

	idx := t.findItem(itemID)
	if idx < 0 {
		return &apperror.NotFoundError{Resource: "line item", ID: itemID}
	}

	if err := s.backend.RemoveLineItem(ctx, id, itemID); err != nil {
		slog.Error("Failed to remove line item", "ticket_id", id, "item_id", itemID, "error", err)
		return &apperror.PersistenceError{Op: "line item removal", Err: err}
	}

	t.Items = slices.Delete(t.Items, idx, idx+1)
	t.UpdatedAt = s.timeSource.Now()
	return nil
}

// RequestClose registers a payment or a room charge against a ticket.
// The backend is called before any local change so a failed call leaves
// the ticket as it was.
func (s *Session) RequestClose(ctx context.Context, id string, dest Destination) (*CloseResult, error) {
	e, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t := e.ticket
	if t.Pending != nil {
		err := &apperror.TransitionError{TicketID: id, Status: "awaiting settlement", Action: "register a payment on"}
		return s.rejected(t, err), err
	}

	capture, err := s.resolveCapture(id, dest.Metadata)
	if err != nil {
		return s.rejected(t, err), err
	}

	tr, err := s.engine.Plan(t, dest, s.timeSource.Now())
	if err != nil {
		slog.Info("Close request rejected", "ticket_id", id, "reason", err)
		return s.rejected(t, err), err
	}

	if tr.Payment != nil {
		paymentID, err := s.backend.RecordPayment(ctx, id, *tr.Payment)
		if err != nil {
			slog.Error("Failed to record payment", "ticket_id", id, "method", tr.Payment.Method, "error", err)
			perr := &apperror.PersistenceError{Op: "payment", Err: err}
			return s.rejected(t, perr), perr
		}
		tr.Payment.ID = paymentID
		t.Payments = append(t.Payments, *tr.Payment)
		t.UpdatedAt = tr.Payment.RecordedAt
		s.forgetCapture(capture)

		slog.Info("Payment recorded",
			"ticket_id", id,
			"method", tr.Payment.Method,
			"amount", tr.Payment.Amount.String(),
			"paid", tr.Paid.String(),
			"remaining", tr.Remaining.String(),
		)
	}

	if tr.Overpayment != nil {
		slog.Warn("Ticket overpaid", "ticket_id", id, "excess", tr.Overpayment.Excess)
	}

	if tr.Settlement == nil {
		t.Status = tr.To
		return s.result(t, OutcomePartial, nil), nil
	}

	t.Pending = tr.Settlement
	if err := s.finalize(ctx, e); err != nil {
		return s.rejected(t, err), err
	}
	return s.result(t, OutcomeSettled, tr.Overpayment), nil
}

// FinalizeSettlement retries the consumption and closure calls of a ticket
// whose settling payment was recorded but whose finalisation failed
func (s *Session) FinalizeSettlement(ctx context.Context, id string) (*CloseResult, error) {
	e, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t := e.ticket
	if t.Pending == nil {
		err := &apperror.TransitionError{TicketID: id, Status: string(t.Status), Action: "finalize"}
		return s.rejected(t, err), err
	}
	if err := s.finalize(ctx, e); err != nil {
		return s.rejected(t, err), err
	}
	return s.result(t, OutcomeSettled, overpayment(t)), nil
}

// finalize creates one consumption per line item, closes the ticket on the
// backend and retires it. Completed steps are skipped on retry.
func (s *Session) finalize(ctx context.Context, e *entry) error {
	t := e.ticket
	st := t.Pending
	now := s.timeSource.Now()

	if t.ConsumptionIDs == nil {
		t.ConsumptionIDs = make(map[string]string)
	}
	for _, item := range t.Items {
		if _, done := t.ConsumptionIDs[item.ID]; done {
			continue
		}
		c := Consumption{
			TicketID:     t.ID,
			LineItemID:   item.ID,
			Description:  item.Description,
			Category:     item.Category,
			UnitPrice:    item.UnitPrice,
			Quantity:     item.Quantity,
			Subtotal:     item.Subtotal(),
			Settlement:   st.Label,
			Metadata:     st.Metadata,
			RoomOrClient: st.RoomOrClient,
			StaffID:      s.user.ID,
			CreatedAt:    now,
		}
		consumptionID, err := s.backend.CreateConsumption(ctx, c)
		if err != nil {
			slog.Error("Failed to create consumption", "ticket_id", t.ID, "item_id", item.ID, "error", err)
			return &apperror.PersistenceError{Op: "consumption", Err: err}
		}
		t.ConsumptionIDs[item.ID] = consumptionID
	}

	if !st.Closed {
		closure := Closure{
			Status:         st.Status,
			TotalsByMethod: st.TotalsByMethod,
			Receivable:     st.Receivable,
			RoomOrClient:   st.RoomOrClient,
			Notes:          st.Notes,
			ClosedBy:       s.user.ID,
			ClosedAt:       now,
		}
		if err := s.backend.CloseTicket(ctx, t.ID, closure); err != nil {
			slog.Error("Failed to close ticket", "ticket_id", t.ID, "error", err)
			return &apperror.PersistenceError{Op: "ticket closure", Err: err}
		}
		st.Closed = true
	}

	t.Status = st.Status
	t.Pending = nil
	t.UpdatedAt = now
	s.retire(e)

	// drafts never confirmed on a settled ticket are abandoned
	for _, c := range s.capturesOf(t.ID) {
		s.dropCapture(c)
	}

	slog.Info("Ticket settled",
		"ticket_id", t.ID,
		"status", t.Status,
		"label", st.Label,
		"total", t.Total().String(),
		"consumptions", len(t.ConsumptionIDs),
	)
	return nil
}

// CancelTicket voids a ticket that has no payments
func (s *Session) CancelTicket(ctx context.Context, id string) error {
	e, unlock, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()

	t := e.ticket
	if t.Status != StatusOpen || len(t.Payments) > 0 {
		return &apperror.TransitionError{TicketID: id, Status: string(t.Status), Action: "cancel"}
	}

	if err := s.backend.CancelTicket(ctx, id); err != nil {
		slog.Error("Failed to cancel ticket", "ticket_id", id, "error", err)
		return &apperror.PersistenceError{Op: "ticket cancellation", Err: err}
	}

	t.Status = StatusCancelled
	t.UpdatedAt = s.timeSource.Now()
	s.retire(e)

	for _, c := range s.capturesOf(id) {
		s.dropCapture(c)
	}

	slog.Info("Ticket cancelled", "ticket_id", id)
	return nil
}

// Get returns a snapshot of an open ticket
func (s *Session) Get(id string) (*Ticket, error) {
	e, unlock, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.ticket.clone(), nil
}

// List returns snapshots of every ticket of the working set, oldest first
func (s *Session) List() []*Ticket {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.tickets))
	for _, e := range s.tickets {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	tickets := make([]*Ticket, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			tickets = append(tickets, e.ticket.clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(tickets, func(a, b *Ticket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return tickets
}

// ScanReceipt stores a receipt photo and reads it into a draft for the
// operator to confirm. Recognition runs without holding the ticket so other
// requests on it are not blocked. A failed recognition still returns a
// capture, flagged for manual entry.
func (s *Session) ScanReceipt(ctx context.Context, id, filename string, data []byte, contentType string) (*Capture, error) {
	if err := s.checkPayable(id); err != nil {
		return nil, err
	}

	contentType = imaging.NormalizeContentType(data, contentType)
	if err := imaging.ValidateContentType(contentType); err != nil {
		return nil, err
	}
	if s.storage == nil {
		return nil, errors.New("receipt storage is not configured")
	}

	captureID := s.idGenerator.Generate()
	imageRef, err := s.storage.Save(fmt.Sprintf("%s_%s", captureID, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving receipt image: %w", err)
	}

	capture := &Capture{
		ID:          captureID,
		TicketID:    id,
		ImageRef:    imageRef,
		ContentType: contentType,
		Draft:       TransferMetadata{ReceiptRef: imageRef},
		CreatedAt:   s.timeSource.Now(),
	}

	if err := s.read(ctx, capture, data); err != nil {
		s.deleteImage(imageRef)
		return nil, err
	}

	s.mu.Lock()
	_, open := s.tickets[id]
	if open {
		s.captures[captureID] = capture
	}
	s.mu.Unlock()

	if !open {
		s.deleteImage(imageRef)
		return nil, s.checkPayable(id)
	}

	c := *capture
	return &c, nil
}

// read fills the capture from the recognition pipeline
func (s *Session) read(ctx context.Context, c *Capture, data []byte) error {
	if s.reader == nil {
		c.manual("text recognition is not configured")
		return nil
	}

	reading, err := s.reader.Read(ctx, data, c.ContentType)
	if err != nil {
		var validationErr *apperror.ValidationError
		if errors.As(err, &validationErr) {
			return err
		}
		slog.Warn("Receipt recognition failed, falling back to manual entry",
			"ticket_id", c.TicketID,
			"capture_id", c.ID,
			"content_type", c.ContentType,
			"file_size", len(data),
			"error", err,
		)
		c.manual(err.Error())
		return nil
	}

	c.Text = reading.Text
	c.Passes = reading.Passes
	fields := reading.Fields
	if fields.Amount != nil {
		c.Draft.Amount = *fields.Amount
	}
	c.Draft.Time = fields.Time
	c.Draft.Bank = fields.Bank
	c.Draft.Operation = fields.Operation
	c.Draft.Destination = fields.Destination
	c.Missing = fields.Missing
	c.ManualEntry = !fields.Complete()
	return nil
}

func (c *Capture) manual(reason string) {
	c.ManualEntry = true
	c.Failure = reason
	c.Missing = []string{
		extract.FieldAmount,
		extract.FieldTime,
		extract.FieldBank,
		extract.FieldOperation,
		extract.FieldDestination,
	}
}

// DiscardCapture drops a draft the operator cancelled and deletes its photo
func (s *Session) DiscardCapture(id, captureID string) error {
	s.mu.Lock()
	c, ok := s.captures[captureID]
	s.mu.Unlock()
	if !ok || c.TicketID != id {
		return &apperror.NotFoundError{Resource: "capture", ID: captureID}
	}
	s.dropCapture(c)
	return nil
}

// Captures returns the pending drafts of a ticket, oldest first
func (s *Session) Captures(id string) []*Capture {
	captures := s.capturesOf(id)
	out := make([]*Capture, len(captures))
	for i, c := range captures {
		cp := *c
		out[i] = &cp
	}
	return out
}

// ReceiptImage returns a stored receipt photo
func (s *Session) ReceiptImage(ref string) ([]byte, string, error) {
	if s.storage == nil {
		return nil, "", &apperror.NotFoundError{Resource: "receipt image", ID: ref}
	}
	data, err := s.storage.Get(ref)
	if err != nil {
		return nil, "", &apperror.NotFoundError{Resource: "receipt image", ID: ref}
	}
	return data, imaging.NormalizeContentType(data, ""), nil
}

// resolveCapture finds the draft a confirmation refers to. Drafts are
// referenced by the key of their stored photo, which is what the payment
// keeps once the draft is confirmed.
func (s *Session) resolveCapture(id string, meta *TransferMetadata) (*Capture, error) {
	if meta == nil || meta.ReceiptRef == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.captures {
		if c.ImageRef == meta.ReceiptRef && c.TicketID == id {
			return c, nil
		}
	}
	return nil, &apperror.NotFoundError{Resource: "capture", ID: meta.ReceiptRef}
}

// forgetCapture drops a confirmed draft; the photo stays as the payment's evidence
func (s *Session) forgetCapture(c *Capture) {
	if c == nil {
		return
	}
	s.mu.Lock()
	delete(s.captures, c.ID)
	s.mu.Unlock()
}

func (s *Session) dropCapture(c *Capture) {
	s.forgetCapture(c)
	s.deleteImage(c.ImageRef)
}

func (s *Session) deleteImage(ref string) {
	if err := s.storage.Delete(ref); err != nil {
		slog.Warn("Failed to delete receipt image", "ref", ref, "error", err)
	}
}

func (s *Session) capturesOf(id string) []*Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Capture
	for _, c := range s.captures {
		if c.TicketID == id {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b *Capture) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// checkPayable verifies a ticket exists and can still take payments
func (s *Session) checkPayable(id string) error {
	e, unlock, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()
	if e.ticket.Pending != nil {
		return &apperror.TransitionError{TicketID: id, Status: "awaiting settlement", Action: "scan a receipt for"}
	}
	return nil
}

func (s *Session) result(t *Ticket, outcome Outcome, warning *apperror.OverpaymentWarning) *CloseResult {
	return &CloseResult{
		Outcome:   outcome,
		Status:    t.Status,
		Total:     t.Total(),
		Paid:      t.Paid(),
		Remaining: t.Remaining(),
		Warning:   warning,
		Ticket:    t.clone(),
	}
}

func (s *Session) rejected(t *Ticket, err error) *CloseResult {
	r := s.result(t, OutcomeRejected, nil)
	r.Reason = err.Error()
	return r
}

// overpayment recomputes the warning for a ticket settled on retry
func overpayment(t *Ticket) *apperror.OverpaymentWarning {
	total, paid := t.Total(), t.Paid()
	if paid.Sub(total).LessThanOrEqual(Tolerance) {
		return nil
	}
	return &apperror.OverpaymentWarning{
		TicketID: t.ID,
		Total:    total.StringFixed(2),
		Paid:     paid.StringFixed(2),
		Excess:   paid.Sub(total).StringFixed(2),
	}
}

var (
	filenameSpecialChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces       = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	ext = filenameSpecialChars.ReplaceAllString(ext[min(1, len(ext)):], "")
	if ext != "" {
		ext = "." + ext
	}

	base = filenameSpecialChars.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Phones produce long names
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}
