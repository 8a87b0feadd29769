package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	ticketsBucket      = "tickets"
	itemsBucket        = "items"
	paymentsBucket     = "payments"
	consumptionsBucket = "consumptions"
	closuresBucket     = "closures"
)

// Backend is the system of record the session mirrors every mutation to
type Backend interface {
	// CreateTicket registers a ticket and returns its ID
	CreateTicket(ctx context.Context, area string, openedBy CurrentUser) (string, error)

	// AddLineItem stores an item and returns its ID
	AddLineItem(ctx context.Context, ticketID string, item LineItem) (string, error)

	// RemoveLineItem deletes an item
	RemoveLineItem(ctx context.Context, ticketID, itemID string) error

	// RecordPayment appends a payment and returns its ID
	RecordPayment(ctx context.Context, ticketID string, payment Payment) (string, error)

	// CreateConsumption stores the settled record of a line item and returns its ID
	CreateConsumption(ctx context.Context, consumption Consumption) (string, error)

	// CloseTicket marks a ticket as settled
	CloseTicket(ctx context.Context, ticketID string, closure Closure) error

	// CancelTicket marks a ticket as cancelled
	CancelTicket(ctx context.Context, ticketID string) error

	// Close closes the backend connection
	Close() error
}

// TicketRecord is the stored header of a ticket
type TicketRecord struct {
	ID           string    `json:"id"`
	Area         string    `json:"area"`
	OpenedBy     string    `json:"opened_by"`
	OpenedByName string    `json:"opened_by_name"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BoltBackend implements the Backend interface using BoltDB
type BoltBackend struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltBackend opens or creates the database at path
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ticketsBucket, itemsBucket, paymentsBucket, consumptionsBucket, closuresBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltBackend{db: db, now: time.Now}, nil
}

// CreateTicket registers a ticket and returns its ID
func (b *BoltBackend) CreateTicket(ctx context.Context, area string, openedBy CurrentUser) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := b.now()
	record := TicketRecord{
		ID:           uuid.NewString(),
		Area:         area,
		OpenedBy:     openedBy.ID,
		OpenedByName: openedBy.Name,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket([]byte(ticketsBucket)), []byte(record.ID), record)
	})
	if err != nil {
		return "", fmt.Errorf("saving ticket: %w", err)
	}
	return record.ID, nil
}

// AddLineItem stores an item and returns its ID
func (b *BoltBackend) AddLineItem(ctx context.Context, ticketID string, item LineItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	item.ID = uuid.NewString()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := openTicket(tx, ticketID); err != nil {
			return err
		}
		return appendChild(tx.Bucket([]byte(itemsBucket)), ticketID, item)
	})
	if err != nil {
		return "", fmt.Errorf("saving line item: %w", err)
	}
	return item.ID, nil
}

// RemoveLineItem deletes an item
func (b *BoltBackend) RemoveLineItem(ctx context.Context, ticketID, itemID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := openTicket(tx, ticketID); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(itemsBucket))
		key, err := findChild(bucket, ticketID, func(v []byte) (bool, error) {
			var item LineItem
			if err := json.Unmarshal(v, &item); err != nil {
				return false, fmt.Errorf("unmarshaling line item: %w", err)
			}
			return item.ID == itemID, nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return fmt.Errorf("line item not found: %s", itemID)
		}
		return bucket.Delete(key)
	})
}

// RecordPayment appends a payment and returns its ID
func (b *BoltBackend) RecordPayment(ctx context.Context, ticketID string, payment Payment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	payment.ID = uuid.NewString()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := openTicket(tx, ticketID); err != nil {
			return err
		}
		return appendChild(tx.Bucket([]byte(paymentsBucket)), ticketID, payment)
	})
	if err != nil {
		return "", fmt.Errorf("saving payment: %w", err)
	}
	return payment.ID, nil
}

// CreateConsumption stores the settled record of a line item. A line item
// has at most one consumption; repeating the call returns the existing ID.
func (b *BoltBackend) CreateConsumption(ctx context.Context, consumption Consumption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := childKey(consumption.TicketID, consumption.LineItemID)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getTicket(tx, consumption.TicketID); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(consumptionsBucket))
		if existing := bucket.Get(key); existing != nil {
			var stored Consumption
			if err := json.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("unmarshaling consumption: %w", err)
			}
			consumption.ID = stored.ID
			return nil
		}
		consumption.ID = uuid.NewString()
		return put(bucket, key, consumption)
	})
	if err != nil {
		return "", fmt.Errorf("saving consumption: %w", err)
	}
	return consumption.ID, nil
}

// CloseTicket marks a ticket as settled and stores its closure
func (b *BoltBackend) CloseTicket(ctx context.Context, ticketID string, closure Closure) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		record, err := getTicket(tx, ticketID)
		if err != nil {
			return err
		}
		if record.Status == closure.Status {
			return nil
		}
		if record.Status.Terminal() {
			return fmt.Errorf("ticket %s is already %s", ticketID, record.Status)
		}
		record.Status = closure.Status
		record.UpdatedAt = closure.ClosedAt
		if err := put(tx.Bucket([]byte(ticketsBucket)), []byte(ticketID), record); err != nil {
			return err
		}
		return put(tx.Bucket([]byte(closuresBucket)), []byte(ticketID), closure)
	})
	if err != nil {
		return fmt.Errorf("closing ticket: %w", err)
	}
	return nil
}

// CancelTicket marks a ticket as cancelled
func (b *BoltBackend) CancelTicket(ctx context.Context, ticketID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		record, err := openTicket(tx, ticketID)
		if err != nil {
			return err
		}
		record.Status = StatusCancelled
		record.UpdatedAt = b.now()
		return put(tx.Bucket([]byte(ticketsBucket)), []byte(ticketID), record)
	})
	if err != nil {
		return fmt.Errorf("cancelling ticket: %w", err)
	}
	return nil
}

// LoadOpenTickets rebuilds every ticket that is not terminal yet, with its
// line items, payments and the consumptions already created for it. Status
// is left as stored; the session derives it from the payments.
func (b *BoltBackend) LoadOpenTickets(ctx context.Context) ([]*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []TicketRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ticketsBucket)).ForEach(func(k, v []byte) error {
			var record TicketRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling ticket: %w", err)
			}
			if !record.Status.Terminal() {
				records = append(records, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading tickets: %w", err)
	}

	tickets := make([]*Ticket, 0, len(records))
	for _, record := range records {
		items, err := b.ListLineItems(record.ID)
		if err != nil {
			return nil, err
		}
		payments, err := b.ListPayments(record.ID)
		if err != nil {
			return nil, err
		}
		consumptions, err := b.ListConsumptions(record.ID)
		if err != nil {
			return nil, err
		}

		t := &Ticket{
			ID:        record.ID,
			Area:      record.Area,
			OpenedBy:  record.OpenedBy,
			Items:     items,
			Payments:  payments,
			Status:    record.Status,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		}
		if len(consumptions) > 0 {
			t.ConsumptionIDs = make(map[string]string, len(consumptions))
			for _, c := range consumptions {
				t.ConsumptionIDs[c.LineItemID] = c.ID
			}
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// GetTicketRecord retrieves a ticket header by ID
func (b *BoltBackend) GetTicketRecord(id string) (*TicketRecord, error) {
	var record *TicketRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getTicket(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetClosure retrieves how a ticket was settled
func (b *BoltBackend) GetClosure(ticketID string) (*Closure, error) {
	var closure *Closure
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(closuresBucket)).Get([]byte(ticketID))
		if data == nil {
			return fmt.Errorf("closure not found: %s", ticketID)
		}
		return json.Unmarshal(data, &closure)
	})
	if err != nil {
		return nil, err
	}
	return closure, nil
}

// ListLineItems returns the items of a ticket in insertion order
func (b *BoltBackend) ListLineItems(ticketID string) ([]LineItem, error) {
	return listChildren[LineItem](b.db, itemsBucket, ticketID)
}

// ListPayments returns the payments of a ticket in insertion order
func (b *BoltBackend) ListPayments(ticketID string) ([]Payment, error) {
	return listChildren[Payment](b.db, paymentsBucket, ticketID)
}

// ListConsumptions returns the consumption records of a ticket
func (b *BoltBackend) ListConsumptions(ticketID string) ([]Consumption, error) {
	return listChildren[Consumption](b.db, consumptionsBucket, ticketID)
}

// Close closes the database connection
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func getTicket(tx *bbolt.Tx, id string) (*TicketRecord, error) {
	data := tx.Bucket([]byte(ticketsBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("ticket not found: %s", id)
	}
	var record TicketRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling ticket: %w", err)
	}
	return &record, nil
}

// openTicket returns the ticket if it still accepts changes
func openTicket(tx *bbolt.Tx, id string) (*TicketRecord, error) {
	record, err := getTicket(tx, id)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("ticket %s is %s", id, record.Status)
	}
	return record, nil
}

func put(bucket *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return bucket.Put(key, data)
}

// Child records are keyed "<ticketID>/<suffix>" so a prefix scan yields the
// records of one ticket. appendChild uses the bucket sequence as suffix to
// keep insertion order.
func childKey(ticketID, suffix string) []byte {
	return []byte(ticketID + "/" + suffix)
}

func appendChild(bucket *bbolt.Bucket, ticketID string, v any) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	return put(bucket, childKey(ticketID, fmt.Sprintf("%020d", seq)), v)
}

func findChild(bucket *bbolt.Bucket, ticketID string, match func(v []byte) (bool, error)) ([]byte, error) {
	prefix := childKey(ticketID, "")
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ok, err := match(v)
		if err != nil {
			return nil, err
		}
		if ok {
			return bytes.Clone(k), nil
		}
	}
	return nil, nil
}

func listChildren[T any](db *bbolt.DB, bucketName, ticketID string) ([]T, error) {
	out := make([]T, 0)
	prefix := childKey(ticketID, "")
	err := db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record T
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling %s: %w", bucketName, err)
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
