package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/lectern/internal/models"
)

// envelope is the internal structure stored in Badger for each queued message.
type envelope struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// Delivery is one received message plus its settlement functions. Ack removes
// the message permanently; Release makes it visible again after the delay.
type Delivery struct {
	Message      models.QueueMessage
	ReceiveCount int
	Ack          func() error
	Release      func(delay time.Duration) error
}

// Manager implements a persistent queue using BadgerDB. Messages hide behind
// a visibility timeout while a worker holds them, and come back automatically
// if the worker dies without settling.
type Manager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	dropHandler       func(msg models.QueueMessage)
}

// NewManager creates a new Badger-backed queue manager
func NewManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxReceive int) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &Manager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Name returns the queue name
func (m *Manager) Name() string {
	return m.queueName
}

// MaxReceive returns the delivery cap after which a message is dropped
func (m *Manager) MaxReceive() int {
	return m.maxReceive
}

// SetDropHandler installs a callback invoked for each message removed with
// its receive count exhausted. The callback runs after the removal commits.
// Set it during wiring, before any worker starts receiving.
func (m *Manager) SetDropHandler(fn func(msg models.QueueMessage)) {
	m.dropHandler = fn
}

// Enqueue adds a message to the queue, immediately visible
func (m *Manager) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	return m.enqueueAt(msg, time.Now())
}

// EnqueueDelayed adds a message that becomes visible after the delay. Used
// for scheduled work such as bulk-job polling.
func (m *Manager) EnqueueDelayed(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	return m.enqueueAt(msg, time.Now().Add(delay))
}

func (m *Manager) enqueueAt(msg models.QueueMessage, visibleAt time.Time) error {
	env := envelope{
		ID:           uuid.New().String(),
		Body:         msg,
		EnqueuedAt:   time.Now(),
		VisibleAt:    visibleAt,
		ReceiveCount: 0,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	// Message data lives at queue:{name}:msg:{id}; a visibility index at
	// queue:{name}:index:{visibleAt}:{id} gives a time-sorted scan for ready
	// messages.
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(env.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, env.ID), []byte{})
	})
}

// Receive pulls the next visible message from the queue. Returns
// models.ErrNoMessage when nothing is ready. Messages found with their
// receive count exhausted are removed and handed to the drop handler so
// their work can still be settled.
func (m *Manager) Receive(ctx context.Context) (*Delivery, error) {
	var env envelope
	var msgID string
	var oldIndexKey []byte
	var dropped []models.QueueMessage
	found := false

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found = false
		dropped = dropped[:0]

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}

			if ts.After(now) {
				// Index keys sort by timestamp, nothing later is ready either.
				break
			}

			itemMsg, err := txn.Get(m.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, clean it up.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := itemMsg.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			if env.ReceiveCount >= m.maxReceive {
				// Poison message: the worker holding its final delivery never
				// settled it. Remove it and queue its body for the drop
				// handler once the removal commits.
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(id)); err != nil {
					return err
				}
				dropped = append(dropped, env.Body)
				continue
			}

			found = true
			msgID = id
			oldIndexKey = key
			break
		}

		if !found {
			// Returning nil commits poison removals even on an empty poll.
			return nil
		}

		env.ReceiveCount++
		env.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(msgID), newData); err != nil {
			return err
		}

		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, msgID), []byte{})
	})

	if err != nil {
		return nil, err
	}

	if m.dropHandler != nil {
		for _, msg := range dropped {
			m.dropHandler(msg)
		}
	}

	if !found {
		return nil, models.ErrNoMessage
	}

	return &Delivery{
		Message:      env.Body,
		ReceiveCount: env.ReceiveCount,
		Ack:          func() error { return m.delete(msgID) },
		Release:      func(delay time.Duration) error { return m.release(msgID, delay) },
	}, nil
}

func (m *Manager) delete(msgID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(msgID)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already settled
			}
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(env.VisibleAt, msgID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey)
	})
}

func (m *Manager) release(msgID string, delay time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(msgID)
		item, err := txn.Get(msgKey)
		if err != nil {
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(delay)

		newData, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey, newData); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(oldVisibleAt, msgID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, msgID), []byte{})
	})
}

// Close closes the queue manager (no-op, the DB is managed externally)
func (m *Manager) Close() error {
	return nil
}

// Helpers

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits to ensure string sorting works like number sorting
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, ts, id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefixStr):])
	if len(suffix) < 21 { // 20 digits + 1 colon
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
