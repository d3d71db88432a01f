// Package ledger implements spec.md §4.4: short-lived records of pending
// approvals, joined to their outcome, self-expiring 60 seconds after
// creation. The one-shot completion handle per row follows the design
// note in spec.md §9 ("Approval suspension").
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TTL is how long a pending row lives before it self-expires, per
// spec.md §4.4 and the invariant in §8 ("no row persists past 60s with
// allowed=null"). Declared as a var, not a const, so tests can shrink it.
var TTL = 60 * time.Second

var (
	ErrNotFound       = errors.New("ledger: row not found")
	ErrAlreadySettled = errors.New("ledger: row already settled")
)

// Row is one pending-or-settled approval record, spec.md §3 "Request
// (ledger row)".
type Row struct {
	ID           string
	KeyName      string
	RequestID    string
	RemotePubkey string
	Method       string
	Params       string
	Allowed      *bool
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// Pending reports whether the row has not yet been settled.
func (r Row) Pending() bool { return r.Allowed == nil }

type entry struct {
	row   Row
	done  chan struct{}
	timer *time.Timer
}

// Ledger is the in-memory table of pending/settled rows. Rows are the
// only state the Authorization Engine shares between the RPC goroutine
// that opened them and the admin/web goroutines that settle them.
type Ledger struct {
	mu   sync.Mutex
	rows map[string]*entry
}

func New() *Ledger {
	return &Ledger{rows: make(map[string]*entry)}
}

// Open creates a pending row and schedules its 60s self-expiry.
func (l *Ledger) Open(keyName, requestID, remotePubkey, method, params string) Row {
	row := Row{
		ID:           uuid.NewString(),
		KeyName:      keyName,
		RequestID:    requestID,
		RemotePubkey: remotePubkey,
		Method:       method,
		Params:       params,
		CreatedAt:    time.Now(),
	}
	e := &entry{row: row, done: make(chan struct{})}

	l.mu.Lock()
	l.rows[row.ID] = e
	e.timer = time.AfterFunc(TTL, func() { l.expire(row.ID) })
	l.mu.Unlock()

	return row
}

// Settle transitions a pending row to terminal. A row may only be
// settled once; a second call returns ErrAlreadySettled.
func (l *Ledger) Settle(id string, allowed bool, payload json.RawMessage) error {
	l.mu.Lock()
	e, ok := l.rows[id]
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	if e.row.Allowed != nil {
		l.mu.Unlock()
		return ErrAlreadySettled
	}
	e.row.Allowed = &allowed
	e.row.Payload = payload
	l.mu.Unlock()
	close(e.done)
	return nil
}

// Find returns the current state of a row. ok is false if the row never
// existed or has already expired.
func (l *Ledger) Find(id string) (Row, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rows[id]
	if !ok {
		return Row{}, false
	}
	return e.row, true
}

// Wait blocks until the row is settled, the row expires (deleted at 60s),
// or ctx is cancelled, whichever comes first. It is the channel-based
// counterpart to PollUntilSettled.
func (l *Ledger) Wait(ctx context.Context, id string) (Row, error) {
	l.mu.Lock()
	e, ok := l.rows[id]
	l.mu.Unlock()
	if !ok {
		return Row{}, ErrNotFound
	}

	select {
	case <-e.done:
		return l.rowOrNotFound(id)
	case <-ctx.Done():
		return Row{}, ctx.Err()
	}
}

// PollUntilSettled checks the ledger every interval until the row is
// settled or has expired, matching spec.md §4.5 step 4's "polls every
// 100ms" web-approval behavior. It returns ErrNotFound once the row has
// been deleted by expiry without ever settling.
func (l *Ledger) PollUntilSettled(ctx context.Context, id string, interval time.Duration) (Row, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if row, ok := l.Find(id); ok {
			if !row.Pending() {
				return row, nil
			}
		} else {
			return Row{}, ErrNotFound
		}
		select {
		case <-ctx.Done():
			return Row{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Ledger) rowOrNotFound(id string) (Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rows[id]
	if !ok {
		return Row{}, ErrNotFound
	}
	return e.row, nil
}

func (l *Ledger) expire(id string) {
	l.mu.Lock()
	e, ok := l.rows[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.rows, id)
	settled := e.row.Allowed != nil
	l.mu.Unlock()
	if !settled {
		close(e.done)
	}
}
