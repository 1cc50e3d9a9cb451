package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/watchbridge/internal/payload"
)

// PendingTransfer tracks one queued transfer awaiting transfer.ack.
type PendingTransfer struct {
	Seq           uint64
	Payload       payload.Map
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// TransferOutbox holds queued transfers keyed by a monotonically increasing
// sequence number. Entries stay until acked, across any number of sessions.
type TransferOutbox struct {
	mu      sync.RWMutex
	nextSeq uint64
	items   map[uint64]PendingTransfer
}

func NewTransferOutbox() *TransferOutbox {
	return &TransferOutbox{
		items: make(map[uint64]PendingTransfer),
	}
}

// Enqueue assigns the next sequence number to m and stores it.
func (o *TransferOutbox) Enqueue(m payload.Map, at time.Time) PendingTransfer {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSeq++
	item := PendingTransfer{Seq: o.nextSeq, Payload: m.Clone(), QueuedAt: at}
	o.items[item.Seq] = item
	return item
}

func (o *TransferOutbox) MarkAttempt(seq uint64, at time.Time, lastErr string) (PendingTransfer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[seq]
	if !ok {
		return PendingTransfer{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[seq] = item
	return item, true
}

// Ack removes seq and reports whether it was pending.
func (o *TransferOutbox) Ack(seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[seq]; !ok {
		return false
	}
	delete(o.items, seq)
	return true
}

func (o *TransferOutbox) Get(seq uint64) (PendingTransfer, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[seq]
	return item, ok
}

func (o *TransferOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending transfers in delivery order.
func (o *TransferOutbox) List() []PendingTransfer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingTransfer, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}

// TransferInbox drops redelivered transfers. A sender resends everything
// unacked after a reconnect, so a receiver may see a sequence twice.
type TransferInbox struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewTransferInbox() *TransferInbox {
	return &TransferInbox{last: make(map[string]uint64)}
}

// Accept reports whether seq from sender is new. Sequences at or below the
// highest accepted one for that sender are duplicates.
func (in *TransferInbox) Accept(sender string, seq uint64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if seq <= in.last[sender] {
		return false
	}
	in.last[sender] = seq
	return true
}
