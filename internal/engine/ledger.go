package engine

import (
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Ledger records which thresholds have already alerted in the current day.
// One Ledger is shared by every pairing that feeds the same ladder; all access
// goes through its mutex.
type Ledger struct {
	mu        sync.Mutex
	fired     map[string]decimal.Decimal
	lastReset civil.Date
	version   int64
}

// Snapshot is a point-in-time copy of the ledger. An invalid LastReset means
// the ledger has never been reset.
type Snapshot struct {
	Fired     []decimal.Decimal
	LastReset civil.Date
	Version   int64
}

// NewLedger returns an empty ledger that has never been reset.
func NewLedger() *Ledger {
	return &Ledger{fired: make(map[string]decimal.Decimal)}
}

// Snapshot copies the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Restore replaces the ledger state with s, e.g. after a process restart.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fired = make(map[string]decimal.Decimal, len(s.Fired))
	for _, pct := range s.Fired {
		l.fired[key(pct)] = pct
	}
	l.lastReset = s.LastReset
	l.version = s.Version
}

// Fired reports whether pct has already alerted today.
func (l *Ledger) Fired(pct decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fired[key(pct)]
	return ok
}

func (l *Ledger) snapshotLocked() Snapshot {
	fired := make([]decimal.Decimal, 0, len(l.fired))
	for _, pct := range l.fired {
		fired = append(fired, pct)
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].LessThan(fired[j]) })
	return Snapshot{Fired: fired, LastReset: l.lastReset, Version: l.version}
}

func (l *Ledger) resetLocked(day civil.Date) {
	clear(l.fired)
	l.lastReset = day
	l.version++
}

func (l *Ledger) markLocked(pcts []decimal.Decimal) {
	for _, pct := range pcts {
		l.fired[key(pct)] = pct
	}
	l.version++
}

func (l *Ledger) firedLocked(pct decimal.Decimal) bool {
	_, ok := l.fired[key(pct)]
	return ok
}

// key normalises a threshold so 1.6 and 1.60 share an entry.
func key(pct decimal.Decimal) string {
	return pct.String()
}
