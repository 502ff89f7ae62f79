package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-spread-alerts/internal/engine"
	"p2p-spread-alerts/internal/fetcher"
	"p2p-spread-alerts/internal/ladder"
	"p2p-spread-alerts/internal/spread"
	"p2p-spread-alerts/internal/storage"
)

var cycleAt = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSource struct {
	name  string
	value decimal.Decimal
	err   error
	at    time.Time
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context) (fetcher.Sample, error) {
	f.calls.Add(1)
	if f.err != nil {
		return fetcher.Sample{}, &fetcher.ExtractionError{Source: f.name, Err: f.err}
	}
	return fetcher.Sample{SourceID: f.name, Value: f.value, ObservedAt: f.at}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []engine.Payload
	err      error
	sent     chan engine.Payload
}

func (n *recordingNotifier) Notify(_ context.Context, p engine.Payload) error {
	n.mu.Lock()
	n.payloads = append(n.payloads, p)
	n.mu.Unlock()
	if n.sent != nil {
		n.sent <- p
	}
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

type memStore struct {
	mu      sync.Mutex
	ledger  *engine.Snapshot
	alerts  []storage.AlertRecord
	deleted []time.Time
}

func (m *memStore) LoadLedger(context.Context, string) (engine.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger == nil {
		return engine.Snapshot{}, false, nil
	}
	return *m.ledger, true, nil
}

func (m *memStore) SaveLedger(_ context.Context, _ string, snap engine.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger != nil && m.ledger.Version >= snap.Version {
		return storage.ErrStaleSnapshot
	}
	m.ledger = &snap
	return nil
}

func (m *memStore) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, rec)
	return rec, nil
}

func (m *memStore) ListAlertsSince(context.Context, time.Time) ([]storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.AlertRecord(nil), m.alerts...), nil
}

func (m *memStore) DeleteAlertsBefore(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, before)
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.ObservedAt.Before(before) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return nil
}

// fakeLocker is a blocking per-key lock shared by every replica in a test.
type fakeLocker struct {
	mu       sync.Mutex
	slots    map[int64]chan struct{}
	keys     []int64
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{slots: map[int64]chan struct{}{}}
}

func (l *fakeLocker) slot(key int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *fakeLocker) AdvisoryLock(ctx context.Context, key int64) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
		<-ch
	}, nil
}

type fakeCache struct {
	latest map[string]spread.Observation
}

func (c *fakeCache) SetLatest(_ context.Context, obs spread.Observation) error {
	c.latest[obs.Pairing] = obs
	return nil
}

type fixture struct {
	svc      *Service
	pairing  Pairing
	legA     *fakeSource
	legB     *fakeSource
	notifier *recordingNotifier
	store    *memStore
}

func newFixture(t *testing.T, deps Deps, opts Options) *fixture {
	t.Helper()
	policy, err := engine.NewResetPolicy(engine.DefaultResetHour, time.UTC)
	require.NoError(t, err)
	evaluator := engine.NewEvaluator(ladder.Default(), policy, engine.NewLedger(), zerolog.Nop())

	f := &fixture{
		legA:     &fakeSource{name: "sell", value: d("4.60"), at: cycleAt},
		legB:     &fakeSource{name: "buy", value: d("4.50"), at: cycleAt},
		notifier: &recordingNotifier{},
		store:    &memStore{},
	}
	if deps.Notifier == nil {
		deps.Notifier = f.notifier
	}
	if deps.Ledgers == nil {
		deps.Ledgers = f.store
	}
	if deps.Alerts == nil {
		deps.Alerts = f.store
	}
	f.pairing = Pairing{Name: "Binance", LegA: f.legA, LegB: f.legB, Interval: time.Minute}
	f.svc, err = New(evaluator, []Pairing{f.pairing}, deps, opts, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func TestProcessPairingFiresAndPersists(t *testing.T) {
	cache := &fakeCache{latest: map[string]spread.Observation{}}
	f := newFixture(t, Deps{Cache: cache}, Options{})

	outcome, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFired, outcome)

	require.Equal(t, 1, f.notifier.count())
	p := f.notifier.payloads[0]
	assert.Equal(t, "Binance", p.Pairing)
	assert.True(t, p.HighestNewThreshold.Equal(d("2.2")))
	assert.True(t, p.TrancheQuantity.Equal(d("5000")))
	assert.True(t, p.CumulativeQuantity.Equal(d("35000")))
	assert.True(t, p.LegA.Equal(d("4.60")))

	require.NotNil(t, f.store.ledger)
	assert.Len(t, f.store.ledger.Fired, 4)
	assert.Equal(t, civil.Date{Year: 2025, Month: time.March, Day: 10}, f.store.ledger.LastReset)
	require.Len(t, f.store.alerts, 1)
	assert.Equal(t, p.ID, f.store.alerts[0].ID)
	require.Len(t, f.store.deleted, 1, "first reset prunes older alerts")
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), f.store.deleted[0])

	assert.Contains(t, cache.latest, "Binance")

	outcome, err = f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, 1, f.notifier.count(), "same spread never re-alerts within the day")
}

func TestProcessPairingSkipsMissingLeg(t *testing.T) {
	f := newFixture(t, Deps{}, Options{})
	f.legB.err = fetcher.ErrNoQuote

	outcome, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, f.notifier.count())
	assert.Nil(t, f.store.ledger)
	assert.False(t, f.svc.evaluator.Ledger().Snapshot().LastReset.IsValid(), "ledger untouched")
}

func TestProcessPairingSkipsZeroLeg(t *testing.T) {
	f := newFixture(t, Deps{}, Options{})
	f.legB.value = decimal.Zero

	outcome, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, f.notifier.count())
}

func TestDeliveryFailureKeepsThresholdsRetired(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("discord down")}
	f := newFixture(t, Deps{Notifier: notifier}, Options{})

	outcome, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFired, outcome)

	outcome, err = f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, 1, notifier.count())
}

func TestCancelledBeforeEvaluationLeavesLedgerAlone(t *testing.T) {
	f := newFixture(t, Deps{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := f.svc.ProcessPairing(ctx, f.pairing)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, f.notifier.count())
	assert.Zero(t, f.svc.evaluator.Ledger().Snapshot().Version)
}

func TestAdvisoryLockGuardsEvaluation(t *testing.T) {
	locker := newFakeLocker()
	f := newFixture(t, Deps{Locker: locker}, Options{LockKey: 100})

	_, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, locker.keys, "one ledger-wide key")
	assert.Equal(t, 1, locker.released)
}

func TestAdvisoryLockTimeoutSkipsCycle(t *testing.T) {
	locker := newFakeLocker()
	f := newFixture(t, Deps{Locker: locker}, Options{LockKey: 100, LockTimeout: 50 * time.Millisecond})

	unlock, err := locker.AdvisoryLock(context.Background(), 100)
	require.NoError(t, err)
	defer unlock()

	outcome, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, f.notifier.count())
	assert.Nil(t, f.store.ledger)
	assert.Zero(t, f.svc.evaluator.Ledger().Snapshot().Version, "ledger untouched while another replica holds it")
}

func newReplica(t *testing.T, store *memStore, locker *fakeLocker, notifier *recordingNotifier, pairing string, legA, legB string) (*Service, Pairing) {
	t.Helper()
	policy, err := engine.NewResetPolicy(engine.DefaultResetHour, time.UTC)
	require.NoError(t, err)
	evaluator := engine.NewEvaluator(ladder.Default(), policy, engine.NewLedger(), zerolog.Nop())

	p := Pairing{
		Name:     pairing,
		LegA:     &fakeSource{name: pairing + "_sell", value: d(legA), at: cycleAt},
		LegB:     &fakeSource{name: pairing + "_buy", value: d(legB), at: cycleAt},
		Interval: time.Minute,
	}
	svc, err := New(evaluator, []Pairing{p}, Deps{
		Notifier: notifier,
		Ledgers:  store,
		Alerts:   store,
		Locker:   locker,
	}, Options{LockKey: 7}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Restore(context.Background()))
	return svc, p
}

func TestReplicasShareOneLedger(t *testing.T) {
	store := &memStore{}
	locker := newFakeLocker()
	notifier := &recordingNotifier{}

	// 2.05% and 2.10% both top out at the 2.0 rung.
	binance, binancePair := newReplica(t, store, locker, notifier, "Binance", "4.59225", "4.5")
	bybit, bybitPair := newReplica(t, store, locker, notifier, "Bybit", "4.5945", "4.5")

	var (
		wg       sync.WaitGroup
		outcomes [2]Outcome
		errs     [2]error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcomes[0], errs[0] = binance.ProcessPairing(context.Background(), binancePair)
	}()
	go func() {
		defer wg.Done()
		outcomes[1], errs[1] = bybit.ProcessPairing(context.Background(), bybitPair)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []Outcome{OutcomeFired, OutcomeNoop}, outcomes[:], "rung 2.0 fires once across replicas")
	require.Equal(t, 1, notifier.count())
	assert.True(t, notifier.payloads[0].HighestNewThreshold.Equal(d("2")))

	require.NotNil(t, store.ledger)
	assert.Equal(t, int64(2), store.ledger.Version, "reset then mark, nothing lost")
	assert.Len(t, store.ledger.Fired, 3)
	assert.Len(t, store.alerts, 1)

	// A later observation on either replica sees the other's retirements.
	bybitPair.LegA.(*fakeSource).value = d("4.599")
	outcome, err := bybit.ProcessPairing(context.Background(), bybitPair)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFired, outcome)
	assert.True(t, notifier.payloads[1].HighestNewThreshold.Equal(d("2.2")))
	assert.Equal(t, int64(3), store.ledger.Version)

	outcome, err = binance.ProcessPairing(context.Background(), binancePair)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, 2, notifier.count())
}

func TestResetPrunesYesterdayAlerts(t *testing.T) {
	f := newFixture(t, Deps{}, Options{})
	yesterday := cycleAt.Add(-24 * time.Hour)
	f.legA.at, f.legB.at = yesterday, yesterday

	_, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	require.Len(t, f.store.alerts, 1)

	f.legA.at, f.legB.at = cycleAt, cycleAt
	outcome, err := f.svc.ProcessPairing(context.Background(), f.pairing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFired, outcome, "a new day re-arms every threshold")

	require.Len(t, f.store.alerts, 1)
	assert.Equal(t, cycleAt, f.store.alerts[0].ObservedAt)
}

func TestRunRestoresLedgerAndPolls(t *testing.T) {
	notifier := &recordingNotifier{sent: make(chan engine.Payload, 1)}
	f := newFixture(t, Deps{Notifier: notifier}, Options{RunImmediately: true, Clock: clockwork.NewFakeClockAt(cycleAt)})
	f.store.ledger = &engine.Snapshot{
		Fired:     []decimal.Decimal{d("1.6"), d("1.8"), d("2")},
		LastReset: civil.Date{Year: 2025, Month: time.March, Day: 10},
		Version:   5,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	select {
	case p := <-notifier.sent:
		assert.True(t, p.HighestNewThreshold.Equal(d("2.2")))
		assert.True(t, p.CumulativeQuantity.Equal(d("35000")))
	case <-time.After(5 * time.Second):
		t.Fatal("no alert produced")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	snap, ok, err := f.store.LoadLedger(context.Background(), "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(6), snap.Version)
	assert.Len(t, snap.Fired, 4)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "noop", OutcomeNoop.String())
	assert.Equal(t, "fired", OutcomeFired.String())
}
