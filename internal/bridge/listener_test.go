package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratops/bitdash/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return b.ch, nil
}

type recordingEngine struct {
	mu      sync.Mutex
	symbols []string
}

func (e *recordingEngine) ReconcileSymbol(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbols = append(e.symbols, symbol)
	return nil
}

func (e *recordingEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.symbols...)
}

type recordingViews struct {
	mu      sync.Mutex
	removed []string
}

func (v *recordingViews) SetViews(ctx context.Context, views []domain.LivePosition) error { return nil }
func (v *recordingViews) SetView(ctx context.Context, view domain.LivePosition) error    { return nil }
func (v *recordingViews) GetViews(ctx context.Context) ([]domain.LivePosition, error)    { return nil, nil }
func (v *recordingViews) GetView(ctx context.Context, id string) (domain.LivePosition, error) {
	return domain.LivePosition{}, domain.ErrNotFound
}
func (v *recordingViews) SetRisk(ctx context.Context, risk domain.RiskSummary) error { return nil }
func (v *recordingViews) GetRisk(ctx context.Context) (domain.RiskSummary, error) {
	return domain.RiskSummary{}, domain.ErrNotFound
}
func (v *recordingViews) Remove(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = append(v.removed, id)
	return nil
}
func (v *recordingViews) Invalidate(ctx context.Context) error { return nil }

func (v *recordingViews) removedIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.removed...)
}

type stubCloser struct {
	known map[string]bool
}

func (c *stubCloser) RecentlyClosed(id string) bool { return c.known[id] }

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(ctx context.Context, event, title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func publishChange(t *testing.T, bus *chanBus, change domain.PositionChange) {
	t.Helper()
	payload, err := json.Marshal(change)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelPositions, payload))
}

func startListener(t *testing.T) (*chanBus, *recordingEngine, *recordingViews, *stubCloser, *recordingAlerter) {
	t.Helper()

	bus := &chanBus{ch: make(chan []byte, 16)}
	engine := &recordingEngine{}
	views := &recordingViews{}
	closer := &stubCloser{known: map[string]bool{}}
	alerter := &recordingAlerter{}

	l := NewListener(bus, engine, closer, views, alerter, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = l.Run(ctx) }()

	return bus, engine, views, closer, alerter
}

func TestListener_OpenUpdateTriggersSymbolPass(t *testing.T) {
	bus, engine, views, _, _ := startListener(t)

	publishChange(t, bus, domain.PositionChange{
		EventType: domain.ChangeUpdate,
		New: &domain.Position{
			ID:     "pos-1",
			Symbol: "BTCUSDT",
			Status: domain.PositionStatusOpen,
		},
	})

	assert.Eventually(t, func() bool {
		calls := engine.calls()
		return len(calls) == 1 && calls[0] == "BTCUSDT"
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, views.removedIDs())
}

func TestListener_ExternalCloseRemovesViewAndAlerts(t *testing.T) {
	bus, engine, views, _, alerter := startListener(t)

	publishChange(t, bus, domain.PositionChange{
		EventType: domain.ChangeUpdate,
		New: &domain.Position{
			ID:     "pos-2",
			Symbol: "ETHUSDT",
			Status: domain.PositionStatusClosed,
		},
	})

	assert.Eventually(t, func() bool {
		removed := views.removedIDs()
		return len(removed) == 1 && removed[0] == "pos-2"
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		sent := alerter.sent()
		return len(sent) == 1 && sent[0] == domain.EventPositionClosed
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, engine.calls())
}

func TestListener_OwnCloseIsSilent(t *testing.T) {
	bus, _, views, closer, alerter := startListener(t)
	closer.known["pos-3"] = true

	publishChange(t, bus, domain.PositionChange{
		EventType: domain.ChangeUpdate,
		New: &domain.Position{
			ID:     "pos-3",
			Symbol: "BTCUSDT",
			Status: domain.PositionStatusClosed,
		},
	})

	assert.Eventually(t, func() bool {
		removed := views.removedIDs()
		return len(removed) == 1 && removed[0] == "pos-3"
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, alerter.sent())
}

func TestListener_DeleteRemovesView(t *testing.T) {
	bus, engine, views, _, _ := startListener(t)

	publishChange(t, bus, domain.PositionChange{
		EventType: domain.ChangeDelete,
		New:       &domain.Position{ID: "pos-4", Symbol: "BTCUSDT"},
	})

	assert.Eventually(t, func() bool {
		removed := views.removedIDs()
		return len(removed) == 1 && removed[0] == "pos-4"
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, engine.calls())
}

func TestListener_MalformedPayloadIsDropped(t *testing.T) {
	bus, engine, views, _, _ := startListener(t)

	bus.ch <- []byte("{not json")

	publishChange(t, bus, domain.PositionChange{
		EventType: domain.ChangeUpdate,
		New: &domain.Position{
			ID:     "pos-5",
			Symbol: "SOLUSDT",
			Status: domain.PositionStatusOpen,
		},
	})

	assert.Eventually(t, func() bool {
		calls := engine.calls()
		return len(calls) == 1 && calls[0] == "SOLUSDT"
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, views.removedIDs())
}
