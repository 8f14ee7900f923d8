package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratops/bitdash/internal/domain"
)

// --- fakes ---------------------------------------------------------------

type fakeStore struct {
	mu            sync.Mutex
	positions     map[string]domain.Position
	entryWrites   map[string]float64
	currentWrites map[string]float64
	getErr        error
}

func newFakeStore(positions ...domain.Position) *fakeStore {
	s := &fakeStore{
		positions:     make(map[string]domain.Position),
		entryWrites:   make(map[string]float64),
		currentWrites: make(map[string]float64),
	}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Position{}, s.getErr
	}
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *fakeStore) ListOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (s *fakeStore) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakeStore) ListClosedSince(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakeStore) UpdateEntryPrice(_ context.Context, id string, entryPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	pos.EntryPrice = entryPrice
	s.positions[id] = pos
	s.entryWrites[id] = entryPrice
	return nil
}

func (s *fakeStore) UpdateCurrentPrice(_ context.Context, id string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentWrites[id] = price
	return nil
}

func (s *fakeStore) Close(_ context.Context, id string, upd domain.CloseUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok || pos.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	pos.Status = domain.PositionStatusClosed
	pos.CloseReason = upd.Reason
	pos.ClosePrice = &upd.ClosePrice
	pos.RealizedPnl = &upd.RealizedPnl
	pos.ClosedAt = &upd.ClosedAt
	s.positions[id] = pos
	return nil
}

func (s *fakeStore) GroupedStats(context.Context, domain.StatsDimension) ([]domain.GroupStat, error) {
	return nil, nil
}

func (s *fakeStore) entryWrite(id string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entryWrites[id]
	return v, ok
}

type fakeGateway struct {
	ticker     func(symbol string) (domain.Ticker, error)
	planOrders func(symbol string) ([]domain.PlanOrder, error)
	position   func(symbol string) (*domain.PositionDetail, error)
	account    func() (domain.AccountSummary, error)
	placeOrder func(req domain.OrderRequest) (domain.OrderAck, error)
}

func (g *fakeGateway) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	if g.ticker == nil {
		return domain.Ticker{Symbol: symbol}, nil
	}
	return g.ticker(symbol)
}

func (g *fakeGateway) GetPlanOrders(_ context.Context, symbol string) ([]domain.PlanOrder, error) {
	if g.planOrders == nil {
		return nil, nil
	}
	return g.planOrders(symbol)
}

func (g *fakeGateway) GetPosition(_ context.Context, symbol string) (*domain.PositionDetail, error) {
	if g.position == nil {
		return nil, nil
	}
	return g.position(symbol)
}

func (g *fakeGateway) GetAccount(context.Context) (domain.AccountSummary, error) {
	if g.account == nil {
		return domain.AccountSummary{}, nil
	}
	return g.account()
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if g.placeOrder == nil {
		return domain.OrderAck{OrderID: "ack"}, nil
	}
	return g.placeOrder(req)
}

type fakeViews struct {
	mu    sync.Mutex
	views map[string]domain.LivePosition
	risk  domain.RiskSummary
}

func newFakeViews() *fakeViews {
	return &fakeViews{views: make(map[string]domain.LivePosition)}
}

func (v *fakeViews) SetViews(_ context.Context, views []domain.LivePosition) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.views = make(map[string]domain.LivePosition, len(views))
	for _, view := range views {
		v.views[view.ID] = view
	}
	return nil
}

func (v *fakeViews) SetView(_ context.Context, view domain.LivePosition) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.views[view.ID] = view
	return nil
}

func (v *fakeViews) GetViews(context.Context) ([]domain.LivePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.LivePosition, 0, len(v.views))
	for _, view := range v.views {
		out = append(out, view)
	}
	return out, nil
}

func (v *fakeViews) GetView(_ context.Context, id string) (domain.LivePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	view, ok := v.views[id]
	if !ok {
		return domain.LivePosition{}, domain.ErrNotFound
	}
	return view, nil
}

func (v *fakeViews) SetRisk(_ context.Context, risk domain.RiskSummary) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.risk = risk
	return nil
}

func (v *fakeViews) GetRisk(context.Context) (domain.RiskSummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.risk, nil
}

func (v *fakeViews) Remove(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.views, id)
	return nil
}

func (v *fakeViews) Invalidate(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.views = make(map[string]domain.LivePosition)
	return nil
}

func (v *fakeViews) view(id string) (domain.LivePosition, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	view, ok := v.views[id]
	return view, ok
}

type fakeBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

// --- helpers -------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openPosition(id, symbol string, side domain.Side, entry, qty, leverage float64) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   qty,
		Leverage:   leverage,
		Status:     domain.PositionStatusOpen,
		OpenedAt:   time.Now().UTC(),
	}
}

func newTestEngine(store *fakeStore, gw *fakeGateway, views *fakeViews) *Engine {
	return NewEngine(store, gw, views, &fakeBus{}, nil, nil, nil, Options{
		EntryDriftThreshold:  1e-4,
		NearLiquidationPct:   0.10,
		MaxConcurrentFetches: 4,
	}, testLogger())
}

// --- tests ---------------------------------------------------------------

func TestReconcileAll_EntryDriftCorrected(t *testing.T) {
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100.0, 2, 10)
	store := newFakeStore(pos)
	gw := &fakeGateway{
		ticker: func(string) (domain.Ticker, error) {
			return domain.Ticker{LastPrice: fptr(101)}, nil
		},
		position: func(string) (*domain.PositionDetail, error) {
			return &domain.PositionDetail{OpenPriceAvg: fptr(100.5)}, nil
		},
	}
	views := newFakeViews()

	require.NoError(t, newTestEngine(store, gw, views).ReconcileAll(context.Background()))

	view, ok := views.view("p1")
	require.True(t, ok)
	// The exchange average is authoritative for this cycle even before the
	// correction write lands.
	assert.Equal(t, 100.5, view.EntryPrice)

	assert.Eventually(t, func() bool {
		written, ok := store.entryWrite("p1")
		return ok && written == 100.5
	}, time.Second, 10*time.Millisecond, "correction write should land asynchronously")
}

func TestReconcileAll_DriftBelowThresholdKeepsStoredEntry(t *testing.T) {
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100.0, 2, 10)
	store := newFakeStore(pos)
	gw := &fakeGateway{
		position: func(string) (*domain.PositionDetail, error) {
			return &domain.PositionDetail{OpenPriceAvg: fptr(100.00005)}, nil
		},
	}
	views := newFakeViews()

	require.NoError(t, newTestEngine(store, gw, views).ReconcileAll(context.Background()))

	view, ok := views.view("p1")
	require.True(t, ok)
	assert.Equal(t, 100.0, view.EntryPrice)

	time.Sleep(50 * time.Millisecond)
	_, wrote := store.entryWrite("p1")
	assert.False(t, wrote, "no correction write below the threshold")
}

func TestMerge_CurrentPriceFallbackChain(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeGateway{}, newFakeViews())
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 1, 10)

	// Exchange last price wins.
	view := e.merge(pos, domain.ExchangeSnapshot{Ticker: &domain.Ticker{LastPrice: fptr(105)}})
	assert.Equal(t, 105.0, view.CurrentPrice)

	// Then the stored current price.
	pos.CurrentPrice = fptr(103)
	view = e.merge(pos, domain.ExchangeSnapshot{})
	assert.Equal(t, 103.0, view.CurrentPrice)

	// Then the entry price.
	pos.CurrentPrice = nil
	view = e.merge(pos, domain.ExchangeSnapshot{})
	assert.Equal(t, 100.0, view.CurrentPrice)
}

func TestMerge_PnlPrefersExchangeValue(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeGateway{}, newFakeViews())
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)

	view := e.merge(pos, domain.ExchangeSnapshot{
		Ticker: &domain.Ticker{LastPrice: fptr(110)},
		Detail: &domain.PositionDetail{UnrealizedPnl: fptr(7.5)},
	})
	assert.Equal(t, 7.5, view.UnrealizedPnl)

	// Local approximation uses the resolved entry price, not the stored one.
	view = e.merge(pos, domain.ExchangeSnapshot{
		Ticker: &domain.Ticker{LastPrice: fptr(110)},
		Detail: &domain.PositionDetail{OpenPriceAvg: fptr(102)},
	})
	assert.InDelta(t, (110.0-102.0)*2, view.UnrealizedPnl, 1e-9)

	sell := openPosition("p2", "BTCUSDT", domain.SideSell, 100, 2, 10)
	view = e.merge(sell, domain.ExchangeSnapshot{
		Ticker: &domain.Ticker{LastPrice: fptr(95)},
	})
	assert.InDelta(t, 10.0, view.UnrealizedPnl, 1e-9)
}

func TestMerge_OrdersFetchFailureTreatedAsUnprotected(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeGateway{}, newFakeViews())
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)
	pos.SLPrice = fptr(95)
	pos.TakeProfits = []domain.TakeProfit{{Price: 110, Quantity: 1}}

	view := e.merge(pos, domain.ExchangeSnapshot{OrdersErr: domain.ErrGatewayUnavailable})

	assert.False(t, view.HasSLOrder, "unknown protection must surface as unprotected")
	assert.False(t, view.HasTPOrders)
	// Price fields still fall back to stored values for display.
	require.NotNil(t, view.RealSLPrice)
	assert.Equal(t, 95.0, *view.RealSLPrice)
	assert.Equal(t, []float64{110}, view.RealTPPrices)
	assert.True(t, view.Stale)
}

func TestMerge_StoredTPWithoutLiveOrderIsMissingProtection(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeGateway{}, newFakeViews())
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)
	pos.TakeProfits = []domain.TakeProfit{{Price: 110, Quantity: 1}}

	// Clean cycle, exchange confirms there are no trigger orders.
	view := e.merge(pos, domain.ExchangeSnapshot{Ticker: &domain.Ticker{LastPrice: fptr(101)}})

	assert.False(t, view.HasTPOrders)
	assert.False(t, view.Stale)
	assert.True(t, missingProtection(view))
}

func TestMerge_NearLiquidation(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeGateway{}, newFakeViews())
	pos := openPosition("p1", "BTCUSDT", domain.SideSell, 100, 1, 10)

	view := e.merge(pos, domain.ExchangeSnapshot{
		Ticker: &domain.Ticker{LastPrice: fptr(108)},
		Detail: &domain.PositionDetail{LiquidationPrice: fptr(100)},
	})

	require.NotNil(t, view.LiquidationDistance)
	assert.InDelta(t, 0.0740, *view.LiquidationDistance, 1e-4)
	assert.True(t, view.NearLiquidation)
}

func TestReconcileOne_DiscardsPassWhenPositionClosed(t *testing.T) {
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)
	store := newFakeStore(pos)
	views := newFakeViews()
	gw := &fakeGateway{
		ticker: func(string) (domain.Ticker, error) {
			// Close the position while the fetch is in flight.
			require.NoError(t, store.Close(context.Background(), "p1", domain.CloseUpdate{
				Reason: "manual", ClosedAt: time.Now(),
			}))
			return domain.Ticker{LastPrice: fptr(101)}, nil
		},
	}

	require.NoError(t, newTestEngine(store, gw, views).ReconcileAll(context.Background()))

	_, ok := views.view("p1")
	assert.False(t, ok, "stale pass must be discarded, not applied")
}

func TestReconcileAll_SkippedSymbolKeepsCachedView(t *testing.T) {
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)
	store := newFakeStore(pos)
	views := newFakeViews()
	e := newTestEngine(store, &fakeGateway{}, views)

	cached := domain.LivePosition{Position: pos, CurrentPrice: 104, UnrealizedPnl: 8}
	require.NoError(t, views.SetView(context.Background(), cached))

	// A bridge-triggered pass holds the symbol, so the poll's pass is skipped.
	require.True(t, e.tryAcquire("BTCUSDT"))
	defer e.release("BTCUSDT")

	require.NoError(t, e.ReconcileAll(context.Background()))

	view, ok := views.view("p1")
	require.True(t, ok, "open position must not vanish from the cached set when its pass is skipped")
	assert.Equal(t, 104.0, view.CurrentPrice, "previous view carried forward unchanged")
	assert.Equal(t, 8.0, view.UnrealizedPnl)
}

func TestReconcileAll_TransientReadFailureKeepsCachedView(t *testing.T) {
	pos := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)
	store := newFakeStore(pos)
	views := newFakeViews()
	e := newTestEngine(store, &fakeGateway{}, views)

	require.NoError(t, views.SetView(context.Background(), domain.LivePosition{
		Position: pos, CurrentPrice: 102,
	}))

	// The freshness re-check fails transiently; the row is still open.
	store.getErr = context.DeadlineExceeded

	require.NoError(t, e.ReconcileAll(context.Background()))

	view, ok := views.view("p1")
	require.True(t, ok, "transient store error must not hide an open position")
	assert.Equal(t, 102.0, view.CurrentPrice)
}

func TestReconcileSymbol_UpsertsOnlyThatSymbol(t *testing.T) {
	btc := openPosition("p1", "BTCUSDT", domain.SideBuy, 100, 2, 10)
	eth := openPosition("p2", "ETHUSDT", domain.SideBuy, 2000, 1, 5)
	store := newFakeStore(btc, eth)
	views := newFakeViews()
	gw := &fakeGateway{
		ticker: func(symbol string) (domain.Ticker, error) {
			if symbol == "BTCUSDT" {
				return domain.Ticker{LastPrice: fptr(111)}, nil
			}
			return domain.Ticker{LastPrice: fptr(2100)}, nil
		},
	}
	e := newTestEngine(store, gw, views)

	require.NoError(t, e.ReconcileSymbol(context.Background(), "BTCUSDT"))

	view, ok := views.view("p1")
	require.True(t, ok)
	assert.Equal(t, 111.0, view.CurrentPrice)
	_, ok = views.view("p2")
	assert.False(t, ok, "other symbols untouched")
}

func TestInflightGuardSerializesPerSymbol(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeGateway{}, newFakeViews())

	require.True(t, e.tryAcquire("BTCUSDT"))
	assert.False(t, e.tryAcquire("BTCUSDT"), "second pass for the same symbol must not start")
	assert.True(t, e.tryAcquire("ETHUSDT"), "other symbols are independent")

	e.release("BTCUSDT")
	assert.True(t, e.tryAcquire("BTCUSDT"))
}
