package cycles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/commodity"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/database"
	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/identity"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/internal/pools"
	"capital-pools/pool-engine/pkg/money"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	scheduler *Scheduler
	pools     *pools.Manager
	ledger    *ledger.Ledger
	commodity *commodity.Registry
	events    *recorder
	clock     *clock
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	db, err := database.OpenSQLiteMemory()
	require.NoError(t, err)
	models := append(ledger.Models(), pools.Models()...)
	models = append(models, identity.Models()...)
	models = append(models, commodity.Models()...)
	models = append(models, Models()...)
	require.NoError(t, db.AutoMigrate(models...))
	t.Cleanup(func() { _ = database.Close(db) })

	f := &fixture{db: db, events: &recorder{}, clock: &clock{now: epoch}}
	f.ledger = ledger.New(db, zap.NewNop())
	f.pools = pools.NewManager(db, f.ledger, identity.NewDBDirectory(db), f.events,
		config.PoolsConfig{DefaultCapacity: 3}, zap.NewNop())
	f.commodity = commodity.NewRegistry(db, config.CommoditiesConfig{
		ReferencePrices: map[string]int64{"maize": 250},
		UnitOfMeasure:   map[string]string{"maize": "kg"},
	}, zap.NewNop())

	opts := Options{
		Cycles: config.CyclesConfig{
			Duration:       37 * 24 * time.Hour,
			LeadTime:       24 * time.Hour,
			AutoReschedule: true,
		},
		MaxCycles:      3,
		Workers:        2,
		DefaultTarget:  decimal.RequireFromString("0.06"),
		RatingTolerant: decimal.RequireFromString("0.0025"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.scheduler = NewScheduler(db, f.pools, f.ledger, f.commodity, f.events, opts, zap.NewNop())
	f.scheduler.SetClock(f.clock.Now)
	return f
}

// readyPool admits three 100,000 units so the pool flips to ready.
func (f *fixture) readyPool(t *testing.T) uuid.UUID {
	t.Helper()
	var poolID uuid.UUID
	for i := 0; i < 3; i++ {
		mode := ledger.ModeCompounding
		if i == 2 {
			mode = ledger.ModePayout
		}
		res, err := f.pools.AdmitUnit(context.Background(), pools.AdmitRequest{
			PartnerID:    uuid.New(),
			CommodityTag: "maize",
			Principal:    100_000,
			ProfitMode:   mode,
		})
		require.NoError(t, err)
		poolID = res.PoolID
	}
	return poolID
}

type stubSettler struct {
	repo  *Repository
	err   error
	calls int
}

func (s *stubSettler) SettleCycle(ctx context.Context, id uuid.UUID) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.repo.MarkCompleted(ctx, id, Completion{
		SalePrice:    req.SalePrice,
		TradingCosts: req.TradingCosts,
		Rating:       RatingOnTarget,
		CompletedAt:  time.Now().UTC(),
	})
	return err
}

func TestScheduleForPool_SnapshotsActiveUnits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	poolID := f.readyPool(t)

	cycle, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, cycle.Status)
	assert.Equal(t, 1, cycle.Number)
	assert.Equal(t, money.Money(300_000), cycle.TotalCapital)
	assert.Equal(t, money.Money(300_000), cycle.PurchasePrice)
	assert.True(t, cycle.TargetProfitRate.Equal(decimal.RequireFromString("0.06")))
	assert.True(t, cycle.StartDate.Equal(epoch.Add(24*time.Hour)))
	assert.True(t, cycle.EndDate.Equal(cycle.StartDate.Add(37*24*time.Hour)))
	assert.Nil(t, cycle.SalePrice)
	assert.Nil(t, cycle.PerformanceRating)
	assert.False(t, cycle.ActualProfitRate.Valid)

	require.Len(t, cycle.Participants, 3)
	for i, p := range cycle.Participants {
		assert.Equal(t, i+1, p.Position)
		assert.Equal(t, money.Money(100_000), p.Share)
	}
	assert.Equal(t, ledger.ModePayout, cycle.Participants[2].ProfitMode)

	again, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, cycle.ID, again.ID)
	assert.Equal(t, 1, f.events.count(events.CycleScheduled))
}

func TestScheduleForPool_SnapshotIsImmutable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	poolID := f.readyPool(t)

	cycle, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&ledger.Unit{}).Where("pool_id = ?", poolID).
		Update("current_value", 999_999).Error)

	reloaded, err := f.scheduler.Get(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Money(300_000), reloaded.TotalCapital)
	for _, p := range reloaded.Participants {
		assert.Equal(t, money.Money(100_000), p.Share)
	}
}

func TestScheduleForPool_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.scheduler.ScheduleForPool(ctx, uuid.New(), ScheduleOptions{})
	assert.ErrorIs(t, err, pools.ErrPoolNotFound)

	res, err := f.pools.AdmitUnit(ctx, pools.AdmitRequest{
		PartnerID: uuid.New(), CommodityTag: "cocoa", Principal: 10, ProfitMode: ledger.ModePayout,
	})
	require.NoError(t, err)
	_, err = f.scheduler.ScheduleForPool(ctx, res.PoolID, ScheduleOptions{})
	assert.ErrorIs(t, err, ErrPoolNotReady)

	poolID := f.readyPool(t)
	require.NoError(t, f.db.Model(&pools.Pool{}).Where("id = ?", poolID).Update("cycles_completed", 3).Error)
	_, err = f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	assert.ErrorIs(t, err, ErrMaxCyclesReached)
}

func TestScheduleForPool_DueStartActivatesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	poolID := f.readyPool(t)
	start := epoch.Add(-time.Hour)

	cycle, err := f.scheduler.ScheduleForPool(context.Background(), poolID, ScheduleOptions{StartDate: &start})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cycle.Status)
	assert.Equal(t, 1, f.events.count(events.CycleActivated))
}

func TestLifecycle_ForwardOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	poolID := f.readyPool(t)

	cycle, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)

	var te *TransitionError
	_, err = f.scheduler.Activate(ctx, cycle.ID)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusScheduled, te.From)

	f.clock.Set(cycle.StartDate)
	active, err := f.scheduler.Activate(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)
	require.NotNil(t, active.ActivatedAt)

	// duplicate trigger is a no-op
	_, err = f.scheduler.Activate(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.events.count(events.CycleActivated))

	pool, err := f.pools.Get(ctx, poolID)
	require.NoError(t, err)
	assert.Equal(t, pools.StatusActive, pool.Status)

	backings, err := f.commodity.ListByPool(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, backings, 1)
	assert.True(t, backings[0].Quantity.Equal(decimal.NewFromInt(1200)))
	units, err := f.ledger.ListByPool(ctx, poolID)
	require.NoError(t, err)
	for _, u := range units {
		require.NotNil(t, u.CommodityBackingID)
		assert.Equal(t, backings[0].ID, *u.CommodityBackingID)
	}

	_, err = f.scheduler.BeginProcessing(ctx, cycle.ID)
	require.ErrorAs(t, err, &te)
	_, err = f.scheduler.Complete(ctx, cycle.ID, 318_000, 0)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusActive, te.From)

	f.clock.Set(cycle.EndDate.Add(time.Minute))
	processing, err := f.scheduler.BeginProcessing(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, processing.Status)

	_, err = f.scheduler.Activate(ctx, cycle.ID)
	assert.NoError(t, err, "activating a cycle past active is a duplicate")
}

func TestComplete_DeferredRecordsRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cycle := f.processingCycle(t)

	_, err := f.scheduler.Complete(ctx, cycle.ID, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidCompletion)

	got, err := f.scheduler.Complete(ctx, cycle.ID, 318_000, 500)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	req, err := f.scheduler.Repository().GetRequest(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, money.Money(318_000), req.SalePrice)

	// a second submission replaces the figures
	_, err = f.scheduler.Complete(ctx, cycle.ID, 320_000, 0)
	require.NoError(t, err)
	req, err = f.scheduler.Repository().GetRequest(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Money(320_000), req.SalePrice)

	waiting, err := f.scheduler.AwaitingCompletion(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, cycle.ID, waiting[0].CycleID)
	assert.Equal(t, "maize", waiting[0].CommodityTag)
	require.NotNil(t, waiting[0].RequestStatus)
	assert.Equal(t, RequestPending, *waiting[0].RequestStatus)
}

func TestComplete_AutoSettle(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoSettle = true })
	ctx := context.Background()
	cycle := f.processingCycle(t)

	_, err := f.scheduler.Complete(ctx, cycle.ID, 318_000, 0)
	assert.ErrorIs(t, err, ErrSettlerUnavailable)

	settler := &stubSettler{repo: f.scheduler.Repository(), err: fmt.Errorf("%w: wallet unavailable", ErrSettlementFailed)}
	f.scheduler.SetSettler(settler)
	_, err = f.scheduler.Complete(ctx, cycle.ID, 318_000, 0)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	still, err := f.scheduler.Get(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, still.Status)

	settler.err = nil
	done, err := f.scheduler.Complete(ctx, cycle.ID, 318_000, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.SalePrice)
	assert.Equal(t, money.Money(318_000), *done.SalePrice)

	// completing a completed cycle does not settle twice
	calls := settler.calls
	_, err = f.scheduler.Complete(ctx, cycle.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, calls, settler.calls)
}

func (f *fixture) processingCycle(t *testing.T) *Cycle {
	t.Helper()
	ctx := context.Background()
	poolID := f.readyPool(t)
	cycle, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)
	f.clock.Set(cycle.StartDate)
	_, err = f.scheduler.Activate(ctx, cycle.ID)
	require.NoError(t, err)
	f.clock.Set(cycle.EndDate)
	cycle, err = f.scheduler.BeginProcessing(ctx, cycle.ID)
	require.NoError(t, err)
	return cycle
}

func TestHandleCycleCompleted_MaturesAtLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxCycles = 1 })
	ctx := context.Background()
	poolID := f.readyPool(t)
	require.NoError(t, f.db.Model(&pools.Pool{}).Where("id = ?", poolID).Update("cycles_completed", 1).Error)

	require.NoError(t, f.scheduler.HandleCycleCompleted(ctx, events.Event{Type: events.CycleCompleted, PoolID: poolID}))
	units, err := f.ledger.ListByPool(ctx, poolID)
	require.NoError(t, err)
	for _, u := range units {
		assert.Equal(t, ledger.UnitMatured, u.Status)
	}
	cycles, err := f.scheduler.ListByPool(ctx, poolID)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestHandleCycleCompleted_Reschedules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	poolID := f.readyPool(t)

	require.NoError(t, f.scheduler.HandleCycleCompleted(ctx, events.Event{Type: events.CycleCompleted, PoolID: poolID}))
	cycles, err := f.scheduler.ListByPool(ctx, poolID)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestRepairReadyPools_RespectsAutoReschedule(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Cycles.AutoReschedule = false
		o.MaxCycles = 0
	})
	ctx := context.Background()
	fresh := f.readyPool(t)
	ran := f.readyPool(t)
	require.NoError(t, f.db.Model(&pools.Pool{}).Where("id = ?", ran).Update("cycles_completed", 1).Error)

	require.NoError(t, f.scheduler.HandleCycleCompleted(ctx, events.Event{Type: events.CycleCompleted, PoolID: ran}))
	n, err := f.scheduler.RepairReadyPools(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := f.scheduler.ListByPool(ctx, fresh)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.scheduler.ListByPool(ctx, ran)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSweepTasks_DriveLifecycle(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Cycles.LeadTime = 0 })
	ctx := context.Background()
	poolID := f.readyPool(t)

	sweeper := NewSweeper("@every 1m", zap.NewNop())
	sweeper.now = f.clock.Now
	for _, task := range f.scheduler.SweepTasks(10) {
		sweeper.AddTask(task)
	}

	// repair schedules the stranded pool and, with no lead time, activates it
	require.NoError(t, sweeper.RunOnce(ctx))
	cycles, err := f.scheduler.ListByPool(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, StatusActive, cycles[0].Status)

	f.clock.Set(cycles[0].EndDate.Add(time.Second))
	require.NoError(t, sweeper.RunOnce(ctx))
	got, err := f.scheduler.Get(ctx, cycles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	require.NoError(t, sweeper.RunOnce(ctx))
	assert.Equal(t, 1, f.events.count(events.CycleProcessing))
}

func TestSweeper_RunOnceJoinsErrors(t *testing.T) {
	s := NewSweeper("", zap.NewNop())
	ran := 0
	s.AddTask(Task{Name: "boom", Run: func(context.Context, time.Time) error { return errors.New("boom") }})
	s.AddTask(Task{Name: "fine", Run: func(context.Context, time.Time) error { ran++; return nil }})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, ran)
}

func TestSweeper_StartStop(t *testing.T) {
	s := NewSweeper("@every 1h", zap.NewNop())
	done := make(chan struct{}, 1)
	s.AddTask(Task{Name: "once", Run: func(context.Context, time.Time) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep did not run")
	}
	s.Stop()

	bad := NewSweeper("not a schedule", zap.NewNop())
	assert.Error(t, bad.Start(context.Background()))
}

func TestProfitRateAndRating(t *testing.T) {
	rate := ProfitRate(1_000_000, 1_060_000, 0)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.06")), rate.String())
	assert.True(t, ProfitRate(1_000_000, 990_000, 5_000).Equal(decimal.RequireFromString("-0.015")))
	assert.True(t, ProfitRate(0, 10, 0).IsZero())

	target := decimal.RequireFromString("0.06")
	tol := decimal.RequireFromString("0.0025")
	cases := map[string]Rating{
		"0.06":   RatingOnTarget,
		"0.0625": RatingOnTarget,
		"0.0574": RatingBelowTarget,
		"0.07":   RatingAboveTarget,
		"-0.01":  RatingBelowTarget,
	}
	for in, want := range cases {
		assert.Equal(t, want, RateAgainstTarget(decimal.RequireFromString(in), target, tol), in)
	}
}

func TestHandler_CompleteStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, nil)
	ctx := context.Background()
	poolID := f.readyPool(t)
	cycle, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)

	r := gin.New()
	NewHandler(f.scheduler, zap.NewNop()).RegisterRoutes(r.Group("/api/v1"))

	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := post("/api/v1/cycle/"+cycle.ID.String()+"/complete", `{"sale_price": 318000}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post("/api/v1/cycle/"+uuid.NewString()+"/complete", `{"sale_price": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post("/api/v1/cycle/not-a-uuid/complete", `{"sale_price": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.clock.Set(cycle.StartDate)
	_, err = f.scheduler.Activate(ctx, cycle.ID)
	require.NoError(t, err)
	f.clock.Set(cycle.EndDate)
	_, err = f.scheduler.BeginProcessing(ctx, cycle.ID)
	require.NoError(t, err)

	w = post("/api/v1/cycle/"+cycle.ID.String()+"/complete", `{"sale_price": 318000}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/cycles/awaiting-completion", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), cycle.ID.String())

	// the pool still has an open cycle, so an explicit schedule is refused
	w = post("/api/v1/pool/"+poolID.String()+"/cycles", `{"purchase_price": 250000}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), cycle.ID.String())
	list, err := f.scheduler.ListByPool(ctx, poolID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestScheduleForPool_RequireNew(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	poolID := f.readyPool(t)
	first, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)

	again, err := f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.scheduler.ScheduleForPool(ctx, poolID, ScheduleOptions{RequireNew: true})
	var oe *OpenCycleError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, first.ID, oe.CycleID)
	assert.Equal(t, StatusScheduled, oe.Status)
}
