package venue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft/internal/book"
	"hft/internal/order"
	"hft/internal/position"
	"hft/internal/risk"
	"hft/internal/schema"
)

const testTs = int64(1_700_000_000_000_000_000)

func fixedNow() time.Time {
	return time.Unix(0, testTs)
}

func venueOrder(id schema.OrderID, side schema.OrderSide, tif schema.TimeInForce, price float64, qty uint64) order.VenueOrder {
	return order.VenueOrder{ID: id, Request: schema.OrderRequest{
		StrategyID:  1,
		SymbolID:    7,
		Side:        side,
		Type:        schema.OrderTypeLimit,
		TimeInForce: tif,
		Price:       price,
		Qty:         qty,
	}}
}

func drain(p *Paper) []order.ExecutionReport {
	var out []order.ExecutionReport
	for {
		select {
		case r := <-p.Reports():
			out = append(out, r)
		default:
			return out
		}
	}
}

func testBooks(t *testing.T) *book.Manager {
	t.Helper()
	m := book.NewManager(10, nil)
	require.NoError(t, m.Book(7).FullRefresh(
		[]book.PriceLevel{{Price: 99, Qty: 100}, {Price: 98, Qty: 200}},
		[]book.PriceLevel{{Price: 101, Qty: 50}, {Price: 102, Qty: 70}, {Price: 105, Qty: 500}},
	))
	return m
}

func TestPaperImmediate(t *testing.T) {
	p, err := NewPaper(Config{FillParts: 3, FeeBps: 10}, nil, fixedNow)
	require.NoError(t, err)

	ack, err := p.Submit(context.Background(), venueOrder(1, schema.OrderSideBuy, schema.TimeInForceGTC, 100, 100))
	require.NoError(t, err)
	assert.Equal(t, "P1", ack.VenueOrderID)

	reps := drain(p)
	require.Len(t, reps, 3)
	var qty uint64
	ids := make(map[string]bool)
	for _, r := range reps {
		assert.Equal(t, order.ExecFill, r.Type)
		assert.Equal(t, 100.0, r.LastPrice)
		assert.Equal(t, testTs, r.TsNano)
		assert.InDelta(t, float64(r.LastQty)*100*0.001, r.Fee, 1e-9)
		ids[r.ExecID] = true
		qty += r.LastQty
	}
	assert.Equal(t, uint64(100), qty)
	assert.Len(t, ids, 3)
	assert.Equal(t, uint64(3), p.Stats().Fills)

	assert.ErrorIs(t, p.Cancel(context.Background(), 1), order.ErrTooLateToCancel)
}

func TestPaperRejectsBadOrders(t *testing.T) {
	p, err := NewPaper(Config{}, nil, fixedNow)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), venueOrder(1, schema.OrderSideBuy, schema.TimeInForceGTC, 0, 10))
	var ve *order.VenueError
	require.ErrorAs(t, err, &ve)
	assert.False(t, ve.Retryable)

	_, err = p.Submit(context.Background(), venueOrder(2, schema.OrderSideBuy, schema.TimeInForceGTC, 10, 10))
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), venueOrder(2, schema.OrderSideBuy, schema.TimeInForceGTC, 10, 10))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "duplicate order id", ve.Reason)

	p.FailNext(&order.VenueError{Op: "submit", Reason: "throttled", Retryable: true})
	_, err = p.Submit(context.Background(), venueOrder(3, schema.OrderSideBuy, schema.TimeInForceGTC, 10, 10))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "throttled", ve.Reason)

	_, err = NewPaper(Config{Mode: "book"}, nil, fixedNow)
	assert.Error(t, err)
	_, err = NewPaper(Config{Mode: "magic"}, nil, fixedNow)
	assert.Error(t, err)
}

func TestPaperBookWalksLevels(t *testing.T) {
	p, err := NewPaper(Config{Mode: FillBook}, testBooks(t), fixedNow)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), venueOrder(1, schema.OrderSideBuy, schema.TimeInForceGTC, 102, 200))
	require.NoError(t, err)
	reps := drain(p)
	require.Len(t, reps, 2)
	assert.Equal(t, uint64(50), reps[0].LastQty)
	assert.Equal(t, 101.0, reps[0].LastPrice)
	assert.Equal(t, uint64(70), reps[1].LastQty)
	assert.Equal(t, 102.0, reps[1].LastPrice)
	assert.Equal(t, 1, p.Stats().Resting)

	require.NoError(t, p.Cancel(context.Background(), 1))
	assert.Zero(t, p.Stats().Resting)
}

func TestPaperBookTimeInForce(t *testing.T) {
	p, err := NewPaper(Config{Mode: FillBook}, testBooks(t), fixedNow)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), venueOrder(1, schema.OrderSideSell, schema.TimeInForceIOC, 99, 150))
	require.NoError(t, err)
	reps := drain(p)
	require.Len(t, reps, 2)
	assert.Equal(t, uint64(100), reps[0].LastQty)
	assert.Equal(t, order.ExecExpired, reps[1].Type)

	_, err = p.Submit(context.Background(), venueOrder(2, schema.OrderSideBuy, schema.TimeInForceFOK, 102, 500))
	require.NoError(t, err)
	reps = drain(p)
	require.Len(t, reps, 1)
	assert.Equal(t, order.ExecExpired, reps[0].Type)
	assert.Equal(t, "FOK not fillable", reps[0].Reason)
}

func TestPaperRestingFillsOnMarket(t *testing.T) {
	books := testBooks(t)
	p, err := NewPaper(Config{Mode: FillBook}, books, fixedNow)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), venueOrder(1, schema.OrderSideBuy, schema.TimeInForceGTC, 100, 30))
	require.NoError(t, err)
	assert.Empty(t, drain(p))

	require.NoError(t, p.Modify(context.Background(), 1, 100, 40))
	assert.Empty(t, drain(p))

	require.NoError(t, books.Book(7).AddOrder(9, schema.OrderSideSell, 100, 25, testTs))
	p.OnMarket(7)
	reps := drain(p)
	require.Len(t, reps, 1)
	assert.Equal(t, uint64(25), reps[0].LastQty)
	assert.Equal(t, 100.0, reps[0].LastPrice)

	var ve *order.VenueError
	require.ErrorAs(t, p.Modify(context.Background(), 1, 100, 20), &ve)
	assert.Equal(t, "quantity below filled", ve.Reason)
	require.ErrorAs(t, p.Cancel(context.Background(), 99), &ve)
}

func TestPaperLatencyAndClose(t *testing.T) {
	p, err := NewPaper(Config{Latency: 20 * time.Millisecond}, nil, fixedNow)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), venueOrder(1, schema.OrderSideBuy, schema.TimeInForceGTC, 100, 10))
	require.NoError(t, err)
	assert.Empty(t, drain(p))

	select {
	case r := <-p.Reports():
		assert.Equal(t, uint64(10), r.LastQty)
	case <-time.After(time.Second):
		t.Fatalf("report not delivered")
	}

	p.Close()
	p.Close()
	_, ok := <-p.Reports()
	assert.False(t, ok)
	_, err = p.Submit(context.Background(), venueOrder(2, schema.OrderSideBuy, schema.TimeInForceGTC, 100, 10))
	assert.Error(t, err)
}

func TestPaperDrivesOrderManager(t *testing.T) {
	p, err := NewPaper(Config{FillParts: 2}, nil, fixedNow)
	require.NoError(t, err)
	eng, err := risk.NewEngine(risk.Config{Limits: risk.Limits{MaxPosition: 1000}})
	require.NoError(t, err)
	positions := position.NewTracker(position.Limits{}, nil)
	m, err := order.NewManager(order.Config{}, order.Deps{Venue: p, Risk: eng, Positions: positions, Now: fixedNow})
	require.NoError(t, err)

	req := venueOrder(0, schema.OrderSideBuy, schema.TimeInForceGTC, 50, 100).Request
	id, d, err := m.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	require.True(t, d.Approved())

	for _, r := range drain(p) {
		require.NoError(t, m.HandleExecutionReport(r))
	}
	v, ok := m.Order(id)
	require.True(t, ok)
	assert.Equal(t, order.StateFilled, v.State)
	pos, ok := positions.Position(position.Key{StrategyID: 1, SymbolID: 7})
	require.True(t, ok)
	assert.Equal(t, int64(100), pos.Qty)
}
