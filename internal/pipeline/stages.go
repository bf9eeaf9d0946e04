package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"hft/internal/audit"
	"hft/internal/feed"
	"hft/internal/order"
	"hft/internal/schema"
	"hft/internal/wire"
)

func (rt *Runtime) runStages(ctx context.Context, src io.Reader) error {
	eg, ctx := errgroup.WithContext(ctx)
	// unblocks decoder handlers waiting on a full market queue
	stop := context.AfterFunc(ctx, rt.cancel)
	defer stop()

	if src != nil {
		eg.Go(func() error { return rt.feedStage(ctx, src) })
	} else {
		rt.closeFeed()
	}
	eg.Go(func() error {
		rt.market.Run(ctx, rt.onMarket)
		return nil
	})
	eg.Go(func() error {
		rt.requests.Run(ctx, func(req schema.OrderRequest) { rt.onRequest(ctx, req) })
		return ctx.Err()
	})
	eg.Go(func() error { return rt.pumpReports(ctx) })
	eg.Go(func() error {
		rt.reports.Run(ctx, rt.onReport)
		return ctx.Err()
	})
	eg.Go(func() error { return rt.orders.RunTimeoutMonitor(ctx, rt.cfg.MonitorInterval) })
	eg.Go(func() error { return rt.monitor(ctx) })

	return eg.Wait()
}

func (rt *Runtime) closeFeed() {
	rt.feedOnce.Do(func() {
		rt.market.Close()
		close(rt.feedDone)
	})
}

func (rt *Runtime) feedStage(ctx context.Context, src io.Reader) error {
	defer rt.closeFeed()

	pb, err := feed.NewPlayback(rt.cfg.Playback)
	if err != nil {
		return err
	}
	if err := pb.Run(ctx, src, func(b []byte) error {
		rt.decoder.Feed(b)
		return nil
	}); err != nil {
		return errors.Wrap(err, "play feed")
	}

	st := rt.decoder.Stats()
	logs.Infof("feed done, messages: %d, parse errors: %d, gaps: %d", st.MessagesTotal(), st.ErrorsTotal(), st.SequenceGaps)
	return nil
}

func (rt *Runtime) decoderHandlers() wire.Handlers {
	publish := func(m wire.Message) {
		if err := rt.market.Publish(rt.ctx, m); err != nil {
			logs.Warnf("drop %s message, err: %+v", m.MessageHeader().Type, err)
		}
	}
	return wire.Handlers{
		OnTrade:       func(t wire.Trade) { publish(t) },
		OnQuote:       func(q wire.Quote) { publish(q) },
		OnOrderUpdate: func(u wire.OrderUpdate) { publish(u) },
		OnHeartbeat:   func(h wire.Heartbeat) { publish(h) },
		OnError:       rt.onParseError,
	}
}

func (rt *Runtime) onParseError(perr *wire.ParseError) {
	rt.appendAudit(audit.Record{
		Kind:   audit.KindParseError,
		TsNano: rt.now().UnixNano(),
		Reason: perr.Kind.String(),
		Detail: perr.Field,
	})
}

func (rt *Runtime) onMarket(m wire.Message) {
	h := m.MessageHeader()
	rt.metrics.ObserveMessage(h, rt.now().UnixNano())
	if err := rt.books.Apply(m); err != nil {
		logs.Warnf("apply %s seq %d to book, err: %+v", h.Type, h.Seq, err)
		return
	}

	var symbol schema.SymbolID
	switch v := m.(type) {
	case wire.Trade:
		symbol = v.SymbolID
		rt.positions.UpdateMarketPrice(v.SymbolID, v.Price)
		rt.risk.UpdateMarkPrice(v.SymbolID, v.Price)
	case wire.Quote:
		symbol = v.SymbolID
	case wire.OrderUpdate:
		symbol = v.SymbolID
	default:
		return
	}
	if w, ok := rt.venue.(marketWatcher); ok {
		w.OnMarket(symbol)
	}
}

func (rt *Runtime) onRequest(ctx context.Context, req schema.OrderRequest) {
	start := time.Now()
	id, d, err := rt.orders.SubmitOrder(ctx, req)
	rt.metrics.ObserveOrderFlow(time.Since(start))
	rt.metrics.ObserveRiskEval(time.Duration(d.LatencyNanos))
	switch {
	case err != nil:
		logs.Warnf("submit order, trace: %d, err: %+v", req.TraceID, err)
	case !d.Approved():
		rt.metrics.IncRiskReason(d.Reason)
	default:
		logs.Debugf("order %d submitted, trace: %d", id, req.TraceID)
	}
}

func (rt *Runtime) pumpReports(ctx context.Context) error {
	defer rt.reports.Close()
	reports := rt.venue.Reports()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-reports:
			if !ok {
				return nil
			}
			if err := rt.reports.Publish(ctx, rep); err != nil {
				return err
			}
		}
	}
}

func (rt *Runtime) onReport(rep order.ExecutionReport) {
	if err := rt.orders.HandleExecutionReport(rep); err != nil {
		logs.Warnf("handle %s report of order %d, err: %+v", rep.Type, rep.OrderID, err)
	}
}

func (rt *Runtime) onOrderUpdate(u order.Update) {
	if u.Fill != nil {
		rt.metrics.ObserveFill(*u.Fill)
	}
}

func (rt *Runtime) monitor(ctx context.Context) error {
	scan := time.NewTicker(rt.cfg.MonitorInterval)
	defer scan.Stop()
	limits := time.NewTicker(rt.cfg.LimitCheckInterval)
	defer limits.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scan.C:
			rt.checkDrawdown()
		case <-limits.C:
			for _, v := range rt.positions.CheckLimitViolations() {
				logs.Warnf("position limit violation: %s", v)
			}
		}
	}
}

// checkDrawdown drives the breaker from portfolio P&L.
func (rt *Runtime) checkDrawdown() {
	pnl := rt.positions.Portfolio().PnL()
	state := rt.risk.CheckDrawdown(pnl)
	trips := rt.risk.Breaker().Trips()
	if trips == rt.trips {
		return
	}
	rt.trips = trips
	rt.metrics.IncBreakerTrip()
	rt.appendAudit(audit.Record{
		Kind:   audit.KindCircuitBreaker,
		TsNano: rt.now().UnixNano(),
		Reason: state.String(),
	})
}

func (rt *Runtime) appendAudit(r audit.Record) {
	if rt.audit == nil {
		return
	}
	if !rt.audit.Append(r) {
		rt.metrics.IncAuditDrop()
	}
}
