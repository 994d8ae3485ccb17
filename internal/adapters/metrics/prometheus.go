// Package metrics exposes engine counters in Prometheus format:
//
//	spotbot_orders_total{symbol,side}
//	spotbot_order_failures_total{symbol,kind}
//	spotbot_decisions_total{symbol,signal}
//	spotbot_trades_closed_total{result,reason}
//	spotbot_equity_usd
//	spotbot_open_positions
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptoSpotBot/internal/ports"
)

// Prometheus implements ports.Metrics on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	orders        *prometheus.CounterVec
	orderFailures *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	tradesClosed  *prometheus.CounterVec
	equity        prometheus.Gauge
	openPositions prometheus.Gauge
}

// NewPrometheus creates and registers the engine metrics.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotbot_orders_total",
			Help: "Market orders filled",
		}, []string{"symbol", "side"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotbot_order_failures_total",
			Help: "Orders not placed, by failure kind (validation|rejected|transient|fatal)",
		}, []string{"symbol", "kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotbot_decisions_total",
			Help: "Strategy signals evaluated",
		}, []string{"symbol", "signal"}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotbot_trades_closed_total",
			Help: "Closing trades by result (win|loss) and close reason",
		}, []string{"result", "reason"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotbot_equity_usd",
			Help: "Free quote balance",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotbot_open_positions",
			Help: "Positions tracked by the ledger",
		}),
	}
	p.registry.MustRegister(p.orders, p.orderFailures, p.decisions, p.tradesClosed, p.equity, p.openPositions)
	p.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return p
}

func (p *Prometheus) OrderPlaced(symbol, side string) { p.orders.WithLabelValues(symbol, side).Inc() }
func (p *Prometheus) OrderFailed(symbol, kind string) {
	p.orderFailures.WithLabelValues(symbol, kind).Inc()
}
func (p *Prometheus) Decision(symbol, signal string) {
	p.decisions.WithLabelValues(symbol, signal).Inc()
}
func (p *Prometheus) TradeClosed(result, reason string) {
	p.tradesClosed.WithLabelValues(result, reason).Inc()
}
func (p *Prometheus) Equity(balance float64) { p.equity.Set(balance) }
func (p *Prometheus) OpenPositions(n int)    { p.openPositions.Set(float64(n)) }

// Handler serves the registry in the text exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint on addr until ctx is cancelled.
func (p *Prometheus) Serve(ctx context.Context, addr string, logger ports.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Noop discards all metrics.
type Noop struct{}

func (Noop) OrderPlaced(string, string) {}
func (Noop) OrderFailed(string, string) {}
func (Noop) Decision(string, string)    {}
func (Noop) TradeClosed(string, string) {}
func (Noop) Equity(float64)             {}
func (Noop) OpenPositions(int)          {}

var (
	_ ports.Metrics = (*Prometheus)(nil)
	_ ports.Metrics = Noop{}
)
