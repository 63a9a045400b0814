package metrics

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"wagerchain/core/events"
	"wagerchain/native/escrow"
	"wagerchain/native/factory"
)

// WagerMetrics tracks bet lifecycle activity and RPC traffic.
type WagerMetrics struct {
	betsCreated   *prometheus.CounterVec
	betsJoined    prometheus.Counter
	betsSettled   prometheus.Counter
	betsRefunded  prometheus.Counter
	feesCollected *prometheus.CounterVec
	feeBps        prometheus.Gauge
	rpcRequests   *prometheus.CounterVec

	mu         sync.Mutex
	currencies map[string]struct{}
}

// maxCurrencyLabels bounds the distinct currency label values; tokens seen
// after the cap are reported as "other".
const maxCurrencyLabels = 32

var (
	wagerOnce     sync.Once
	wagerRegistry *WagerMetrics
)

// Wager returns the process-wide metrics registered on the default registry.
func Wager() *WagerMetrics {
	wagerOnce.Do(func() {
		wagerRegistry = NewWagerMetrics(prometheus.DefaultRegisterer)
	})
	return wagerRegistry
}

// NewWagerMetrics builds the collectors and registers them on reg.
func NewWagerMetrics(reg prometheus.Registerer) *WagerMetrics {
	m := &WagerMetrics{
		betsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_bets_created_total",
			Help: "Count of bets created through the factory by currency.",
		}, []string{"currency"}),
		betsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wager_bets_joined_total",
			Help: "Count of bets matched by an opponent.",
		}),
		betsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wager_bets_settled_total",
			Help: "Count of bets settled by an admitted loss.",
		}),
		betsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wager_bets_refunded_total",
			Help: "Count of unjoined bets refunded to their creator.",
		}),
		feesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_fees_collected_total",
			Help: "Fees paid to the fee recipient in base units by currency.",
		}, []string{"currency"}),
		feeBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wager_fee_bps",
			Help: "Current factory fee in basis points.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_rpc_requests_total",
			Help: "RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		currencies: make(map[string]struct{}),
	}
	if reg != nil {
		reg.MustRegister(
			m.betsCreated,
			m.betsJoined,
			m.betsSettled,
			m.betsRefunded,
			m.feesCollected,
			m.feeBps,
			m.rpcRequests,
		)
	}
	return m
}

// SetFeeBps records the active fee.
func (m *WagerMetrics) SetFeeBps(bps uint16) {
	if m == nil {
		return
	}
	m.feeBps.Set(float64(bps))
}

// ObserveRPC records one RPC request. An empty outcome is recorded as "ok".
func (m *WagerMetrics) ObserveRPC(method, outcome string) {
	if m == nil {
		return
	}
	method = strings.TrimSpace(method)
	if method == "" {
		method = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

// Emit implements events.Emitter so the metrics can observe committed
// ledger events directly.
func (m *WagerMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	rendered := payload.Event()
	if rendered == nil {
		return
	}
	attrs := rendered.Attributes
	switch rendered.Type {
	case factory.EventTypeBetCreated:
		m.betsCreated.WithLabelValues(m.currencyLabel(attrs["currency"])).Inc()
	case escrow.EventTypeEscrowJoined:
		m.betsJoined.Inc()
	case escrow.EventTypeEscrowSettled:
		m.betsSettled.Inc()
		if fee, err := strconv.ParseFloat(attrs["fee"], 64); err == nil && fee > 0 {
			m.feesCollected.WithLabelValues(m.currencyLabel(attrs["currency"])).Add(fee)
		}
	case escrow.EventTypeEscrowRefunded:
		m.betsRefunded.Inc()
	case factory.EventTypeFeeUpdated:
		if bps, err := strconv.ParseUint(attrs["fee_bps"], 10, 16); err == nil {
			m.SetFeeBps(uint16(bps))
		}
	}
}

func (m *WagerMetrics) currencyLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	if v == "native" {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.currencies[v]; ok {
		return v
	}
	if len(m.currencies) >= maxCurrencyLabels {
		return "other"
	}
	m.currencies[v] = struct{}{}
	return v
}
