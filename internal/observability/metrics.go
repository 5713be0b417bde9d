package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// --- Engine ---
	TradesOpened    *prometheus.CounterVec
	TradesClosed    *prometheus.CounterVec
	Liquidations    *prometheus.CounterVec
	OpsCanceled     *prometheus.CounterVec
	OrdersResting   prometheus.Gauge
	EngineSequence  prometheus.Gauge
	OracleRejections prometheus.Counter

	// --- Funding & vault ---
	FundingSyncs  prometheus.Counter
	EpochAdvances prometheus.Counter
	VaultAssets   prometheus.Gauge
	VaultShares   prometheus.Gauge
	SharePrice    prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- HTTP & websocket ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	WSClients    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	httpBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5,
	}

	return &Metrics{
		TradesOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trades_opened_total",
			Help: "Trades opened (market and limit fills)",
		}, []string{"pair"}),

		TradesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trades_closed_total",
			Help: "Trades closed, by trigger (market/sl/tp)",
		}, []string{"pair", "trigger"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"pair"}),

		OpsCanceled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ops_canceled_total",
			Help: "Soft cancellations, by operation and reason",
		}, []string{"op", "reason"}),

		OrdersResting: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_orders_resting",
			Help: "Currently resting limit orders",
		}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_sequence",
			Help: "Current engine operation sequence",
		}),

		OracleRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_oracle_rejections_total",
			Help: "Price proofs rejected (stale or invalid)",
		}),

		FundingSyncs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_funding_syncs_total",
			Help: "Successful funding accrual syncs",
		}),

		EpochAdvances: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_vault_epoch_advances_total",
			Help: "Vault epochs stepped",
		}),

		VaultAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_assets",
			Help: "Pooled collateral held by the vault",
		}),

		VaultShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_shares",
			Help: "Total vault shares outstanding",
		}),

		SharePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_share_price",
			Help: "Current share price, percent scale",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: httpBuckets,
		}, []string{"endpoint"}),

		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ws_clients",
			Help: "Connected websocket event-stream clients",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
