package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftswap_trades_completed_total",
		Help: "Total number of shift trade requests completed.",
	})

	GiveawaysCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftswap_giveaways_completed_total",
		Help: "Total number of shift giveaways completed.",
	})

	NotificationsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftswap_notifications_sent_total",
		Help: "Total number of notifications delivered over a live connection.",
	})

	NotificationsPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftswap_notifications_pending_total",
		Help: "Total number of notifications buffered for offline recipients.",
	})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftswap_notifications_failed_total",
		Help: "Total number of notifications that exhausted delivery retries.",
	})

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftswap_operation_errors_total",
		Help: "Total number of errors encountered during specific operations.",
	},
		[]string{"operation"},
	)

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftswap_ws_connected_clients",
		Help: "Current number of connected WebSocket clients.",
	})
)
