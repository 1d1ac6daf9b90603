package application

import "github.com/prometheus/client_golang/prometheus"

var (
	recomputeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_recompute_total",
			Help: "Number of presence recomputations by result.",
		},
		[]string{"result"},
	)

	broadcastCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_broadcast_total",
			Help: "Number of presence.status broadcasts by result.",
		},
		[]string{"result"},
	)

	prunedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_pruned_connections_total",
			Help: "Connections removed because their node left the cluster.",
		},
		[]string{"reason"},
	)
)

// RegisterMetrics 在 main 包里调用
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(recomputeCounter, broadcastCounter, prunedCounter)
}
