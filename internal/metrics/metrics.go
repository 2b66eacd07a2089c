package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rrmd_ingest_records_total",
			Help: "Records consumed from Kafka, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	DataModelBufferLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rrmd_data_model_buffer_length",
			Help: "Current FIFO length per device and buffer kind.",
		},
		[]string{"serial", "kind"},
	)

	AlgorithmRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rrmd_algorithm_run_duration_seconds",
			Help:    "Wall-clock duration of one scheduled or triggered algorithm run.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"zone", "category", "algorithm"},
	)

	AlgorithmRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rrmd_algorithm_runs_total",
			Help: "Algorithm runs by zone, category, and outcome.",
		},
		[]string{"zone", "category", "outcome"},
	)

	SchedulerSingleFlightRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rrmd_scheduler_single_flight_rejections_total",
			Help: "Triggers dropped because a run was already in progress for that zone/category.",
		},
		[]string{"zone", "category"},
	)

	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rrmd_gateway_call_duration_seconds",
			Help:    "Gateway HTTP call latency by endpoint kind.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)

	GatewayCallErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rrmd_gateway_call_errors_total",
			Help: "Gateway HTTP call failures by endpoint kind.",
		},
		[]string{"endpoint"},
	)

	ConfigApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rrmd_config_apply_total",
			Help: "Per-device configuration pushes by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ProvisioningReconcileDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rrmd_provisioning_reconcile_devices",
			Help: "Device count after the last provisioning reconciliation pass.",
		},
		[]string{},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			IngestRecordsTotal,
			DataModelBufferLength,
			AlgorithmRunDuration,
			AlgorithmRunsTotal,
			SchedulerSingleFlightRejectionsTotal,
			GatewayCallDuration,
			GatewayCallErrorsTotal,
			ConfigApplyTotal,
			ProvisioningReconcileDevices,
		)
	})
}
