package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qlora_kernel_duration_seconds",
		Help:    "Histogram of quantized kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	KernelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_kernel_errors_total",
		Help: "Total number of failed kernel calls",
	}, []string{"backend", "op"})

	QuantForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_quant_forward_total",
		Help: "Quantized linear forward calls by bit-width and dispatch path",
	}, []string{"bits", "path"})

	QuantBackwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_quant_backward_total",
		Help: "Quantized linear backward calls by bit-width",
	}, []string{"bits"})

	BackendDetected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qlora_backend_detected",
		Help: "1 if the backend was acquired at process start",
	}, []string{"backend"})

	BackendActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qlora_backend_active",
		Help: "1 for the currently selected backend",
	}, []string{"backend"})

	BackendSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_backend_selections_total",
		Help: "Backend selection attempts by outcome",
	}, []string{"backend", "outcome"})

	LayersInstalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qlora_layers_installed_total",
		Help: "Linear layers replaced with quantized layers",
	})

	PrecisionConversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_precision_conversions_total",
		Help: "Model-wide precision conversions by target dtype",
	}, []string{"dtype"})

	CheckpointTensors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_checkpoint_tensors_total",
		Help: "Tensors streamed from checkpoints by source kind",
	}, []string{"source"})

	CheckpointBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qlora_checkpoint_bytes_total",
		Help: "Bytes streamed from checkpoints by source kind",
	}, []string{"source"})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qlora_model_load_duration_seconds",
		Help:    "Wall time to build, fill and dispatch a quantized model",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qlora_scratch_memory_bytes",
		Help: "Bytes held by kernel scratch pools",
	})
)

func RecordKernelDuration(backend, op string, duration time.Duration) {
	KernelDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

func RecordKernelError(backend, op string) {
	KernelErrors.WithLabelValues(backend, op).Inc()
}

func RecordQuantForward(bits int, path string) {
	QuantForwardTotal.WithLabelValues(strconv.Itoa(bits), path).Inc()
}

func RecordQuantBackward(bits int) {
	QuantBackwardTotal.WithLabelValues(strconv.Itoa(bits)).Inc()
}

func RecordBackendDetected(backend string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	BackendDetected.WithLabelValues(backend).Set(v)
}

// RecordBackendActive flips the active gauge to backend; names lists every
// known backend so the others are reset to 0.
func RecordBackendActive(backend string, names ...string) {
	for _, n := range names {
		BackendActive.WithLabelValues(n).Set(0)
	}
	if backend != "" {
		BackendActive.WithLabelValues(backend).Set(1)
	}
}

func RecordBackendSelection(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BackendSelections.WithLabelValues(backend, outcome).Inc()
}

func RecordLayersInstalled(n int) {
	LayersInstalled.Add(float64(n))
}

func RecordPrecisionConversion(dtype string) {
	PrecisionConversions.WithLabelValues(dtype).Inc()
}

func RecordCheckpointTensor(source string, bytes int) {
	CheckpointTensors.WithLabelValues(source).Inc()
	CheckpointBytes.WithLabelValues(source).Add(float64(bytes))
}

func RecordModelLoad(duration time.Duration) {
	ModelLoadDuration.Observe(duration.Seconds())
}

func RecordScratchMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}
