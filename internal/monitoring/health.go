// Package monitoring serves health, status and Prometheus endpoints.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/logger"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Backend   BackendInfo   `json:"backend"`
	Model     ModelInfo     `json:"model"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	HeapAllocMB  uint64 `json:"heap_alloc_mb"`
	HeapSystemMB uint64 `json:"heap_sys_mb"`
}

type BackendInfo struct {
	Active    string   `json:"active"`
	Available []string `json:"available"`
}

// ModelInfo describes the loaded model, if any.
type ModelInfo struct {
	Loaded          bool              `json:"loaded"`
	ConfigDir       string            `json:"config_dir,omitempty"`
	Checkpoint      string            `json:"checkpoint,omitempty"`
	Layers          int               `json:"layers"`
	QuantizedLayers int               `json:"quantized_layers"`
	Bits            int               `json:"bits"`
	SeqLen          int               `json:"seq_len"`
	Bytes           int64             `json:"bytes"`
	DeviceMap       map[string]string `json:"device_map,omitempty"`
}

// Alert represents a condition worth surfacing on /health
type Alert struct {
	Level     string    `json:"level"`     // warning, error
	Component string    `json:"component"` // backend, model, checkpoint
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthMonitor struct {
	startTime time.Time
	reg       *device.Registry
	server    *http.Server

	mu     sync.RWMutex
	model  ModelInfo
	alerts []Alert
}

func NewHealthMonitor(reg *device.Registry) *HealthMonitor {
	return &HealthMonitor{startTime: time.Now(), reg: reg}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	return mux
}

// Start serves on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetModel(info ModelInfo) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	info.Loaded = true
	hm.model = info
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	st := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			HeapAllocMB:  mem.HeapAlloc / 1024 / 1024,
			HeapSystemMB: mem.HeapSys / 1024 / 1024,
		},
		Model:  hm.model,
		Alerts: append([]Alert(nil), hm.alerts...),
	}
	if hm.reg != nil {
		st.Backend = BackendInfo{Active: hm.reg.ActiveName(), Available: hm.reg.Available()}
		// Quantized layers cannot run without a backend.
		if st.Backend.Active == device.None {
			st.Status = "degraded"
		}
	}
	for _, a := range st.Alerts {
		if a.Level == "error" {
			st.Status = "unhealthy"
			break
		}
	}
	return st
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hm.Status()
	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    st.Status,
		"timestamp": st.Timestamp,
		"backend":   st.Backend.Active,
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(hm.Status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
