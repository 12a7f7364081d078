package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/23skdu/longbow-qlora/internal/device"
)

func newRegistry(ok bool) *device.Registry {
	return device.NewRegistry(device.Candidate{
		Name: device.CUDA,
		Acquire: func() (device.Kernel, error) {
			if !ok {
				return nil, errors.New("no device")
			}
			return device.NewReconsKernel(device.CUDA), nil
		},
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		alert  string
		status string
		code   int
	}{
		{"healthy", true, "", "healthy", http.StatusOK},
		{"no backend", false, "", "degraded", http.StatusOK},
		{"error alert", true, "error", "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor(newRegistry(tt.ok))
			if tt.alert != "" {
				hm.AddAlert(tt.alert, "checkpoint", "load failed")
			}
			rec := get(t, hm.Handler(), "/health")
			if rec.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tt.status {
				t.Errorf("expected status %q, got %v", tt.status, body["status"])
			}
		})
	}
}

func TestStatusReportsModel(t *testing.T) {
	hm := NewHealthMonitor(newRegistry(true))
	hm.SetModel(ModelInfo{Layers: 2, QuantizedLayers: 14, Bits: 4, SeqLen: 2048})

	rec := get(t, hm.Handler(), "/status")
	var st HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Model.Loaded || st.Model.QuantizedLayers != 14 {
		t.Errorf("unexpected model info %+v", st.Model)
	}
	if st.Backend.Active != device.CUDA {
		t.Errorf("expected active backend cuda, got %q", st.Backend.Active)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	hm := NewHealthMonitor(nil)
	rec := get(t, hm.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected default Go collectors in /metrics output")
	}
}
