package device

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"

	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/metrics"
)

const (
	CUDA   = "cuda"
	Triton = "triton"
	None   = "none"

	EnvDisableCUDA   = "QLORA_DISABLE_CUDA"
	EnvDisableTriton = "QLORA_DISABLE_TRITON"
)

// Candidate is a backend that may or may not be acquirable in this process.
type Candidate struct {
	Name    string
	Acquire func() (Kernel, error)
}

type active struct {
	name   string
	kernel Kernel
}

// Registry probes its candidates once and tracks the active kernel.
// Switching the active backend is safe while other goroutines run forwards.
type Registry struct {
	candidates []Candidate

	once     sync.Once
	acquired map[string]Kernel
	order    []string

	current atomic.Pointer[active]
}

func NewRegistry(candidates ...Candidate) *Registry {
	return &Registry{candidates: candidates}
}

func disabled(env string) bool {
	v, err := strconv.ParseBool(os.Getenv(env))
	return err == nil && v
}

// DefaultCandidates returns the in-process kernels in preference order.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: CUDA, Acquire: func() (Kernel, error) {
			if disabled(EnvDisableCUDA) {
				return nil, fmt.Errorf("disabled by %s", EnvDisableCUDA)
			}
			return NewReconsKernel(CUDA), nil
		}},
		{Name: Triton, Acquire: func() (Kernel, error) {
			if disabled(EnvDisableTriton) {
				return nil, fmt.Errorf("disabled by %s", EnvDisableTriton)
			}
			return NewFusedKernel(Triton)
		}},
	}
}

// Detect acquires every candidate exactly once and activates the first one
// that succeeded. Later calls are no-ops.
func (r *Registry) Detect() {
	r.once.Do(r.detect)
}

func (r *Registry) detect() {
	logger.Log.Debug("cpu features",
		"brand", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"fma3", cpuid.CPU.Supports(cpuid.FMA3),
		"asimd", cpuid.CPU.Supports(cpuid.ASIMD))

	r.acquired = make(map[string]Kernel)
	for _, c := range r.candidates {
		k, err := c.Acquire()
		metrics.RecordBackendDetected(c.Name, err == nil)
		if err != nil {
			logger.Log.Warn(fmt.Sprintf("%s not available", c.Name), "error", err)
			continue
		}
		r.acquired[c.Name] = k
		r.order = append(r.order, c.Name)
	}

	if len(r.order) == 0 {
		logger.Log.Warn("neither cuda nor triton backends are available")
		metrics.RecordBackendActive("", r.names()...)
		return
	}
	name := r.order[0]
	r.current.Store(&active{name: name, kernel: r.acquired[name]})
	metrics.RecordBackendActive(name, r.names()...)
	logger.Log.Info(fmt.Sprintf("using %s implementation", name))
}

func (r *Registry) names() []string {
	out := make([]string, len(r.candidates))
	for i, c := range r.candidates {
		out[i] = c.Name
	}
	return out
}

// Select switches the active backend.
func (r *Registry) Select(name string) (err error) {
	r.Detect()
	defer func() { metrics.RecordBackendSelection(name, err) }()

	known := false
	for _, c := range r.candidates {
		if c.Name == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %q", ErrBackendNotSupported, name)
	}
	k, ok := r.acquired[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrBackendUnavailable)
	}
	r.current.Store(&active{name: name, kernel: k})
	metrics.RecordBackendActive(name, r.names()...)
	logger.Log.Info(fmt.Sprintf("using %s implementation", name))
	return nil
}

// Active returns the selected kernel, or nil and "none".
func (r *Registry) Active() (Kernel, string) {
	r.Detect()
	a := r.current.Load()
	if a == nil {
		return nil, None
	}
	return a.kernel, a.name
}

func (r *Registry) ActiveName() string {
	_, name := r.Active()
	return name
}

// Available lists acquired backends in preference order.
func (r *Registry) Available() []string {
	r.Detect()
	return append([]string(nil), r.order...)
}

func (r *Registry) IsAvailable(name string) bool {
	r.Detect()
	_, ok := r.acquired[name]
	return ok
}

// Kernel returns an acquired backend by name regardless of which is active.
func (r *Registry) Kernel(name string) (Kernel, error) {
	r.Detect()
	k, ok := r.acquired[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrBackendUnavailable)
	}
	return k, nil
}
