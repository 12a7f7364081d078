package loader

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-qlora/internal/llama"
	"github.com/23skdu/longbow-qlora/internal/nn"
)

const (
	CPU  = "cpu"
	Disk = "disk"
)

var ErrInsufficientMemory = errors.New("model does not fit in max memory")

// Placement is one unit of the device map. Decoder layers are never split.
type Placement struct {
	Module string
	Device string
	Bytes  uint64
}

// deviceOrder sorts accelerator ids numerically, then cpu, then disk.
func deviceOrder(maxMemory map[string]uint64) []string {
	devs := make([]string, 0, len(maxMemory))
	for d := range maxMemory {
		devs = append(devs, d)
	}
	rank := func(d string) (int, int) {
		if n, err := strconv.Atoi(d); err == nil {
			return 0, n
		}
		switch d {
		case CPU:
			return 1, 0
		case Disk:
			return 2, 0
		}
		return 3, 0
	}
	sort.Slice(devs, func(i, j int) bool {
		ci, ni := rank(devs[i])
		cj, nj := rank(devs[j])
		if ci != cj {
			return ci < cj
		}
		if ni != nj {
			return ni < nj
		}
		return devs[i] < devs[j]
	})
	return devs
}

// ParseMaxMemory converts {"0": "24GiB"} into byte counts.
func ParseMaxMemory(maxMemory map[string]string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(maxMemory))
	for dev, s := range maxMemory {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("max memory for %q: %w", dev, err)
		}
		out[dev] = n
	}
	return out, nil
}

// units splits the model into placement units in forward order: the
// embedding, every decoder layer, the final norm, the head.
func units(m *llama.ForCausalLM) []Placement {
	sizes := make(map[string]uint64)
	order := []string{"model.embed_tokens"}
	for i := 0; i < m.Config.NumHiddenLayers; i++ {
		order = append(order, llama.LayerPath(i))
	}
	order = append(order, "model.norm", llama.LMHead)

	for name, t := range nn.NamedBuffers(m) {
		for _, u := range order {
			if strings.HasPrefix(name, u+".") {
				sizes[u] += uint64(t.SizeBytes())
				break
			}
		}
	}
	out := make([]Placement, len(order))
	for i, u := range order {
		out[i] = Placement{Module: u, Bytes: sizes[u]}
	}
	return out
}

// InferDeviceMap fills devices in order, moving to the next device once a
// unit no longer fits. With offload, units that fit nowhere go to disk.
func InferDeviceMap(m *llama.ForCausalLM, maxMemory map[string]string, offload bool) ([]Placement, error) {
	caps, err := ParseMaxMemory(maxMemory)
	if err != nil {
		return nil, err
	}
	devs := deviceOrder(caps)
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrInsufficientMemory)
	}

	placed := units(m)
	d, used := 0, uint64(0)
	for i := range placed {
		u := &placed[i]
		for d < len(devs) && used+u.Bytes > caps[devs[d]] {
			d++
			used = 0
		}
		if d == len(devs) {
			if !offload {
				return nil, fmt.Errorf("%w: %s needs %s", ErrInsufficientMemory, u.Module, humanize.IBytes(u.Bytes))
			}
			u.Device = Disk
			continue
		}
		u.Device = devs[d]
		used += u.Bytes
	}
	return placed, nil
}

// DeviceMap flattens placements into module -> device.
func DeviceMap(placed []Placement) map[string]string {
	out := make(map[string]string, len(placed))
	for _, p := range placed {
		out[p.Module] = p.Device
	}
	return out
}
