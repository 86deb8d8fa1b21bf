// Package msghub provides the cross-component message hub: a named
// exchange point for scalar training signals (losses, learning rates,
// timings) and runtime info (epoch, iteration, seed).
//
// Scalars accumulate into bounded history buffers so consumers can read
// windowed statistics without owning the producer. Hubs are looked up by
// experiment name; components created during a run share the hub the
// runner created.
package msghub

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultWindow bounds scalar history length unless overridden per key.
const DefaultWindow = 10000

var (
	hubMu   sync.RWMutex
	hubs    = map[string]*Hub{}
	current *Hub
)

// Hub carries scalar histories and runtime info for one experiment.
//
// Mutation happens from the goroutine driving the loop; only the global
// name registry is guarded.
type Hub struct {
	name    string
	scalars map[string]*HistoryBuffer
	info    map[string]any
}

// Get returns the hub registered under name, creating it on first use.
// The most recently created hub becomes the current one.
func Get(name string) *Hub {
	hubMu.Lock()
	defer hubMu.Unlock()
	if h, ok := hubs[name]; ok {
		return h
	}
	h := &Hub{
		name:    name,
		scalars: map[string]*HistoryBuffer{},
		info:    map[string]any{},
	}
	hubs[name] = h
	current = h
	return h
}

// Current returns the most recently created hub, or a fallback hub named
// "default" when none exists yet.
func Current() *Hub {
	hubMu.RLock()
	h := current
	hubMu.RUnlock()
	if h != nil {
		return h
	}
	return Get("default")
}

// Name returns the experiment name the hub was created under.
func (h *Hub) Name() string { return h.name }

// UpdateScalar appends value to key's history with count 1.
func (h *Hub) UpdateScalar(key string, value float64) {
	h.UpdateScalarN(key, value, 1)
}

// UpdateScalarN appends value with an explicit sample count, for scalars
// that are already batch aggregates.
func (h *Hub) UpdateScalarN(key string, value float64, count int) {
	buf, ok := h.scalars[key]
	if !ok {
		buf = NewHistoryBuffer(DefaultWindow)
		h.scalars[key] = buf
	}
	buf.Update(value, count)
}

// Scalar returns key's history buffer, or nil when nothing has been
// recorded under key.
func (h *Hub) Scalar(key string) *HistoryBuffer {
	return h.scalars[key]
}

// ScalarKeys lists recorded scalar keys in sorted order.
func (h *Hub) ScalarKeys() []string {
	keys := make([]string, 0, len(h.scalars))
	for k := range h.scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UpdateInfo stores a runtime info value under key, replacing any
// previous value.
func (h *Hub) UpdateInfo(key string, value any) {
	h.info[key] = value
}

// Info returns the runtime info stored under key.
func (h *Hub) Info(key string) (any, bool) {
	v, ok := h.info[key]
	return v, ok
}

// InfoInt reads an integer info value, tolerating the integer widths
// msgpack round-trips produce.
func (h *Hub) InfoInt(key string) (int, bool) {
	v, ok := h.info[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

type hubState struct {
	Name    string                  `msgpack:"name"`
	Scalars map[string]*bufferState `msgpack:"scalars"`
	Info    map[string]any          `msgpack:"info"`
}

// StateDict serializes histories and info for checkpointing.
func (h *Hub) StateDict() ([]byte, error) {
	st := hubState{
		Name:    h.name,
		Scalars: make(map[string]*bufferState, len(h.scalars)),
		Info:    h.info,
	}
	for k, buf := range h.scalars {
		st.Scalars[k] = buf.state()
	}
	b, err := msgpack.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message hub %q: %w", h.name, err)
	}
	return b, nil
}

// LoadStateDict restores histories and info from a StateDict payload.
// Existing entries under the same keys are replaced.
func (h *Hub) LoadStateDict(data []byte) error {
	var st hubState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to restore message hub %q: %w", h.name, err)
	}
	for k, bs := range st.Scalars {
		h.scalars[k] = bs.restore()
	}
	for k, v := range st.Info {
		h.info[k] = v
	}
	return nil
}

// ResetForTest clears the global hub registry. Test helper only.
func ResetForTest() {
	hubMu.Lock()
	defer hubMu.Unlock()
	hubs = map[string]*Hub{}
	current = nil
}
