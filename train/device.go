package train

import (
	"fmt"

	"github.com/regtrain/regtrain/train/registration"
)

// Device moves values onto the compute device. The CPU implementation is a
// pass-through; an accelerator-backed implementation would copy buffers and
// return device handles.
type Device interface {
	// Transfer moves one value as a whole unit. Returns an error for value
	// types it cannot place on the device.
	Transfer(v any) (any, error)
	// Release frees transient device memory between iterations.
	Release()
}

// CPUDevice keeps every value in host memory.
type CPUDevice struct{}

func (CPUDevice) Transfer(v any) (any, error) { return v, nil }
func (CPUDevice) Release()                    {}

// stageBatch moves batch fields onto dev following the loader contract:
// list-valued fields are dispatched element-wise, mappings / floats / nil /
// dense float arrays pass through unchanged, and anything else is moved as a
// whole unit. An unsupported field type surfaces as an error and aborts the
// epoch.
func stageBatch(batch Batch, dev Device) error {
	for key, value := range batch {
		switch v := value.(type) {
		case []any:
			for i, item := range v {
				moved, err := dev.Transfer(item)
				if err != nil {
					return fmt.Errorf("stage field %q[%d]: %w", key, i, err)
				}
				v[i] = moved
			}
		case map[string]any, float64, nil, []float64:
			// passed through unchanged
		case []registration.Point, [][]registration.Point, []registration.Rotation, []registration.Translation:
			// dense geometry payloads stay host-side until the model asks
		default:
			moved, err := dev.Transfer(value)
			if err != nil {
				return fmt.Errorf("stage field %q: %w", key, err)
			}
			batch[key] = moved
		}
	}
	return nil
}
