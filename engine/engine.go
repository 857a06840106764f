// Package engine describes the inference capability the tagging pipeline depends on.
// Concrete runtimes (see package onnx) implement Loader and Session.
package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/krau/wdtagger/errs"
	"gorgonia.org/tensor"
)

// Session is a loaded model. Predict takes a [batch, height, width, 3] float32 tensor and
// returns one probability row per batch item, in tag table order.
type Session interface {
	Predict(input *tensor.Dense) ([][]float32, error)
	Close() error
}

type Loader interface {
	Load(path string) (Session, error)
}

type DeviceKind string

const (
	CPU      DeviceKind = "cpu"
	CUDA     DeviceKind = "cuda"
	TensorRT DeviceKind = "tensorrt"
	CoreML   DeviceKind = "coreml"
)

// Device is a compute backend. ID selects the GPU for CUDA and TensorRT; -1 means the
// provider default.
type Device struct {
	Kind DeviceKind
	ID   int
}

func (d Device) String() string {
	if d.ID < 0 {
		return string(d.Kind)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// ParseDevice accepts "cpu", "coreml", "cuda", "cuda:1", "tensorrt" and "tensorrt:0".
func ParseDevice(s string) (Device, error) {
	kind, id, hasID := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	d := Device{Kind: DeviceKind(kind), ID: -1}
	switch d.Kind {
	case CPU, CoreML:
		if hasID {
			return Device{}, fmt.Errorf("%w: device %q does not take an id", errs.ErrEngine, s)
		}
	case CUDA, TensorRT:
		if hasID {
			n, err := strconv.Atoi(id)
			if err != nil || n < 0 {
				return Device{}, fmt.Errorf("%w: invalid device id in %q", errs.ErrEngine, s)
			}
			d.ID = n
		}
	default:
		return Device{}, fmt.Errorf("%w: unknown device %q", errs.ErrEngine, s)
	}
	return d, nil
}

// ParseDevices parses a device list. An empty list means CPU only.
func ParseDevices(list []string) ([]Device, error) {
	if len(list) == 0 {
		return []Device{{Kind: CPU, ID: -1}}, nil
	}
	devices := make([]Device, 0, len(list))
	for _, s := range list {
		d, err := ParseDevice(s)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}
