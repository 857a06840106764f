package onnx

import (
	"fmt"

	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/errs"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Session wraps a dynamic ONNX Runtime session. Every Predict call allocates its own
// input and output tensors, so concurrent calls are safe.
type Session struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
}

var _ engine.Session = (*Session)(nil)

func (s *Session) Predict(input *tensor.Dense) ([][]float32, error) {
	shape := input.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: expected a rank 4 input tensor, got shape %v", errs.ErrEngine, shape)
	}
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: expected float32 input, got %v", errs.ErrEngine, input.Dtype())
	}
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}

	in, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %w", errs.ErrEngine, err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("%w: inference failed: %w", errs.ErrEngine, err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output %q is not a float32 tensor", errs.ErrEngine, s.outputName)
	}
	oshape := out.GetShape()
	if len(oshape) != 2 || oshape[0] != dims[0] {
		return nil, fmt.Errorf("%w: unexpected output shape %v for batch of %d", errs.ErrEngine, oshape, dims[0])
	}
	return splitRows(out.GetData(), int(oshape[0]), int(oshape[1])), nil
}

func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	if err != nil {
		return fmt.Errorf("%w: failed to destroy session: %w", errs.ErrEngine, err)
	}
	return nil
}

// splitRows copies a row-major [batch, classes] buffer into one slice per row, detached
// from the runtime-owned memory.
func splitRows(raw []float32, batch, classes int) [][]float32 {
	rows := make([][]float32, batch)
	for i := range rows {
		rows[i] = make([]float32, classes)
		copy(rows[i], raw[i*classes:(i+1)*classes])
	}
	return rows
}
