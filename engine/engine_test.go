package engine

import (
	"testing"

	"github.com/krau/wdtagger/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	cases := map[string]Device{
		"cpu":        {Kind: CPU, ID: -1},
		" CUDA ":     {Kind: CUDA, ID: -1},
		"cuda:1":     {Kind: CUDA, ID: 1},
		"tensorrt":   {Kind: TensorRT, ID: -1},
		"tensorrt:0": {Kind: TensorRT, ID: 0},
		"coreml":     {Kind: CoreML, ID: -1},
	}
	for in, want := range cases {
		got, err := ParseDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "gpu", "cuda:x", "cuda:-1", "cpu:0"} {
		_, err := ParseDevice(in)
		assert.ErrorIs(t, err, errs.ErrEngine, in)
	}
}

func TestParseDevices(t *testing.T) {
	devices, err := ParseDevices(nil)
	require.NoError(t, err)
	assert.Equal(t, []Device{{Kind: CPU, ID: -1}}, devices)

	devices, err = ParseDevices([]string{"cuda:0", "cuda:1", "cpu"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cuda:0", "cuda:1", "cpu"}, []string{devices[0].String(), devices[1].String(), devices[2].String()})

	_, err = ParseDevices([]string{"cpu", "npu"})
	assert.ErrorIs(t, err, errs.ErrEngine)
}
