// Package onnx runs tagger models on ONNX Runtime.
//
// ONNX Runtime keeps one environment per process, so the runtime and its device list
// are set once with Init. Close releases the environment and allows another Init.
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/krau/wdtagger/config"
	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/errs"
	ort "github.com/yalue/onnxruntime_go"
)

var pathOnce sync.Once
var libPath string

func LibPath() string {
	pathOnce.Do(func() {
		libPath = loadLibPath()
		if libPath == "" {
			slog.Error("ONNX Runtime library path could not be determined for this OS")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		}
	})
	return libPath
}

func loadLibPath() string {
	if config.C().Libonnx != "" {
		return config.C().Libonnx
	}
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		candidates = []string{
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		candidates = []string{filepath.Join("onnxlibs", "onnxruntime.dll"), "onnxruntime.dll"}
	default:
		return ""
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return candidates[len(candidates)-1]
}

var ErrRuntimeActive = fmt.Errorf("%w: ONNX Runtime is already initialized", errs.ErrEngine)

type Options struct {
	LibPath string
	// Devices in priority order. Empty means CPU.
	Devices []engine.Device
	// IntraOpThreads is passed to the session options when > 0.
	IntraOpThreads int
}

type Runtime struct {
	devices []engine.Device
	threads int
}

var (
	mu     sync.Mutex
	active *Runtime
)

var _ engine.Loader = (*Runtime)(nil)

// Init initializes the process-wide ONNX Runtime environment with a fixed device list.
// It fails with ErrRuntimeActive while a previous Runtime has not been closed.
func Init(opts Options) (*Runtime, error) {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return nil, ErrRuntimeActive
	}

	devices := opts.Devices
	if len(devices) == 0 {
		devices = []engine.Device{{Kind: engine.CPU, ID: -1}}
	}
	if opts.LibPath != "" {
		ort.SetSharedLibraryPath(opts.LibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX Runtime environment: %w", errs.ErrEngine, err)
	}

	active = &Runtime{devices: devices, threads: opts.IntraOpThreads}
	slog.Info("ONNX Runtime initialized", slog.String("devices", deviceList(devices)))
	return active, nil
}

func (r *Runtime) Devices() []engine.Device {
	out := make([]engine.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

func (r *Runtime) Close() error {
	mu.Lock()
	defer mu.Unlock()
	if active != r {
		return nil
	}
	active = nil
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("%w: failed to destroy ONNX Runtime environment: %w", errs.ErrEngine, err)
	}
	return nil
}

// Load opens a model with a dynamic batch dimension on the runtime's devices.
func (r *Runtime) Load(path string) (engine.Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get model input/output info: %w", errs.ErrEngine, err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: expected a single model input, got %d", errs.ErrEngine, len(inputs))
	}
	output, err := pickOutput(outputs)
	if err != nil {
		return nil, err
	}

	opts, err := r.sessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, []string{output.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create ONNX Runtime session: %w", errs.ErrEngine, err)
	}
	slog.Debug("Loaded model",
		slog.String("path", path),
		slog.String("input", inputs[0].Name),
		slog.String("output", output.Name))
	return &Session{session: session, inputName: inputs[0].Name, outputName: output.Name}, nil
}

func (r *Runtime) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session options: %w", errs.ErrEngine, err)
	}
	if r.threads > 0 {
		if err := opts.SetIntraOpNumThreads(r.threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("%w: failed to set intra-op threads: %w", errs.ErrEngine, err)
		}
	}

	seen := make(map[engine.DeviceKind]bool)
	for _, d := range r.devices {
		if seen[d.Kind] {
			slog.Warn("Ignoring extra device of the same kind", slog.String("device", d.String()))
			continue
		}
		seen[d.Kind] = true
		if err := appendProvider(opts, d); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("%w: failed to enable %s: %w", errs.ErrEngine, d, err)
		}
	}
	return opts, nil
}

func appendProvider(opts *ort.SessionOptions, d engine.Device) error {
	switch d.Kind {
	case engine.CPU:
		// always available, used as fallback by ONNX Runtime
		return nil
	case engine.CUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if d.ID >= 0 {
			if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(d.ID)}); err != nil {
				return err
			}
		}
		return opts.AppendExecutionProviderCUDA(cuda)
	case engine.TensorRT:
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return err
		}
		defer trt.Destroy()
		if d.ID >= 0 {
			if err := trt.Update(map[string]string{"device_id": strconv.Itoa(d.ID)}); err != nil {
				return err
			}
		}
		return opts.AppendExecutionProviderTensorRT(trt)
	case engine.CoreML:
		return opts.AppendExecutionProviderCoreML(0)
	}
	return errors.New("unsupported device")
}

// pickOutput prefers the output named "output", which WD taggers export, and falls back
// to the first one.
func pickOutput(outputs []ort.InputOutputInfo) (ort.InputOutputInfo, error) {
	if len(outputs) == 0 {
		return ort.InputOutputInfo{}, fmt.Errorf("%w: model has no outputs", errs.ErrEngine)
	}
	for _, o := range outputs {
		if o.Name == "output" {
			return o, nil
		}
	}
	return outputs[0], nil
}

func deviceList(devices []engine.Device) string {
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.String())
	}
	return strings.Join(names, ",")
}
