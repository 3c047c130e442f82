package vm

import (
	"io"

	"github.com/cinderlang/cinder/object"
	"github.com/rs/zerolog"
)

// Option is a configuration function for a VM.
type Option func(*VM)

// WithLogger sets the logger used by the VM and its heap. Events carry the
// VM's id. The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(vm *VM) {
		vm.logger = logger
	}
}

// WithObserver sets an observer for VM execution events. The observer
// receives callbacks for instruction steps, calls, returns, throws, and
// traps. This enables profilers, debuggers, code coverage tools, and
// execution tracers without modifying the VM's core.
//
// Observer methods are called synchronously during execution, so
// implementations should be fast to avoid impacting performance.
// Returning false from any observer method halts execution immediately.
func WithObserver(observer Observer) Option {
	return func(vm *VM) {
		vm.observer = observer
	}
}

// WithContextCheckInterval sets how often the VM checks ctx.Done() during
// execution. The interval is specified in number of instructions. A value
// of 0 disables deterministic checking, relying only on the background
// goroutine that monitors the context. The default is
// DefaultContextCheckInterval (1000).
//
// Lower values provide more responsive cancellation but may slightly impact
// performance due to more frequent checks. Higher values reduce overhead
// but delay cancellation detection.
func WithContextCheckInterval(interval int) Option {
	return func(vm *VM) {
		vm.checkInterval = interval
	}
}

// WithMaxStackDepth sets the operand stack limit in value slots. Exceeding
// it raises a catchable stack overflow error. The default is
// DefaultMaxStackDepth.
func WithMaxStackDepth(depth int) Option {
	return func(vm *VM) {
		if depth > 0 {
			vm.maxStackDepth = depth
		}
	}
}

// WithMaxFrameDepth sets the call depth limit. Exceeding it raises a
// catchable stack overflow error. The default is DefaultMaxFrameDepth.
func WithMaxFrameDepth(depth int) Option {
	return func(vm *VM) {
		if depth > 0 {
			vm.maxFrameDepth = depth
		}
	}
}

// WithInitialGCThreshold sets the heap's first collection threshold in
// accounting bytes.
func WithInitialGCThreshold(bytes int64) Option {
	return func(vm *VM) {
		vm.heapCfg.InitialThreshold = bytes
	}
}

// WithGCGrowthFactor sets the multiplier applied to live bytes after each
// collection to compute the next threshold.
func WithGCGrowthFactor(factor float64) Option {
	return func(vm *VM) {
		vm.heapCfg.GrowthFactor = factor
	}
}

// WithMaxHeapBytes sets the heap's hard cap in accounting bytes. An
// allocation that does not fit even after a forced collection fails the
// run. Zero means uncapped.
func WithMaxHeapBytes(bytes int64) Option {
	return func(vm *VM) {
		vm.heapCfg.MaxBytes = bytes
	}
}

// WithOutput sets the writer behind the write instruction's primary stream.
// The default is io.Discard.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) {
		vm.output = w
	}
}

// WithErrorOutput sets the writer behind the write instruction's error
// stream. The default is io.Discard.
func WithErrorOutput(w io.Writer) Option {
	return func(vm *VM) {
		vm.errOutput = w
	}
}

// WithInput sets the reader behind the read instruction. The default reader
// is empty and yields null on every read.
func WithInput(r io.Reader) Option {
	return func(vm *VM) {
		vm.input = r
	}
}

// WithNative registers a native function before any module is loaded. The
// native binds to the global slot matching name on every subsequent Load.
// Arity -1 accepts any number of arguments.
func WithNative(name string, arity int, fn object.NativeFn) Option {
	return func(vm *VM) {
		vm.natives = append(vm.natives, nativeSpec{name: name, arity: arity, fn: fn})
	}
}
