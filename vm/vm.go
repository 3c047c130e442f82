// Package vm provides the virtual machine that executes compiled Cinder
// modules.
//
// A VM owns one operand stack, one call stack, and one heap. Modules are
// verified at load time, so the dispatch loop trusts every index and jump
// target it reads. Errors raised during execution are materialized as error
// objects and thrown; programs catch them with exception handlers, and only
// uncaught errors reach the host. A VM is not safe for concurrent use.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/heap"
	"github.com/cinderlang/cinder/object"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxArgs is the most arguments a single call can pass.
	MaxArgs = 256

	// DefaultMaxFrameDepth is the default call depth limit.
	DefaultMaxFrameDepth = 1024

	// DefaultMaxStackDepth is the default operand stack limit in slots.
	DefaultMaxStackDepth = 4096

	// DefaultContextCheckInterval is the number of instructions between
	// deterministic checks of ctx.Done(). Set to 0 to disable.
	DefaultContextCheckInterval = 1000

	// stopSignal as a frame's return address stops evaluation when the
	// frame returns, handing control back to the Go caller.
	stopSignal = -1
)

// ErrGlobalNotFound is returned when a named global is not declared by the
// loaded module.
var ErrGlobalNotFound = errors.New("global not found")

type nativeSpec struct {
	name  string
	arity int
	fn    object.NativeFn
}

// VM executes loaded bytecode modules.
type VM struct {
	id    string
	ip    int // instruction pointer, absolute within the loaded code
	sp    int // stack pointer, top slot in use
	fp    int // frame pointer, active frame index
	halt  int32
	steps int64 // instructions executed in the current run

	prog    *program
	globals []object.Value
	defined []bool

	stack  []object.Value
	frames []frame

	handlers     []handler
	openUpvalues *object.Object

	// barrier is the lowest frame index whose handlers the innermost
	// evaluation may use. Host re-entry through Call raises it so a throw
	// cannot unwind across a suspended native call.
	barrier int

	heap    *heap.Heap
	heapCfg heap.Config
	logger  zerolog.Logger

	running  bool
	halted   bool
	ctx      context.Context
	stopCh   chan struct{}
	lastIP   int
	lastLine int

	natives []nativeSpec

	output    io.Writer
	errOutput io.Writer
	input     io.Reader
	lineIn    *lineReader

	maxStackDepth int
	maxFrameDepth int
	checkInterval int

	observer    Observer
	observerCfg ObserverConfig
}

// New creates a VM with the given options.
func New(options ...Option) *VM {
	vm := &VM{
		id:            uuid.Must(uuid.NewV4()).String(),
		sp:            -1,
		fp:            -1,
		logger:        zerolog.Nop(),
		output:        io.Discard,
		errOutput:     io.Discard,
		maxStackDepth: DefaultMaxStackDepth,
		maxFrameDepth: DefaultMaxFrameDepth,
		checkInterval: DefaultContextCheckInterval,
	}
	for _, opt := range options {
		opt(vm)
	}
	vm.logger = vm.logger.With().Str("vm_id", vm.id).Logger()
	vm.heapCfg.Label = vm.id
	vm.heapCfg.Logger = vm.logger
	vm.heap = heap.New(vm.heapCfg)
	vm.heap.AddRoots(vm)

	vm.stack = make([]object.Value, vm.maxStackDepth)
	vm.frames = make([]frame, vm.maxFrameDepth)
	vm.lineIn = newLineReader(vm.input)

	if vm.observer != nil {
		vm.observerCfg = NormalizeConfig(vm.observer.Config())
	}

	vm.logger.Debug().
		Int("max_stack_depth", vm.maxStackDepth).
		Int("max_frame_depth", vm.maxFrameDepth).
		Msg("vm created")
	return vm
}

// ID returns the VM's unique identifier, present on its log events.
func (vm *VM) ID() string {
	return vm.id
}

// Heap returns the VM's heap for direct allocation, pinning, statistics,
// and snapshots.
func (vm *VM) Heap() *heap.Heap {
	return vm.heap
}

// Module returns the loaded module, or nil before Load.
func (vm *VM) Module() *bytecode.Module {
	if vm.prog == nil {
		return nil
	}
	return vm.prog.module
}

// Load installs a verified module into the VM, materializing its constant
// pool on the heap and binding registered natives to their global slots.
// Any previously loaded module is replaced and its run state discarded.
func (vm *VM) Load(mod *bytecode.Module) error {
	if vm.running {
		return fmt.Errorf("vm is already running")
	}
	vm.resetRunState()
	if err := vm.load(mod); err != nil {
		return err
	}
	vm.globals = make([]object.Value, mod.GlobalCount())
	vm.defined = make([]bool, mod.GlobalCount())
	for _, spec := range vm.natives {
		if err := vm.bindNative(spec); err != nil {
			return err
		}
	}
	stats := mod.Stats()
	vm.logger.Info().
		Int("functions", stats.FunctionCount).
		Int("constants", stats.ConstantCount).
		Int("globals", stats.GlobalCount).
		Int("instruction_bytes", stats.InstructionBytes).
		Bool("debug_lines", stats.HasDebugLines).
		Msg("module loaded")
	return nil
}

// RegisterNative makes a host function callable by the loaded module under
// the global slot matching name. Arity -1 accepts any number of arguments.
// Natives registered before Load are bound when a module is loaded; a
// native whose name the module does not declare is held for future loads.
func (vm *VM) RegisterNative(name string, arity int, fn object.NativeFn) error {
	if vm.running {
		return fmt.Errorf("vm is already running")
	}
	spec := nativeSpec{name: name, arity: arity, fn: fn}
	vm.natives = append(vm.natives, spec)
	if vm.prog != nil {
		return vm.bindNative(spec)
	}
	return nil
}

func (vm *VM) bindNative(spec nativeSpec) error {
	slot, ok := vm.prog.module.GlobalIndex(spec.name)
	if !ok {
		vm.logger.Debug().Str("native", spec.name).Msg("module declares no slot for native")
		return nil
	}
	obj, err := vm.heap.AllocNative(spec.name, spec.arity, spec.fn, nil)
	if err != nil {
		return err
	}
	vm.globals[slot] = obj.Value()
	vm.defined[slot] = true
	return nil
}

// Global returns the value of a global by name. Globals the program has not
// assigned yet read as null.
func (vm *VM) Global(name string) (object.Value, error) {
	if vm.prog == nil {
		return object.Null, errors.New("no module loaded")
	}
	slot, ok := vm.prog.module.GlobalIndex(name)
	if !ok {
		return object.Null, fmt.Errorf("%w: %q", ErrGlobalNotFound, name)
	}
	return vm.globals[slot], nil
}

// SetGlobal assigns a global by name, seeding module state from the host.
func (vm *VM) SetGlobal(name string, v object.Value) error {
	if vm.prog == nil {
		return errors.New("no module loaded")
	}
	slot, ok := vm.prog.module.GlobalIndex(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrGlobalNotFound, name)
	}
	vm.globals[slot] = v
	vm.defined[slot] = true
	return nil
}

// GlobalNames returns the names of the loaded module's globals.
func (vm *VM) GlobalNames() []string {
	if vm.prog == nil {
		return nil
	}
	return vm.prog.module.GlobalNames()
}

// Pin roots a value until Unpin is called with the returned handle. Native
// functions that retain values across calls back into the VM must pin them.
func (vm *VM) Pin(v object.Value) heap.PinHandle {
	return vm.heap.Pin(v)
}

// Unpin releases a pinned value.
func (vm *VM) Unpin(h heap.PinHandle) {
	vm.heap.Unpin(h)
}

// Run executes the loaded module's entry function with the given arguments
// and returns its result. The context cancels execution: cancellation is
// injected into the program as a catchable thrown error, and reaches the
// host as a runtime error wrapping the context's error when uncaught.
func (vm *VM) Run(ctx context.Context, args ...object.Value) (object.Value, error) {
	if vm.prog == nil {
		return object.Null, errors.New("no module loaded")
	}
	if err := vm.start(ctx); err != nil {
		return object.Null, err
	}
	defer vm.stop()
	vm.resetRunState()

	started := time.Now()
	vm.logger.Debug().Msg("run started")
	result, err := vm.callValue(vm.ctx, vm.prog.fnObjs[0].Value(), args)
	if err != nil {
		vm.logger.Debug().Err(err).
			Int64("instructions", vm.steps).
			Dur("elapsed", time.Since(started)).
			Msg("run failed")
		return object.Null, err
	}
	vm.logger.Debug().
		Int64("instructions", vm.steps).
		Dur("elapsed", time.Since(started)).
		Msg("run finished")
	return result, nil
}

// Call invokes a callable value with the given arguments and returns its
// result. From outside a run it starts the machine; from inside a native it
// re-enters evaluation on top of the current frame, which is how natives
// call back into the program.
func (vm *VM) Call(ctx context.Context, fn object.Value, args []object.Value) (object.Value, error) {
	if vm.prog == nil {
		return object.Null, errors.New("no module loaded")
	}
	if vm.running {
		return vm.callValue(vm.ctx, fn, args)
	}
	if err := vm.start(ctx); err != nil {
		return object.Null, err
	}
	defer vm.stop()
	return vm.callValue(vm.ctx, fn, args)
}

// start guards against overlapping runs, clears the halt flag, and arranges
// for context cancellation to raise it again.
func (vm *VM) start(ctx context.Context) (err error) {
	if vm.running {
		return fmt.Errorf("vm is already running")
	}
	vm.running = true
	vm.halted = false
	vm.steps = 0
	atomic.StoreInt32(&vm.halt, 0)
	vm.ctx = context.WithValue(ctx, vmContextKey{}, vm)
	vm.stopCh = make(chan struct{})
	if doneCh := ctx.Done(); doneCh != nil {
		stopCh := vm.stopCh
		go func() {
			select {
			case <-doneCh:
				atomic.StoreInt32(&vm.halt, 1)
			case <-stopCh:
			}
		}()
	}
	return nil
}

func (vm *VM) stop() {
	close(vm.stopCh)
	vm.running = false
	vm.ctx = nil
}

// resetRunState discards the stack, frames, handlers, and open upvalues
// left by a previous run.
func (vm *VM) resetRunState() {
	for i := 0; i <= vm.sp && i < len(vm.stack); i++ {
		vm.stack[i] = object.Null
	}
	for i := 0; i <= vm.fp && i < len(vm.frames); i++ {
		vm.frames[i] = frame{}
	}
	vm.sp = -1
	vm.fp = -1
	vm.ip = 0
	vm.lastIP = 0
	vm.lastLine = 0
	vm.handlers = vm.handlers[:0]
	vm.openUpvalues = nil
	vm.barrier = 0
	vm.halted = false
}

// MarkRoots reports every value the VM can reach to the collector: the live
// operand stack (frame locals included, since they are stack slots), the
// globals, the loaded module's constants and function objects, the open
// upvalue list, and receivers held by initializer frames.
func (vm *VM) MarkRoots(m *heap.Marker) {
	for i := 0; i <= vm.sp; i++ {
		m.MarkValue(vm.stack[i])
	}
	for _, g := range vm.globals {
		m.MarkValue(g)
	}
	if vm.prog != nil {
		for _, c := range vm.prog.constants {
			m.MarkValue(c)
		}
		for _, fn := range vm.prog.fnObjs {
			m.MarkObject(fn)
		}
	}
	for u := vm.openUpvalues; u != nil; u = u.NextOpen() {
		m.MarkObject(u)
	}
	for i := 0; i <= vm.fp; i++ {
		m.MarkValue(vm.frames[i].receiver)
	}
}

type vmContextKey struct{}

// FromContext returns the VM executing the current native call. Natives
// receive a context carrying their VM, which they use for re-entry with
// Call, pinning, and heap access.
func FromContext(ctx context.Context) (*VM, bool) {
	vm, ok := ctx.Value(vmContextKey{}).(*VM)
	return vm, ok
}
