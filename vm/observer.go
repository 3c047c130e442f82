package vm

import "github.com/cinderlang/cinder/op"

// StepMode controls when OnStep callbacks are triggered.
type StepMode uint8

const (
	// StepAll calls OnStep for every instruction.
	// Use for: detailed tracing, instruction-level debugging.
	StepAll StepMode = iota

	// StepNone never calls OnStep.
	// Use for: profilers that only need Call/Return events.
	StepNone

	// StepSampled calls OnStep every N instructions.
	// Use for: statistical CPU profiling.
	StepSampled

	// StepOnLine calls OnStep when the source line changes. Requires a
	// module with a debug line table; without one no steps are reported.
	// Use for: coverage tools, line-level debuggers.
	StepOnLine
)

// ObserverConfig specifies what events an observer wants to receive.
// Use NewObserverConfig() to create configs with safe defaults.
type ObserverConfig struct {
	// StepMode controls OnStep callback frequency.
	StepMode StepMode

	// SampleInterval is the number of instructions between OnStep calls
	// when StepMode is StepSampled. Values <= 0 are treated as 1.
	// Ignored for other modes.
	SampleInterval int

	// ObserveCalls enables OnCall callbacks.
	ObserveCalls bool

	// ObserveReturns enables OnReturn callbacks.
	ObserveReturns bool

	// ObserveThrows enables OnThrow callbacks.
	ObserveThrows bool

	// ObserveTraps enables OnTrap callbacks.
	ObserveTraps bool
}

// NewObserverConfig creates a config with safe defaults: all event
// categories enabled and a sampling interval of 1000.
func NewObserverConfig(mode StepMode) ObserverConfig {
	return ObserverConfig{
		StepMode:       mode,
		SampleInterval: 1000,
		ObserveCalls:   true,
		ObserveReturns: true,
		ObserveThrows:  true,
		ObserveTraps:   true,
	}
}

// NormalizeConfig validates and clamps config values.
func NormalizeConfig(cfg ObserverConfig) ObserverConfig {
	if cfg.StepMode == StepSampled && cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 1
	}
	return cfg
}

// Observer is an interface for observing VM execution events.
// Implementations can be used for profiling, debugging, code coverage, or
// detailed execution tracing without modifying the VM's core.
//
// All methods are optional - implementations can embed NoOpObserver to
// provide default no-op implementations for methods they don't need.
//
// Observer methods are called synchronously during VM execution.
// Implementations should be fast to avoid impacting performance.
type Observer interface {
	// Config returns the observer's configuration.
	// Called once when the observer is attached to the VM.
	Config() ObserverConfig

	// OnStep is called based on the StepMode in the observer's config.
	// Returns false to halt execution immediately.
	OnStep(event StepEvent) bool

	// OnCall is called when a function or native is invoked.
	// Returns false to halt execution immediately.
	OnCall(event CallEvent) bool

	// OnReturn is called when a function or native returns.
	// Returns false to halt execution immediately.
	OnReturn(event ReturnEvent) bool

	// OnThrow is called when a value is thrown, whether by the Throw
	// instruction, a runtime error, or cancellation injection.
	// Returns false to halt execution immediately.
	OnThrow(event ThrowEvent) bool

	// OnTrap is called when a debug trap instruction executes, before the
	// trap is raised as an exception.
	// Returns false to halt execution immediately.
	OnTrap(event TrapEvent) bool
}

// StepEvent contains information about a single instruction step.
type StepEvent struct {
	// Offset is the absolute instruction offset within the module.
	Offset int

	// Opcode is the operation being executed. For extended instructions
	// this is the escape prefix; ExtOpcode carries the selection.
	Opcode op.Code

	// ExtOpcode is the extended opcode, when Opcode is the escape prefix.
	ExtOpcode op.ExtCode

	// OpcodeName is the human-readable name of the opcode.
	OpcodeName string

	// Function is the name of the executing function.
	Function string

	// Line is the source line, or 0 without a debug line table.
	Line int

	// StackDepth is the current depth of the value stack.
	StackDepth int

	// FrameDepth is the current depth of the call stack.
	FrameDepth int
}

// CallEvent contains information about a function call.
type CallEvent struct {
	// Function is the name of the function being called.
	// Anonymous functions have the name "<anonymous>".
	Function string

	// ArgCount is the number of arguments passed to the function.
	ArgCount int

	// Native reports whether the callee is a host-registered native.
	Native bool

	// FrameDepth is the call stack depth after the call.
	FrameDepth int
}

// ReturnEvent contains information about a function return.
type ReturnEvent struct {
	// Function is the name of the function returning.
	Function string

	// Native reports whether the returning callee is a native.
	Native bool

	// FrameDepth is the call stack depth after returning.
	FrameDepth int
}

// ThrowEvent contains information about a thrown value.
type ThrowEvent struct {
	// Value is the inspected form of the thrown value.
	Value string

	// Caught reports whether a handler will receive the value.
	Caught bool

	// Offset is the absolute offset of the throwing instruction.
	Offset int

	// FrameDepth is the call stack depth at the throw.
	FrameDepth int
}

// TrapEvent contains information about a debug trap.
type TrapEvent struct {
	// Code is the trap's operand byte.
	Code int

	// Offset is the absolute offset of the trap instruction.
	Offset int

	// Function is the name of the function containing the trap.
	Function string
}

// NoOpObserver is an Observer implementation that does nothing. Embed this
// in your observer to provide default implementations for methods you
// don't need.
//
// Important: NoOpObserver uses StepAll mode by default with every event
// category enabled. Override Config() in your observer to use a different
// mode.
type NoOpObserver struct{}

func (NoOpObserver) Config() ObserverConfig {
	return NewObserverConfig(StepAll)
}

func (NoOpObserver) OnStep(StepEvent) bool     { return true }
func (NoOpObserver) OnCall(CallEvent) bool     { return true }
func (NoOpObserver) OnReturn(ReturnEvent) bool { return true }
func (NoOpObserver) OnThrow(ThrowEvent) bool   { return true }
func (NoOpObserver) OnTrap(TrapEvent) bool     { return true }

// Ensure NoOpObserver implements Observer.
var _ Observer = NoOpObserver{}
