package vm

import "github.com/cinderlang/cinder/object"

// frame is one activation record. Locals live directly on the VM's value
// stack in the window [base, floor); the callee value sits at base-1, which
// keeps it rooted for the collector and reachable for upvalue access. The
// operand stack of the frame begins at floor.
type frame struct {
	fnIndex int // index into the loaded function table
	base    int // stack slot of local 0
	floor   int // base + local count; lowest operand slot
	retIP   int // caller resume offset, or stopSignal for entry frames
	callIP  int // offset of the call instruction, for stack traces

	// receiver is the instance under construction when the frame runs a
	// class initializer. Initializer frames discard their return value and
	// produce the receiver instead.
	receiver object.Value
	isInit   bool
}

// handler is one entry on the exception handler stack, pushed by TryBegin
// and popped by TryEnd, a catch, or the return of the frame that pushed it.
type handler struct {
	target     int // absolute offset of the handler code
	frameIndex int // frame that was active at TryBegin
	sp         int // operand stack pointer to restore before entering
}
