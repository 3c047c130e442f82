package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/cinderlang/cinder/errz"
	"github.com/cinderlang/cinder/object"
	"github.com/cinderlang/cinder/op"
)

// Output stream selectors for the write instruction.
const (
	StreamOutput = 0
	StreamError  = 1
)

// Heap statistic selectors for the gc stat instruction.
const (
	GCStatBytesAllocated = 0
	GCStatNextGC         = 1
	GCStatLiveObjects    = 2
	GCStatCollections    = 3
	GCStatTotalAllocs    = 4
)

// errHaltedByObserver is returned when an observer callback requests an
// immediate stop.
var errHaltedByObserver = errors.New("execution halted by observer")

// popNeeds maps each primary opcode to the number of operand stack slots it
// reads, enforced before dispatch so a malformed program underflows into a
// catchable error instead of reading frame locals. Opcodes with dynamic
// consumption (calls, container and class builders) check inside their
// dispatch case.
var popNeeds [256]uint8

// pushNeeds marks the opcodes that can grow the operand stack by one slot,
// enforced before dispatch so the push itself never writes out of bounds.
// TryBegin is included because its handler pushes the thrown value after
// restoring the recorded height. Opcodes that pop before pushing shrink
// first and need no headroom.
var pushNeeds [256]bool

func init() {
	pops := map[op.Code]uint8{
		op.Return: 1,
		op.Pop:    1, op.Dup: 1, op.Swap: 2,
		op.StoreLocal: 1, op.StoreGlobal: 1, op.StoreUpvalue: 1,
		op.Add: 2, op.Sub: 2, op.Mul: 2, op.Div: 2, op.Mod: 2,
		op.BitAnd: 2, op.BitOr: 2, op.BitXor: 2, op.Shl: 2, op.Shr: 2,
		op.Not: 1, op.BitNot: 1, op.Negate: 1,
		op.Equal: 2, op.NotEqual: 2, op.Less: 2, op.LessEq: 2,
		op.Greater: 2, op.GreaterEq: 2,
		op.GetIndex: 2, op.SetIndex: 3, op.Length: 1,
		op.JumpIfFalse: 1, op.JumpIfTrue: 1, op.JumpIfNull: 1, op.JumpIfNotNull: 1,
		op.GetField: 1, op.SetField: 2,
		op.Throw: 1,
	}
	for c, n := range pops {
		popNeeds[c] = n
	}
	pushers := []op.Code{
		op.Dup, op.Null, op.True, op.False, op.PushInt, op.LoadConst,
		op.LoadLocal, op.LoadGlobal, op.LoadUpvalue, op.MakeClosure,
		op.TryBegin,
	}
	for _, c := range pushers {
		pushNeeds[c] = true
	}
}

// eval runs the dispatch loop until the active entry frame returns, a Halt
// executes, or an unrecoverable error surfaces. The caller must have
// activated a frame and set vm.ip; on a clean return the frame's result is
// on top of the stack.
//
// Loading verified the module, so every constant, local, global, and
// upvalue index read here is in range and every jump lands on an
// instruction boundary. Verification also guarantees control cannot run
// off the end of a function, which is why the loop has no bounds test.
func (vm *VM) eval(ctx context.Context) error {
	code := vm.prog.code
	checkInterval := vm.checkInterval
	doneCh := ctx.Done()
	sinceCheck := 0

	for {
		if vm.halted {
			return nil
		}

		// Cancellation is injected as a catchable thrown error at an
		// instruction boundary. The flag resets after injection so a
		// handler gets to run its cleanup; the deterministic check below
		// raises it again while the context stays cancelled.
		if atomic.LoadInt32(&vm.halt) == 1 {
			atomic.StoreInt32(&vm.halt, 0)
			if err := vm.throwCancellation(ctx); err != nil {
				return err
			}
			continue
		}

		// Deterministic check of ctx.Done() every N instructions. This
		// guarantees responsiveness regardless of goroutine scheduling.
		if checkInterval > 0 && doneCh != nil {
			sinceCheck++
			if sinceCheck >= checkInterval {
				sinceCheck = 0
				select {
				case <-doneCh:
					atomic.StoreInt32(&vm.halt, 1)
					continue
				default:
				}
			}
		}

		instrStart := vm.ip
		vm.lastIP = instrStart
		opcode := op.Code(code[instrStart])
		vm.steps++

		if vm.observer != nil {
			if err := vm.observeStep(instrStart, opcode); err != nil {
				return err
			}
		}

		// Advance the instruction pointer past the opcode before
		// dispatching, so operand fetches and relative jumps start from
		// the right place.
		vm.ip++

		// verr collects a runtime error raised by the instruction; it is
		// thrown below, after the switch.
		var verr error
		switch {
		case pushNeeds[opcode] && vm.sp+1 >= len(vm.stack):
			verr = vm.overflowErr()
		case popNeeds[opcode] > 0:
			verr = vm.operands(int(popNeeds[opcode]))
		}

		if verr == nil {
			switch opcode {
			case op.Nop:
			case op.Halt:
				vm.halted = true
				return nil
			case op.Call:
				argc := vm.fetch8()
				if err := vm.operands(argc + 1); err != nil {
					verr = err
					break
				}
				verr = vm.callCallee(ctx, vm.sp-argc, argc, instrStart, vm.ip)
			case op.Return:
				stop, err := vm.doReturn()
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			case op.Pop:
				vm.stack[vm.sp] = object.Null
				vm.sp--
			case op.Dup:
				v := vm.stack[vm.sp]
				vm.pushValue(v)
			case op.Swap:
				vm.stack[vm.sp], vm.stack[vm.sp-1] = vm.stack[vm.sp-1], vm.stack[vm.sp]
			case op.Null:
				vm.pushValue(object.Null)
			case op.True:
				vm.pushValue(object.True)
			case op.False:
				vm.pushValue(object.False)
			case op.PushInt:
				vm.pushValue(object.NewInt(int64(vm.fetch32s())))
			case op.LoadConst:
				vm.pushValue(vm.prog.constants[vm.fetch16u()])
			case op.LoadLocal:
				vm.pushValue(vm.stack[vm.frames[vm.fp].base+vm.fetch16u()])
			case op.StoreLocal:
				idx := vm.fetch16u()
				vm.stack[vm.frames[vm.fp].base+idx] = vm.popValue()
			case op.LoadGlobal:
				idx := vm.fetch16u()
				if !vm.defined[idx] {
					verr = errz.NewRuntimeErrorf(errz.ErrUndefinedGlobal,
						"global %q is not defined", vm.prog.module.GlobalName(idx))
					break
				}
				vm.pushValue(vm.globals[idx])
			case op.StoreGlobal:
				idx := vm.fetch16u()
				vm.globals[idx] = vm.popValue()
				vm.defined[idx] = true
			case op.LoadUpvalue:
				idx := vm.fetch16u()
				cl := vm.stack[vm.frames[vm.fp].base-1].Object()
				vm.pushValue(cl.Upvalues()[idx].UpvalueGet(vm.stack))
			case op.StoreUpvalue:
				idx := vm.fetch16u()
				cl := vm.stack[vm.frames[vm.fp].base-1].Object()
				cl.Upvalues()[idx].UpvalueSet(vm.stack, vm.popValue())
			case op.Add, op.Sub, op.Mul, op.Div, op.Mod,
				op.BitAnd, op.BitOr, op.BitXor, op.Shl, op.Shr:
				// Operands stay on the stack through the operation so a
				// collection triggered by an allocating result cannot free
				// them.
				a, b := vm.stack[vm.sp-1], vm.stack[vm.sp]
				result, err := object.BinaryOp(vm.heap, opcode, a, b)
				if err != nil {
					verr = err
					break
				}
				vm.stack[vm.sp] = object.Null
				vm.sp--
				vm.stack[vm.sp] = result
			case op.Equal, op.NotEqual, op.Less, op.LessEq, op.Greater, op.GreaterEq:
				a, b := vm.stack[vm.sp-1], vm.stack[vm.sp]
				result, err := object.Compare(opcode, a, b)
				if err != nil {
					verr = err
					break
				}
				vm.stack[vm.sp] = object.Null
				vm.sp--
				vm.stack[vm.sp] = result
			case op.Not, op.BitNot, op.Negate:
				result, err := object.UnaryOp(opcode, vm.stack[vm.sp])
				if err != nil {
					verr = err
					break
				}
				vm.stack[vm.sp] = result
			case op.BuildArray:
				count := vm.fetch16u()
				if err := vm.operands(count); err != nil {
					verr = err
					break
				}
				if count == 0 && vm.sp+1 >= len(vm.stack) {
					verr = vm.overflowErr()
					break
				}
				elems := make([]object.Value, count)
				copy(elems, vm.stack[vm.sp-count+1:vm.sp+1])
				arr, err := vm.heap.AllocArray(elems)
				if err != nil {
					verr = err
					break
				}
				vm.dropN(count)
				vm.pushValue(arr.Value())
			case op.BuildMap:
				count := vm.fetch16u()
				if err := vm.operands(2 * count); err != nil {
					verr = err
					break
				}
				if count == 0 && vm.sp+1 >= len(vm.stack) {
					verr = vm.overflowErr()
					break
				}
				entries := make(map[string]object.Value, count)
				base := vm.sp - 2*count + 1
				for i := 0; i < count; i++ {
					k := vm.stack[base+2*i]
					ko := k.Object()
					if ko == nil || ko.Kind() != object.KindString {
						verr = errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
							"map key must be a string, got %s", k.TypeName())
						break
					}
					entries[ko.String()] = vm.stack[base+2*i+1]
				}
				if verr != nil {
					break
				}
				mp, err := vm.heap.AllocMap(entries)
				if err != nil {
					verr = err
					break
				}
				vm.dropN(2 * count)
				vm.pushValue(mp.Value())
			case op.GetIndex:
				result, err := vm.getIndex(vm.stack[vm.sp-1], vm.stack[vm.sp])
				if err != nil {
					verr = err
					break
				}
				vm.stack[vm.sp] = object.Null
				vm.sp--
				vm.stack[vm.sp] = result
			case op.SetIndex:
				err := vm.setIndex(vm.stack[vm.sp-2], vm.stack[vm.sp-1], vm.stack[vm.sp])
				if err != nil {
					verr = err
					break
				}
				vm.dropN(3)
			case op.Length:
				result, err := lengthOf(vm.stack[vm.sp])
				if err != nil {
					verr = err
					break
				}
				vm.stack[vm.sp] = result
			case op.Jump:
				vm.ip += vm.fetch16s()
			case op.JumpIfFalse:
				delta := vm.fetch16s()
				if !vm.popValue().IsTruthy() {
					vm.ip += delta
				}
			case op.JumpIfTrue:
				delta := vm.fetch16s()
				if vm.popValue().IsTruthy() {
					vm.ip += delta
				}
			case op.JumpIfNull:
				delta := vm.fetch16s()
				if vm.popValue().IsNull() {
					vm.ip += delta
				}
			case op.JumpIfNotNull:
				delta := vm.fetch16s()
				if !vm.popValue().IsNull() {
					vm.ip += delta
				}
			case op.MakeClosure:
				verr = vm.makeClosure(vm.fetch16u())
			case op.CloseUpvalues:
				idx := vm.fetch16u()
				vm.closeUpvalues(vm.frames[vm.fp].base + idx)
			case op.BuildClass:
				nameIdx := vm.fetch16u()
				count := vm.fetch16u()
				if err := vm.operands(2 * count); err != nil {
					verr = err
					break
				}
				verr = vm.buildClass(nameIdx, count)
			case op.GetField:
				name := vm.prog.constants[vm.fetch16u()].Object().String()
				result, err := vm.getField(vm.stack[vm.sp], name)
				if err != nil {
					verr = err
					break
				}
				vm.stack[vm.sp] = result
			case op.SetField:
				name := vm.prog.constants[vm.fetch16u()].Object().String()
				recv, v := vm.stack[vm.sp-1], vm.stack[vm.sp]
				obj := recv.Object()
				if obj == nil || obj.Kind() != object.KindInstance {
					verr = errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
						"cannot set field %q on %s", name, recv.TypeName())
					break
				}
				vm.heap.Charge(obj.SetEntry(name, v))
				vm.dropN(2)
			case op.CallMethod:
				nameIdx := vm.fetch16u()
				argc := vm.fetch8()
				if err := vm.operands(argc + 1); err != nil {
					verr = err
					break
				}
				verr = vm.callMethod(ctx, nameIdx, argc, instrStart)
			case op.TryBegin:
				delta := vm.fetch16s()
				vm.handlers = append(vm.handlers, handler{
					target:     vm.ip + delta,
					frameIndex: vm.fp,
					sp:         vm.sp,
				})
			case op.TryEnd:
				n := len(vm.handlers)
				if n == 0 || vm.handlers[n-1].frameIndex != vm.fp {
					return vm.corrupt("TRY_END without a matching TRY_BEGIN")
				}
				vm.handlers = vm.handlers[:n-1]
			case op.Throw:
				if err := vm.throwValue(vm.popValue()); err != nil {
					return err
				}
			case op.Ext:
				extCode := op.ExtCode(code[vm.ip])
				vm.ip++
				verr = vm.execExt(ctx, extCode, instrStart)
			default:
				return vm.corrupt(fmt.Sprintf("unknown opcode 0x%02X", byte(opcode)))
			}
		}

		if verr != nil {
			if verr == errHaltedByObserver {
				return verr
			}
			if err := vm.throwRuntime(verr); err != nil {
				return err
			}
		}
	}
}

// execExt dispatches one extended-space instruction. The escape prefix and
// the extended opcode byte have already been consumed.
func (vm *VM) execExt(ctx context.Context, extCode op.ExtCode, instrStart int) error {
	switch extCode {
	case op.ExtWrite:
		sel := vm.fetch8()
		if err := vm.operands(1); err != nil {
			return err
		}
		var w io.Writer
		switch sel {
		case StreamOutput:
			w = vm.output
		case StreamError:
			w = vm.errOutput
		default:
			return errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"unknown output stream %d", sel)
		}
		v := vm.popValue()
		s := v.Inspect()
		if o := v.Object(); o != nil && o.Kind() == object.KindString {
			s = o.String()
		}
		if _, err := io.WriteString(w, s); err != nil {
			return errz.NewRuntimeErrorf(errz.ErrUnhandled, "write failed: %v", err)
		}
	case op.ExtRead:
		if sel := vm.fetch8(); sel != 0 {
			return errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"unknown input stream %d", sel)
		}
		line, ok, err := vm.lineIn.ReadLine()
		if err != nil {
			return errz.NewRuntimeErrorf(errz.ErrUnhandled, "read failed: %v", err)
		}
		if !ok {
			return vm.pushChecked(object.Null)
		}
		s, err := vm.heap.AllocString(line)
		if err != nil {
			return err
		}
		return vm.pushChecked(s.Value())
	case op.ExtTrap:
		trapCode := vm.fetch8()
		if vm.observer != nil && vm.observerCfg.ObserveTraps {
			if !vm.observer.OnTrap(TrapEvent{
				Code:     trapCode,
				Offset:   instrStart,
				Function: vm.prog.functionName(vm.frames[vm.fp].fnIndex),
			}) {
				return errHaltedByObserver
			}
		}
		return errz.NewRuntimeErrorf(errz.ErrUnhandled, "trap %d", trapCode)
	case op.ExtYield:
		// Cooperative scheduling point: let other goroutines run and take
		// an immediate look at the context.
		runtime.Gosched()
		if done := ctx.Done(); done != nil {
			select {
			case <-done:
				atomic.StoreInt32(&vm.halt, 1)
			default:
			}
		}
	case op.ExtGCCollect:
		stats := vm.heap.Collect()
		return vm.pushChecked(object.NewInt(stats.LastFreedBytes))
	case op.ExtGCStat:
		sel := vm.fetch8()
		stats := vm.heap.Stats()
		var n int64
		switch sel {
		case GCStatBytesAllocated:
			n = stats.BytesAllocated
		case GCStatNextGC:
			n = stats.NextGC
		case GCStatLiveObjects:
			n = stats.LiveObjects
		case GCStatCollections:
			n = stats.Collections
		case GCStatTotalAllocs:
			n = stats.TotalAllocs
		default:
			return errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"unknown gc stat selector %d", sel)
		}
		return vm.pushChecked(object.NewInt(n))
	}
	return nil
}

// observeStep reports one instruction to the observer, honoring its step
// mode.
func (vm *VM) observeStep(instrStart int, opcode op.Code) error {
	switch vm.observerCfg.StepMode {
	case StepNone:
		return nil
	case StepSampled:
		if vm.steps%int64(vm.observerCfg.SampleInterval) != 0 {
			return nil
		}
	case StepOnLine:
		line := vm.prog.lineAt(instrStart)
		if line == 0 || line == vm.lastLine {
			return nil
		}
		vm.lastLine = line
	}
	event := StepEvent{
		Offset:     instrStart,
		Opcode:     opcode,
		OpcodeName: op.GetInfo(opcode).Name,
		Function:   vm.prog.functionName(vm.frames[vm.fp].fnIndex),
		Line:       vm.prog.lineAt(instrStart),
		StackDepth: vm.sp + 1,
		FrameDepth: vm.fp + 1,
	}
	if opcode == op.Ext {
		ext := op.ExtCode(vm.prog.code[instrStart+1])
		event.ExtOpcode = ext
		event.OpcodeName = op.GetExtInfo(ext).Name
	}
	if !vm.observer.OnStep(event) {
		return errHaltedByObserver
	}
	return nil
}

// Operand fetch helpers. Operands are big endian; branch deltas are signed.

func (vm *VM) fetch8() int {
	v := vm.prog.code[vm.ip]
	vm.ip++
	return int(v)
}

func (vm *VM) fetch16u() int {
	c := vm.prog.code
	v := uint16(c[vm.ip])<<8 | uint16(c[vm.ip+1])
	vm.ip += 2
	return int(v)
}

func (vm *VM) fetch16s() int {
	c := vm.prog.code
	v := uint16(c[vm.ip])<<8 | uint16(c[vm.ip+1])
	vm.ip += 2
	return int(int16(v))
}

func (vm *VM) fetch32s() int32 {
	c := vm.prog.code
	v := uint32(c[vm.ip])<<24 | uint32(c[vm.ip+1])<<16 | uint32(c[vm.ip+2])<<8 | uint32(c[vm.ip+3])
	vm.ip += 4
	return int32(v)
}

// pushValue pushes without a capacity check; pushing opcodes get headroom
// verified by the dispatch loop, and every other push site checks
// explicitly.
func (vm *VM) pushValue(v object.Value) {
	vm.sp++
	vm.stack[vm.sp] = v
}

// popValue pops the top of the stack, clearing the slot so the collector
// does not retain the value through stack residue.
func (vm *VM) popValue() object.Value {
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = object.Null
	vm.sp--
	return v
}

// dropN discards the top n stack slots.
func (vm *VM) dropN(n int) {
	for i := vm.sp - n + 1; i <= vm.sp; i++ {
		vm.stack[i] = object.Null
	}
	vm.sp -= n
}

// operands verifies the active frame has at least n operands on its part of
// the stack.
func (vm *VM) operands(n int) error {
	if have := vm.sp + 1 - vm.frames[vm.fp].floor; have < n {
		return errz.NewRuntimeErrorf(errz.ErrStackUnderflow,
			"operand stack underflow: need %d, have %d", n, have)
	}
	return nil
}

func (vm *VM) overflowErr() error {
	return errz.NewRuntimeErrorf(errz.ErrStackOverflow,
		"operand stack limit %d reached", vm.maxStackDepth)
}

// pushChecked pushes with an explicit capacity check, for push sites the
// dispatch-loop headroom test does not cover.
func (vm *VM) pushChecked(v object.Value) error {
	if vm.sp+1 >= len(vm.stack) {
		return vm.overflowErr()
	}
	vm.pushValue(v)
	return nil
}

// callValue pushes a callable and its arguments and runs it to completion,
// returning its result. This is the host entry into evaluation, used by Run
// and Call; natives re-entering the VM arrive here too, in which case the
// evaluation nests on top of the suspended dispatch loop. Errors the
// program does not catch are returned with the VM restored to its state at
// entry.
func (vm *VM) callValue(ctx context.Context, fn object.Value, args []object.Value) (object.Value, error) {
	if len(args) > MaxArgs {
		return object.Null, fmt.Errorf("too many arguments: %d > %d", len(args), MaxArgs)
	}
	calleeSlot := vm.sp + 1
	if calleeSlot+len(args) >= len(vm.stack) {
		return object.Null, vm.overflowErr()
	}
	savedSP := vm.sp
	savedFP := vm.fp
	savedIP := vm.ip
	savedBarrier := vm.barrier
	vm.barrier = vm.fp + 1

	vm.pushValue(fn)
	for _, a := range args {
		vm.pushValue(a)
	}
	if err := vm.callCallee(ctx, calleeSlot, len(args), -1, stopSignal); err != nil {
		vm.recoverState(savedSP, savedFP, savedIP)
		vm.barrier = savedBarrier
		return object.Null, err
	}
	if vm.fp > savedFP {
		if err := vm.eval(ctx); err != nil {
			vm.recoverState(savedSP, savedFP, savedIP)
			vm.barrier = savedBarrier
			return object.Null, err
		}
	}
	vm.ip = savedIP
	vm.barrier = savedBarrier
	if vm.halted {
		// Halt freezes the machine in place. The result is the active
		// frame's top operand, or null when it has none.
		if vm.fp >= 0 && vm.sp >= vm.frames[vm.fp].floor {
			return vm.stack[vm.sp], nil
		}
		return object.Null, nil
	}
	return vm.popValue(), nil
}

// recoverState rewinds the stack and frames to a snapshot after a failed
// call, closing upvalues into the discarded region and dropping handlers
// that belonged to the discarded frames.
func (vm *VM) recoverState(sp, fp, ip int) {
	for vm.fp > fp {
		vm.closeUpvalues(vm.frames[vm.fp].base)
		vm.frames[vm.fp] = frame{}
		vm.fp--
	}
	for len(vm.handlers) > 0 && vm.handlers[len(vm.handlers)-1].frameIndex > fp {
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
	}
	for i := vm.sp; i > sp; i-- {
		vm.stack[i] = object.Null
	}
	vm.sp = sp
	vm.ip = ip
}

// callCallee invokes the value at calleeSlot with argc arguments sitting
// above it. Function and closure callees activate a frame; natives and
// class instantiations complete before return. Errors are reported to the
// caller, which throws them when the call came from dispatch.
func (vm *VM) callCallee(ctx context.Context, calleeSlot, argc, callIP, retIP int) error {
	callee := vm.stack[calleeSlot]
	obj := callee.Object()
	if obj == nil {
		return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot call a %s value", callee.TypeName())
	}
	switch obj.Kind() {
	case object.KindClosure:
		return vm.activate(obj.ClosureFunction().FunctionMeta(), calleeSlot, argc, callIP, retIP, object.Null, false)
	case object.KindFunction:
		fnIndex := obj.FunctionMeta()
		if vm.prog.functions[fnIndex].UpvalueCount() > 0 {
			return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"function %s captures variables and must be called through a closure",
				vm.prog.functionName(fnIndex))
		}
		return vm.activate(fnIndex, calleeSlot, argc, callIP, retIP, object.Null, false)
	case object.KindNative:
		return vm.callNative(ctx, obj, calleeSlot, argc)
	case object.KindClass:
		return vm.instantiate(ctx, obj, calleeSlot, argc, callIP, retIP)
	default:
		return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot call a %s value", callee.TypeName())
	}
}

// activate pushes a call frame for a function table entry. The callee value
// stays at calleeSlot, local 0 begins one above it, arguments prefill the
// first Arity locals, and the remaining local slots reset to null.
func (vm *VM) activate(fnIndex, calleeSlot, argc, callIP, retIP int, receiver object.Value, isInit bool) error {
	meta := vm.prog.functions[fnIndex]
	if argc != meta.Arity {
		return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"%s expects %d argument(s), got %d", vm.prog.functionName(fnIndex), meta.Arity, argc)
	}
	if vm.fp+1 >= len(vm.frames) {
		return errz.NewRuntimeErrorf(errz.ErrStackOverflow,
			"call depth limit %d reached", vm.maxFrameDepth)
	}
	base := calleeSlot + 1
	floor := base + meta.LocalCount
	if floor > len(vm.stack) {
		return vm.overflowErr()
	}
	for i := vm.sp + 1; i < floor; i++ {
		vm.stack[i] = object.Null
	}
	vm.sp = floor - 1
	vm.fp++
	vm.frames[vm.fp] = frame{
		fnIndex:  fnIndex,
		base:     base,
		floor:    floor,
		retIP:    retIP,
		callIP:   callIP,
		receiver: receiver,
		isInit:   isInit,
	}
	vm.ip = meta.CodeOffset
	if vm.observer != nil && vm.observerCfg.ObserveCalls {
		if !vm.observer.OnCall(CallEvent{
			Function:   vm.prog.functionName(fnIndex),
			ArgCount:   argc,
			FrameDepth: vm.fp + 1,
		}) {
			return errHaltedByObserver
		}
	}
	return nil
}

// callNative invokes a host function in place: arguments are copied out,
// the callee and argument slots collapse to the result.
func (vm *VM) callNative(ctx context.Context, obj *object.Object, calleeSlot, argc int) error {
	if arity := obj.Arity(); arity >= 0 && argc != arity {
		return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"%s expects %d argument(s), got %d", obj.Name(), arity, argc)
	}
	if vm.observer != nil && vm.observerCfg.ObserveCalls {
		if !vm.observer.OnCall(CallEvent{
			Function:   obj.Name(),
			ArgCount:   argc,
			Native:     true,
			FrameDepth: vm.fp + 1,
		}) {
			return errHaltedByObserver
		}
	}
	args := make([]object.Value, argc)
	copy(args, vm.stack[calleeSlot+1:calleeSlot+1+argc])
	result, err := obj.Native()(ctx, args)
	if err != nil {
		return err
	}
	for i := calleeSlot + 1; i <= vm.sp; i++ {
		vm.stack[i] = object.Null
	}
	vm.sp = calleeSlot
	vm.stack[calleeSlot] = result
	if vm.observer != nil && vm.observerCfg.ObserveReturns {
		if !vm.observer.OnReturn(ReturnEvent{
			Function:   obj.Name(),
			Native:     true,
			FrameDepth: vm.fp + 1,
		}) {
			return errHaltedByObserver
		}
	}
	return nil
}

// instantiate creates an instance of class. Without an init method the
// call takes no arguments and produces the instance directly. With one,
// the instance is inserted as the method's first argument and an
// initializer frame runs; its return value is discarded in favor of the
// instance.
func (vm *VM) instantiate(ctx context.Context, class *object.Object, calleeSlot, argc, callIP, retIP int) error {
	inst, err := vm.heap.AllocInstance(class)
	if err != nil {
		return err
	}
	initV, ok := class.Entry("init")
	if !ok {
		if argc != 0 {
			return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"class %s has no init method, got %d argument(s)", class.Name(), argc)
		}
		vm.stack[calleeSlot] = inst.Value()
		return nil
	}
	if vm.sp+1 >= len(vm.stack) {
		return vm.overflowErr()
	}
	for i := vm.sp; i > calleeSlot; i-- {
		vm.stack[i+1] = vm.stack[i]
	}
	vm.sp++
	vm.stack[calleeSlot] = initV
	vm.stack[calleeSlot+1] = inst.Value()

	initObj := initV.Object()
	if initObj.Kind() == object.KindNative {
		if err := vm.callNative(ctx, initObj, calleeSlot, argc+1); err != nil {
			return err
		}
		vm.stack[calleeSlot] = inst.Value()
		return nil
	}
	fnIndex := initObj.FunctionMeta()
	if initObj.Kind() == object.KindClosure {
		fnIndex = initObj.ClosureFunction().FunctionMeta()
	}
	return vm.activate(fnIndex, calleeSlot, argc+1, callIP, retIP, inst.Value(), true)
}

// callMethod looks up a method on the receiver's class and calls it with
// the receiver as the first argument. Methods declare the receiver as an
// explicit first parameter.
func (vm *VM) callMethod(ctx context.Context, nameIdx, argc, callIP int) error {
	name := vm.prog.constants[nameIdx].Object().String()
	recvSlot := vm.sp - argc
	recv := vm.stack[recvSlot]
	robj := recv.Object()
	if robj == nil || robj.Kind() != object.KindInstance {
		return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot call method %q on %s", name, recv.TypeName())
	}
	method, ok := robj.InstanceClass().Entry(name)
	if !ok {
		return errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
			"undefined method %q on %s instance", name, robj.InstanceClass().Name())
	}
	if vm.sp+1 >= len(vm.stack) {
		return vm.overflowErr()
	}
	for i := vm.sp; i >= recvSlot; i-- {
		vm.stack[i+1] = vm.stack[i]
	}
	vm.sp++
	vm.stack[recvSlot] = method
	return vm.callCallee(ctx, recvSlot, argc+1, callIP, vm.ip)
}

// doReturn pops the active frame, closing its upvalues and discarding its
// handlers, and pushes the result into the caller's operand stack. It
// reports true when the returning frame was activated from the host.
func (vm *VM) doReturn() (bool, error) {
	result := vm.popValue()
	f := vm.frames[vm.fp]
	vm.closeUpvalues(f.base)
	if f.isInit {
		result = f.receiver
	}
	for len(vm.handlers) > 0 && vm.handlers[len(vm.handlers)-1].frameIndex == vm.fp {
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
	}
	for i := vm.sp; i >= f.base-1; i-- {
		vm.stack[i] = object.Null
	}
	vm.sp = f.base - 2
	vm.frames[vm.fp] = frame{}
	vm.fp--
	vm.ip = f.retIP
	vm.pushValue(result)
	if vm.observer != nil && vm.observerCfg.ObserveReturns {
		if !vm.observer.OnReturn(ReturnEvent{
			Function:   vm.prog.functionName(f.fnIndex),
			FrameDepth: vm.fp + 1,
		}) {
			return false, errHaltedByObserver
		}
	}
	return f.retIP == stopSignal, nil
}

// makeClosure allocates a closure over a function constant and captures
// its upvalues from the enclosing frame. The closure is pushed before
// capturing so allocations during capture keep it rooted.
func (vm *VM) makeClosure(constIndex int) error {
	fnObj := vm.prog.constants[constIndex].Object()
	fnIndex := fnObj.FunctionMeta()
	meta := vm.prog.functions[fnIndex]
	cl, err := vm.heap.AllocClosure(fnObj, meta.UpvalueCount())
	if err != nil {
		return err
	}
	vm.pushValue(cl.Value())
	f := vm.frames[vm.fp]
	for i, ref := range meta.Upvalues {
		if ref.InParentLocals {
			up, err := vm.captureUpvalue(f.base + int(ref.Index))
			if err != nil {
				return err
			}
			cl.SetUpvalue(i, up)
		} else {
			parent := vm.stack[f.base-1].Object()
			cl.SetUpvalue(i, parent.Upvalues()[ref.Index])
		}
	}
	return nil
}

// captureUpvalue returns the open upvalue for an absolute stack slot,
// creating and inserting one if none exists. The open list is sorted by
// slot, highest first, so closing a frame's window only walks its prefix.
func (vm *VM) captureUpvalue(slot int) (*object.Object, error) {
	var prev *object.Object
	cur := vm.openUpvalues
	for cur != nil && cur.Slot() > slot {
		prev = cur
		cur = cur.NextOpen()
	}
	if cur != nil && cur.Slot() == slot {
		return cur, nil
	}
	created, err := vm.heap.AllocUpvalue(slot)
	if err != nil {
		return nil, err
	}
	created.SetNextOpen(cur)
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.SetNextOpen(created)
	}
	return created, nil
}

// closeUpvalues closes every open upvalue at or above the given absolute
// stack slot, copying the captured variables off the stack.
func (vm *VM) closeUpvalues(from int) {
	for vm.openUpvalues != nil && vm.openUpvalues.Slot() >= from {
		u := vm.openUpvalues
		vm.openUpvalues = u.NextOpen()
		u.UpvalueClose(vm.stack)
	}
}

// throwRuntime materializes an execution error as an error object and
// throws it. Allocation failures are fatal and pass through uncaught.
func (vm *VM) throwRuntime(err error) error {
	var kind errz.Kind
	var msg string
	switch e := err.(type) {
	case *errz.RuntimeError:
		kind = e.Kind
		msg = e.Message
	case *errz.AllocationError:
		return vm.allocFailed(e)
	default:
		kind = errz.ErrUnhandled
		msg = e.Error()
	}
	obj, aerr := vm.heap.AllocError(kind, msg)
	if aerr != nil {
		return vm.allocFailed(aerr)
	}
	return vm.throwValue(obj.Value())
}

// throwKind formats and throws a runtime error of the given kind.
func (vm *VM) throwKind(kind errz.Kind, format string, args ...any) error {
	obj, err := vm.heap.AllocError(kind, fmt.Sprintf(format, args...))
	if err != nil {
		return vm.allocFailed(err)
	}
	return vm.throwValue(obj.Value())
}

// throwCancellation injects the context's cancellation into the program as
// a thrown error.
func (vm *VM) throwCancellation(ctx context.Context) error {
	msg := "context cancelled"
	if err := ctx.Err(); err != nil {
		msg = err.Error()
	}
	return vm.throwKind(errz.ErrCancelled, "%s", msg)
}

// throwValue transfers control to the innermost live handler: frames above
// it unwind with their upvalues closed, the operand stack shrinks back to
// its height at TryBegin, and the thrown value is pushed for the handler.
// Without a handler the throw is uncaught and evaluation fails. Handlers
// below the current host re-entry are out of reach; the error crosses the
// native boundary as a Go error instead.
func (vm *VM) throwValue(v object.Value) error {
	n := len(vm.handlers)
	caught := n > 0 && vm.handlers[n-1].frameIndex >= vm.barrier
	if vm.observer != nil && vm.observerCfg.ObserveThrows {
		if !vm.observer.OnThrow(ThrowEvent{
			Value:      v.Inspect(),
			Caught:     caught,
			Offset:     vm.lastIP,
			FrameDepth: vm.fp + 1,
		}) {
			return errHaltedByObserver
		}
	}
	if !caught {
		return vm.uncaught(v)
	}
	h := vm.handlers[n-1]
	vm.handlers = vm.handlers[:n-1]
	for vm.fp > h.frameIndex {
		vm.closeUpvalues(vm.frames[vm.fp].base)
		vm.frames[vm.fp] = frame{}
		vm.fp--
	}
	for i := vm.sp; i > h.sp; i-- {
		vm.stack[i] = object.Null
	}
	vm.sp = h.sp
	vm.pushValue(v)
	vm.ip = h.target
	return nil
}

// uncaught converts a thrown value no handler caught into the runtime
// error returned to the host, carrying the position and call stack where
// the throw happened.
func (vm *VM) uncaught(v object.Value) error {
	kind := errz.ErrUnhandled
	msg := v.Inspect()
	if o := v.Object(); o != nil && o.Kind() == object.KindError {
		kind = o.ErrorKind()
		msg = o.String()
	}
	rerr := errz.NewRuntimeError(kind, msg)
	vm.fillPosition(rerr)
	if kind == errz.ErrCancelled && vm.ctx != nil {
		if cause := vm.ctx.Err(); cause != nil {
			rerr.Cause = cause
		}
	}
	vm.logger.Debug().
		Str("kind", kind.String()).
		Str("message", msg).
		Msg("uncaught exception")
	return rerr
}

// corrupt reports a bytecode state the verifier should have made
// impossible. It is fatal, not catchable.
func (vm *VM) corrupt(msg string) error {
	rerr := errz.NewRuntimeError(errz.ErrUnhandled, msg)
	vm.fillPosition(rerr)
	return rerr
}

func (vm *VM) allocFailed(err error) error {
	vm.logger.Error().Err(err).Msg("allocation failure")
	return err
}

// fillPosition stamps a runtime error with the current function, offset,
// line, and call stack.
func (vm *VM) fillPosition(rerr *errz.RuntimeError) {
	stack := vm.trace()
	if len(stack) > 0 {
		rerr.Function = stack[0].Function
		rerr.Offset = stack[0].Offset
		rerr.Line = stack[0].Line
	}
	rerr.Stack = stack
}

// trace captures the call stack, innermost frame first. Offsets are
// relative to each function's code window.
func (vm *VM) trace() []errz.StackFrame {
	if vm.prog == nil {
		return nil
	}
	frames := make([]errz.StackFrame, 0, vm.fp+1)
	at := vm.lastIP
	for i := vm.fp; i >= 0; i-- {
		f := vm.frames[i]
		meta := vm.prog.functions[f.fnIndex]
		sf := errz.StackFrame{Function: vm.prog.functionName(f.fnIndex)}
		if at >= 0 {
			sf.Offset = at - meta.CodeOffset
			sf.Line = vm.prog.lineAt(at)
		}
		frames = append(frames, sf)
		at = f.callIP
	}
	return frames
}

// getIndex reads an element, entry, or byte out of an indexable value.
func (vm *VM) getIndex(container, key object.Value) (object.Value, error) {
	obj := container.Object()
	if obj == nil {
		return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot index %s", container.TypeName())
	}
	switch obj.Kind() {
	case object.KindArray:
		if key.Type() != object.TypeInt {
			return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"array index must be an int, got %s", key.TypeName())
		}
		// Negative indices count from the end.
		n := int64(len(obj.Elems()))
		i := key.Int()
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return object.Null, errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"array index %d out of range for length %d", key.Int(), n)
		}
		return obj.Elem(int(i)), nil
	case object.KindMap:
		ko := key.Object()
		if ko == nil || ko.Kind() != object.KindString {
			return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"map key must be a string, got %s", key.TypeName())
		}
		v, ok := obj.Entry(ko.String())
		if !ok {
			return object.Null, errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"map has no key %q", ko.String())
		}
		return v, nil
	case object.KindString:
		if key.Type() != object.TypeInt {
			return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"string index must be an int, got %s", key.TypeName())
		}
		s := obj.String()
		i := key.Int()
		if i < 0 || i >= int64(len(s)) {
			return object.Null, errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"string index %d out of range for length %d", i, len(s))
		}
		ch, err := vm.heap.AllocString(s[i : i+1])
		if err != nil {
			return object.Null, err
		}
		return ch.Value(), nil
	default:
		return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot index %s", container.TypeName())
	}
}

// setIndex writes an element or entry into a mutable container. Map growth
// is charged to the heap.
func (vm *VM) setIndex(container, key, v object.Value) error {
	obj := container.Object()
	if obj != nil && obj.Kind() == object.KindArray {
		if key.Type() != object.TypeInt {
			return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"array index must be an int, got %s", key.TypeName())
		}
		n := int64(len(obj.Elems()))
		i := key.Int()
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"array index %d out of range for length %d", key.Int(), n)
		}
		obj.SetElem(int(i), v)
		return nil
	}
	if obj != nil && obj.Kind() == object.KindMap {
		ko := key.Object()
		if ko == nil || ko.Kind() != object.KindString {
			return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"map key must be a string, got %s", key.TypeName())
		}
		vm.heap.Charge(obj.SetEntry(ko.String(), v))
		return nil
	}
	return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
		"cannot index %s", container.TypeName())
}

// buildClass collects method name/value pairs off the stack into a class
// object.
func (vm *VM) buildClass(nameIdx, count int) error {
	if count == 0 && vm.sp+1 >= len(vm.stack) {
		return vm.overflowErr()
	}
	name := vm.prog.constants[nameIdx].Object().String()
	methods := make(map[string]object.Value, count)
	base := vm.sp - 2*count + 1
	for i := 0; i < count; i++ {
		k := vm.stack[base+2*i]
		v := vm.stack[base+2*i+1]
		ko := k.Object()
		if ko == nil || ko.Kind() != object.KindString {
			return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"method name must be a string, got %s", k.TypeName())
		}
		vo := v.Object()
		if vo == nil || (vo.Kind() != object.KindClosure &&
			vo.Kind() != object.KindFunction && vo.Kind() != object.KindNative) {
			return errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
				"method %q must be callable, got %s", ko.String(), v.TypeName())
		}
		methods[ko.String()] = v
	}
	cls, err := vm.heap.AllocClass(name, methods)
	if err != nil {
		return err
	}
	vm.dropN(2 * count)
	vm.pushValue(cls.Value())
	return nil
}

// getField reads a field or method from an instance, a method from a
// class, or one of the introspection fields of an error value.
func (vm *VM) getField(recv object.Value, name string) (object.Value, error) {
	obj := recv.Object()
	if obj == nil {
		return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot read field %q of %s", name, recv.TypeName())
	}
	switch obj.Kind() {
	case object.KindInstance:
		if v, ok := obj.Entry(name); ok {
			return v, nil
		}
		if v, ok := obj.InstanceClass().Entry(name); ok {
			return v, nil
		}
		return object.Null, errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
			"undefined field %q on %s instance", name, obj.InstanceClass().Name())
	case object.KindClass:
		if v, ok := obj.Entry(name); ok {
			return v, nil
		}
		return object.Null, errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
			"undefined method %q on class %s", name, obj.Name())
	case object.KindError:
		switch name {
		case "kind":
			s, err := vm.heap.AllocString(obj.ErrorKind().String())
			if err != nil {
				return object.Null, err
			}
			return s.Value(), nil
		case "message":
			s, err := vm.heap.AllocString(obj.String())
			if err != nil {
				return object.Null, err
			}
			return s.Value(), nil
		default:
			return object.Null, errz.NewRuntimeErrorf(errz.ErrIndexOutOfRange,
				"undefined field %q on error", name)
		}
	default:
		return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
			"cannot read field %q of %s", name, recv.TypeName())
	}
}

// lengthOf returns the element or byte count of a sized value.
func lengthOf(v object.Value) (object.Value, error) {
	obj := v.Object()
	if obj != nil {
		switch obj.Kind() {
		case object.KindString:
			return object.NewInt(int64(len(obj.String()))), nil
		case object.KindArray:
			return object.NewInt(int64(len(obj.Elems()))), nil
		case object.KindMap:
			return object.NewInt(int64(len(obj.Entries()))), nil
		}
	}
	return object.Null, errz.NewRuntimeErrorf(errz.ErrTypeMismatch,
		"%s has no length", v.TypeName())
}
