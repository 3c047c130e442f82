package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/object"
	"github.com/cinderlang/cinder/op"
)

// recordingObserver captures every event it receives. A non-zero haltAfter
// stops execution once that many steps have been seen.
type recordingObserver struct {
	cfg       ObserverConfig
	steps     []StepEvent
	calls     []CallEvent
	returns   []ReturnEvent
	throws    []ThrowEvent
	traps     []TrapEvent
	haltAfter int
}

func (r *recordingObserver) Config() ObserverConfig { return r.cfg }

func (r *recordingObserver) OnStep(e StepEvent) bool {
	r.steps = append(r.steps, e)
	return r.haltAfter == 0 || len(r.steps) < r.haltAfter
}

func (r *recordingObserver) OnCall(e CallEvent) bool {
	r.calls = append(r.calls, e)
	return true
}

func (r *recordingObserver) OnReturn(e ReturnEvent) bool {
	r.returns = append(r.returns, e)
	return true
}

func (r *recordingObserver) OnThrow(e ThrowEvent) bool {
	r.throws = append(r.throws, e)
	return true
}

func (r *recordingObserver) OnTrap(e TrapEvent) bool {
	r.traps = append(r.traps, e)
	return true
}

func TestObserverStepAll(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepAll)}
	result, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.PushInt, 1)
		b.Emit(op.PushInt, 2)
		b.Emit(op.Add)
		b.Emit(op.Return)
	}, WithObserver(rec))
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Int())

	require.Len(t, rec.steps, 4)
	require.Equal(t, "PUSH_INT", rec.steps[0].OpcodeName)
	require.Equal(t, "main", rec.steps[0].Function)
	require.Equal(t, 1, rec.steps[0].FrameDepth)
	require.Equal(t, op.Return, rec.steps[3].Opcode)

	require.Len(t, rec.calls, 1)
	require.Equal(t, "main", rec.calls[0].Function)
	require.False(t, rec.calls[0].Native)
	require.Len(t, rec.returns, 1)
	require.Equal(t, "main", rec.returns[0].Function)
}

func TestObserverStepNone(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepNone)}
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.PushInt, 1)
		b.Emit(op.Return)
	}, WithObserver(rec))
	require.NoError(t, err)
	require.Empty(t, rec.steps)
	require.Len(t, rec.calls, 1)
	require.Len(t, rec.returns, 1)
}

func TestObserverSampled(t *testing.T) {
	cfg := NewObserverConfig(StepSampled)
	cfg.SampleInterval = 2
	rec := &recordingObserver{cfg: cfg}
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.PushInt, 1)
		b.Emit(op.PushInt, 2)
		b.Emit(op.Add)
		b.Emit(op.PushInt, 3)
		b.Emit(op.Add)
		b.Emit(op.Return)
	}, WithObserver(rec))
	require.NoError(t, err)
	require.Len(t, rec.steps, 3)
	require.Equal(t, op.Return, rec.steps[2].Opcode)
}

func TestObserverOnLine(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepOnLine)}
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.SetLine(1)
		b.Emit(op.PushInt, 1)
		b.Emit(op.PushInt, 2)
		b.SetLine(2)
		b.Emit(op.Add)
		b.Emit(op.PushInt, 3)
		b.SetLine(3)
		b.Emit(op.Add)
		b.Emit(op.Return)
	}, WithObserver(rec))
	require.NoError(t, err)
	require.Len(t, rec.steps, 3)
	require.Equal(t, 1, rec.steps[0].Line)
	require.Equal(t, 2, rec.steps[1].Line)
	require.Equal(t, 3, rec.steps[2].Line)
}

func TestObserverHaltsExecution(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepAll), haltAfter: 3}
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		spinForever(b)
	}, WithObserver(rec))
	require.ErrorContains(t, err, "execution halted by observer")
	require.Len(t, rec.steps, 3)
}

func TestObserverThrowAndTrapEvents(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepNone)}
	result, err := runMain(t, 0, func(b *bytecode.Builder) {
		site := b.EmitJump(op.TryBegin)
		b.EmitExt(op.ExtTrap, 5)
		b.PatchJump(site)
		b.Emit(op.GetField, b.Str("message"))
		b.Emit(op.Return)
	}, WithObserver(rec))
	require.NoError(t, err)
	obj := result.Object()
	require.NotNil(t, obj)
	require.Equal(t, "trap 5", obj.String())

	require.Len(t, rec.traps, 1)
	require.Equal(t, 5, rec.traps[0].Code)
	require.Equal(t, "main", rec.traps[0].Function)

	require.Len(t, rec.throws, 1)
	require.True(t, rec.throws[0].Caught)
	require.Contains(t, rec.throws[0].Value, "trap 5")
}

func TestObserverNativeEvents(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepNone)}
	mod := build(t, func(b *bytecode.Builder) {
		answer := b.Global("answer")
		b.Function("main", 0, 0)
		b.Emit(op.LoadGlobal, answer)
		b.Emit(op.Call, 0)
		b.Emit(op.Return)
		b.EndFunction()
	})
	result, err := Run(context.Background(), mod,
		WithObserver(rec),
		WithNative("answer", 0, func(ctx context.Context, args []object.Value) (object.Value, error) {
			return object.NewInt(42), nil
		}))
	require.NoError(t, err)
	require.Equal(t, int64(42), result.Int())

	require.Len(t, rec.calls, 2)
	require.Equal(t, "main", rec.calls[0].Function)
	require.Equal(t, "answer", rec.calls[1].Function)
	require.True(t, rec.calls[1].Native)
	require.Len(t, rec.returns, 2)
	require.Equal(t, "answer", rec.returns[0].Function)
	require.True(t, rec.returns[0].Native)
}

func TestObserverUncaughtThrowEvent(t *testing.T) {
	rec := &recordingObserver{cfg: NewObserverConfig(StepNone)}
	_, err := runMain(t, 0, func(b *bytecode.Builder) {
		b.Emit(op.LoadConst, b.Str("boom"))
		b.Emit(op.Throw)
	}, WithObserver(rec))
	require.Error(t, err)
	require.Len(t, rec.throws, 1)
	require.False(t, rec.throws[0].Caught)
	require.Equal(t, "boom", rec.throws[0].Value)
}
