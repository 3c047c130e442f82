package vm

import (
	"context"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/object"
)

// Run loads a module into a fresh VM and runs its entry function to
// completion, returning the entry function's result.
func Run(ctx context.Context, mod *bytecode.Module, options ...Option) (object.Value, error) {
	machine := New(options...)
	if err := machine.Load(mod); err != nil {
		return object.Null, err
	}
	return machine.Run(ctx)
}
