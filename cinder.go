// Package cinder embeds the Cinder virtual machine in Go programs. It
// covers the common path: decode an encoded module, run it, then call
// functions the module defined.
//
// For finer control over the machine's lifecycle, use the vm package
// directly.
package cinder

import (
	"context"
	"os"

	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/object"
	"github.com/cinderlang/cinder/vm"
)

// Run decodes an encoded module and executes its entry function on a
// fresh machine, returning the entry function's result. Each call creates
// independent runtime state, so the same encoded module may be run
// concurrently from multiple goroutines.
func Run(ctx context.Context, data []byte, options ...vm.Option) (object.Value, error) {
	mod, err := bytecode.Decode(data)
	if err != nil {
		return object.Null, err
	}
	return vm.Run(ctx, mod, options...)
}

// RunFile reads an encoded module from a file and executes it.
// It is equivalent to os.ReadFile followed by Run.
func RunFile(ctx context.Context, path string, options ...vm.Option) (object.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return object.Null, err
	}
	return Run(ctx, data, options...)
}

// New decodes an encoded module and returns a machine with the module
// loaded but not yet run. Unlike Run, the machine keeps its state between
// calls: run the module once, then use Call to invoke functions it
// assigned to globals.
func New(data []byte, options ...vm.Option) (*vm.VM, error) {
	mod, err := bytecode.Decode(data)
	if err != nil {
		return nil, err
	}
	machine := vm.New(options...)
	if err := machine.Load(mod); err != nil {
		return nil, err
	}
	return machine, nil
}

// Call invokes a function the module assigned to a global, by name. The
// machine must have run the module first so that the assignment has
// happened; an unassigned global reads as null and is not callable.
func Call(ctx context.Context, machine *vm.VM, name string, args ...object.Value) (object.Value, error) {
	fn, err := machine.Global(name)
	if err != nil {
		return object.Null, err
	}
	return machine.Call(ctx, fn, args)
}
