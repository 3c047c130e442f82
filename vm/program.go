package vm

import (
	"github.com/cinderlang/cinder/bytecode"
	"github.com/cinderlang/cinder/object"
)

// program is the VM-internal form of a loaded module. Loading flattens the
// immutable Module into plain slices so the dispatch loop reads them without
// accessor calls, materializes the constant pool as values (allocating
// string and function objects on the VM's heap), and creates one function
// object per function table entry so functions can be called, stored, and
// closed over like any other value.
//
// Everything here is rooted through the VM's MarkRoots for as long as the
// program stays loaded.
type program struct {
	module    *bytecode.Module
	code      []byte
	functions []bytecode.FunctionMeta
	fnObjs    []*object.Object
	constants []object.Value
}

// load materializes mod into the VM. Allocation happens through the VM's
// heap, so a load can trigger collections; vm.prog is installed before any
// allocation so partially filled tables are already visible as roots.
func (vm *VM) load(mod *bytecode.Module) error {
	fnCount := mod.FunctionCount()
	p := &program{
		module:    mod,
		code:      mod.CopyInstructions(),
		functions: make([]bytecode.FunctionMeta, fnCount),
		fnObjs:    make([]*object.Object, fnCount),
		constants: make([]object.Value, mod.ConstantCount()),
	}
	vm.prog = p

	for i := 0; i < fnCount; i++ {
		p.functions[i] = mod.FunctionAt(i)
	}
	for i := 0; i < fnCount; i++ {
		fn, err := vm.heap.AllocFunction(p.functions[i].Name, p.functions[i].Arity, i)
		if err != nil {
			vm.prog = nil
			return err
		}
		p.fnObjs[i] = fn
	}

	for i := 0; i < mod.ConstantCount(); i++ {
		c := mod.ConstantAt(i)
		switch c.Kind {
		case bytecode.ConstNull:
			p.constants[i] = object.Null
		case bytecode.ConstBool:
			p.constants[i] = object.NewBool(c.Bool)
		case bytecode.ConstInt:
			p.constants[i] = object.NewInt(c.Int)
		case bytecode.ConstFloat:
			p.constants[i] = object.NewFloat(c.Float)
		case bytecode.ConstString:
			s, err := vm.heap.AllocString(c.Str)
			if err != nil {
				vm.prog = nil
				return err
			}
			p.constants[i] = s.Value()
		case bytecode.ConstFunction:
			p.constants[i] = p.fnObjs[c.Fn].Value()
		}
	}
	return nil
}

// lineAt returns the source line for an absolute instruction offset, or 0
// when the module carries no debug line table.
func (p *program) lineAt(offset int) int {
	if p == nil || !p.module.HasLines() || offset < 0 {
		return 0
	}
	return p.module.LineFor(offset)
}

// functionName returns a display name for a function table entry.
func (p *program) functionName(index int) string {
	name := p.functions[index].Name
	if name == "" {
		return "<anonymous>"
	}
	return name
}
