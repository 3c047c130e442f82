// Package bytecode defines the compiled module format executed by the
// Cinder virtual machine, along with its binary encoding and a Builder
// for assembling modules programmatically.
//
// A Module bundles a global name table, a constant pool, a function
// table, and a single shared instruction stream. Each function owns a
// contiguous window of that stream, described by its FunctionMeta.
// Function 0 is the module entry point.
//
// Modules are immutable after creation and safe for concurrent use.
// Construction always runs full verification: every constant, global,
// local, and upvalue index is checked, every jump target must land on
// an instruction boundary inside its owning function, and every
// MakeClosure site must reference a function constant. A Module that
// decodes successfully can therefore be executed without per-dispatch
// index checks.
//
// The wire layout is big endian:
//
//	[magic "CNDR":4] [version:2]
//	[global_count:2] ([name_len:2] [name])*
//	[const_count:4] ([tag:1] [payload])*
//	[function_count:2] (function_meta)*
//	[code_len:4] [instructions]
//	[debug_flag:1] ([debug_len:4] [CBOR line table])?
//
// Constant payloads are tagged: null and booleans carry no payload,
// integers and floats are 8 bytes, strings are length prefixed, and
// function constants hold a 2-byte function table index. The optional
// debug section is a CBOR-encoded table mapping instruction offsets to
// source lines, encoded canonically so that identical modules produce
// identical bytes.
package bytecode
