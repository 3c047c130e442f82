package object

// EachRef enumerates the heap objects directly referenced by o, calling
// visit once per non-nil child. The collector drives its grey worklist with
// this; adding a kind means extending the switch here, which keeps graph
// traversal exhaustive by construction.
//
// Open upvalues deliberately report no children: the stack slot they alias
// is part of the root set, and their open-list link is ownership-free.
func EachRef(o *Object, visit func(*Object)) {
	visitValue := func(v Value) {
		if child := v.Object(); child != nil {
			visit(child)
		}
	}
	switch o.kind {
	case KindString, KindFunction, KindNative, KindError:
		// leaf kinds
	case KindArray:
		for _, el := range o.elems {
			visitValue(el)
		}
	case KindMap, KindClass:
		for _, v := range o.entries {
			visitValue(v)
		}
	case KindClosure:
		if o.ref != nil {
			visit(o.ref)
		}
		for _, up := range o.upvalues {
			if up != nil {
				visit(up)
			}
		}
	case KindUpvalue:
		if !o.open {
			visitValue(o.closed)
		}
	case KindInstance:
		if o.ref != nil {
			visit(o.ref)
		}
		for _, v := range o.entries {
			visitValue(v)
		}
	}
}

// Finalize runs the kind-specific cleanup for an object the sweep phase is
// about to free. Only natives carry external resources today; everything
// else is plain memory the Go runtime reclaims once unlinked.
func Finalize(o *Object) {
	switch o.kind {
	case KindNative:
		if o.release != nil {
			o.release()
			o.release = nil
		}
	}
}
