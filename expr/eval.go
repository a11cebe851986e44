// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"reflect"

	"github.com/canonical/relcore/internal/typeinfo"
)

// Func is a compiled lambda.
type Func func(args ...any) (any, error)

// Inspect traverses the tree rooted at n in depth-first order. If f returns
// false the children of the node are skipped.
func Inspect(n Node, f func(Node) bool) {
	if n == nil || !f(n) {
		return
	}
	for _, c := range children(n) {
		Inspect(c, f)
	}
}

func children(n Node) []Node {
	switch n := n.(type) {
	case *MemberAccess:
		if n.target != nil {
			return []Node{n.target}
		}
	case *Call:
		var c []Node
		if n.object != nil {
			c = append(c, n.object)
		}
		return append(c, n.args...)
	case *Convert:
		return []Node{n.operand}
	case *TypeAs:
		return []Node{n.operand}
	case *Index:
		return []Node{n.buffer}
	case *Construct:
		return n.args
	case *Binary:
		return []Node{n.left, n.right}
	case *Lambda:
		c := make([]Node, 0, len(n.params)+1)
		for _, p := range n.params {
			c = append(c, p)
		}
		return append(c, n.body)
	case *Assign:
		return []Node{n.target, n.value}
	case *Block:
		c := make([]Node, 0, len(n.vars)+len(n.exprs))
		for _, v := range n.vars {
			c = append(c, v)
		}
		return append(c, n.exprs...)
	}
	return nil
}

// Compile checks that every parameter used in l is declared by a lambda or
// a block of the tree, and returns a function evaluating l. The function is
// safe for concurrent use.
func Compile(l *Lambda) (Func, error) {
	declared := map[*Parameter]bool{}
	Inspect(l, func(n Node) bool {
		switch n := n.(type) {
		case *Lambda:
			for _, p := range n.params {
				declared[p] = true
			}
		case *Block:
			for _, v := range n.vars {
				declared[v] = true
			}
		}
		return true
	})
	var err error
	Inspect(l, func(n Node) bool {
		if p, ok := n.(*Parameter); ok && !declared[p] && err == nil {
			err = fmt.Errorf("cannot compile %q: parameter %s is not declared", l, p.name)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return func(args ...any) (any, error) {
		ev := &evaluator{vars: map[*Parameter]reflect.Value{}, constructed: map[uintptr]map[string]bool{}}
		v, err := ev.call(l, args)
		if err != nil {
			return nil, err
		}
		return valueInterface(v), nil
	}, nil
}

// evaluator holds the state of one evaluation of a compiled lambda.
type evaluator struct {
	vars map[*Parameter]reflect.Value

	// constructed records the pointers allocated by Construct nodes during
	// this evaluation and the fields initialised on each, keyed by
	// fieldKey.
	constructed map[uintptr]map[string]bool
}

// fieldKey identifies the field a member names within its struct, so that
// distinct descriptors of one field share a key.
func fieldKey(m *Member) string {
	return fmt.Sprint(m.Index)
}

func (ev *evaluator) call(l *Lambda, args []any) (reflect.Value, error) {
	if len(args) != len(l.params) {
		return reflect.Value{}, fmt.Errorf("%q takes %d arguments, got %d", l, len(l.params), len(args))
	}
	for i, p := range l.params {
		v, err := coerce(reflect.ValueOf(args[i]), p.typ)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("argument %s: %w", p.name, err)
		}
		ev.vars[p] = v
	}
	return ev.eval(l.body)
}

func (ev *evaluator) eval(n Node) (reflect.Value, error) {
	switch n := n.(type) {
	case *Parameter:
		v, ok := ev.vars[n]
		if !ok {
			return reflect.Value{}, fmt.Errorf("parameter %s is not bound", n.name)
		}
		return v, nil
	case *Constant:
		return coerce(reflect.ValueOf(n.value), n.typ)
	case *MemberAccess:
		return ev.evalMemberAccess(n)
	case *Call:
		return ev.evalCall(n)
	case *Convert:
		v, err := ev.eval(n.operand)
		if err != nil {
			return reflect.Value{}, err
		}
		return convert(v, n.typ)
	case *TypeAs:
		v, err := ev.eval(n.operand)
		if err != nil {
			return reflect.Value{}, err
		}
		v = unwrap(v)
		if !v.IsValid() || !v.Type().AssignableTo(n.typ) {
			return reflect.Zero(n.typ), nil
		}
		return coerce(v, n.typ)
	case *Index:
		return ev.evalIndex(n)
	case *Construct:
		return ev.evalConstruct(n)
	case *Binary:
		return ev.evalBinary(n)
	case *Lambda:
		return reflect.ValueOf(ev.closure(n)), nil
	case *Assign:
		return ev.evalAssign(n)
	case *Block:
		for _, v := range n.vars {
			ev.vars[v] = reflect.New(v.typ).Elem()
		}
		var last reflect.Value
		for _, e := range n.exprs {
			var err error
			if last, err = ev.eval(e); err != nil {
				return reflect.Value{}, err
			}
		}
		return last, nil
	}
	return reflect.Value{}, fmt.Errorf("internal error: unknown node %T", n)
}

func (ev *evaluator) evalMemberAccess(n *MemberAccess) (reflect.Value, error) {
	m := n.member
	if m.Kind == StaticMember {
		return m.static.Elem(), nil
	}
	t, err := ev.eval(n.target)
	if err != nil {
		return reflect.Value{}, err
	}
	t = unwrap(t)
	if !t.IsValid() || (t.Kind() == reflect.Pointer && t.IsNil()) {
		return reflect.Value{}, fmt.Errorf("cannot read %s of nil %s", m.Name, n.target.Type())
	}
	switch m.Kind {
	case FieldMember:
		return typeinfo.FieldValue(t, m.Index)
	case MethodMember:
		method := t.MethodByName(m.Name)
		if !method.IsValid() {
			return reflect.Value{}, fmt.Errorf("cannot call %s on %s", m.Name, t.Type())
		}
		return method.Call(nil)[0], nil
	}
	return reflect.Value{}, fmt.Errorf("internal error: unknown member kind %d", m.Kind)
}

func (ev *evaluator) evalCall(n *Call) (reflect.Value, error) {
	m := n.method
	args := make([]reflect.Value, 0, len(n.args)+1)
	var object reflect.Value
	if n.object != nil {
		var err error
		if object, err = ev.eval(n.object); err != nil {
			return reflect.Value{}, err
		}
		object = unwrap(object)
		if !object.IsValid() || (typeinfo.IsNillable(object.Type()) && object.IsNil() && m.kind == funcMethod) {
			return reflect.Value{}, fmt.Errorf("cannot call %s on nil %s", m.Name, n.object.Type())
		}
		if m.kind == indexerSetMethod && object.IsNil() {
			return reflect.Value{}, fmt.Errorf("cannot set index of nil %s", n.object.Type())
		}
	}
	for i, a := range n.args {
		v, err := ev.eval(a)
		if err != nil {
			return reflect.Value{}, err
		}
		if v, err = coerce(v, m.In[i]); err != nil {
			return reflect.Value{}, fmt.Errorf("argument %d of %s: %w", i, m.Name, err)
		}
		args = append(args, v)
	}

	var out []reflect.Value
	switch {
	case !m.fn.IsValid():
		method := object.MethodByName(m.Name)
		if !method.IsValid() {
			return reflect.Value{}, fmt.Errorf("cannot call %s on %s", m.Name, object.Type())
		}
		out = method.Call(args)
	case object.IsValid():
		recv, err := coerce(object, m.fn.Type().In(0))
		if err != nil {
			return reflect.Value{}, err
		}
		out = m.fn.Call(append([]reflect.Value{recv}, args...))
	default:
		out = m.fn.Call(args)
	}

	if m.returnsError {
		if err, _ := out[1].Interface().(error); err != nil {
			return reflect.Value{}, err
		}
	}
	if m.Out == nil {
		return reflect.Value{}, nil
	}
	return out[0], nil
}

func (ev *evaluator) evalIndex(n *Index) (reflect.Value, error) {
	b, err := ev.eval(n.buffer)
	if err != nil {
		return reflect.Value{}, err
	}
	b = unwrap(b)
	if !b.IsValid() {
		return reflect.Value{}, fmt.Errorf("cannot read slot %d of nil buffer", n.ordinal)
	}
	if vb, ok := b.Interface().(ValueBuffer); ok && (n.ordinal < 0 || n.ordinal >= len(vb)) {
		return reflect.Value{}, fmt.Errorf("ordinal %d out of range for value buffer of length %d", n.ordinal, len(vb))
	}
	g, ok := b.Interface().(Getter)
	if !ok {
		return reflect.Value{}, fmt.Errorf("cannot read slot %d of %s", n.ordinal, b.Type())
	}
	return reflect.ValueOf(g.Get(n.ordinal)), nil
}

func (ev *evaluator) evalConstruct(n *Construct) (reflect.Value, error) {
	args := make([]reflect.Value, len(n.args))
	for i, a := range n.args {
		v, err := ev.eval(a)
		if err != nil {
			return reflect.Value{}, err
		}
		args[i] = v
	}

	switch {
	case n.typ == compositeKeyType:
		values := make([]any, len(args))
		for i, v := range args {
			values[i] = valueInterface(v)
		}
		return reflect.ValueOf(CompositeKey{values: values}), nil
	case n.typ.Kind() == reflect.Map:
		return reflect.MakeMap(n.typ), nil
	}

	structType := n.typ
	if structType.Kind() == reflect.Pointer {
		structType = structType.Elem()
	}
	ptr := reflect.New(structType)
	initialised := map[string]bool{}
	for i, m := range n.members {
		f, err := typeinfo.WritableField(ptr, m.Index)
		if err != nil {
			return reflect.Value{}, err
		}
		v, err := coerce(args[i], m.Type)
		if err != nil {
			return reflect.Value{}, err
		}
		f.Set(v)
		initialised[fieldKey(m)] = true
	}
	if n.typ.Kind() != reflect.Pointer {
		return ptr.Elem(), nil
	}
	ev.constructed[ptr.Pointer()] = initialised
	return ptr, nil
}

func (ev *evaluator) evalBinary(n *Binary) (reflect.Value, error) {
	l, err := ev.eval(n.left)
	if err != nil {
		return reflect.Value{}, err
	}
	r, err := ev.eval(n.right)
	if err != nil {
		return reflect.Value{}, err
	}
	switch n.op {
	case Equal:
		return reflect.ValueOf(reflect.DeepEqual(valueInterface(l), valueInterface(r))), nil
	case NotEqual:
		return reflect.ValueOf(!reflect.DeepEqual(valueInterface(l), valueInterface(r))), nil
	}

	t := n.left.Type()
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n.op == Add {
			out.SetInt(l.Int() + r.Int())
		} else {
			out.SetInt(l.Int() - r.Int())
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n.op == Add {
			out.SetUint(l.Uint() + r.Uint())
		} else {
			out.SetUint(l.Uint() - r.Uint())
		}
	case reflect.Float32, reflect.Float64:
		if n.op == Add {
			out.SetFloat(l.Float() + r.Float())
		} else {
			out.SetFloat(l.Float() - r.Float())
		}
	case reflect.String:
		out.SetString(l.String() + r.String())
	default:
		return reflect.Value{}, fmt.Errorf("operator %s not defined on %s", n.op, t)
	}
	return out, nil
}

func (ev *evaluator) evalAssign(n *Assign) (reflect.Value, error) {
	v, err := ev.eval(n.value)
	if err != nil {
		return reflect.Value{}, err
	}
	if v, err = coerce(v, n.target.Type()); err != nil {
		return reflect.Value{}, err
	}

	switch t := n.target.(type) {
	case *Parameter:
		ev.vars[t] = v
		return v, nil
	case *MemberAccess:
		m := t.member
		if m.Kind == StaticMember {
			m.static.Elem().Set(v)
			return v, nil
		}
		obj, err := ev.eval(t.target)
		if err != nil {
			return reflect.Value{}, err
		}
		obj = unwrap(obj)
		if !obj.IsValid() || obj.Kind() != reflect.Pointer || obj.IsNil() {
			return reflect.Value{}, fmt.Errorf("cannot assign %s: need non-nil pointer to %s", m.Name, m.DeclaringType)
		}
		if n.init {
			initialised, ok := ev.constructed[obj.Pointer()]
			if !ok {
				return reflect.Value{}, fmt.Errorf("cannot initialise read-only member %s outside construction", m.Name)
			}
			if initialised[fieldKey(m)] {
				return reflect.Value{}, fmt.Errorf("read-only member %s already initialised", m.Name)
			}
			initialised[fieldKey(m)] = true
		}
		f, err := typeinfo.WritableField(obj, m.Index)
		if err != nil {
			return reflect.Value{}, err
		}
		f.Set(v)
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("internal error: cannot assign to %T", n.target)
}

// closure returns a nested lambda as a function sharing this evaluation's
// variables.
func (ev *evaluator) closure(l *Lambda) Func {
	return func(args ...any) (any, error) {
		child := &evaluator{vars: make(map[*Parameter]reflect.Value, len(ev.vars)), constructed: ev.constructed}
		for p, v := range ev.vars {
			child.vars[p] = v
		}
		v, err := child.call(l, args)
		if err != nil {
			return nil, err
		}
		return valueInterface(v), nil
	}
}

// unwrap returns the dynamic value held by interface values. Nil
// interfaces become the invalid Value.
func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// coerce returns v as a value of type t. The dynamic type of v must be
// assignable to t.
func coerce(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	v = unwrap(v)
	if !v.IsValid() {
		if !typeinfo.IsNillable(t) {
			return reflect.Value{}, fmt.Errorf("cannot use nil as %s", t)
		}
		return reflect.Zero(t), nil
	}
	if v.Type() == t {
		return v, nil
	}
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.Type(), t)
	}
	c := reflect.New(t).Elem()
	c.Set(v)
	return c, nil
}

// convert implements Convert nodes.
func convert(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	v = unwrap(v)
	switch {
	case !v.IsValid():
		if !typeinfo.IsNillable(t) {
			return reflect.Value{}, fmt.Errorf("cannot convert nil to %s", t)
		}
		return reflect.Zero(t), nil
	case v.Type() == t, v.Type().AssignableTo(t):
		return coerce(v, t)
	case t.Kind() == reflect.Pointer && v.Type() == t.Elem():
		p := reflect.New(t.Elem())
		p.Elem().Set(v)
		return p, nil
	case v.Kind() == reflect.Pointer && v.Type().Elem() == t:
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("cannot convert nil %s to %s", v.Type(), t)
		}
		return v.Elem(), nil
	case isIntegerKind(v.Kind()) && t.Kind() == reflect.String:
		// Integer to string conversions produce runes, not digits.
		return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", v.Type(), t)
	case v.Type().ConvertibleTo(t):
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", v.Type(), t)
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func valueInterface(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}
