// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/canonical/relcore/internal/typeinfo"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()
var boolType = reflect.TypeOf(false)

// A Node is an immutable node of a typed expression tree. The set of node
// kinds is closed: Parameter, Constant, MemberAccess, Call, Convert, TypeAs,
// Index, Construct, Binary, Lambda, Assign and Block.
type Node interface {
	// Type returns the static type of the value the node evaluates to. It
	// is nil for calls of methods without results.
	Type() reflect.Type

	// String returns a string representation of the node for debugging and
	// testing purposes.
	String() string

	// node is a marker method.
	node()
}

// Parameter is a lambda parameter or a block variable.
type Parameter struct {
	name string
	typ  reflect.Type
}

// NewParameter returns a parameter called name of type t.
func NewParameter(name string, t reflect.Type) *Parameter {
	return &Parameter{name: name, typ: t}
}

func (p *Parameter) Name() string       { return p.name }
func (p *Parameter) Type() reflect.Type { return p.typ }
func (p *Parameter) String() string     { return p.name }
func (p *Parameter) node()              {}

// Constant is a literal value.
type Constant struct {
	value any
	typ   reflect.Type
}

// NewConstant returns a constant holding v. A nil v has type any.
func NewConstant(v any) *Constant {
	if v == nil {
		return &Constant{typ: anyType}
	}
	return &Constant{value: v, typ: reflect.TypeOf(v)}
}

// NewTypedConstant returns a constant holding v with static type t. v must
// be nil or assignable to t.
func NewTypedConstant(v any, t reflect.Type) (*Constant, error) {
	if v == nil {
		if !typeinfo.IsNillable(t) {
			return nil, fmt.Errorf("cannot use nil as constant of type %s", t)
		}
		return &Constant{typ: t}, nil
	}
	if !reflect.TypeOf(v).AssignableTo(t) {
		return nil, fmt.Errorf("cannot use %T as constant of type %s", v, t)
	}
	return &Constant{value: v, typ: t}, nil
}

func (c *Constant) Value() any         { return c.value }
func (c *Constant) Type() reflect.Type { return c.typ }
func (c *Constant) node()              {}

func (c *Constant) String() string {
	switch v := c.value.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// MemberAccess reads a member of its target. The target is nil for static
// members.
type MemberAccess struct {
	target Node
	member *Member
}

// NewMemberAccess returns an access of member m on target. The static type
// of target must be the declaring type of m or a pointer to it; no
// conversion is inserted. See MakeMemberAccess.
func NewMemberAccess(target Node, m *Member) (*MemberAccess, error) {
	if m == nil {
		return nil, fmt.Errorf("cannot access nil member")
	}
	if m.Kind == StaticMember {
		if target != nil {
			return nil, fmt.Errorf("static member %s cannot have a target", m.Name)
		}
		return &MemberAccess{member: m}, nil
	}
	if target == nil {
		return nil, fmt.Errorf("member %s of %s needs a target", m.Name, m.DeclaringType)
	}
	tt := target.Type()
	if tt != m.DeclaringType && !(tt != nil && tt.Kind() == reflect.Pointer && tt.Elem() == m.DeclaringType) {
		return nil, fmt.Errorf("cannot access member %s of %s on %s", m.Name, m.DeclaringType, tt)
	}
	return &MemberAccess{target: target, member: m}, nil
}

func (ma *MemberAccess) Target() Node       { return ma.target }
func (ma *MemberAccess) Member() *Member    { return ma.member }
func (ma *MemberAccess) Type() reflect.Type { return ma.member.Type }
func (ma *MemberAccess) node()              {}

func (ma *MemberAccess) String() string {
	if ma.target == nil {
		return ma.member.Name
	}
	return ma.target.String() + "." + ma.member.Name
}

// Call invokes a method. The object is nil for package-level functions.
type Call struct {
	object Node
	method *Method
	args   []Node
}

// NewCall returns a call of method m on object with the given arguments.
func NewCall(object Node, m *Method, args ...Node) (*Call, error) {
	if m == nil {
		return nil, fmt.Errorf("cannot call nil method")
	}
	if (m.Receiver == nil) != (object == nil) {
		if object == nil {
			return nil, fmt.Errorf("method %s of %s needs an object", m.Name, m.Receiver)
		}
		return nil, fmt.Errorf("function %s cannot have an object", m.Name)
	}
	if object != nil && !object.Type().AssignableTo(m.Receiver) {
		return nil, fmt.Errorf("cannot call method %s of %s on %s", m.Name, m.Receiver, object.Type())
	}
	if len(args) != len(m.In) {
		return nil, fmt.Errorf("method %s takes %d arguments, got %d", m.Name, len(m.In), len(args))
	}
	for i, arg := range args {
		if !arg.Type().AssignableTo(m.In[i]) {
			return nil, fmt.Errorf("cannot use %s as argument %d of %s: need %s, got %s", arg, i, m.Name, m.In[i], arg.Type())
		}
	}
	return &Call{object: object, method: m, args: append([]Node{}, args...)}, nil
}

func (c *Call) Object() Node       { return c.object }
func (c *Call) Method() *Method    { return c.method }
func (c *Call) Args() []Node       { return append([]Node{}, c.args...) }
func (c *Call) Type() reflect.Type { return c.method.Out }
func (c *Call) node()              {}

func (c *Call) String() string {
	switch c.method.kind {
	case indexerMethod:
		return c.object.String() + "[" + c.args[0].String() + "]"
	case indexerSetMethod:
		return c.object.String() + "[" + c.args[0].String() + "] = " + c.args[1].String()
	}
	prefix := c.method.Name
	if c.object != nil {
		prefix = c.object.String() + "." + prefix
	}
	return prefix + "(" + joinNodes(c.args) + ")"
}

// Convert converts its operand to a type. Conversions between a type T and
// *T wrap and unwrap nullable values.
type Convert struct {
	operand Node
	typ     reflect.Type
}

// NewConvert returns a conversion of operand to t.
func NewConvert(operand Node, t reflect.Type) *Convert {
	return &Convert{operand: operand, typ: t}
}

func (c *Convert) Operand() Node      { return c.operand }
func (c *Convert) Type() reflect.Type { return c.typ }
func (c *Convert) String() string     { return typeString(c.typ) + "(" + c.operand.String() + ")" }
func (c *Convert) node()              {}

// TypeAs yields its operand if the operand's dynamic value is assignable to
// the type, and the zero value of the type otherwise.
type TypeAs struct {
	operand Node
	typ     reflect.Type
}

// NewTypeAs returns a checked conversion of operand to t.
func NewTypeAs(operand Node, t reflect.Type) *TypeAs {
	return &TypeAs{operand: operand, typ: t}
}

func (ta *TypeAs) Operand() Node      { return ta.operand }
func (ta *TypeAs) Type() reflect.Type { return ta.typ }
func (ta *TypeAs) String() string     { return ta.operand.String() + ".(" + ta.typ.String() + ")" }
func (ta *TypeAs) node()              {}

// Index reads a slot of a value buffer by ordinal.
type Index struct {
	buffer   Node
	ordinal  int
	property *Property
}

// NewIndex returns a read of slot ordinal of buffer. The buffer must
// evaluate to a Getter. The property the slot holds is optional and kept
// for diagnostics.
func NewIndex(buffer Node, ordinal int, p *Property) *Index {
	return &Index{buffer: buffer, ordinal: ordinal, property: p}
}

func (ix *Index) Buffer() Node        { return ix.buffer }
func (ix *Index) Ordinal() int        { return ix.ordinal }
func (ix *Index) Property() *Property { return ix.property }
func (ix *Index) Type() reflect.Type  { return anyType }
func (ix *Index) String() string      { return ix.buffer.String() + "[" + strconv.Itoa(ix.ordinal) + "]" }
func (ix *Index) node()               {}

// Construct creates a value of a struct type, a pointer to a struct type, a
// map type or CompositeKey. For structs, each argument initialises the
// corresponding member. For CompositeKey the arguments are the ordered key
// components.
type Construct struct {
	typ     reflect.Type
	members []*Member
	args    []Node
}

// NewConstruct returns a construction of t initialising members with args.
func NewConstruct(t reflect.Type, members []*Member, args []Node) (*Construct, error) {
	switch {
	case t == compositeKeyType:
		if len(members) != 0 {
			return nil, fmt.Errorf("cannot initialise members of %s", t)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("cannot construct empty %s", t)
		}
	case t.Kind() == reflect.Map:
		if len(members) != 0 || len(args) != 0 {
			return nil, fmt.Errorf("cannot initialise members of map %s", t)
		}
	case t.Kind() == reflect.Struct, t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		structType := t
		if t.Kind() == reflect.Pointer {
			structType = t.Elem()
		}
		if len(members) != len(args) {
			return nil, fmt.Errorf("cannot construct %s: %d members and %d arguments", t, len(members), len(args))
		}
		for i, m := range members {
			if m.Kind != FieldMember || m.DeclaringType != structType {
				return nil, fmt.Errorf("cannot initialise %s in %s", m.Name, t)
			}
			if !args[i].Type().AssignableTo(m.Type) {
				return nil, fmt.Errorf("cannot use %s as %s in %s", args[i], m.Type, t)
			}
		}
	default:
		return nil, fmt.Errorf("cannot construct %s", t.Kind())
	}
	return &Construct{typ: t, members: append([]*Member{}, members...), args: append([]Node{}, args...)}, nil
}

func (c *Construct) Members() []*Member { return append([]*Member{}, c.members...) }
func (c *Construct) Args() []Node       { return append([]Node{}, c.args...) }
func (c *Construct) Type() reflect.Type { return c.typ }
func (c *Construct) node()              {}

func (c *Construct) String() string {
	switch {
	case c.typ == compositeKeyType:
		return "CompositeKey{" + joinNodes(c.args) + "}"
	case c.typ.Kind() == reflect.Pointer && len(c.args) == 0:
		return "new(" + c.typ.Elem().String() + ")"
	}
	parts := make([]string, len(c.args))
	for i, arg := range c.args {
		parts[i] = c.members[i].Name + ": " + arg.String()
	}
	prefix := ""
	t := c.typ
	if t.Kind() == reflect.Pointer {
		prefix, t = "&", t.Elem()
	}
	return prefix + t.String() + "{" + strings.Join(parts, ", ") + "}"
}

// BinaryOp is the operator of a Binary node.
type BinaryOp int

const (
	Add BinaryOp = iota
	Subtract
	Equal
	NotEqual
)

func (op BinaryOp) String() string {
	switch op {
	case Add:
		return "+"
	case Subtract:
		return "-"
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	}
	return "BinaryOp(" + strconv.Itoa(int(op)) + ")"
}

// Binary applies an operator to two operands.
type Binary struct {
	op          BinaryOp
	left, right Node
}

// NewBinary returns left op right. Both operands must have the same type.
func NewBinary(op BinaryOp, left, right Node) (*Binary, error) {
	if left.Type() != right.Type() {
		return nil, fmt.Errorf("mismatched operand types %s and %s for %s", left.Type(), right.Type(), op)
	}
	switch op {
	case Add, Subtract:
		if !isArithmetic(left.Type(), op) {
			return nil, fmt.Errorf("operator %s not defined on %s", op, left.Type())
		}
	case Equal, NotEqual:
	default:
		return nil, fmt.Errorf("unknown operator %s", op)
	}
	return &Binary{op: op, left: left, right: right}, nil
}

func (b *Binary) Op() BinaryOp   { return b.op }
func (b *Binary) Left() Node     { return b.left }
func (b *Binary) Right() Node    { return b.right }
func (b *Binary) String() string { return "(" + b.left.String() + " " + b.op.String() + " " + b.right.String() + ")" }
func (b *Binary) node()          {}

func (b *Binary) Type() reflect.Type {
	if b.op == Equal || b.op == NotEqual {
		return boolType
	}
	return b.left.Type()
}

// Lambda is a function literal.
type Lambda struct {
	params []*Parameter
	body   Node
}

// NewLambda returns a lambda with the given body and parameters.
func NewLambda(body Node, params ...*Parameter) *Lambda {
	return &Lambda{body: body, params: append([]*Parameter{}, params...)}
}

func (l *Lambda) Params() []*Parameter { return append([]*Parameter{}, l.params...) }
func (l *Lambda) Body() Node           { return l.body }
func (l *Lambda) node()                {}

func (l *Lambda) Type() reflect.Type {
	in := make([]reflect.Type, len(l.params))
	for i, p := range l.params {
		in[i] = p.typ
	}
	var out []reflect.Type
	if t := l.body.Type(); t != nil {
		out = []reflect.Type{t}
	}
	return reflect.FuncOf(in, out, false)
}

func (l *Lambda) String() string {
	names := make([]string, len(l.params))
	for i, p := range l.params {
		names[i] = p.name
	}
	params := strings.Join(names, ", ")
	if len(l.params) != 1 {
		params = "(" + params + ")"
	}
	return params + " => " + l.body.String()
}

// Assign stores a value in a variable or a member. An initialising
// assignment writes a read-only member of a value under construction; it is
// only built by MakeMemberAssign.
type Assign struct {
	target Node
	value  Node
	init   bool
}

// NewAssign returns an ordinary assignment of value to target. The target
// must be a Parameter or a MemberAccess of a writable field or static
// member.
func NewAssign(target, value Node) (*Assign, error) {
	return newAssign(target, value, false)
}

func newAssign(target, value Node, init bool) (*Assign, error) {
	switch t := target.(type) {
	case *Parameter:
		if init {
			return nil, fmt.Errorf("cannot initialise variable %s", t.name)
		}
	case *MemberAccess:
		if t.member.Kind == MethodMember {
			return nil, fmt.Errorf("cannot assign to method %s", t.member.Name)
		}
		if t.member.ReadOnly && !init {
			return nil, fmt.Errorf("cannot assign to read-only member %s", t.member.Name)
		}
		if init && t.target == nil {
			return nil, fmt.Errorf("cannot initialise static member %s", t.member.Name)
		}
	default:
		return nil, fmt.Errorf("cannot assign to %s", target)
	}
	if !value.Type().AssignableTo(target.Type()) {
		return nil, fmt.Errorf("cannot assign %s to %s", value.Type(), target.Type())
	}
	return &Assign{target: target, value: value, init: init}, nil
}

func (a *Assign) Target() Node       { return a.target }
func (a *Assign) Value() Node        { return a.value }
func (a *Assign) Init() bool         { return a.init }
func (a *Assign) Type() reflect.Type { return a.target.Type() }
func (a *Assign) node()              {}

func (a *Assign) String() string {
	s := a.target.String() + " = " + a.value.String()
	if a.init {
		return "init " + s
	}
	return s
}

// Block evaluates expressions in order and yields the value of the last.
// Its variables start as zero values.
type Block struct {
	vars  []*Parameter
	exprs []Node
}

// NewBlock returns a block declaring vars and evaluating exprs.
func NewBlock(vars []*Parameter, exprs ...Node) (*Block, error) {
	if len(exprs) == 0 {
		return nil, fmt.Errorf("cannot create empty block")
	}
	return &Block{vars: append([]*Parameter{}, vars...), exprs: append([]Node{}, exprs...)}, nil
}

func (b *Block) Vars() []*Parameter { return append([]*Parameter{}, b.vars...) }
func (b *Block) Exprs() []Node      { return append([]Node{}, b.exprs...) }
func (b *Block) Type() reflect.Type { return b.exprs[len(b.exprs)-1].Type() }
func (b *Block) node()              {}

func (b *Block) String() string {
	parts := make([]string, len(b.exprs))
	for i, e := range b.exprs {
		parts[i] = e.String()
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}

// typeString parenthesises pointer types so that conversions read
// unambiguously.
func typeString(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "(" + t.String() + ")"
	}
	return t.String()
}

func isArithmetic(t reflect.Type, op BinaryOp) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.String:
		return op == Add
	}
	return false
}
