// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
)

// Metadata classifies methods on behalf of the model.
type Metadata interface {
	// IsIndexerMethod reports whether m is the indexer of an entity type of
	// the model.
	IsIndexerMethod(m *Method) bool
}

// InvalidExpressionError is returned when a lambda does not have the shape
// an operation requires.
type InvalidExpressionError struct {
	// Expr is the offending expression.
	Expr Node
	// Kind names the expected shape, "property" or "properties".
	Kind   string
	reason string
	cause  error
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid %s expression %q: %s", e.Kind, e.Expr, e.reason)
}

// Unwrap returns the error the expression was rejected with, if any.
func (e *InvalidExpressionError) Unwrap() error {
	return e.cause
}

func invalidProperty(n Node, reason string) error {
	return &InvalidExpressionError{Expr: n, Kind: "property", reason: reason}
}

func invalidProperties(n Node, reason string) error {
	return &InvalidExpressionError{Expr: n, Kind: "properties", reason: reason}
}

func remapFailed(n Node, kind string, err error) error {
	return &InvalidExpressionError{Expr: n, Kind: kind, reason: err.Error(), cause: err}
}

// ExtractPropertyCallArguments returns the target and the property name of
// a call of the property accessor, Property(target, "name"). ok is false for
// any other call, including calls whose name is not a string constant.
func ExtractPropertyCallArguments(call *Call) (target Node, name string, ok bool) {
	if call == nil || !IsPropertyMethod(call.method) || len(call.args) != 2 {
		return nil, "", false
	}
	name, ok = stringConstant(call.args[1])
	if !ok {
		return nil, "", false
	}
	return call.args[0], name, true
}

// ExtractIndexerCallArguments returns the object and the property name of a
// call of the model's indexer, target["name"]. ok is false for any other
// call, including calls whose key is not a string constant.
func ExtractIndexerCallArguments(call *Call, md Metadata) (target Node, name string, ok bool) {
	if call == nil || md == nil || !md.IsIndexerMethod(call.method) || len(call.args) != 1 {
		return nil, "", false
	}
	name, ok = stringConstant(call.args[0])
	if !ok {
		return nil, "", false
	}
	return call.object, name, true
}

func stringConstant(n Node) (string, bool) {
	c, ok := n.(*Constant)
	if !ok {
		return "", false
	}
	s, ok := c.value.(string)
	return s, ok
}

// ResolveProperty returns the member accessed by a lambda of the form
// x => x.P. Conversions on the access path are ignored. A member declared on
// an interface implemented by the parameter's type is resolved to the
// implementing member of that type.
func ResolveProperty(l *Lambda) (*Member, error) {
	if len(l.params) != 1 {
		return nil, invalidProperty(l, fmt.Sprintf("need one parameter, got %d", len(l.params)))
	}
	p := l.params[0]
	path, ok := matchMemberAccess(p, l.body)
	if !ok || len(path) != 1 {
		return nil, invalidProperty(l, "need a simple member access on the parameter")
	}
	m, err := remapMember(p.typ, path[0])
	if err != nil {
		return nil, remapFailed(l, "property", err)
	}
	return m, nil
}

// ResolvePropertyPath returns the chain of members accessed by a lambda of
// the form x => x.P.Q, in access order.
func ResolvePropertyPath(l *Lambda) ([]*Member, error) {
	if len(l.params) != 1 {
		return nil, invalidProperty(l, fmt.Sprintf("need one parameter, got %d", len(l.params)))
	}
	p := l.params[0]
	path, ok := matchMemberAccess(p, l.body)
	if !ok {
		return nil, invalidProperty(l, "need a chain of member accesses on the parameter")
	}
	first, err := remapMember(p.typ, path[0])
	if err != nil {
		return nil, remapFailed(l, "property", err)
	}
	path[0] = first
	return path, nil
}

// ResolveProperties returns the members accessed by a lambda of the form
// x => x.P or x => T{A: x.A, B: x.B}, in order. Duplicates are kept.
func ResolveProperties(l *Lambda) ([]*Member, error) {
	if len(l.params) != 1 {
		return nil, invalidProperties(l, fmt.Sprintf("need one parameter, got %d", len(l.params)))
	}
	p := l.params[0]
	body := stripConversions(l.body)

	var accesses []Node
	if c, ok := body.(*Construct); ok {
		accesses = c.args
	} else {
		accesses = []Node{body}
	}
	if len(accesses) == 0 {
		return nil, invalidProperties(l, "need at least one member access")
	}

	members := make([]*Member, 0, len(accesses))
	for _, a := range accesses {
		path, ok := matchMemberAccess(p, a)
		if !ok || len(path) != 1 {
			return nil, invalidProperties(l, "need simple member accesses on the parameter")
		}
		m, err := remapMember(p.typ, path[0])
		if err != nil {
			return nil, remapFailed(l, "properties", err)
		}
		members = append(members, m)
	}
	return members, nil
}

// matchMemberAccess walks a chain of member accesses from n down to param
// and returns the members in access order.
func matchMemberAccess(param *Parameter, n Node) ([]*Member, bool) {
	var path []*Member
	n = stripConversions(n)
	for {
		ma, ok := n.(*MemberAccess)
		if !ok || ma.target == nil {
			return nil, false
		}
		path = append([]*Member{ma.member}, path...)
		n = stripConversions(ma.target)
		if n == Node(param) {
			return path, true
		}
	}
}

// stripConversions removes Convert and TypeAs nodes wrapping n.
func stripConversions(n Node) Node {
	for {
		switch c := n.(type) {
		case *Convert:
			n = c.operand
		case *TypeAs:
			n = c.operand
		default:
			return n
		}
	}
}
