// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"reflect"

	"github.com/canonical/relcore/internal/typeinfo"
)

// MakeMemberAccess returns an access of member m on target. When the static
// type of target differs from the declaring type of m but is assignable to
// it, target is first converted to the declaring type. target is nil for
// static members.
func MakeMemberAccess(target Node, m *Member) (*MemberAccess, error) {
	if target != nil && m.DeclaringType != nil {
		if tt := target.Type(); tt != m.DeclaringType && tt.AssignableTo(m.DeclaringType) {
			target = NewConvert(target, m.DeclaringType)
		}
	}
	return NewMemberAccess(target, m)
}

// MakeValueBufferRead returns an expression reading slot ordinal of buffer
// as a value of type t. A slot holding a value that is not assignable to t,
// nil included, reads as the zero value of t. The property is optional and
// only kept for diagnostics.
func MakeValueBufferRead(buffer Node, t reflect.Type, ordinal int, p *Property) Node {
	return NewTypeAs(NewIndex(buffer, ordinal, p), t)
}

// MakePropertyRead returns an expression reading property p of target.
// Member-backed properties are member accesses. Other properties are read
// through the entity's indexer, or the property accessor when there is no
// indexer, and converted to the property type.
func MakePropertyRead(target Node, p *Property) (Node, error) {
	if p.Member != nil {
		return MakeMemberAccess(target, p.Member)
	}
	var call *Call
	var err error
	if p.Indexer != nil {
		call, err = NewCall(target, p.Indexer, NewConstant(p.Name))
	} else {
		call, err = NewCall(nil, PropertyMethod, target, NewConstant(p.Name))
	}
	if err != nil {
		return nil, err
	}
	if p.Type == nil || call.Type() == p.Type {
		return call, nil
	}
	return NewConvert(call, p.Type), nil
}

// MakeKeyValueRead returns an expression reading the key formed by props
// from target. A single property is read directly, converted to its
// nullable pointer type if makeNullable is set and the type cannot already
// hold nil. Several properties yield a CompositeKey of their values in the
// order given.
func MakeKeyValueRead(target Node, props []*Property, makeNullable bool) (Node, error) {
	switch len(props) {
	case 0:
		return nil, fmt.Errorf("cannot read key without properties")
	case 1:
		read, err := MakePropertyRead(target, props[0])
		if err != nil {
			return nil, err
		}
		if makeNullable && !typeinfo.IsNillable(read.Type()) {
			return NewConvert(read, reflect.PointerTo(read.Type())), nil
		}
		return read, nil
	}

	args := make([]Node, len(props))
	for i, p := range props {
		read, err := MakePropertyRead(target, p)
		if err != nil {
			return nil, err
		}
		args[i] = NewConvert(read, anyType)
	}
	return NewConstruct(compositeKeyType, nil, args)
}

// MakeMemberAssign returns an assignment of value to the member accessed by
// access. Read-only members get an initialising assignment which can only
// write a value built by a Construct node in the same evaluation, once.
func MakeMemberAssign(access *MemberAccess, value Node) (*Assign, error) {
	return newAssign(access, value, access.member.ReadOnly)
}
