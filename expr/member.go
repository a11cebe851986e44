// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"reflect"

	"github.com/canonical/relcore/internal/typeinfo"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// MemberKind says what a Member refers to.
type MemberKind int

const (
	// FieldMember is a struct field.
	FieldMember MemberKind = iota
	// MethodMember is a method without arguments returning one value, the
	// rendition of a property declared on an interface.
	MethodMember
	// StaticMember is a package-level variable.
	StaticMember
)

// Member describes a readable member of a type.
type Member struct {
	Name string
	Kind MemberKind

	// DeclaringType is the type the member is looked up on. For fields it
	// is the struct type Index is relative to. It is nil for static
	// members.
	DeclaringType reflect.Type

	// Type is the type of the member's value.
	Type reflect.Type

	// Index is the field index sequence of a FieldMember.
	Index []int

	// Method is the method of a MethodMember. Its Func is only valid when
	// DeclaringType is not an interface.
	Method reflect.Method

	// ReadOnly members are written once while the value holding them is
	// constructed.
	ReadOnly bool

	static reflect.Value
}

// String returns the qualified name of the member.
func (m *Member) String() string {
	if m.DeclaringType == nil {
		return m.Name
	}
	return m.DeclaringType.String() + "." + m.Name
}

// FieldOf returns the field called name of the struct type t. The "readonly"
// flag of its "db" tag and unexported fields make it read-only.
func FieldOf(t reflect.Type, name string) (*Member, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("need struct type, got %s", t.Kind())
	}
	sf, ok := t.FieldByName(name)
	if !ok {
		return nil, fmt.Errorf("type %q has no field %q", t.Name(), name)
	}
	m := &Member{
		Name:          sf.Name,
		Kind:          FieldMember,
		DeclaringType: t,
		Type:          sf.Type,
		Index:         sf.Index,
		ReadOnly:      !sf.IsExported(),
	}
	if fields, err := typeinfo.TaggedFields(t); err == nil {
		for _, f := range fields {
			if f.Name == sf.Name && equalIndex(f.Index, sf.Index) {
				m.ReadOnly = f.ReadOnly
			}
		}
	}
	return m, nil
}

// MethodOf returns the method called name of t as a member. The method must
// take no arguments and return a single value.
func MethodOf(t reflect.Type, name string) (*Member, error) {
	rm, ok := t.MethodByName(name)
	if !ok {
		return nil, fmt.Errorf("type %s has no method %q", t, name)
	}
	mt := rm.Type
	in := mt.NumIn()
	if t.Kind() != reflect.Interface {
		// Concrete method types include the receiver.
		in--
	}
	if in != 0 || mt.NumOut() != 1 {
		return nil, fmt.Errorf("method %s of %s must take no arguments and return one value", name, t)
	}
	return &Member{
		Name:          name,
		Kind:          MethodMember,
		DeclaringType: t,
		Type:          mt.Out(0),
		Method:        rm,
		ReadOnly:      true,
	}, nil
}

// StaticOf returns a static member called name for the variable pointed to
// by ptr.
func StaticOf(name string, ptr any) (*Member, error) {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, fmt.Errorf("need non-nil pointer to variable, got %T", ptr)
	}
	return &Member{Name: name, Kind: StaticMember, Type: v.Elem().Type(), static: v}, nil
}

// remapMember returns the member of concrete implementing m when m is
// declared on an interface that concrete implements. Otherwise it returns
// m unchanged.
func remapMember(concrete reflect.Type, m *Member) (*Member, error) {
	iface := m.DeclaringType
	if m.Kind != MethodMember || iface == nil || iface.Kind() != reflect.Interface {
		return m, nil
	}
	if concrete == iface || concrete.Kind() == reflect.Interface || !concrete.Implements(iface) {
		return m, nil
	}
	rm, err := typeinfo.ImplementingMethod(concrete, iface, m.Name)
	if err != nil {
		return nil, err
	}
	return &Member{
		Name:          m.Name,
		Kind:          MethodMember,
		DeclaringType: concrete,
		Type:          m.Type,
		Method:        rm,
		ReadOnly:      true,
	}, nil
}

func equalIndex(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type methodKind int

const (
	funcMethod methodKind = iota
	propertyMethod
	indexerMethod
	indexerSetMethod
)

// Method describes a callable.
type Method struct {
	Name string

	// Receiver is the type of the object the method is called on. It is
	// nil for package-level functions.
	Receiver reflect.Type

	// In holds the argument types, excluding the receiver.
	In []reflect.Type

	// Out is the result type, or nil if the method returns nothing. A
	// method may additionally return an error as its last result.
	Out reflect.Type

	fn           reflect.Value
	returnsError bool
	kind         methodKind
}

// String returns the qualified name of the method.
func (m *Method) String() string {
	if m.Receiver == nil {
		return m.Name
	}
	return m.Receiver.String() + "." + m.Name
}

// FuncOf returns a Method for the package-level function fn.
func FuncOf(name string, fn any) (*Method, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("need function, got %T", fn)
	}
	m := &Method{Name: name, fn: v}
	if err := m.setSignature(v.Type(), 0); err != nil {
		return nil, err
	}
	return m, nil
}

// MethodByName returns a Method for the method called name of t.
func MethodByName(t reflect.Type, name string) (*Method, error) {
	rm, ok := t.MethodByName(name)
	if !ok {
		return nil, fmt.Errorf("type %s has no method %q", t, name)
	}
	m := &Method{Name: name, Receiver: t}
	skip := 0
	if t.Kind() != reflect.Interface {
		m.fn = rm.Func
		skip = 1
	}
	if err := m.setSignature(rm.Type, skip); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Method) setSignature(ft reflect.Type, skip int) error {
	for i := skip; i < ft.NumIn(); i++ {
		m.In = append(m.In, ft.In(i))
	}
	if ft.IsVariadic() {
		return fmt.Errorf("cannot use variadic method %s", m.Name)
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		m.Out = ft.Out(0)
	case 2:
		if ft.Out(1) != errorType {
			return fmt.Errorf("second result of %s must be error, got %s", m.Name, ft.Out(1))
		}
		m.Out = ft.Out(0)
		m.returnsError = true
	default:
		return fmt.Errorf("method %s returns too many values", m.Name)
	}
	return nil
}

// IsIndexer reports whether m is the indexer of a map type.
func (m *Method) IsIndexer() bool {
	return m.kind == indexerMethod
}

// IndexerMethod returns the indexer of the map type t, which must have
// string keys. Calls of it read the value stored under a key, yielding the
// zero value for missing keys.
func IndexerMethod(t reflect.Type) (*Method, error) {
	if t.Kind() != reflect.Map || t.Key().Kind() != reflect.String {
		return nil, fmt.Errorf("need map type with string keys, got %s", t)
	}
	ft := reflect.FuncOf([]reflect.Type{t, t.Key()}, []reflect.Type{t.Elem()}, false)
	fn := reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		v := args[0].MapIndex(args[1])
		if !v.IsValid() {
			v = reflect.Zero(t.Elem())
		}
		return []reflect.Value{v}
	})
	return &Method{
		Name:     "Index",
		Receiver: t,
		In:       []reflect.Type{t.Key()},
		Out:      t.Elem(),
		fn:       fn,
		kind:     indexerMethod,
	}, nil
}

// IndexerSetMethod returns the method storing a value under a key of the
// map type t.
func IndexerSetMethod(t reflect.Type) (*Method, error) {
	if t.Kind() != reflect.Map || t.Key().Kind() != reflect.String {
		return nil, fmt.Errorf("need map type with string keys, got %s", t)
	}
	ft := reflect.FuncOf([]reflect.Type{t, t.Key(), t.Elem()}, nil, false)
	fn := reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		args[0].SetMapIndex(args[1], args[2])
		return nil
	})
	return &Method{
		Name:     "SetIndex",
		Receiver: t,
		In:       []reflect.Type{t.Key(), t.Elem()},
		fn:       fn,
		kind:     indexerSetMethod,
	}, nil
}

// PropertyValue reads the member called name of target: a struct field by
// "db" tag or field name, or a map value by key. Calls of PropertyMethod in a
// tree are recognised by ExtractPropertyCallArguments.
func PropertyValue(target any, name string) (any, error) {
	v, err := typeinfo.Lookup(reflect.ValueOf(target), name)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// PropertyMethod is the property accessor, rendered as Property(x, "name").
var PropertyMethod = func() *Method {
	m, err := FuncOf("Property", PropertyValue)
	if err != nil {
		panic(err)
	}
	m.kind = propertyMethod
	return m
}()

// IsPropertyMethod reports whether m is the property accessor.
func IsPropertyMethod(m *Method) bool {
	return m != nil && m.kind == propertyMethod
}

// Property describes a mapped property of an entity type.
type Property struct {
	// Name is the property name, the column it maps to.
	Name string

	// Entity is the name of the declaring entity type.
	Entity string

	// Type is the storage type of the property's values.
	Type reflect.Type

	// Nullable is true when the property can hold nil.
	Nullable bool

	// Key is true when the property is part of the entity key.
	Key bool

	// Ordinal is the position of the property in its entity type.
	Ordinal int

	// Member is the member backing the property. It is nil for properties
	// of indexer-backed entity types.
	Member *Member

	// Indexer reads indexer-backed properties.
	Indexer *Method
}

// String returns the qualified name of the property.
func (p *Property) String() string {
	if p.Entity == "" {
		return p.Name
	}
	return p.Entity + "." + p.Name
}
