// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package model

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/canonical/relcore/expr"
	"github.com/canonical/relcore/internal/typeinfo"
)

// EntityType describes how values of a Go type map to rows. Struct types
// map their "db" tagged fields. Maps with string keys are property bags
// whose properties are declared with AddIndexerProperty and read through
// the indexer.
type EntityType struct {
	model *Model
	name  string
	typ   reflect.Type

	// indexer is set for property bags.
	indexer *expr.Method

	mu         sync.RWMutex
	properties []*expr.Property
	byName     map[string]*expr.Property
	key        []*expr.Property

	// version counts changes to the properties and the key.
	version uint64
}

// Name returns the name of the entity type.
func (e *EntityType) Name() string {
	return e.name
}

// Type returns the Go type of the entity.
func (e *EntityType) Type() reflect.Type {
	return e.typ
}

// IsPropertyBag reports whether the entity is a map read through its
// indexer.
func (e *EntityType) IsPropertyBag() bool {
	return e.indexer != nil
}

// Indexer returns the indexer of a property bag, or nil.
func (e *EntityType) Indexer() *expr.Method {
	return e.indexer
}

// Properties returns the properties in ordinal order.
func (e *EntityType) Properties() []*expr.Property {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*expr.Property{}, e.properties...)
}

// Property returns the property called name.
func (e *EntityType) Property(name string) (*expr.Property, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.byName[name]
	return p, ok
}

// Version returns a number that changes whenever a property is added or
// the key is set. Anything derived from the properties is stale once the
// version moves on.
func (e *EntityType) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Key returns the key properties in key order.
func (e *EntityType) Key() []*expr.Property {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*expr.Property{}, e.key...)
}

// AddIndexerProperty declares a property of type t on a property bag.
func (e *EntityType) AddIndexerProperty(name string, t reflect.Type) (*expr.Property, error) {
	if e.indexer == nil {
		return nil, fmt.Errorf("cannot add indexer property %q to %s: not a property bag", name, e.name)
	}
	if name == "" {
		return nil, fmt.Errorf("cannot add indexer property with empty name to %s", e.name)
	}
	if !t.AssignableTo(e.typ.Elem()) {
		return nil, fmt.Errorf("cannot add indexer property %q of type %s to %s", name, t, e.name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byName[name]; ok {
		return nil, fmt.Errorf("%s already has a property %q", e.name, name)
	}
	p := &expr.Property{
		Name:     name,
		Entity:   e.name,
		Type:     t,
		Nullable: typeinfo.IsNillable(t),
		Ordinal:  len(e.properties),
		Indexer:  e.indexer,
	}
	e.properties = append(e.properties, p)
	e.byName[name] = p
	e.version++
	return p, nil
}

// FindProperty returns the property selected by l, one of
//
//	x => x.Field
//	x => Property(x, "name")
//	x => x["name"]
//
// where x is of the entity's type or a pointer to it.
func (e *EntityType) FindProperty(l *expr.Lambda) (*expr.Property, error) {
	params := l.Params()
	if len(params) == 1 && !e.accepts(params[0].Type()) {
		return nil, fmt.Errorf("cannot find property of %s with parameter of type %s", e.name, params[0].Type())
	}
	if call, ok := stripConversions(l.Body()).(*expr.Call); ok && len(params) == 1 {
		target, name, ok := expr.ExtractPropertyCallArguments(call)
		if !ok && e.indexer != nil {
			target, name, ok = expr.ExtractIndexerCallArguments(call, e.model)
		}
		if ok {
			if stripConversions(target) != expr.Node(params[0]) {
				return nil, fmt.Errorf("cannot find property of %s: %s is not read from the parameter", e.name, call)
			}
			p, found := e.Property(name)
			if !found {
				return nil, fmt.Errorf("%s has no property %q", e.name, name)
			}
			return p, nil
		}
	}

	m, err := expr.ResolveProperty(l)
	if err != nil {
		return nil, err
	}
	return e.propertyOf(m)
}

// SetKey makes the properties selected by l the key of the entity, in the
// order they are selected. It must be called before the entity type is
// shared between goroutines.
func (e *EntityType) SetKey(l *expr.Lambda) error {
	var key []*expr.Property
	members, err := expr.ResolveProperties(l)
	if err == nil {
		for _, m := range members {
			p, err := e.propertyOf(m)
			if err != nil {
				return err
			}
			key = append(key, p)
		}
	} else {
		// Single properties selected through the accessor or the indexer.
		p, findErr := e.FindProperty(l)
		if findErr != nil {
			return err
		}
		key = []*expr.Property{p}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.properties {
		p.Key = false
	}
	for _, p := range key {
		p.Key = true
	}
	e.key = key
	e.version++
	return nil
}

// KeyReader returns a function reading the key of an entity value. Single
// property keys read as the property value, converted to a pointer when
// makeNullable is set and the property cannot hold nil. Other keys read as
// expr.CompositeKey. The function accepts values of the entity type and
// pointers to them.
func (e *EntityType) KeyReader(makeNullable bool) (func(v any) (any, error), error) {
	key := e.Key()
	if len(key) == 0 {
		return nil, fmt.Errorf("%s has no key", e.name)
	}
	x := expr.NewParameter("x", e.typ)
	read, err := expr.MakeKeyValueRead(x, key, makeNullable)
	if err != nil {
		return nil, err
	}
	fn, err := expr.Compile(expr.NewLambda(read, x))
	if err != nil {
		return nil, err
	}
	return func(v any) (any, error) {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.Type().Elem() == e.typ {
			if rv.IsNil() {
				return nil, fmt.Errorf("cannot read key of nil %s", rv.Type())
			}
			v = rv.Elem().Interface()
		}
		return fn(v)
	}, nil
}

func (e *EntityType) accepts(t reflect.Type) bool {
	return t == e.typ || t == reflect.PointerTo(e.typ)
}

// propertyOf returns the property backed by m.
func (e *EntityType) propertyOf(m *expr.Member) (*expr.Property, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.properties {
		if p.Member != nil && p.Member.Name == m.Name && equalIndex(p.Member.Index, m.Index) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("member %s of %s is not a mapped property", m.Name, e.name)
}

func stripConversions(n expr.Node) expr.Node {
	for {
		switch c := n.(type) {
		case *expr.Convert:
			n = c.Operand()
		case *expr.TypeAs:
			n = c.Operand()
		default:
			return n
		}
	}
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
