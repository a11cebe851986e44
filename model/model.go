// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package model holds entity metadata: the mapped properties and keys of the
// Go types rows are materialised into.
package model

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/canonical/relcore/expr"
	"github.com/canonical/relcore/internal/typeinfo"
)

// Model is a registry of entity types. It is safe for concurrent use.
type Model struct {
	mu       sync.RWMutex
	entities map[reflect.Type]*EntityType
}

var _ expr.Metadata = (*Model)(nil)

// New returns an empty model.
func New() *Model {
	return &Model{entities: make(map[reflect.Type]*EntityType)}
}

// Entity returns the entity type of sample, which may be a struct, a
// pointer to a struct or a map with string keys.
func (m *Model) Entity(sample any) (*EntityType, error) {
	if sample == nil {
		return nil, fmt.Errorf("cannot map nil")
	}
	return m.EntityFor(reflect.TypeOf(sample))
}

// EntityFor returns the entity type of t, generating it on first use.
// Pointers to structs map to the struct type.
func (m *Model) EntityFor(t reflect.Type) (*EntityType, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot map nil type")
	}
	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		t = t.Elem()
	}

	m.mu.RLock()
	e, ok := m.entities[t]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := m.generate(t)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have won the race.
	if existing, ok := m.entities[t]; ok {
		return existing, nil
	}
	m.entities[t] = e
	return e, nil
}

func (m *Model) generate(t reflect.Type) (*EntityType, error) {
	e := &EntityType{
		model:  m,
		name:   t.Name(),
		typ:    t,
		byName: make(map[string]*expr.Property),
	}
	if e.name == "" {
		e.name = t.String()
	}

	switch t.Kind() {
	case reflect.Struct:
		fields, err := typeinfo.TaggedFields(t)
		if err != nil {
			return nil, fmt.Errorf("cannot map %s: %w", t, err)
		}
		for i, f := range fields {
			p := &expr.Property{
				Name:     f.Tag,
				Entity:   e.name,
				Type:     f.Type,
				Nullable: typeinfo.IsNillable(f.Type),
				Key:      f.Key,
				Ordinal:  i,
				Member: &expr.Member{
					Name:          f.Name,
					Kind:          expr.FieldMember,
					DeclaringType: t,
					Type:          f.Type,
					Index:         f.Index,
					ReadOnly:      f.ReadOnly,
				},
			}
			e.properties = append(e.properties, p)
			e.byName[p.Name] = p
			if p.Key {
				e.key = append(e.key, p)
			}
		}
	case reflect.Map:
		indexer, err := expr.IndexerMethod(t)
		if err != nil {
			return nil, fmt.Errorf("cannot map %s: %w", t, err)
		}
		e.indexer = indexer
	default:
		return nil, fmt.Errorf("cannot map %s: need struct or map with string keys", t)
	}
	return e, nil
}

// IsIndexerMethod reports whether meth is the indexer of a property bag
// entity type of the model. A nil model has no entity types.
func (m *Model) IsIndexerMethod(meth *expr.Method) bool {
	if m == nil || meth == nil || !meth.IsIndexer() {
		return false
	}
	m.mu.RLock()
	e, ok := m.entities[meth.Receiver]
	m.mu.RUnlock()
	return ok && e.indexer != nil
}
