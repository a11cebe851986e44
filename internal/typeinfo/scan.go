// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import "reflect"

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// SlotScanner is a shim for scanning a result column into a value buffer
// slot of a known type.
//
// rows.Scan returns an error if it tries to scan NULL into a type that cannot
// be set to nil, so the column is scanned through a pointer to the slot type.
// A NULL column leaves that pointer nil and the slot holds nil.
type SlotScanner struct {
	target reflect.Value
	direct bool
}

// NewSlotScanner returns a SlotScanner for slots of type t. A nil or
// interface type scans the raw driver value.
func NewSlotScanner(t reflect.Type) *SlotScanner {
	if t == nil || t.Kind() == reflect.Interface {
		return &SlotScanner{target: reflect.New(anyType), direct: true}
	}
	return &SlotScanner{target: reflect.New(reflect.PointerTo(t))}
}

// Dest returns the pointer to pass to rows.Scan.
func (s *SlotScanner) Dest() any {
	return s.target.Interface()
}

// Value returns the value scanned by the last call to rows.Scan, or nil if
// the column was NULL.
func (s *SlotScanner) Value() any {
	v := s.target.Elem()
	if s.direct {
		return v.Interface()
	}
	if v.IsNil() {
		return nil
	}
	return v.Elem().Interface()
}
