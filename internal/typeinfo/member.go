// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"
)

// FieldValue returns the field at index of the struct v. v may be a struct
// or a pointer to one. The returned value can be used with Interface even
// when the field is unexported.
func FieldValue(v reflect.Value, index []int) (reflect.Value, error) {
	v = reflect.Indirect(v)
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, errors.Errorf("need struct, got %s", v.Kind())
	}
	f, err := v.FieldByIndexErr(index)
	if err != nil {
		return reflect.Value{}, errors.Wrap(err, "cannot locate field")
	}
	if f.CanInterface() {
		return f, nil
	}
	if !f.CanAddr() {
		// Copy the struct so that its unexported fields become addressable.
		c := reflect.New(v.Type()).Elem()
		c.Set(v)
		f = c.FieldByIndex(index)
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem(), nil
}

// WritableField returns a settable view of the field at index of the
// struct pointed to by ptr, including unexported fields. It is the only
// place read-only fields are written and must only be used while the value
// behind ptr is under construction.
func WritableField(ptr reflect.Value, index []int) (reflect.Value, error) {
	if ptr.Kind() != reflect.Pointer || ptr.IsNil() {
		return reflect.Value{}, errors.Errorf("need non-nil pointer to struct, got %s", ptr.Kind())
	}
	v := ptr.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, errors.Errorf("need pointer to struct, got pointer to %s", v.Kind())
	}
	f, err := v.FieldByIndexErr(index)
	if err != nil {
		return reflect.Value{}, errors.Wrap(err, "cannot locate field")
	}
	if f.CanSet() {
		return f, nil
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem(), nil
}

// Lookup returns the member called name of v. Structs are searched by "db"
// tag and then by field name, maps with string keys are indexed by name.
// A missing map key yields the zero value of the map's element type.
func Lookup(v reflect.Value, name string) (reflect.Value, error) {
	v = reflect.Indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		fields, err := TaggedFields(v.Type())
		if err != nil {
			return reflect.Value{}, err
		}
		for _, f := range fields {
			if f.Tag == name {
				return FieldValue(v, f.Index)
			}
		}
		if sf, ok := v.Type().FieldByName(name); ok {
			return FieldValue(v, sf.Index)
		}
		return reflect.Value{}, errors.Errorf("type %q has no member %q", v.Type().Name(), name)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, errors.Errorf("map type %s must have key type string, found type %s", v.Type().Name(), v.Type().Key().Kind())
		}
		e := v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key()))
		if !e.IsValid() {
			return reflect.Zero(v.Type().Elem()), nil
		}
		return e, nil
	case reflect.Invalid:
		return reflect.Value{}, errors.Errorf("cannot get member %q of nil value", name)
	default:
		return reflect.Value{}, errors.Errorf("cannot get member %q of %s", name, v.Kind())
	}
}

// ImplementingMethod returns the method of concrete that implements the
// method called name of the interface iface.
func ImplementingMethod(concrete, iface reflect.Type, name string) (reflect.Method, error) {
	if iface.Kind() != reflect.Interface {
		return reflect.Method{}, errors.Errorf("need interface type, got %s", iface.Kind())
	}
	if _, ok := iface.MethodByName(name); !ok {
		return reflect.Method{}, errors.Errorf("interface %s has no method %q", iface, name)
	}
	if !concrete.Implements(iface) {
		return reflect.Method{}, errors.Errorf("type %s does not implement %s", concrete, iface)
	}
	m, ok := concrete.MethodByName(name)
	if !ok {
		return reflect.Method{}, errors.Errorf("internal error: %s implements %s but has no method %q", concrete, iface, name)
	}
	return m, nil
}

// IsNillable reports whether values of t can be nil.
func IsNillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}
