// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"reflect"

	"github.com/pkg/errors"
)

// ValidateOutput checks that the output argument out can receive a
// materialised row. It must be a map with string keys or a non-nil pointer
// to a struct. The returned type is the map or struct type.
func ValidateOutput(out any) (reflect.Value, reflect.Type, error) {
	v := reflect.ValueOf(out)
	if isInvalidNil(v) {
		return reflect.Value{}, nil, errors.New("need map or pointer to struct, got nil")
	}
	switch k := v.Kind(); k {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, nil, errors.Errorf("map type %s must have key type string, found type %s", v.Type().Name(), v.Type().Key().Kind())
		}
		return v, v.Type(), nil
	case reflect.Pointer:
		if k := v.Elem().Kind(); k != reflect.Struct {
			return reflect.Value{}, nil, errors.Errorf("need map or pointer to struct, got pointer to %s", k)
		}
		return v, v.Elem().Type(), nil
	default:
		return reflect.Value{}, nil, errors.Errorf("need map or pointer to struct, got %s", k)
	}
}

func isInvalidNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Map:
		return v.IsNil()
	}
	return false
}
