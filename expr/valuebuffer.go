// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Getter is implemented by value buffers.
type Getter interface {
	Get(ordinal int) any
}

// ValueBuffer is an ordered row of materialised values indexed by property
// ordinal.
type ValueBuffer []any

// Get returns the value at ordinal.
func (b ValueBuffer) Get(ordinal int) any {
	return b[ordinal]
}

// ValueBufferType is the type of ValueBuffer, for buffer parameters.
var ValueBufferType = reflect.TypeOf(ValueBuffer(nil))

var compositeKeyType = reflect.TypeOf(CompositeKey{})

// CompositeKey is a key formed by several property values. The order of
// the values is part of the key's identity.
type CompositeKey struct {
	values []any
}

// NewCompositeKey returns a key of values in order.
func NewCompositeKey(values ...any) CompositeKey {
	return CompositeKey{values: append([]any{}, values...)}
}

// Len returns the number of components.
func (k CompositeKey) Len() int {
	return len(k.values)
}

// Value returns component i.
func (k CompositeKey) Value(i int) any {
	return k.values[i]
}

// Values returns a copy of the components.
func (k CompositeKey) Values() []any {
	return append([]any{}, k.values...)
}

// Equal reports whether k and other have equal components in the same
// order.
func (k CompositeKey) Equal(other CompositeKey) bool {
	if len(k.values) != len(other.values) {
		return false
	}
	for i := range k.values {
		if !reflect.DeepEqual(k.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

// Hash returns a hash of the components. Equal keys have equal hashes.
func (k CompositeKey) Hash() uint64 {
	d := xxhash.New()
	for _, v := range k.values {
		rv := reflect.ValueOf(v)
		for rv.Kind() == reflect.Pointer && !rv.IsNil() {
			rv = rv.Elem()
		}
		if rv.IsValid() {
			fmt.Fprintf(d, "%s\x00%v\x00", rv.Type(), rv.Interface())
		} else {
			d.WriteString("nil\x00")
		}
	}
	return d.Sum64()
}

func (k CompositeKey) String() string {
	parts := make([]string, len(k.values))
	for i, v := range k.values {
		parts[i] = fmt.Sprintf("%#v", v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
