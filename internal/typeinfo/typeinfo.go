// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Field represents a struct field that carries a "db" tag.
type Field struct {
	// Name is the Go name of the struct field.
	Name string

	// Tag is the column name given in the "db" tag.
	Tag string

	// Index is the index sequence for reflect.Value.FieldByIndex. Fields
	// promoted from embedded structs have more than one entry.
	Index []int

	// Type is the type of the field.
	Type reflect.Type

	// Key is true when "key" is a flag of the field's "db" tag.
	Key bool

	// ReadOnly is true when the field is unexported or "readonly" is a flag
	// of its "db" tag. Read-only fields are written once, while the value
	// holding them is constructed.
	ReadOnly bool

	// OmitEmpty is true when "omitempty" is a flag of the field's "db" tag.
	OmitEmpty bool
}

// fieldsCache caches struct fields across entity types.
var fieldsCacheMutex sync.RWMutex
var fieldsCache = make(map[reflect.Type][]Field)

// TaggedFields returns the "db" tagged fields of the struct type t in
// declaration order. Untagged embedded structs are walked and their tagged
// fields promoted. The result is cached and must not be modified.
func TaggedFields(t reflect.Type) ([]Field, error) {
	if t == nil {
		return nil, errors.New("cannot reflect nil type")
	}
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("need struct type, got %s", t.Kind())
	}

	fieldsCacheMutex.RLock()
	fields, found := fieldsCache[t]
	fieldsCacheMutex.RUnlock()
	if found {
		return fields, nil
	}

	fields, err := taggedFields(t, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Tag] {
			return nil, errors.Errorf("db tag %q appears more than once in struct %s", f.Tag, t.Name())
		}
		seen[f.Tag] = true
	}

	fieldsCacheMutex.Lock()
	fieldsCache[t] = fields
	fieldsCacheMutex.Unlock()

	return fields, nil
}

func taggedFields(t reflect.Type, prefix []int) ([]Field, error) {
	var fields []Field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int{}, prefix...), i)
		tag := f.Tag.Get("db")
		if tag == "" {
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				embedded, err := taggedFields(f.Type, index)
				if err != nil {
					return nil, err
				}
				fields = append(fields, embedded...)
			}
			// Fields without a "db" tag are not mapped.
			continue
		}

		opts, err := parseTag(tag)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse tag for field %s.%s", t.Name(), f.Name)
		}
		fields = append(fields, Field{
			Name:      f.Name,
			Tag:       opts.name,
			Index:     index,
			Type:      f.Type,
			Key:       opts.key,
			ReadOnly:  opts.readOnly || !f.IsExported(),
			OmitEmpty: opts.omitEmpty,
		})
	}
	return fields, nil
}

type tagOptions struct {
	name      string
	key       bool
	readOnly  bool
	omitEmpty bool
}

var validColNameRx = regexp.MustCompile(`^([a-zA-Z_])+([a-zA-Z_0-9])*$`)

// parseTag parses the input tag string and returns its name and flags.
func parseTag(tag string) (tagOptions, error) {
	options := strings.Split(tag, ",")

	opts := tagOptions{name: options[0]}
	for _, flag := range options[1:] {
		switch flag {
		case "key":
			opts.key = true
		case "readonly":
			opts.readOnly = true
		case "omitempty":
			opts.omitEmpty = true
		default:
			return tagOptions{}, errors.Errorf("unsupported flag %q in tag %q", flag, tag)
		}
	}

	if len(opts.name) == 0 {
		return tagOptions{}, errors.New("empty db tag")
	}
	if !validColNameRx.MatchString(opts.name) {
		return tagOptions{}, errors.Errorf("invalid column name in 'db' tag: %q", opts.name)
	}
	return opts, nil
}
