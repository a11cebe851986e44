// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/canonical/relcore/model"
)

// shaperKey identifies a query shape: an output type at a version of its
// entity type and the ordered columns it receives.
type shaperKey struct {
	typ     reflect.Type
	version uint64
	columns uint64
}

// shaperCache caches the compiled shaper of each query shape seen by a DB.
// Least recently used shapers are evicted once the cache is full. Keys hold
// a hash of the column names, so a cached shaper is only used if its columns
// match exactly.
type shaperCache struct {
	lru *freelru.SyncedLRU[shaperKey, *shaper]
}

func newShaperCache(size uint32) *shaperCache {
	lru, err := freelru.NewSynced[shaperKey, *shaper](size, hashShaperKey)
	if err != nil {
		panic("internal error: cannot create shaper cache: " + err.Error())
	}
	return &shaperCache{lru: lru}
}

func hashShaperKey(k shaperKey) uint32 {
	h := xxhash.Sum64String(k.typ.String()) ^ k.columns ^ k.version*0x9e3779b97f4a7c15
	return uint32(h ^ h>>32)
}

func hashColumns(columns []string) uint64 {
	d := xxhash.New()
	for _, col := range columns {
		d.WriteString(col)
		d.Write([]byte{0})
	}
	return d.Sum64()
}

// shaper returns the shaper materialising columns into values of e,
// building it on a cache miss. Shapers built before a property was added to
// e are not reused.
func (sc *shaperCache) shaper(e *model.EntityType, columns []string) (*shaper, error) {
	key := shaperKey{typ: e.Type(), version: e.Version(), columns: hashColumns(columns)}
	if s, ok := sc.lru.Get(key); ok && equalColumns(s.columns, columns) {
		return s, nil
	}
	s, err := newShaper(e, columns)
	if err != nil {
		return nil, err
	}
	sc.lru.Add(key, s)
	return s, nil
}

// len returns the number of cached shapers.
func (sc *shaperCache) len() int {
	return sc.lru.Len()
}

func equalColumns(a, b []string) bool {
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
