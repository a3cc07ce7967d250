// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package regiontree

import (
	"sort"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
)

// FieldInfo describes a single allocated field.
type FieldInfo struct {
	ID strata.FieldID
	// Size is the field's element size in bytes.
	Size int
	// Serdez names a custom serializer for the field, or zero.
	Serdez strata.CustomSerdezID
	// Local marks fields allocated with task-local scope: they are
	// reclaimed when the allocating task completes.
	Local bool
}

// fieldSpaceNode is the state behind a FieldSpace handle.
type fieldSpaceNode struct {
	handle    strata.FieldSpace
	nextField strata.FieldID
	fields    map[strata.FieldID]FieldInfo
	refs      int
	names     *semanticStore
}

// CreateFieldSpace creates an empty field space.
func (f *Forest) CreateFieldSpace() strata.FieldSpace {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFSpace++
	n := &fieldSpaceNode{
		handle:    strata.FieldSpace{ID: f.nextFSpace},
		nextField: 1,
		fields:    make(map[strata.FieldID]FieldInfo),
		refs:      1,
		names:     newSemanticStore(),
	}
	f.fields[n.handle] = n
	return n.handle
}

// AllocateField allocates a field of the given size in fs. A zero
// requested ID asks the runtime to choose one; an explicit ID fails
// with DuplicateColor if already in use.
func (f *Forest) AllocateField(fs strata.FieldSpace, requested strata.FieldID, size int, serdez strata.CustomSerdezID, local bool) (strata.FieldID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return strata.NoField, errors.E("forest.allocfield", errors.NotExist, fs)
	}
	if size <= 0 {
		return strata.NoField, errors.E("forest.allocfield", fs, errors.Invalid,
			errors.Errorf("field size %d", size))
	}
	id := requested
	if id == strata.NoField {
		for {
			id = n.nextField
			n.nextField++
			if _, ok := n.fields[id]; !ok {
				break
			}
		}
	} else if _, ok := n.fields[id]; ok {
		return strata.NoField, errors.E("forest.allocfield", fs, errors.DuplicateColor,
			errors.Errorf("field %d already allocated", id))
	}
	n.fields[id] = FieldInfo{ID: id, Size: size, Serdez: serdez, Local: local}
	return id, nil
}

// FreeField removes a field from the field space. Freeing an
// unallocated field is an error.
func (f *Forest) FreeField(fs strata.FieldSpace, id strata.FieldID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return errors.E("forest.freefield", errors.NotExist, fs)
	}
	if _, ok := n.fields[id]; !ok {
		return errors.E("forest.freefield", fs, errors.NotExist,
			errors.Errorf("field %d not allocated", id))
	}
	delete(n.fields, id)
	return nil
}

// FreeLocalFields reclaims every field in fs that was allocated with
// task-local scope.
func (f *Forest) FreeLocalFields(fs strata.FieldSpace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return
	}
	for id, info := range n.fields {
		if info.Local {
			delete(n.fields, id)
		}
	}
}

// Field returns the metadata of an allocated field.
func (f *Forest) Field(fs strata.FieldSpace, id strata.FieldID) (FieldInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return FieldInfo{}, errors.E("forest.field", errors.NotExist, fs)
	}
	info, ok := n.fields[id]
	if !ok {
		return FieldInfo{}, errors.E("forest.field", fs, errors.NotExist,
			errors.Errorf("field %d not allocated", id))
	}
	return info, nil
}

// Fields returns the allocated fields of fs in id order.
func (f *Forest) Fields(fs strata.FieldSpace) ([]FieldInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return nil, errors.E("forest.fields", errors.NotExist, fs)
	}
	out := make([]FieldInfo, 0, len(n.fields))
	for _, info := range n.fields {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HasField tells whether the field is allocated in fs.
func (f *Forest) HasField(fs strata.FieldSpace, id strata.FieldID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return false
	}
	_, ok = n.fields[id]
	return ok
}
