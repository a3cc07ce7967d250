// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package regiontree

import (
	"bytes"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
)

// NameTag is the semantic tag reserved for an object's
// human-readable name.
const NameTag = 0

type semanticEntry struct {
	value   []byte
	mutable bool
}

// semanticStore holds the semantic information attached to one
// forest object. Semantic access goes through the owning Forest's
// lock.
type semanticStore struct {
	entries map[strata.SemanticTag]semanticEntry
}

func newSemanticStore() *semanticStore {
	return &semanticStore{entries: make(map[strata.SemanticTag]semanticEntry)}
}

func (s *semanticStore) attach(tag strata.SemanticTag, value []byte, mutable bool) error {
	if prev, ok := s.entries[tag]; ok {
		if !prev.mutable {
			if bytes.Equal(prev.value, value) {
				return nil
			}
			return errors.E("semantic.attach", errors.Invalid,
				errors.Errorf("tag %d is immutable and already attached", tag))
		}
	}
	s.entries[tag] = semanticEntry{value: append([]byte{}, value...), mutable: mutable}
	return nil
}

func (s *semanticStore) retrieve(tag strata.SemanticTag) ([]byte, bool) {
	e, ok := s.entries[tag]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// semanticOf resolves the semantic store behind any forest handle.
// The caller must hold f.mu.
func (f *Forest) semanticOf(h interface{}) (*semanticStore, error) {
	switch h := h.(type) {
	case strata.IndexSpace:
		if n, ok := f.spaces[h]; ok {
			return n.names, nil
		}
	case strata.IndexPartition:
		if n, ok := f.parts[h]; ok {
			return n.names, nil
		}
	case strata.FieldSpace:
		if n, ok := f.fields[h]; ok {
			return n.names, nil
		}
	case strata.LogicalRegion:
		if n, ok := f.rtrees[h.Tree]; ok {
			return n.names, nil
		}
	case strata.LogicalPartition:
		if n, ok := f.rtrees[h.Tree]; ok {
			return n.names, nil
		}
	default:
		return nil, errors.E("forest.semantic", errors.Invalid,
			errors.Errorf("unsupported handle type %T", h))
	}
	return nil, errors.E("forest.semantic", errors.NotExist)
}

// AttachSemantic attaches a semantic buffer to a forest object under
// the given tag. Immutable tags reject re-attachment with a
// different value; attaching the identical value again is a no-op.
func (f *Forest) AttachSemantic(h interface{}, tag strata.SemanticTag, value []byte, mutable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.semanticOf(h)
	if err != nil {
		return err
	}
	return s.attach(tag, value, mutable)
}

// RetrieveSemantic returns the buffer attached under tag, if any.
func (f *Forest) RetrieveSemantic(h interface{}, tag strata.SemanticTag) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.semanticOf(h)
	if err != nil {
		return nil, false
	}
	return s.retrieve(tag)
}

// SetName attaches a mutable human-readable name to a forest object.
func (f *Forest) SetName(h interface{}, name string) error {
	return f.AttachSemantic(h, NameTag, []byte(name), true)
}

// Name returns the attached name of a forest object, or the empty
// string.
func (f *Forest) Name(h interface{}) string {
	b, ok := f.RetrieveSemantic(h, NameTag)
	if !ok {
		return ""
	}
	return string(b)
}
