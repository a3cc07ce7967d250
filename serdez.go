// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

// A SerdezOp converts between a field's in-memory and serialized
// forms. Fields registered with a serdez id store serialized bytes;
// the runtime invokes the op at instance boundaries.
type SerdezOp interface {
	// MaxSerializedSize bounds the serialized size of one element.
	MaxSerializedSize() int
	// Serialize encodes one element.
	Serialize(val []byte) []byte
	// Deserialize decodes one element.
	Deserialize(buf []byte) ([]byte, error)
}
