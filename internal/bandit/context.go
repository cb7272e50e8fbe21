// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package bandit

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Context is the request context handed to the serve pipeline: a flat
// key/value map. Only keys in an experiment's recognized-key list contribute
// to the context key; unknown keys are ignored.
type Context map[string]string

// Key derives the deterministic context key used to partition policy state.
// The empty string is returned when no recognized key is present, which is
// the non-contextual bucket.
//
// The key is the FNV-1a 64-bit hash of the sorted recognized k=v pairs,
// rendered as 16 hex characters. FNV is stable across processes and needs no
// cryptographic strength for a partitioning key.
func (c Context) Key(recognized []string) string {
	if len(c) == 0 || len(recognized) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(recognized))
	for _, k := range recognized {
		if v, ok := c[k]; ok {
			pairs = append(pairs, k+"="+v)
		}
	}
	if len(pairs) == 0 {
		return ""
	}
	sort.Strings(pairs)

	h := fnv.New64a()
	for i, p := range pairs {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Clone returns an independent copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
