// Package routine loads and executes crystallized routines: deterministic
// Go programs promoted out of frequently replayed traces. Routines are
// interpreted in a sandbox rather than compiled, so a bad promotion can
// never break the host binary.
package routine

import (
	"sort"
	"sync/atomic"
)

// Routine is a loaded routine and its source.
type Routine struct {
	Ref    string // registry ref, "routine:<name>"
	Name   string
	Path   string
	Source string
}

// Registry holds the currently loaded routines. Lookups read an immutable
// snapshot; a reload builds a fresh map and swaps it in atomically, so a
// dispatch in flight keeps the set it started with.
type Registry struct {
	snapshot atomic.Pointer[map[string]Routine]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]Routine)
	r.snapshot.Store(&empty)
	return r
}

// Replace swaps in a complete new routine set.
func (r *Registry) Replace(routines []Routine) {
	next := make(map[string]Routine, len(routines))
	for _, rt := range routines {
		next[rt.Ref] = rt
	}
	r.snapshot.Store(&next)
}

// Get returns the routine for a ref.
func (r *Registry) Get(ref string) (Routine, bool) {
	rt, ok := (*r.snapshot.Load())[ref]
	return rt, ok
}

func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Refs returns the loaded refs in sorted order.
func (r *Registry) Refs() []string {
	snap := *r.snapshot.Load()
	refs := make([]string, 0, len(snap))
	for ref := range snap {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
