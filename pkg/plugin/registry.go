// Package plugin indexes pluggable implementations by feature tag.
//
// Implementations are not discovered by introspection. Each implementation
// package exports a feature tag and a factory, and a registration table lists
// them. Discover turns such a table into an immutable Registry that can be
// shared by concurrent readers.
package plugin

import (
	"fmt"
	"sort"
	"strings"

	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

// Policy decides how entries sharing a feature tag are handled.
type Policy int

const (
	// UniqueTags rejects a registration table where two entries declare the
	// same tag.
	UniqueTags Policy = iota
	// ExactlyOneAtResolve keeps entries sharing a tag and fails when such a
	// tag is resolved.
	ExactlyOneAtResolve
)

// Namespace identifies a family of implementations, such as connectors or
// image list formats.
type Namespace struct {
	Name   string
	Policy Policy
}

// Entry is one implementation in a registration table.
type Entry[F any] struct {
	// Tag is the feature tag the implementation answers to.
	Tag string
	// Name identifies the implementation in messages.
	Name string
	// Factory builds the implementation.
	Factory F
}

// Registry maps feature tags to factories. It is read-only once built.
type Registry[F any] struct {
	namespace Namespace
	entries   []Entry[F]
	index     map[string][]int
}

// Discover builds a Registry for ns out of entries.
func Discover[F any](ns Namespace, entries ...Entry[F]) (*Registry[F], error) {
	r := &Registry[F]{
		namespace: ns,
		entries:   make([]Entry[F], 0, len(entries)),
		index:     make(map[string][]int, len(entries)),
	}
	for _, e := range entries {
		tag := strings.TrimSpace(e.Tag)
		if tag == "" {
			return nil, fmt.Errorf("%s implementation %q declares an empty feature tag", ns.Name, e.Name)
		}
		e.Tag = tag
		if e.Name == "" {
			e.Name = tag
		}
		if prev, ok := r.index[tag]; ok && ns.Policy == UniqueTags {
			return nil, ikerrors.NewDuplicateFeatureTag(ns.Name, tag, r.entries[prev[0]].Name, e.Name)
		}
		r.index[tag] = append(r.index[tag], len(r.entries))
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// Resolve returns the factory registered for tag. Exactly one implementation
// must match.
func (r *Registry[F]) Resolve(tag string) (F, error) {
	var zero F
	matches := r.index[tag]
	switch len(matches) {
	case 0:
		return zero, ikerrors.NewClassNotFound(r.namespace.Name, tag)
	case 1:
		return r.entries[matches[0]].Factory, nil
	default:
		names := make([]string, 0, len(matches))
		for _, i := range matches {
			names = append(names, r.entries[i].Name)
		}
		return zero, ikerrors.NewTooManyFormatsFound(r.namespace.Name, tag, names)
	}
}

// Has reports whether at least one implementation declares tag.
func (r *Registry[F]) Has(tag string) bool {
	_, ok := r.index[tag]
	return ok
}

// Namespace returns the name of the namespace the registry was built for.
func (r *Registry[F]) Namespace() string {
	return r.namespace.Name
}

// Tags returns the known feature tags in lexical order.
func (r *Registry[F]) Tags() []string {
	tags := make([]string, 0, len(r.index))
	for tag := range r.index {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Entries returns a copy of the registration table, ordered by tag and then
// by name.
func (r *Registry[F]) Entries() []Entry[F] {
	list := make([]Entry[F], len(r.entries))
	copy(list, r.entries)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Tag != list[j].Tag {
			return list[i].Tag < list[j].Tag
		}
		return list[i].Name < list[j].Name
	})
	return list
}
