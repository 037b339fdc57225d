// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability holds the process-wide catalog of capability
// namespaces and the descriptors of their members.
//
// Registration happens at process start. Seal ends the registration phase;
// afterwards the registry is read-only and lookups take no lock.
package capability

import (
	"fmt"
	"go/token"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fe1fan/raven/pkg/errors"
)

// PathPrefix is the import path root of every capability namespace.
const PathPrefix = "raven/"

var segmentPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?:-[a-z0-9]+)*$`)

// Namespace is the metadata of a capability namespace.
type Namespace struct {
	Path        string `json:"path" yaml:"path"`
	Identifier  string `json:"identifier" yaml:"identifier"`
	Description string `json:"description,omitempty" yaml:"description"`
	Version     string `json:"version,omitempty" yaml:"version"`
}

// NamespaceSet is the descriptor set of one namespace.
type NamespaceSet struct {
	Namespace
	members map[string]*Descriptor
}

// Member returns the descriptor of a member.
func (s *NamespaceSet) Member(name string) (*Descriptor, bool) {
	d, ok := s.members[name]
	return d, ok
}

// Members returns the descriptors sorted by member name.
func (s *NamespaceSet) Members() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.members))
	for _, d := range s.members {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return out
}

// Hosted reports whether any member of the namespace is hosted.
func (s *NamespaceSet) Hosted() bool {
	for _, d := range s.members {
		if d.Kind == KindHosted {
			return true
		}
	}
	return false
}

// Registry maps namespace paths to descriptor sets.
type Registry struct {
	mu         sync.RWMutex
	sealed     atomic.Bool
	namespaces map[string]*NamespaceSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*NamespaceSet)}
}

// RegisterNamespace records namespace metadata. Registering a namespace that
// already exists updates its metadata.
func (r *Registry) RegisterNamespace(ns Namespace) error {
	if r.sealed.Load() {
		return errors.New(errors.CodeRegistrySealed, "registry is sealed", nil).
			WithContext("namespace", ns.Path)
	}
	if err := ValidateNamespace(ns.Path); err != nil {
		return err
	}
	if ns.Identifier == "" {
		ns.Identifier = DefaultIdentifier(ns.Path)
	}
	if !isIdentifier(ns.Identifier) {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("identifier %q of %s is not a valid identifier", ns.Identifier, ns.Path), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return errors.New(errors.CodeRegistrySealed, "registry is sealed", nil).
			WithContext("namespace", ns.Path)
	}
	if set, ok := r.namespaces[ns.Path]; ok {
		set.Namespace = ns
		return nil
	}
	r.namespaces[ns.Path] = &NamespaceSet{Namespace: ns, members: make(map[string]*Descriptor)}
	return nil
}

// Register adds a descriptor. The namespace is created with default
// metadata if it was not registered before.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed.Load() {
		return errors.New(errors.CodeRegistrySealed, "registry is sealed", nil).
			WithContext("capability", d.Path())
	}
	if err := d.check(); err != nil {
		return err
	}
	d.Args = append([]string(nil), d.Args...)
	if err := compileSchema(&d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return errors.New(errors.CodeRegistrySealed, "registry is sealed", nil).
			WithContext("capability", d.Path())
	}
	set, ok := r.namespaces[d.Namespace]
	if !ok {
		set = &NamespaceSet{
			Namespace: Namespace{Path: d.Namespace, Identifier: DefaultIdentifier(d.Namespace)},
			members:   make(map[string]*Descriptor),
		}
		r.namespaces[d.Namespace] = set
	}
	if _, dup := set.members[d.Member]; dup {
		return errors.New(errors.CodeDuplicateDescriptor,
			fmt.Sprintf("%s is already registered", d.Path()), nil).
			WithContext("capability", d.Path())
	}
	for _, other := range set.members {
		if other.ExportedName() == d.ExportedName() {
			return errors.New(errors.CodeDuplicateDescriptor,
				fmt.Sprintf("%s and %s export the same name %s", d.Path(), other.Path(), d.ExportedName()), nil)
		}
	}
	set.members[d.Member] = &d
	return nil
}

// RegisterAll registers descriptors in order, stopping at the first error.
func (r *Registry) RegisterAll(ds ...Descriptor) error {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Seal ends the registration phase. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the descriptor of namespace.member.
func (r *Registry) Lookup(namespace, member string) (*Descriptor, error) {
	set, err := r.Namespace(namespace)
	if err != nil {
		return nil, err
	}
	d, ok := set.Member(member)
	if !ok {
		return nil, errors.New(errors.CodeUnknownCapability,
			fmt.Sprintf("%s has no member %q", namespace, member), nil).
			WithContext("namespace", namespace).
			WithContext("member", member)
	}
	return d, nil
}

// Namespace returns the descriptor set of a namespace path. Namespaces
// without members are reported as unknown.
func (r *Registry) Namespace(path string) (*NamespaceSet, error) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	set, ok := r.namespaces[path]
	if !ok || len(set.members) == 0 {
		return nil, errors.New(errors.CodeUnknownCapability,
			fmt.Sprintf("unknown capability namespace %q", path), nil).
			WithContext("namespace", path)
	}
	return set, nil
}

// Namespaces returns the registered namespace paths, sorted.
func (r *Registry) Namespaces() []string {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	out := make([]string, 0, len(r.namespaces))
	for path, set := range r.namespaces {
		if len(set.members) > 0 {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Identifiers maps binding identifiers to the namespaces exporting them.
func (r *Registry) Identifiers() map[string][]string {
	out := make(map[string][]string)
	for _, path := range r.Namespaces() {
		set, _ := r.Namespace(path)
		out[set.Identifier] = append(out[set.Identifier], path)
	}
	return out
}

// DefaultIdentifier derives a binding identifier from the last path
// segment with hyphens removed: raven/api-gateway -> apigateway.
func DefaultIdentifier(path string) string {
	last := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		last = path[i+1:]
	}
	return strings.ReplaceAll(last, "-", "")
}

// IsCapabilityPath reports whether an import path addresses the capability tree.
func IsCapabilityPath(path string) bool {
	return strings.HasPrefix(path, PathPrefix)
}

// ValidateNamespace reports INVALID_DESCRIPTOR unless path is a well-formed
// capability namespace.
func ValidateNamespace(path string) error {
	if !IsCapabilityPath(path) {
		return errors.New(errors.CodeInvalidDescriptor,
			fmt.Sprintf("namespace %q must start with %q", path, PathPrefix), nil)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(path, PathPrefix), "/") {
		if !segmentPattern.MatchString(seg) {
			return errors.New(errors.CodeInvalidDescriptor,
				fmt.Sprintf("namespace %q has an invalid segment %q", path, seg), nil)
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	return token.IsIdentifier(s) && s != "_"
}
