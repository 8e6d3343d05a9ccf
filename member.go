package schemamodel

import (
	"fmt"
	"sort"
	"strings"
)

// MemberKind tags what a dynamic member routes to.
type MemberKind int

const (
	MemberProperty MemberKind = iota + 1
	MemberRelationship
)

func (k MemberKind) String() string {
	switch k {
	case MemberProperty:
		return "property"
	case MemberRelationship:
		return "relationship"
	}
	return "unknown"
}

// AccessorOp is the operation a get_/set_ member performs.
type AccessorOp int

const (
	AccessorGet AccessorOp = iota + 1
	AccessorSet
)

const (
	getterPrefix = "get_"
	setterPrefix = "set_"
)

// Member is a resolved property or relationship name.
type Member struct {
	Kind MemberKind
	Name string
}

// Accessor is a resolved get_<name> or set_<name> member.
type Accessor struct {
	Member
	Op AccessorOp
}

// memberRegistry maps member and accessor names to their targets. It is built
// once with the type metadata. Relationships win over properties of the same
// name.
type memberRegistry struct {
	members   map[string]Member
	accessors map[string]Accessor
}

func newMemberRegistry(properties, relationships []string) *memberRegistry {
	r := &memberRegistry{
		members:   make(map[string]Member, len(properties)+len(relationships)),
		accessors: make(map[string]Accessor, 2*(len(properties)+len(relationships))),
	}
	for _, name := range properties {
		r.register(Member{Kind: MemberProperty, Name: name})
	}
	for _, name := range relationships {
		r.register(Member{Kind: MemberRelationship, Name: name})
	}
	return r
}

func (r *memberRegistry) register(m Member) {
	r.members[m.Name] = m
	r.accessors[getterPrefix+m.Name] = Accessor{Member: m, Op: AccessorGet}
	r.accessors[setterPrefix+m.Name] = Accessor{Member: m, Op: AccessorSet}
}

// member resolves a bare property or relationship name.
func (r *memberRegistry) member(name string) (Member, error) {
	m, ok := r.members[name]
	if !ok {
		return Member{}, NewUnknownMemberError(name)
	}
	return m, nil
}

// accessor resolves a get_/set_ member name.
func (r *memberRegistry) accessor(name string) (Accessor, error) {
	if !IsAccessorName(name) {
		return Accessor{}, notAccessorError(name)
	}
	a, ok := r.accessors[name]
	if !ok {
		return Accessor{}, NewUnknownMemberError(name)
	}
	return a, nil
}

// names returns every accessor name, sorted.
func (r *memberRegistry) names() []string {
	out := make([]string, 0, len(r.accessors))
	for name := range r.accessors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func notAccessorError(name string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeUnknownMember,
		Code:    ErrCodeUnknownMember,
		Message: fmt.Sprintf("`%s` is not a get_<name> or set_<name> accessor", name),
		Field:   name,
	}
}

// IsAccessorName reports whether name has the get_/set_ shape.
func IsAccessorName(name string) bool {
	for _, prefix := range []string{getterPrefix, setterPrefix} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}
