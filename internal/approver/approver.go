// Package approver models the polymorphic required-approver specification
// (role | specific user | named group) and its resolution to concrete
// identities via a tenant directory.
package approver

import (
	"context"
	"fmt"
	"sync"
)

// Kind discriminates the approver spec variants.
type Kind string

const (
	KindRole  Kind = "role"
	KindUser  Kind = "user"
	KindGroup Kind = "group"
)

// Spec is the tagged required-approver variant. Exactly one of Role, UserID
// or Group is meaningful depending on Kind.
type Spec struct {
	Kind   Kind   `json:"kind"`
	Role   string `json:"role,omitempty"`
	UserID string `json:"userId,omitempty"`
	Group  string `json:"group,omitempty"`
}

// User is a convenience constructor for a specific-identity spec.
func User(id string) Spec { return Spec{Kind: KindUser, UserID: id} }

// Role is a convenience constructor for a role spec.
func Role(name string) Spec { return Spec{Kind: KindRole, Role: name} }

// Group is a convenience constructor for a named-group spec.
func Group(name string) Spec { return Spec{Kind: KindGroup, Group: name} }

// Validate checks the spec names an approver class.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindRole:
		if s.Role == "" {
			return fmt.Errorf("role approver spec requires a role")
		}
	case KindUser:
		if s.UserID == "" {
			return fmt.Errorf("user approver spec requires a userId")
		}
	case KindGroup:
		if s.Group == "" {
			return fmt.Errorf("group approver spec requires a group")
		}
	default:
		return fmt.Errorf("unknown approver kind %q", s.Kind)
	}
	return nil
}

// String renders the spec for logs and audit rationale.
func (s Spec) String() string {
	switch s.Kind {
	case KindRole:
		return "role:" + s.Role
	case KindUser:
		return "user:" + s.UserID
	case KindGroup:
		return "group:" + s.Group
	}
	return "unknown"
}

// Directory resolves approver specs to concrete identities for a tenant.
// Implementations: StaticDirectory (dev/tests) and HTTPDirectory (platform
// identity service).
type Directory interface {
	// ResolveApprovers returns the identities that satisfy the spec within
	// the tenant. A spec that resolves to nobody is not an error; routing
	// treats it as an unsatisfiable level surfaced via escalation.
	ResolveApprovers(ctx context.Context, tenantID string, spec Spec) ([]string, error)
}

// Satisfies reports whether actorID may act for the spec under the given
// directory. User specs short-circuit without a directory round trip.
func Satisfies(ctx context.Context, dir Directory, tenantID string, spec Spec, actorID string) (bool, error) {
	if spec.Kind == KindUser {
		return spec.UserID == actorID, nil
	}
	ids, err := dir.ResolveApprovers(ctx, tenantID, spec)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == actorID {
			return true, nil
		}
	}
	return false, nil
}

// StaticDirectory is an in-memory Directory keyed by tenant. Useful for dev
// bootstrap and tests.
type StaticDirectory struct {
	mu     sync.RWMutex
	roles  map[string]map[string][]string // tenant -> role -> users
	groups map[string]map[string][]string // tenant -> group -> users
}

// NewStaticDirectory returns an empty StaticDirectory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		roles:  map[string]map[string][]string{},
		groups: map[string]map[string][]string{},
	}
}

// AddRole registers users holding a role within a tenant.
func (d *StaticDirectory) AddRole(tenantID, role string, users ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roles[tenantID] == nil {
		d.roles[tenantID] = map[string][]string{}
	}
	d.roles[tenantID][role] = append(d.roles[tenantID][role], users...)
}

// AddGroup registers members of a named group within a tenant.
func (d *StaticDirectory) AddGroup(tenantID, group string, users ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.groups[tenantID] == nil {
		d.groups[tenantID] = map[string][]string{}
	}
	d.groups[tenantID][group] = append(d.groups[tenantID][group], users...)
}

// ResolveApprovers implements Directory.
func (d *StaticDirectory) ResolveApprovers(_ context.Context, tenantID string, spec Spec) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch spec.Kind {
	case KindUser:
		return []string{spec.UserID}, nil
	case KindRole:
		return append([]string(nil), d.roles[tenantID][spec.Role]...), nil
	case KindGroup:
		return append([]string(nil), d.groups[tenantID][spec.Group]...), nil
	}
	return nil, fmt.Errorf("unknown approver kind %q", spec.Kind)
}
