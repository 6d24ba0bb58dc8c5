// Package encoder turns token id batches into span embeddings: a trainable
// backbone produces per-token states and a masked mean pool collapses them
// to one vector per span. An optional masked-language head scores token
// reconstructions for the auxiliary objective.
package encoder

import "github.com/gomlx/gomlx/pkg/ml/context"

// Role classifies a trainable parameter by its structural function, fixed
// at creation time. The optimizer keys its weight-decay policy off the
// role rather than off parameter names, so renaming a layer can never
// silently change regularization.
type Role int

const (
	// RoleWeight marks dense and embedding matrices. Weight decay applies.
	RoleWeight Role = iota
	// RoleBias marks additive offsets. Decay-exempt.
	RoleBias
	// RoleNorm marks normalization scales and offsets. Decay-exempt.
	RoleNorm
)

func (r Role) String() string {
	switch r {
	case RoleWeight:
		return "weight"
	case RoleBias:
		return "bias"
	case RoleNorm:
		return "norm"
	}
	return "unknown"
}

// Registry records parameter roles as the model creates its variables.
type Registry struct {
	roles map[*context.Variable]Role
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[*context.Variable]Role)}
}

// Tag records the role of a variable. Tagging twice keeps the last role.
func (r *Registry) Tag(v *context.Variable, role Role) {
	r.roles[v] = role
}

// RoleOf returns the recorded role of v.
func (r *Registry) RoleOf(v *context.Variable) (Role, bool) {
	role, ok := r.roles[v]
	return role, ok
}

// Decays reports whether weight decay applies to v: only RoleWeight
// parameters decay. Untagged variables do not decay, so forgetting to tag
// a parameter errs on the side of no regularization rather than decaying
// a bias.
func (r *Registry) Decays(v *context.Variable) bool {
	role, ok := r.roles[v]
	return ok && role == RoleWeight
}

// Len returns the number of tagged parameters.
func (r *Registry) Len() int { return len(r.roles) }
