package job

import (
	"errors"
	"fmt"
)

// Invocation is a portable description of what to call: the external
// framework serializes the target and arguments at creation time and
// resolves them again at execution time. Storage never interprets the
// contents beyond requiring a target.
type Invocation struct {
	// Type is the fully qualified name of the type declaring the method.
	Type string `bson:"type" json:"type"`

	// Method is the name of the method to invoke.
	Method string `bson:"method" json:"method"`

	// ParameterTypes are the fully qualified parameter type names, in
	// declaration order.
	ParameterTypes []string `bson:"parameter_types,omitempty" json:"parameterTypes,omitempty"`

	// Arguments are the serialized argument values, parallel to
	// ParameterTypes.
	Arguments []string `bson:"arguments,omitempty" json:"arguments,omitempty"`

	// GenericArguments are type names bound to generic parameters of
	// the declaring type or method, when present.
	GenericArguments []string `bson:"generic_arguments,omitempty" json:"genericArguments,omitempty"`
}

// ErrUnresolvable marks an invocation whose target can no longer be
// described, which is fatal for the job carrying it.
var ErrUnresolvable = errors.New("quarry/job: invocation target unresolvable")

// Validate checks that the invocation still describes a callable target.
func (inv Invocation) Validate() error {
	if inv.Type == "" {
		return fmt.Errorf("%w: empty type name", ErrUnresolvable)
	}
	if inv.Method == "" {
		return fmt.Errorf("%w: empty method name on %q", ErrUnresolvable, inv.Type)
	}
	if len(inv.ParameterTypes) != len(inv.Arguments) {
		return fmt.Errorf("%w: %q.%q has %d parameter types but %d arguments",
			ErrUnresolvable, inv.Type, inv.Method, len(inv.ParameterTypes), len(inv.Arguments))
	}
	return nil
}
