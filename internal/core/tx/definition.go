package tx

import (
	"fmt"
	"strings"
	"time"

	"txflow/internal/core/apperror"
)

// Propagation decides how a Begin request relates to the transaction already in effect.
type Propagation int

const (
	// PropagationRequired joins the current transaction or opens a new one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always opens a new physical transaction,
	// suspending the current one for the lifetime of the new frame.
	PropagationRequiresNew
	// PropagationNested runs inside a savepoint of the current transaction,
	// or opens a new one when none exists.
	PropagationNested
	// PropagationSupports joins the current transaction or opens a new one.
	PropagationSupports
	// PropagationNotSupported suspends the current transaction and runs without one.
	PropagationNotSupported
	// PropagationNever runs without a transaction and fails if one exists.
	PropagationNever
	// PropagationMandatory joins the current transaction and fails if none exists.
	PropagationMandatory
)

var propagationNames = [...]string{
	PropagationRequired:     "REQUIRED",
	PropagationRequiresNew:  "REQUIRES_NEW",
	PropagationNested:       "NESTED",
	PropagationSupports:     "SUPPORTS",
	PropagationNotSupported: "NOT_SUPPORTED",
	PropagationNever:        "NEVER",
	PropagationMandatory:    "MANDATORY",
}

func (p Propagation) String() string {
	if p.Valid() {
		return propagationNames[p]
	}
	return fmt.Sprintf("Propagation(%d)", int(p))
}

// Valid reports whether p is one of the declared propagation behaviors.
func (p Propagation) Valid() bool {
	return p >= PropagationRequired && p <= PropagationMandatory
}

// ParsePropagation accepts names like "REQUIRES_NEW" or "requires-new".
func ParsePropagation(s string) (Propagation, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range propagationNames {
		if name == norm {
			return Propagation(i), nil
		}
	}
	return 0, apperror.NewInvalidDefinition("propagation", s)
}

// Isolation is forwarded to the resource untouched.
type Isolation int

const (
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationNames = [...]string{
	IsolationDefault:         "DEFAULT",
	IsolationReadUncommitted: "READ_UNCOMMITTED",
	IsolationReadCommitted:   "READ_COMMITTED",
	IsolationRepeatableRead:  "REPEATABLE_READ",
	IsolationSerializable:    "SERIALIZABLE",
}

func (i Isolation) String() string {
	if i >= IsolationDefault && i <= IsolationSerializable {
		return isolationNames[i]
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// Definition describes one transactional request.
// Isolation, Timeout and ReadOnly only matter to the resource that opens
// the physical transaction; participants inherit whatever the owner chose.
type Definition struct {
	// Name labels the frame in logs and spans.
	Name string

	Propagation Propagation
	Isolation   Isolation

	// Timeout bounds statements of the physical transaction (0 = resource default).
	Timeout time.Duration

	ReadOnly bool
}

// DefaultDefinition returns REQUIRED propagation with resource defaults.
func DefaultDefinition() Definition {
	return Definition{
		Propagation: PropagationRequired,
		Isolation:   IsolationDefault,
	}
}

// Named returns a REQUIRED definition with the given name.
func Named(name string) Definition {
	def := DefaultDefinition()
	def.Name = name
	return def
}

// WithPropagation returns a copy of d using p.
func (d Definition) WithPropagation(p Propagation) Definition {
	d.Propagation = p
	return d
}

// Validate rejects definitions the coordinator cannot act on.
func (d Definition) Validate() error {
	if !d.Propagation.Valid() {
		return apperror.NewInvalidDefinition("propagation", int(d.Propagation))
	}
	if d.Isolation < IsolationDefault || d.Isolation > IsolationSerializable {
		return apperror.NewInvalidDefinition("isolation", int(d.Isolation))
	}
	if d.Timeout < 0 {
		return apperror.NewInvalidDefinition("timeout", d.Timeout.String())
	}
	return nil
}

func (d Definition) label() string {
	if d.Name != "" {
		return d.Name
	}
	return "unnamed"
}
