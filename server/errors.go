package server

import "fmt"

// InvalidNameError reports a service or target name that does not match the
// identifier grammar, including functions whose name cannot be derived.
type InvalidNameError struct {
	Kind string // "service" or "target"
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("server: %q is not a valid %s name", e.Name, e.Kind)
}

type DuplicateServiceError struct {
	Service string
}

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("server: service %q already registered", e.Service)
}

type DuplicateTargetError struct {
	Service string
	Target  string
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("server: target %q already exposed on service %q", e.Target, e.Service)
}

// InvalidTargetError reports a value that cannot be exposed: not a function,
// or a function whose results are not (), (T), (error) or (T, error).
type InvalidTargetError struct {
	Name   string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("server: cannot expose %q: %s", e.Name, e.Reason)
}

type TargetNotFoundError struct {
	Service string
	Target  string
}

func (e *TargetNotFoundError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("server: target %q not found", e.Target)
	}
	return fmt.Sprintf("server: target %q not found on service %q", e.Target, e.Service)
}

// ArgumentError reports arguments that do not fit the target's parameters.
type ArgumentError struct {
	Target string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("server: %s: %s", e.Target, e.Reason)
}

// TargetInvocationError wraps an error returned by a target, or a recovered
// panic. Stack is only set for panics and never leaves the process.
type TargetInvocationError struct {
	Target string
	Err    error
	Stack  []byte
}

func (e *TargetInvocationError) Error() string {
	return fmt.Sprintf("server: %s: %v", e.Target, e.Err)
}

func (e *TargetInvocationError) Unwrap() error { return e.Err }
