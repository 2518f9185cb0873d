package server

import (
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	targetNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	serviceNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	closureNamePattern = regexp.MustCompile(`^func[0-9]+$`)
)

// Registry maps service names to services. Lookups never block: the service
// and target maps are immutable snapshots swapped on write. Writes are
// serialized and either fully apply or leave the registry unchanged.
type Registry struct {
	mu       sync.Mutex
	services atomic.Pointer[map[string]*Service]
}

// Service is a named group of targets.
type Service struct {
	name    string
	reg     *Registry
	targets atomic.Pointer[map[string]*Target]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.services.Store(&map[string]*Service{})
	return r
}

// RegisterService creates a service. Service names are dotted identifiers,
// e.g. "math" or "com.example.math".
func (r *Registry) RegisterService(name string) (*Service, error) {
	if !serviceNamePattern.MatchString(name) {
		return nil, &InvalidNameError{Kind: "service", Name: name}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.services.Load()
	if _, ok := old[name]; ok {
		return nil, &DuplicateServiceError{Service: name}
	}
	svc := &Service{name: name, reg: r}
	svc.targets.Store(&map[string]*Target{})

	next := make(map[string]*Service, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = svc
	r.services.Store(&next)
	return svc, nil
}

// Service returns a registered service.
func (r *Registry) Service(name string) (*Service, bool) {
	svc, ok := (*r.services.Load())[name]
	return svc, ok
}

// Services lists the registered service names in sorted order.
func (r *Registry) Services() []string {
	m := *r.services.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve finds a target by service and target name.
func (r *Registry) Resolve(service, target string) (*Target, error) {
	svc, ok := r.Service(service)
	if !ok {
		return nil, &TargetNotFoundError{Service: service, Target: target}
	}
	t, ok := svc.Target(target)
	if !ok {
		return nil, &TargetNotFoundError{Service: service, Target: target}
	}
	return t, nil
}

// SplitTargetName splits "service.target" on the last separator, so
// "com.example.math.multiply" resolves target "multiply" of service
// "com.example.math".
func SplitTargetName(name string) (service, target string, err error) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", &TargetNotFoundError{Target: name}
	}
	return name[:i], name[i+1:], nil
}

func (s *Service) Name() string { return s.name }

// Target returns an exposed target.
func (s *Service) Target(name string) (*Target, bool) {
	t, ok := (*s.targets.Load())[name]
	return t, ok
}

// Targets lists the exposed target names in sorted order.
func (s *Service) Targets() []string {
	m := *s.targets.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExposeAs exposes fn under name.
func (s *Service) ExposeAs(name string, fn any) error {
	if !targetNamePattern.MatchString(name) {
		return &InvalidNameError{Kind: "target", Name: name}
	}
	t, err := newTarget(s.name+"."+name, name, reflect.ValueOf(fn))
	if err != nil {
		return err
	}
	return s.add(t)
}

// ExposeNamed exposes fn under its own function name. Anonymous functions
// have no usable name and fail with *InvalidNameError.
func (s *Service) ExposeNamed(fn any) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return &InvalidTargetError{Name: fmt.Sprintf("%T", fn), Reason: "not a function"}
	}
	return s.ExposeAs(FuncName(fn), fn)
}

// ExposeMethods exposes every exported method of rcvr with a supported
// signature, under the method's name. Nothing is exposed if any name is
// already taken.
func (s *Service) ExposeMethods(rcvr any) error {
	v := reflect.ValueOf(rcvr)
	if !v.IsValid() {
		return &InvalidTargetError{Name: "<nil>", Reason: "nil receiver"}
	}
	typ := v.Type()
	var targets []*Target
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		t, err := newTarget(s.name+"."+method.Name, method.Name, v.Method(i))
		if err != nil {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return &InvalidTargetError{Name: typ.String(), Reason: "no exported methods with a supported signature"}
	}
	return s.add(targets...)
}

func (s *Service) add(targets ...*Target) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	old := *s.targets.Load()
	next := make(map[string]*Target, len(old)+len(targets))
	for k, v := range old {
		next[k] = v
	}
	for _, t := range targets {
		if _, ok := next[t.Name]; ok {
			return &DuplicateTargetError{Service: s.name, Target: t.Name}
		}
		next[t.Name] = t
	}
	s.targets.Store(&next)
	return nil
}

// FuncName derives a target name from a function value: the last segment of
// its symbol name, with method value suffixes removed. Anonymous functions
// yield "".
func FuncName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if closureNamePattern.MatchString(name) {
		return ""
	}
	return name
}
