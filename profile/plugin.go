// Package profile implements the certificate issuance profile engine: a
// declarative configuration is compiled into ordered plugin instances
// (inputs, defaults, constraints, outputs, updaters, organized into named
// policy sets) which are then applied to enrollment requests.
package profile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/request"
)

// Plugin categories. A class id is resolved within its category.
type Category string

const (
	CategoryDefault    Category = "defaultPolicy"
	CategoryConstraint Category = "constraintPolicy"
	CategoryInput      Category = "profileInput"
	CategoryOutput     Category = "profileOutput"
	CategoryUpdater    Category = "profileUpdater"
)

var (
	// ErrPluginNotFound is returned when a class id does not resolve in the
	// registry. Fatal during profile initialization.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrRejected signals a business rejection: the request is invalid under
	// the profile's constraints but may be corrected and resubmitted.
	ErrRejected = errors.New("request rejected")
	// ErrDuplicatePolicy is returned when a policy id or default plugin
	// class would repeat within one policy set.
	ErrDuplicatePolicy = errors.New("duplicate policy")
)

// Rejectf builds a rejection error with a caller-facing message.
func Rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Default populates one fact into a request's certificate template (an
// extension, a key, a validity period, a signing algorithm). Instances are
// stateful: each holds its own configuration sub-store after Init.
type Default interface {
	Init(cfg config.Store) error
	Populate(req *request.Request) error
}

// Constraint validates that populated certificate-template fields satisfy
// configured bounds. Violations are reported as ErrRejected errors.
type Constraint interface {
	Init(cfg config.Store) error
	Validate(req *request.Request) error
}

// Input collects submitter-supplied values into the request before the
// defaults run.
type Input interface {
	Init(cfg config.Store) error
	Populate(req *request.Request) error
}

// Output renders result values onto the request after execution.
type Output interface {
	Init(cfg config.Store) error
	Populate(req *request.Request) error
}

// Updater notifies an external system after a request completes. Updaters
// are best-effort and never affect the request outcome.
type Updater interface {
	Init(cfg config.Store) error
	Update(req *request.Request) error
}

// PluginInfo describes a registered plugin implementation.
type PluginInfo struct {
	ClassID     string
	DisplayName string
	// New returns a fresh, uninitialized instance. The concrete type must
	// implement the interface matching the registration category.
	New func() any
}

// Registry maps (category, class id) to plugin implementation descriptors.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Category]map[string]PluginInfo
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[Category]map[string]PluginInfo)}
}

// Register adds a plugin descriptor. Re-registering a class id replaces the
// previous descriptor.
func (r *Registry) Register(cat Category, info PluginInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[cat]; !ok {
		r.plugins[cat] = make(map[string]PluginInfo)
	}
	r.plugins[cat][info.ClassID] = info
}

// Info resolves a class id within a category.
func (r *Registry) Info(cat Category, classID string) (PluginInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.plugins[cat][classID]
	if !ok {
		return PluginInfo{}, fmt.Errorf("%w: %s/%s", ErrPluginNotFound, cat, classID)
	}
	return info, nil
}

func newDefault(r *Registry, classID string, cfg config.Store) (Default, error) {
	info, err := r.Info(CategoryDefault, classID)
	if err != nil {
		return nil, err
	}
	d, ok := info.New().(Default)
	if !ok {
		return nil, fmt.Errorf("class %s is not a default policy", classID)
	}
	if err := d.Init(cfg); err != nil {
		return nil, fmt.Errorf("initializing default %s: %w", classID, err)
	}
	return d, nil
}

func newConstraint(r *Registry, classID string, cfg config.Store) (Constraint, error) {
	info, err := r.Info(CategoryConstraint, classID)
	if err != nil {
		return nil, err
	}
	c, ok := info.New().(Constraint)
	if !ok {
		return nil, fmt.Errorf("class %s is not a constraint policy", classID)
	}
	if err := c.Init(cfg); err != nil {
		return nil, fmt.Errorf("initializing constraint %s: %w", classID, err)
	}
	return c, nil
}
