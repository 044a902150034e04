package profile

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/request"
)

// Default-policy class ids exempt from the duplicate-class rule: either can
// appear any number of times within one policy set.
const (
	ClassNoDefault         = "noDefaultImpl"
	ClassGenericExtDefault = "genericExtDefaultImpl"
)

// Configuration property names within a profile's sub-store.
const (
	propName         = "name"
	propDesc         = "desc"
	propEnable       = "enable"
	propVisible      = "visible"
	propRenewal      = "renewal"
	propXMLOutput    = "xmlOutput"
	propAuthID       = "auth.instance_id"
	propAuthzAcl     = "authzAcl"
	propLastModified = "lastModified"
	propList         = "list"
	propClassID      = "class_id"
)

// ProfilePolicy is an immutable pairing of one default-policy instance with
// one constraint-policy instance. Owned exclusively by one policy set.
type ProfilePolicy struct {
	ID                string
	Default           Default
	Constraint        Constraint
	DefaultClassID    string
	ConstraintClassID string
}

// PolicySetSelector determines the applicable policy-set id for a request.
type PolicySetSelector func(req *request.Request) (string, error)

// Profile aggregates named input/output/updater lists and named policy sets
// and owns the enrollment lifecycle methods Populate and Validate.
//
// A Profile is constructed once at startup from its configuration sub-store.
// The policy-set structures are mutated only by the administrative
// CreateProfilePolicy/Delete* operations, which serialize on an internal
// lock; the enrollment hot path only reads them.
type Profile struct {
	id       string
	cfg      config.Store
	registry *Registry
	logger   *slog.Logger

	Enabled   bool
	Renewal   bool
	Visible   bool
	XMLOutput bool
	AuthnID   string
	AuthzAcl  string
	Name      string
	Desc      string

	inputIDs   []string
	inputs     map[string]Input
	outputIDs  []string
	outputs    map[string]Output
	updaterIDs []string
	updaters   map[string]Updater

	setIDs     []string
	policySets map[string][]*ProfilePolicy

	// Selector is the per-request hook that picks the applicable policy
	// set. When nil, a request's "profileSetId" extension is used, falling
	// back to the only configured set.
	Selector PolicySetSelector

	mu sync.Mutex
}

// New constructs an uninitialized Profile bound to its configuration
// sub-store. Call Init before use.
func New(id string, cfg config.Store, registry *Registry, logger *slog.Logger) *Profile {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profile{
		id:         id,
		cfg:        cfg,
		registry:   registry,
		logger:     logger.With("profile", id),
		inputs:     make(map[string]Input),
		outputs:    make(map[string]Output),
		updaters:   make(map[string]Updater),
		policySets: make(map[string][]*ProfilePolicy),
	}
}

// ID returns the profile's identifier.
func (p *Profile) ID() string { return p.id }

// Init loads the ordered plugin lists and policy sets from configuration.
// Any instantiation failure aborts initialization; partial-plugin-set
// profiles are not permitted.
func (p *Profile) Init() error {
	p.Name = p.cfg.GetString(propName, p.id)
	p.Desc = p.cfg.GetString(propDesc, "")
	p.Enabled = config.GetBool(p.cfg, propEnable, false)
	p.Visible = config.GetBool(p.cfg, propVisible, true)
	p.Renewal = config.GetBool(p.cfg, propRenewal, false)
	p.XMLOutput = config.GetBool(p.cfg, propXMLOutput, false)
	p.AuthnID = p.cfg.GetString(propAuthID, "")
	p.AuthzAcl = p.cfg.GetString(propAuthzAcl, "")

	if err := p.initInputs(); err != nil {
		return err
	}
	if err := p.initOutputs(); err != nil {
		return err
	}
	if err := p.initUpdaters(); err != nil {
		return err
	}
	return p.initPolicySets()
}

func (p *Profile) initInputs() error {
	inputCfg := p.cfg.SubStore("input")
	for _, id := range config.GetList(p.cfg, "input."+propList) {
		if slices.Contains(p.inputIDs, id) {
			return fmt.Errorf("profile %s: duplicate input id %s", p.id, id)
		}
		idCfg := inputCfg.SubStore(id)
		classID := idCfg.GetString(propClassID, "")
		info, err := p.registry.Info(CategoryInput, classID)
		if err != nil {
			return fmt.Errorf("profile %s input %s: %w", p.id, id, err)
		}
		in, ok := info.New().(Input)
		if !ok {
			return fmt.Errorf("profile %s input %s: class %s is not an input", p.id, id, classID)
		}
		if err := in.Init(idCfg); err != nil {
			return fmt.Errorf("profile %s input %s: %w", p.id, id, err)
		}
		p.inputIDs = append(p.inputIDs, id)
		p.inputs[id] = in
	}
	return nil
}

func (p *Profile) initOutputs() error {
	outputCfg := p.cfg.SubStore("output")
	for _, id := range config.GetList(p.cfg, "output."+propList) {
		if slices.Contains(p.outputIDs, id) {
			return fmt.Errorf("profile %s: duplicate output id %s", p.id, id)
		}
		idCfg := outputCfg.SubStore(id)
		classID := idCfg.GetString(propClassID, "")
		info, err := p.registry.Info(CategoryOutput, classID)
		if err != nil {
			return fmt.Errorf("profile %s output %s: %w", p.id, id, err)
		}
		out, ok := info.New().(Output)
		if !ok {
			return fmt.Errorf("profile %s output %s: class %s is not an output", p.id, id, classID)
		}
		if err := out.Init(idCfg); err != nil {
			return fmt.Errorf("profile %s output %s: %w", p.id, id, err)
		}
		p.outputIDs = append(p.outputIDs, id)
		p.outputs[id] = out
	}
	return nil
}

func (p *Profile) initUpdaters() error {
	updaterCfg := p.cfg.SubStore("updater")
	for _, id := range config.GetList(p.cfg, "updater."+propList) {
		if slices.Contains(p.updaterIDs, id) {
			return fmt.Errorf("profile %s: duplicate updater id %s", p.id, id)
		}
		idCfg := updaterCfg.SubStore(id)
		classID := idCfg.GetString(propClassID, "")
		info, err := p.registry.Info(CategoryUpdater, classID)
		if err != nil {
			return fmt.Errorf("profile %s updater %s: %w", p.id, id, err)
		}
		up, ok := info.New().(Updater)
		if !ok {
			return fmt.Errorf("profile %s updater %s: class %s is not an updater", p.id, id, classID)
		}
		if err := up.Init(idCfg); err != nil {
			return fmt.Errorf("profile %s updater %s: %w", p.id, id, err)
		}
		p.updaterIDs = append(p.updaterIDs, id)
		p.updaters[id] = up
	}
	return nil
}

func (p *Profile) initPolicySets() error {
	for _, setID := range config.GetList(p.cfg, "policyset."+propList) {
		setCfg := p.cfg.SubStore("policyset." + setID)
		for _, id := range config.GetList(setCfg, propList) {
			defClass := setCfg.GetString(id+".default."+propClassID, "")
			conClass := setCfg.GetString(id+".constraint."+propClassID, "")
			if _, err := p.CreateProfilePolicy(setID, id, defClass, conClass, false); err != nil {
				return fmt.Errorf("profile %s policyset %s: %w", p.id, setID, err)
			}
		}
	}
	return nil
}

// PolicySetIDs returns the configured policy-set ids in load order.
func (p *Profile) PolicySetIDs() []string {
	return slices.Clone(p.setIDs)
}

// Policies returns the ordered policies of a set.
func (p *Profile) Policies(setID string) []*ProfilePolicy {
	return slices.Clone(p.policySets[setID])
}

// InputIDs returns the ordered input ids.
func (p *Profile) InputIDs() []string { return slices.Clone(p.inputIDs) }

// OutputIDs returns the ordered output ids.
func (p *Profile) OutputIDs() []string { return slices.Clone(p.outputIDs) }

// UpdaterIDs returns the ordered updater ids.
func (p *Profile) UpdaterIDs() []string { return slices.Clone(p.updaterIDs) }

// Updaters returns the updater instances in configured order.
func (p *Profile) Updaters() []Updater {
	ups := make([]Updater, 0, len(p.updaterIDs))
	for _, id := range p.updaterIDs {
		ups = append(ups, p.updaters[id])
	}
	return ups
}

// CreateProfilePolicy instantiates a (default, constraint) pair and appends
// it to the policy set, enforcing the duplicate-id and duplicate-default-
// class invariants. When persist is true the updated lists and class ids
// are written back to the configuration store in a single commit.
//
// The duplicate-id check tolerates exactly one existing occurrence when not
// persisting, so an already-loaded policy can be re-registered during a
// read-modify-write; the persisting path rejects any existing occurrence.
func (p *Profile) CreateProfilePolicy(setID, id, defaultClassID, constraintClassID string, persist bool) (*ProfilePolicy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.policySets[setID]

	occurrences := 0
	for _, pol := range set {
		if pol.ID == id {
			occurrences++
		}
	}
	if persist && occurrences > 0 {
		return nil, fmt.Errorf("%w: policy %s already exists in set %s", ErrDuplicatePolicy, id, setID)
	}
	if !persist && occurrences > 1 {
		return nil, fmt.Errorf("%w: policy %s appears repeatedly in set %s", ErrDuplicatePolicy, id, setID)
	}

	if defaultClassID != ClassNoDefault && defaultClassID != ClassGenericExtDefault {
		for _, pol := range set {
			if pol.ID != id && pol.DefaultClassID == defaultClassID {
				return nil, fmt.Errorf("%w: default class %s already used by policy %s in set %s",
					ErrDuplicatePolicy, defaultClassID, pol.ID, setID)
			}
		}
	}

	setCfg := p.cfg.SubStore("policyset." + setID)
	def, err := newDefault(p.registry, defaultClassID, setCfg.SubStore(id+".default"))
	if err != nil {
		return nil, err
	}
	con, err := newConstraint(p.registry, constraintClassID, setCfg.SubStore(id+".constraint"))
	if err != nil {
		return nil, err
	}

	policy := &ProfilePolicy{
		ID:                id,
		Default:           def,
		Constraint:        con,
		DefaultClassID:    defaultClassID,
		ConstraintClassID: constraintClassID,
	}

	if !slices.Contains(p.setIDs, setID) {
		p.setIDs = append(p.setIDs, setID)
	}
	p.policySets[setID] = append(set, policy)

	if persist {
		config.PutList(p.cfg, "policyset."+propList, p.setIDs)
		config.PutList(setCfg, propList, p.policyIDsLocked(setID))
		setCfg.PutString(id+".default."+propClassID, defaultClassID)
		setCfg.PutString(id+".constraint."+propClassID, constraintClassID)
		p.cfg.PutString(propLastModified, time.Now().UTC().Format(time.RFC3339))
		// Single commit per call. Writes staged before a failed commit are
		// not rolled back; see the delete operations for the same caveat.
		if err := p.cfg.Commit(false); err != nil {
			return nil, fmt.Errorf("persisting policy %s: %w", id, err)
		}
	}

	return policy, nil
}

func (p *Profile) policyIDsLocked(setID string) []string {
	ids := make([]string, 0, len(p.policySets[setID]))
	for _, pol := range p.policySets[setID] {
		ids = append(ids, pol.ID)
	}
	return ids
}

// PolicySetFor resolves the applicable policy-set id for the request.
func (p *Profile) PolicySetFor(req *request.Request) (string, error) {
	if p.Selector != nil {
		return p.Selector(req)
	}
	if setID := req.GetExt("profileSetId"); setID != "" {
		if _, ok := p.policySets[setID]; !ok {
			return "", fmt.Errorf("profile %s: no such policy set %s", p.id, setID)
		}
		return setID, nil
	}
	if len(p.setIDs) == 1 {
		return p.setIDs[0], nil
	}
	return "", fmt.Errorf("profile %s: cannot determine policy set for request %s", p.id, req.ID)
}

// PopulateInputs runs the configured inputs in list order against the
// request before the defaults are applied.
func (p *Profile) PopulateInputs(req *request.Request) error {
	for _, id := range p.inputIDs {
		if err := p.inputs[id].Populate(req); err != nil {
			return fmt.Errorf("input %s: %w", id, err)
		}
	}
	return nil
}

// Populate applies the applicable policy set's defaults to the request's
// certificate template, strictly in list order: later defaults may depend
// on fields set by earlier ones. The first default to fail aborts the whole
// call; no partial application is unwound.
func (p *Profile) Populate(req *request.Request) error {
	setID, err := p.PolicySetFor(req)
	if err != nil {
		return err
	}
	for _, pol := range p.policySets[setID] {
		if err := pol.Default.Populate(req); err != nil {
			return fmt.Errorf("policy %s default: %w", pol.ID, err)
		}
	}
	return nil
}

// Validate runs the applicable policy set's constraints in list order. The
// first rejection aborts with the constraint's error and leaves the request
// status untouched; on success the request advances to PENDING.
func (p *Profile) Validate(req *request.Request) error {
	setID, err := p.PolicySetFor(req)
	if err != nil {
		return err
	}
	for _, pol := range p.policySets[setID] {
		if err := pol.Constraint.Validate(req); err != nil {
			return fmt.Errorf("policy %s constraint: %w", pol.ID, err)
		}
	}
	req.Status = request.StatusPending
	return nil
}

// PopulateOutputs runs the configured outputs in list order after the
// request has been executed.
func (p *Profile) PopulateOutputs(req *request.Request) error {
	for _, id := range p.outputIDs {
		if err := p.outputs[id].Populate(req); err != nil {
			return fmt.Errorf("output %s: %w", id, err)
		}
	}
	return nil
}

// DeleteProfilePolicy removes a policy from a set, in memory and in the
// persisted list. If the set becomes empty its entry is removed from the
// parent policyset list. The operation is best-effort: failures are logged
// and swallowed, which can leave the in-memory and persisted state
// inconsistent until the next successful commit.
func (p *Profile) DeleteProfilePolicy(setID, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.policySets[setID]
	idx := slices.IndexFunc(set, func(pol *ProfilePolicy) bool { return pol.ID == id })
	if idx < 0 {
		return
	}
	p.policySets[setID] = slices.Delete(set, idx, idx+1)

	setCfg := p.cfg.SubStore("policyset." + setID)
	setCfg.Remove(id + ".default." + propClassID)
	setCfg.Remove(id + ".constraint." + propClassID)
	config.PutList(setCfg, propList, p.policyIDsLocked(setID))

	if len(p.policySets[setID]) == 0 {
		delete(p.policySets, setID)
		if i := slices.Index(p.setIDs, setID); i >= 0 {
			p.setIDs = slices.Delete(p.setIDs, i, i+1)
		}
		config.PutList(p.cfg, "policyset."+propList, p.setIDs)
	}

	p.cfg.PutString(propLastModified, time.Now().UTC().Format(time.RFC3339))
	if err := p.cfg.Commit(false); err != nil {
		p.logger.Warn("delete policy: commit failed", "set", setID, "policy", id, "error", err)
	}
}

// DeleteInput removes an input, best-effort like DeleteProfilePolicy.
func (p *Profile) DeleteInput(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.Index(p.inputIDs, id)
	if idx < 0 {
		return
	}
	p.inputIDs = slices.Delete(p.inputIDs, idx, idx+1)
	delete(p.inputs, id)

	p.cfg.Remove("input." + id + "." + propClassID)
	config.PutList(p.cfg, "input."+propList, p.inputIDs)
	if err := p.cfg.Commit(false); err != nil {
		p.logger.Warn("delete input: commit failed", "input", id, "error", err)
	}
}

// DeleteOutput removes an output, best-effort like DeleteProfilePolicy.
func (p *Profile) DeleteOutput(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.Index(p.outputIDs, id)
	if idx < 0 {
		return
	}
	p.outputIDs = slices.Delete(p.outputIDs, idx, idx+1)
	delete(p.outputs, id)

	p.cfg.Remove("output." + id + "." + propClassID)
	config.PutList(p.cfg, "output."+propList, p.outputIDs)
	if err := p.cfg.Commit(false); err != nil {
		p.logger.Warn("delete output: commit failed", "output", id, "error", err)
	}
}
