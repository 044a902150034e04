package profile

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/request"
)

// noConstraint accepts every request.
type noConstraint struct{}

func (*noConstraint) Init(config.Store) error         { return nil }
func (*noConstraint) Validate(*request.Request) error { return nil }

// validityConstraint bounds the template's validity window.
type validityConstraint struct {
	maxDays int
}

func (c *validityConstraint) Init(cfg config.Store) error {
	days, err := strconv.Atoi(cfg.GetString("params.range", "365"))
	if err != nil || days <= 0 {
		return fmt.Errorf("invalid validity constraint range %q", cfg.GetString("params.range", ""))
	}
	c.maxDays = days
	return nil
}

func (c *validityConstraint) Validate(req *request.Request) error {
	tmpl := EnsureTemplate(req)
	if tmpl.NotBefore.IsZero() || tmpl.NotAfter.IsZero() {
		return Rejectf("validity period not populated")
	}
	if !tmpl.NotAfter.After(tmpl.NotBefore) {
		return Rejectf("validity period is empty")
	}
	if tmpl.NotAfter.After(tmpl.NotBefore.AddDate(0, 0, c.maxDays)) {
		return Rejectf("validity period exceeds maximum of %d days", c.maxDays)
	}
	return nil
}

// keyConstraint validates the populated key's type and strength.
type keyConstraint struct {
	keyType string
	minSize int
}

func (c *keyConstraint) Init(cfg config.Store) error {
	c.keyType = cfg.GetString("params.keyType", "-")
	min, err := strconv.Atoi(cfg.GetString("params.keyMinSize", "2048"))
	if err != nil || min <= 0 {
		return fmt.Errorf("invalid key minimum size %q", cfg.GetString("params.keyMinSize", ""))
	}
	c.minSize = min
	return nil
}

func (c *keyConstraint) Validate(req *request.Request) error {
	tmpl := EnsureTemplate(req)
	if tmpl.PublicKey == nil {
		return Rejectf("no key populated")
	}
	switch pub := tmpl.PublicKey.(type) {
	case *rsa.PublicKey:
		if c.keyType != "-" && c.keyType != "RSA" {
			return Rejectf("key type RSA not permitted, want %s", c.keyType)
		}
		if pub.N.BitLen() < c.minSize {
			return Rejectf("RSA key size %d below minimum %d", pub.N.BitLen(), c.minSize)
		}
	case *ecdsa.PublicKey:
		if c.keyType != "-" && c.keyType != "EC" {
			return Rejectf("key type EC not permitted, want %s", c.keyType)
		}
	default:
		return Rejectf("unsupported key type %T", tmpl.PublicKey)
	}
	return nil
}

// signingAlgConstraint restricts the signature algorithm to an allowed set.
type signingAlgConstraint struct {
	allowed []string
}

func (c *signingAlgConstraint) Init(cfg config.Store) error {
	c.allowed = config.GetList(cfg, "params.signingAlgsAllowed")
	if len(c.allowed) == 0 {
		return fmt.Errorf("signing algorithm constraint has no allowed algorithms")
	}
	for _, name := range c.allowed {
		if _, ok := signingAlgs[name]; !ok {
			return fmt.Errorf("unknown signing algorithm %q in constraint", name)
		}
	}
	return nil
}

func (c *signingAlgConstraint) Validate(req *request.Request) error {
	tmpl := EnsureTemplate(req)
	for _, name := range c.allowed {
		if signingAlgs[name] == tmpl.SignatureAlgorithm {
			return nil
		}
	}
	return Rejectf("signing algorithm %v not in allowed set %v", tmpl.SignatureAlgorithm, c.allowed)
}

// subjectNameConstraint requires a populated subject with a common name,
// optionally from a fixed organization.
type subjectNameConstraint struct {
	orgs []string
}

func (c *subjectNameConstraint) Init(cfg config.Store) error {
	c.orgs = config.GetList(cfg, "params.organizations")
	return nil
}

func (c *subjectNameConstraint) Validate(req *request.Request) error {
	tmpl := EnsureTemplate(req)
	if tmpl.Subject.CommonName == "" {
		return Rejectf("subject has no common name")
	}
	if len(c.orgs) == 0 {
		return nil
	}
	for _, o := range tmpl.Subject.Organization {
		if slices.Contains(c.orgs, o) {
			return nil
		}
	}
	return Rejectf("subject organization %v not in allowed set %v", tmpl.Subject.Organization, c.orgs)
}

// renewalGraceConstraint bounds when a renewal may be submitted relative to
// the expiry of the certificate being renewed. Requests that carry no
// expiry are not renewals and pass.
type renewalGraceConstraint struct {
	graceBefore int
	graceAfter  int
}

func (c *renewalGraceConstraint) Init(cfg config.Store) error {
	var err error
	c.graceBefore, err = strconv.Atoi(cfg.GetString("params.graceBefore", "30"))
	if err != nil || c.graceBefore < 0 {
		return fmt.Errorf("invalid renewal grace period %q", cfg.GetString("params.graceBefore", ""))
	}
	c.graceAfter, err = strconv.Atoi(cfg.GetString("params.graceAfter", "30"))
	if err != nil || c.graceAfter < 0 {
		return fmt.Errorf("invalid renewal grace period %q", cfg.GetString("params.graceAfter", ""))
	}
	return nil
}

func (c *renewalGraceConstraint) Validate(req *request.Request) error {
	raw := req.GetExt(request.ExtRenewedCertExpiry)
	if raw == "" {
		return nil
	}
	expiry, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return Rejectf("unparseable renewed certificate expiry %q", raw)
	}
	now := time.Now().UTC()
	if now.Before(expiry.AddDate(0, 0, -c.graceBefore)) {
		return Rejectf("renewal submitted more than %d days before expiry", c.graceBefore)
	}
	if now.After(expiry.AddDate(0, 0, c.graceAfter)) {
		return Rejectf("renewal submitted more than %d days after expiry", c.graceAfter)
	}
	return nil
}
