package kra

import "strings"

// Criteria are the optional equality terms of a key search. The realm term
// follows a strict convention: when Realm is empty the search matches only
// records that carry no realm at all, keeping realm-scoped archives
// invisible to global queries.
type Criteria struct {
	Status   string
	ClientID string
	Realm    string
}

// Matches reports whether the record satisfies every present term.
func (c Criteria) Matches(rec *KeyRecord) bool {
	if c.Status != "" && rec.Status != c.Status {
		return false
	}
	if c.ClientID != "" && rec.ClientID != c.ClientID {
		return false
	}
	if c.Realm == "" {
		return rec.Realm == ""
	}
	return rec.Realm == c.Realm
}

// Filter renders the criteria as an LDAP-style conjunction, the canonical
// form recorded in audit entries and exchanged with directory-backed
// deployments. An absent realm term becomes a negated presence clause.
func (c Criteria) Filter() string {
	var terms []string
	if c.Status != "" {
		terms = append(terms, "(status="+c.Status+")")
	}
	if c.ClientID != "" {
		terms = append(terms, "(clientId="+c.ClientID+")")
	}
	if c.Realm != "" {
		terms = append(terms, "(realm="+c.Realm+")")
	} else {
		terms = append(terms, "(!(realm=*))")
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "(&" + strings.Join(terms, "") + ")"
}
