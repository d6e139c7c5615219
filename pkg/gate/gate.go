// Package gate holds the seams to the external authorization and
// timelock collaborators. The pool itself is role-agnostic: it assumes
// registry and fee mutations reach it only after the timelock reports
// the corresponding action unlocked. A permissive gate backs tests and
// the local dev mode.
package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Cardinal-Cryptography/common-aggregator-sub000/pkg/vault"
)

// Role names the privilege classes the authorization collaborator
// distinguishes.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleManager    Role = "manager"
	RoleRebalancer Role = "rebalancer"
	RoleGuardian   Role = "guardian"
)

// ActionKey content-addresses a timelocked action: the same kind and
// payload always map to the same key, so a submitted action can be
// matched against its later execution.
type ActionKey string

// ActionKeyFor derives the key for an action of the given kind over the
// given payload parts.
func ActionKeyFor(kind string, parts ...string) ActionKey {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		fmt.Fprintf(h, "/%s", p)
	}
	return ActionKey(hex.EncodeToString(h.Sum(nil)))
}

// Roles is the authorization collaborator.
type Roles interface {
	HasRole(addr vault.Address, role Role) bool
}

// Timelock is the two-phase action collaborator: an action key is
// unlocked once it has been submitted and its delay has elapsed without
// cancellation.
type Timelock interface {
	Unlocked(key ActionKey) bool
}

// AllowAll grants every role and unlocks every action. Dev/test only.
type AllowAll struct{}

func (AllowAll) HasRole(vault.Address, Role) bool { return true }
func (AllowAll) Unlocked(ActionKey) bool          { return true }
