// Package resolve applies the agent addressing rules. The resolver is a
// pure function over a read-only view of the online set so the whitelist
// business rule can be tested without a live socket.
package resolve

import (
	"fmt"
	"strings"
)

// AgentSuffix marks an agent handle (<owner>-claude).
const AgentSuffix = "-claude"

// Directory is the read-only view of relay sessions the resolver
// consults. Lookup returns the owner's agent whitelist and whether the
// owner currently has a session.
type Directory interface {
	Lookup(handle string) (whitelist []string, online bool)
}

// Decision is the outcome of resolving an address.
type Decision struct {
	Target    string // rewritten recipient handle
	Allowed   bool
	AutoReply string // synthesized refusal body when not allowed
}

// Resolve rewrites and vets a (from, to) pair:
//
//   - "claude" addresses the sender's own agent: <from>-claude.
//   - "<owner>-claude" consults the owner's session whitelist; a
//     non-empty whitelist that omits the sender refuses the message and
//     synthesizes an auto-reply. Without an owner session the address is
//     treated as a regular (offline) user.
//   - anything else passes through unchanged.
func Resolve(from, to string, dir Directory) Decision {
	if to == "claude" {
		return Decision{Target: from + AgentSuffix, Allowed: true}
	}

	owner, isAgent := strings.CutSuffix(to, AgentSuffix)
	if !isAgent || owner == "" {
		return Decision{Target: to, Allowed: true}
	}

	whitelist, online := dir.Lookup(owner)
	if !online || len(whitelist) == 0 {
		return Decision{Target: to, Allowed: true}
	}
	for _, peer := range whitelist {
		if peer == from {
			return Decision{Target: to, Allowed: true}
		}
	}

	return Decision{
		Target:  to,
		Allowed: false,
		AutoReply: fmt.Sprintf("Auto-reply: @%s is not accepting messages from @%s.",
			to, from),
	}
}
