package engine

import (
	"log"

	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

// IdentityKey returns the ledger key for a member: the account name if
// authenticated, otherwise ident@host.
func IdentityKey(m network.Member) string {
	if m.Account != "" {
		return m.Account
	}
	return HostKey(m)
}

// HostKey returns the connection-based key for a member.
func HostKey(m network.Member) string {
	return m.Ident + "@" + m.Host
}

// findRecord looks a member up by account first, then by ident@host.
func findRecord(c *store.Channel, m network.Member) *store.OpRecord {
	if m.Account != "" {
		if r, ok := c.Identities[m.Account]; ok {
			return r
		}
	}
	return c.Identities[HostKey(m)]
}

// upgradeKey moves a host-keyed record under an account key. If a record
// already exists under the account key it is overwritten by the host-keyed
// one (last write wins); the account-keyed history is lost.
func upgradeKey(c *store.Channel, hostKey, accountKey string) *store.OpRecord {
	hostRec, ok := c.Identities[hostKey]
	if !ok {
		return c.Identities[accountKey]
	}
	delete(c.Identities, hostKey)

	if existing, ok := c.Identities[accountKey]; ok {
		log.Printf("chanfix: %s: key collision upgrading %s to %s, overwriting (age %d -> %d)",
			c.Name, hostKey, accountKey, existing.Age, hostRec.Age)
		*existing = *hostRec
		existing.Key = accountKey
		existing.Account = accountKey
		return existing
	}

	hostRec.Key = accountKey
	hostRec.Account = accountKey
	c.Identities[accountKey] = hostRec
	return hostRec
}
