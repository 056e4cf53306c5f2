// Package keypool manages a fixed set of API credentials with round-robin
// rotation and per-(credential, target) cooldown tracking. One Pool instance
// is shared by every concurrent request in the process; all state lives
// behind a single mutex and entries decay lazily by time, never by cleanup.
package keypool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials is returned when New is called without any credentials.
var ErrNoCredentials = errors.New("keypool: no credentials configured")

// Credential is an opaque secret plus a loggable identity.
type Credential struct {
	secret string
}

// Secret returns the raw credential for use in transport calls.
func (c Credential) Secret() string { return c.secret }

// Suffix returns a short loggable identity ("...abcd"). Never log Secret.
func (c Credential) Suffix() string {
	if len(c.secret) <= 4 {
		return "..." + c.secret
	}
	return "..." + c.secret[len(c.secret)-4:]
}

// IsZero reports whether the credential is unset.
func (c Credential) IsZero() bool { return c.secret == "" }

// cooldownKey identifies one (credential, target) cooldown entry.
// Cooldown is scoped per pair: a credential exhausted for one target
// stays immediately usable for every other target.
type cooldownKey struct {
	secret string
	target string
}

// Pool is the shared credential pool. The credential set is immutable after
// construction; the rotor and the cooldown map are the only mutable state.
type Pool struct {
	mu        sync.Mutex
	creds     []Credential
	rotor     int
	cooldowns map[cooldownKey]time.Time

	// now is injectable for testing. Defaults to time.Now.
	now func() time.Time
}

// New creates a pool from raw secrets. Duplicates and blanks are dropped,
// preserving first-seen order. At least one credential is required.
func New(secrets []string) (*Pool, error) {
	seen := make(map[string]struct{}, len(secrets))
	creds := make([]Credential, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		creds = append(creds, Credential{secret: s})
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	return &Pool{
		creds:     creds,
		cooldowns: make(map[cooldownKey]time.Time),
		now:       time.Now,
	}, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.creds)
}

// Credentials returns a copy of the pool's credential set in pool order.
func (p *Pool) Credentials() []Credential {
	out := make([]Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// NextReady returns the first credential in rotor order whose cooldown for
// target has expired and whose secret is not in exclude, advancing the rotor
// just past the returned index. When nothing is ready it reports the minimum
// remaining cooldown across the non-excluded credentials as a wait hint.
// The hint is not a guarantee that a credential frees up then.
func (p *Pool) NextReady(target string, exclude map[string]struct{}) (Credential, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.creds)
	var minWait time.Duration
	haveWait := false

	for i := 0; i < n; i++ {
		idx := (p.rotor + i) % n
		cred := p.creds[idx]
		if _, skip := exclude[cred.secret]; skip {
			continue
		}
		expiry, cooling := p.cooldowns[cooldownKey{cred.secret, target}]
		if !cooling || !now.Before(expiry) {
			p.rotor = (idx + 1) % n
			return cred, 0, true
		}
		if wait := expiry.Sub(now); !haveWait || wait < minWait {
			minWait = wait
			haveWait = true
		}
	}

	return Credential{}, minWait, false
}

// MarkCooldown unconditionally overwrites the (cred, target) expiry to now+d.
func (p *Pool) MarkCooldown(cred Credential, target string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns[cooldownKey{cred.secret, target}] = p.now().Add(d)
}

// CooldownRemaining returns how long the (cred, target) pair stays excluded
// from selection, or zero if it is ready now.
func (p *Pool) CooldownRemaining(cred Credential, target string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	expiry, ok := p.cooldowns[cooldownKey{cred.secret, target}]
	if !ok {
		return 0
	}
	if remaining := expiry.Sub(p.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Snapshot reports the remaining cooldown per credential for target, keyed
// by pool index plus suffix so credentials sharing a suffix stay distinct.
// Ready credentials map to zero. Used by the status endpoint.
func (p *Pool) Snapshot(target string) map[string]time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make(map[string]time.Duration, len(p.creds))
	for i, cred := range p.creds {
		var remaining time.Duration
		if expiry, ok := p.cooldowns[cooldownKey{cred.secret, target}]; ok {
			if r := expiry.Sub(now); r > 0 {
				remaining = r
			}
		}
		out[fmt.Sprintf("%d:%s", i, cred.Suffix())] = remaining
	}
	return out
}
