package engine

import "github.com/genrelay/genrelay/internal/keypool"

// Binding pins a request to the credential that last succeeded for it, so
// follow-up calls within the same logical request land on the same key.
// The zero Binding means unpinned. Bindings are values: callers thread the
// returned Binding into the next call rather than sharing one.
type Binding struct {
	cred keypool.Credential
}

// IsZero reports whether the binding is unpinned.
func (b Binding) IsZero() bool { return b.cred.IsZero() }

// Suffix returns the loggable identity of the pinned credential, or ""
// when unpinned.
func (b Binding) Suffix() string {
	if b.cred.IsZero() {
		return ""
	}
	return b.cred.Suffix()
}

// bindTo is used by tests to construct a binding for a known credential.
func bindTo(cred keypool.Credential) Binding { return Binding{cred: cred} }
