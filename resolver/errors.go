package resolver

import "fmt"

// NotFoundError is returned when a crate name has no match at all, exact or
// canonical.
type NotFoundError struct {
	Kind       string
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resolver: %s %q not found", e.Kind, e.Identifier)
}

// AmbiguousNameError is returned when a canonicalized name matches more than
// one crate, per step 1's BadRequest case.
type AmbiguousNameError struct {
	NameRaw    string
	Candidates int
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("resolver: %q canonicalizes ambiguously to %d crates", e.NameRaw, e.Candidates)
}

// VersionNotFoundError is returned when an exact or semver-matched version
// cannot be found for a crate.
type VersionNotFoundError struct {
	CrateName string
	Version   string
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("resolver: version %q not found for crate %q", e.Version, e.CrateName)
}
