package types

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// VersionedSlug addresses one concrete card version, written "slug@version".
type VersionedSlug struct {
	Slug    Slug
	Version string
}

// DefaultVersion is assumed when a reference omits the version part.
const DefaultVersion = "1.0.0"

// ParseVersionedSlug splits a "slug@version" reference. A bare slug gets
// DefaultVersion.
func ParseVersionedSlug(s string) (VersionedSlug, error) {
	if s == "" {
		return VersionedSlug{}, goerr.New("versioned slug cannot be empty")
	}

	slug, version, found := strings.Cut(s, "@")
	if !found {
		version = DefaultVersion
	}
	if version == "" {
		return VersionedSlug{}, goerr.New("version cannot be empty", goerr.V("ref", s))
	}

	vs := VersionedSlug{Slug: Slug(slug), Version: version}
	if err := vs.Slug.Validate(); err != nil {
		return VersionedSlug{}, goerr.Wrap(err, "invalid slug in versioned reference", goerr.V("ref", s))
	}
	return vs, nil
}

// String renders the "slug@version" form.
func (v VersionedSlug) String() string {
	return v.Slug.String() + "@" + v.Version
}
