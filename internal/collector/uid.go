package collector

import (
	"strconv"
	"strings"
)

// UIDKind discriminates the two forms a user identity can take.
type UIDKind uint8

const (
	// UIDNone marks the zero value, which never names a user.
	UIDNone UIDKind = iota
	// UIDNumeric is the site-assigned numeric id.
	UIDNumeric
	// UIDSlug is the user-chosen textual handle.
	UIDSlug
)

// UID identifies a user either by numeric id or by slug. It is comparable and
// safe to use as a map key.
type UID struct {
	kind UIDKind
	nid  int64
	sid  string
}

// NumericUID builds a UID from a numeric id.
func NumericUID(nid int64) UID {
	return UID{kind: UIDNumeric, nid: nid}
}

// SlugUID builds a UID from a slug. An empty slug yields the zero UID.
func SlugUID(sid string) UID {
	if sid == "" {
		return UID{}
	}
	return UID{kind: UIDSlug, sid: sid}
}

// ParseUID interprets a path token. Tokens that parse as base-10 integers are
// numeric ids; anything else is a slug.
func ParseUID(token string) UID {
	token = strings.TrimSpace(token)
	if token == "" {
		return UID{}
	}
	if nid, err := strconv.ParseInt(token, 10, 64); err == nil {
		return NumericUID(nid)
	}
	return SlugUID(token)
}

// Kind reports which variant u holds.
func (u UID) Kind() UIDKind { return u.kind }

// IsZero reports whether u names nobody.
func (u UID) IsZero() bool { return u.kind == UIDNone }

// NID returns the numeric id when u is numeric.
func (u UID) NID() (int64, bool) {
	return u.nid, u.kind == UIDNumeric
}

// SID returns the slug when u is a slug.
func (u UID) SID() (string, bool) {
	return u.sid, u.kind == UIDSlug
}

// String renders the token used in profile URLs.
func (u UID) String() string {
	switch u.kind {
	case UIDNumeric:
		return strconv.FormatInt(u.nid, 10)
	case UIDSlug:
		return u.sid
	default:
		return ""
	}
}

// Key returns a string that is unique per identity, for keyed coalescing.
func (u UID) Key() string {
	switch u.kind {
	case UIDNumeric:
		return "nid:" + strconv.FormatInt(u.nid, 10)
	case UIDSlug:
		return "sid:" + u.sid
	default:
		return ""
	}
}
