package collector

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// UserState classifies how alive an account is; it drives refresh cadence.
type UserState string

const (
	// StateActive users posted recently.
	StateActive UserState = "active"
	// StateAbandoned users have a timeline but no recent activity.
	StateAbandoned UserState = "abandoned"
	// StateDropped users have no visible timeline.
	StateDropped UserState = "dropped"
	// StateBanned users were banned by the site.
	StateBanned UserState = "banned"
)

// ParseUserState maps a stored value onto a UserState.
func ParseUserState(raw string) (UserState, error) {
	switch raw {
	case string(StateActive):
		return StateActive, nil
	case string(StateAbandoned), "abondon":
		return StateAbandoned, nil
	case string(StateDropped):
		return StateDropped, nil
	case string(StateBanned):
		return StateBanned, nil
	default:
		return "", fmt.Errorf("unknown user state %q", raw)
	}
}

// NameSet is an unordered set of display names. It marshals as a sorted array.
type NameSet map[string]struct{}

// NewNameSet returns a set holding names.
func NewNameSet(names ...string) NameSet {
	set := make(NameSet, len(names))
	for _, n := range names {
		set.Add(n)
	}
	return set
}

// Add inserts name. Empty names are ignored.
func (s NameSet) Add(name string) {
	if name == "" {
		return
	}
	s[name] = struct{}{}
}

// Contains reports membership.
func (s NameSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Union adds every member of other to s.
func (s NameSet) Union(other NameSet) {
	for n := range other {
		s[n] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s NameSet) Clone() NameSet {
	out := make(NameSet, len(s))
	out.Union(s)
	return out
}

// Sorted returns the members in lexical order.
func (s NameSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (s NameSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *NameSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewNameSet(names...)
	return nil
}

// NameHistory is the accumulated set of names a user has announced on their
// timeline. KeyPoint marks how far back the timeline has been read.
type NameHistory struct {
	UpdateAt time.Time `json:"update_at"`
	KeyPoint time.Time `json:"key_point"`
	Names    NameSet   `json:"names"`
}

// NamesUpdate is the result of one timeline walk.
type NamesUpdate struct {
	KeyPoint time.Time
	Names    NameSet
}

// Extra carries the optional, separately refreshed parts of a user record.
type Extra struct {
	NameHistory *NameHistory `json:"name_history,omitempty"`
	Collections *Collections `json:"collections,omitempty"`
}

// MergeNames folds a walk result into the history. Names only grow and the key
// point only moves forward.
func (e *Extra) MergeNames(update NamesUpdate, now time.Time) {
	if e.NameHistory == nil {
		e.NameHistory = &NameHistory{
			UpdateAt: now,
			KeyPoint: update.KeyPoint,
			Names:    update.Names.Clone(),
		}
		return
	}
	nh := e.NameHistory
	nh.UpdateAt = now
	if update.KeyPoint.After(nh.KeyPoint) {
		nh.KeyPoint = update.KeyPoint
	}
	if nh.Names == nil {
		nh.Names = NameSet{}
	}
	nh.Names.Union(update.Names)
}

// Clone deep-copies e.
func (e Extra) Clone() Extra {
	out := Extra{}
	if e.NameHistory != nil {
		nh := *e.NameHistory
		nh.Names = e.NameHistory.Names.Clone()
		out.NameHistory = &nh
	}
	if e.Collections != nil {
		c := e.Collections.Clone()
		out.Collections = &c
	}
	return out
}

// User is the persisted user record. At least one of NID and SID is set.
type User struct {
	ID         string     `json:"id"`
	NID        *int64     `json:"nid,omitempty"`
	SID        *string    `json:"sid,omitempty"`
	Name       string     `json:"name"`
	State      UserState  `json:"state"`
	JoinTime   *time.Time `json:"join_time,omitempty"`
	LastActive *time.Time `json:"last_active,omitempty"`
	UpdateAt   time.Time  `json:"update_at"`
	Extra      Extra      `json:"extra"`
}

// UID returns the identity used to address the user remotely; the slug wins
// over the numeric id because it is what the site redirects to.
func (u User) UID() UID {
	if u.SID != nil && *u.SID != "" {
		return SlugUID(*u.SID)
	}
	if u.NID != nil {
		return NumericUID(*u.NID)
	}
	return UID{}
}

// Matches reports whether uid names u.
func (u User) Matches(uid UID) bool {
	if nid, ok := uid.NID(); ok {
		return u.NID != nil && *u.NID == nid
	}
	if sid, ok := uid.SID(); ok {
		return u.SID != nil && *u.SID == sid
	}
	return false
}

// Clone deep-copies u so stores can hand out records without aliasing.
func (u User) Clone() User {
	out := u
	if u.NID != nil {
		v := *u.NID
		out.NID = &v
	}
	if u.SID != nil {
		v := *u.SID
		out.SID = &v
	}
	if u.JoinTime != nil {
		v := *u.JoinTime
		out.JoinTime = &v
	}
	if u.LastActive != nil {
		v := *u.LastActive
		out.LastActive = &v
	}
	out.Extra = u.Extra.Clone()
	return out
}

// ProfileRecord is what the profile parser extracts from a user home page.
type ProfileRecord struct {
	NID         *int64
	SID         *string
	Name        string
	State       UserState
	JoinTime    *time.Time
	LastActive  *time.Time
	Collections *Collections
}

// UIDs lists every identity the record carries.
func (p ProfileRecord) UIDs() []UID {
	var out []UID
	if p.SID != nil && *p.SID != "" {
		out = append(out, SlugUID(*p.SID))
	}
	if p.NID != nil {
		out = append(out, NumericUID(*p.NID))
	}
	return out
}

// Fill sets the identifier uid carries when the page did not expose it.
func (p *ProfileRecord) Fill(uid UID) {
	if nid, ok := uid.NID(); ok && p.NID == nil {
		p.NID = &nid
	}
	if sid, ok := uid.SID(); ok && p.SID == nil {
		p.SID = &sid
	}
}

// NewUser creates a record for a profile seen for the first time.
func NewUser(id string, rec ProfileRecord, now time.Time) User {
	u := User{ID: id}
	u.ApplyProfile(rec, now, nil)
	return u
}

// ApplyProfile merges a freshly parsed profile into u. Identifiers for which
// taken reports true belong to another record and are left alone.
func (u *User) ApplyProfile(rec ProfileRecord, now time.Time, taken func(UID) bool) {
	if taken == nil {
		taken = func(UID) bool { return false }
	}
	if rec.NID != nil && !taken(NumericUID(*rec.NID)) {
		v := *rec.NID
		u.NID = &v
	}
	if rec.SID != nil && *rec.SID != "" && !taken(SlugUID(*rec.SID)) {
		v := *rec.SID
		u.SID = &v
	}
	u.Name = rec.Name
	u.State = rec.State
	u.LastActive = rec.LastActive
	if u.JoinTime == nil {
		u.JoinTime = rec.JoinTime
	}
	if rec.Collections != nil {
		c := rec.Collections.Clone()
		u.Extra.Collections = &c
	}
	u.UpdateAt = now
}

// MergeTarget picks which of the records matching a profile it should update.
// A slug match wins over a numeric match.
func MergeTarget(candidates []User, rec ProfileRecord) (User, bool) {
	var numeric *User
	for i := range candidates {
		c := &candidates[i]
		if rec.SID != nil && c.SID != nil && *c.SID == *rec.SID {
			return *c, true
		}
		if numeric == nil && rec.NID != nil && c.NID != nil && *c.NID == *rec.NID {
			numeric = c
		}
	}
	if numeric != nil {
		return *numeric, true
	}
	return User{}, false
}

// TakenBy returns a predicate reporting identities owned by a candidate other
// than the one with id.
func TakenBy(candidates []User, id string) func(UID) bool {
	return func(uid UID) bool {
		for _, c := range candidates {
			if c.ID != id && c.Matches(uid) {
				return true
			}
		}
		return false
	}
}
