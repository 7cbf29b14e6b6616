package collector

import "fmt"

// SubjectType is a media category on the site.
type SubjectType string

const (
	SubjectAnime SubjectType = "anime"
	SubjectGame  SubjectType = "game"
	SubjectBook  SubjectType = "book"
	SubjectMusic SubjectType = "music"
	SubjectReal  SubjectType = "real"
)

// SubjectTypes lists every subject type in display order.
var SubjectTypes = []SubjectType{SubjectAnime, SubjectGame, SubjectBook, SubjectMusic, SubjectReal}

// CollectionState is one of the per-subject shelves a user can file things under.
type CollectionState string

const (
	CollectionDoing   CollectionState = "do"
	CollectionCollect CollectionState = "collect"
	CollectionWish    CollectionState = "wish"
	CollectionOnHold  CollectionState = "on_hold"
	CollectionDropped CollectionState = "dropped"
)

// TypedCollection holds the shelf counts for one subject type. Missing shelves
// stay nil.
type TypedCollection struct {
	Doing   *int `json:"doing,omitempty"`
	Collect *int `json:"collect,omitempty"`
	Wish    *int `json:"wish,omitempty"`
	OnHold  *int `json:"on_hold,omitempty"`
	Dropped *int `json:"dropped,omitempty"`
}

// Set records count for state.
func (t *TypedCollection) Set(state CollectionState, count int) error {
	v := count
	switch state {
	case CollectionDoing:
		t.Doing = &v
	case CollectionCollect:
		t.Collect = &v
	case CollectionWish:
		t.Wish = &v
	case CollectionOnHold:
		t.OnHold = &v
	case CollectionDropped:
		t.Dropped = &v
	default:
		return fmt.Errorf("unknown collection state %q", state)
	}
	return nil
}

// Collections maps subject types to their shelf counts.
type Collections map[SubjectType]TypedCollection

// Clone deep-copies c.
func (c Collections) Clone() Collections {
	out := make(Collections, len(c))
	for k, v := range c {
		tc := TypedCollection{
			Doing:   cloneInt(v.Doing),
			Collect: cloneInt(v.Collect),
			Wish:    cloneInt(v.Wish),
			OnHold:  cloneInt(v.OnHold),
			Dropped: cloneInt(v.Dropped),
		}
		out[k] = tc
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
