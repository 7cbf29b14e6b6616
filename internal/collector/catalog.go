package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// CheckpointKey is the key-value slot holding the catalog checkpoint.
const CheckpointKey = "onair"

// SubjectID is the site's numeric subject id.
type SubjectID int64

// ItemType is the broadcast format of a catalog item.
type ItemType string

const (
	ItemTV    ItemType = "tv"
	ItemWeb   ItemType = "web"
	ItemMovie ItemType = "movie"
	ItemOVA   ItemType = "ova"
)

// Valid reports whether t is a known format.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTV, ItemWeb, ItemMovie, ItemOVA:
		return true
	default:
		return false
	}
}

// Site is one external reference attached to a catalog item.
type Site struct {
	Site      string   `json:"site"`
	ID        string   `json:"id,omitempty"`
	URL       string   `json:"url,omitempty"`
	Begin     string   `json:"begin,omitempty"`
	Broadcast string   `json:"broadcast,omitempty"`
	Official  string   `json:"official,omitempty"`
	Regions   []string `json:"regions,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}

// CatalogItem is one entry of the on-air dataset.
type CatalogItem struct {
	Title          string              `json:"title"`
	TitleTranslate map[string][]string `json:"titleTranslate,omitempty"`
	Type           ItemType            `json:"type"`
	Lang           string              `json:"lang"`
	OfficialSite   string              `json:"officialSite"`
	Begin          string              `json:"begin"`
	Broadcast      string              `json:"broadcast,omitempty"`
	End            string              `json:"end"`
	Comment        string              `json:"comment,omitempty"`
	Sites          []Site              `json:"sites"`
}

// Catalog indexes items by the subject they reference.
type Catalog map[SubjectID]CatalogItem

// Checkpoint records which payload the stored catalog was built from.
type Checkpoint struct {
	Hash     string    `json:"hash"`
	UpdateAt time.Time `json:"update_at"`
}

// Changed reports whether a payload hashing to hash differs from the stored one.
func (c Checkpoint) Changed(hash string) bool {
	return c.Hash != hash
}

// EncodeCheckpoint renders c for the key-value table.
func EncodeCheckpoint(c Checkpoint) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// LoadCheckpoint reads the catalog checkpoint from kv. A missing checkpoint
// yields the zero value.
func LoadCheckpoint(ctx context.Context, kv KVStore) (Checkpoint, error) {
	raw, err := kv.GetKV(ctx, CheckpointKey)
	if errors.Is(err, ErrNotFound) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, nil
}
