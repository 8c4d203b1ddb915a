package model

import (
	"slices"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/samber/lo"
)

// Snapshot is the reconstructed live state across all feeds.
//
// Feeds holds the generic JSON tree as produced by ojg (map[string]any, []any,
// int64, float64, string, bool, nil). A published Snapshot is never modified;
// the store builds a new tree for every applied message.
type Snapshot struct {
	Feeds     map[string]any
	UpdatedAt time.Time
}

func EmptySnapshot() Snapshot {
	return Snapshot{Feeds: map[string]any{}}
}

func (s Snapshot) Feed(name Feed) (any, bool) {
	v, ok := s.Feeds[string(name)]
	return v, ok
}

func (s Snapshot) Has(name Feed) bool {
	_, ok := s.Feeds[string(name)]
	return ok
}

// Keys returns the populated feed names in sorted order
func (s Snapshot) Keys() []string {
	keys := lo.Keys(s.Feeds)
	slices.Sort(keys)
	return keys
}

func (s Snapshot) Empty() bool {
	return len(s.Feeds) == 0
}

// lookup returns the first match of the path or nil
func (s Snapshot) lookup(x jp.Expr) any {
	res := x.Get(s.Feeds)
	if len(res) == 0 {
		return nil
	}
	return res[0]
}
