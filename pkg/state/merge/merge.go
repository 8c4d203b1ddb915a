// Package merge applies partial feed updates to the stored feed values.
//
// The behavior per path is configured by an explicit rule table. Paths are the
// dot-joined object keys starting at the feed name, e.g. "TimingData.Lines".
// Merging never modifies its inputs; changed branches are copied and unchanged
// branches are shared with the previous value.
package merge

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/mpapenbr/livetiming-go/log"
)

type Kind int

const (
	// Replace stores the update value wholesale. This applies to all paths
	// without a rule.
	Replace Kind = iota
	// Fields merges an object key by key, each child path resolved by its own rule.
	Fields
	// Keyed is a dictionary keyed by a stable id (racing number). Each entry of
	// the update replaces the stored entry wholesale, other entries are kept.
	Keyed
	// Indexed is a list. A list update replaces the list, an object update with
	// integer keys replaces existing elements or appends the next one. Keys
	// beyond the end of the list are skipped.
	Indexed
)

func (k Kind) String() string {
	switch k {
	case Replace:
		return "replace"
	case Fields:
		return "fields"
	case Keyed:
		return "keyed"
	case Indexed:
		return "indexed"
	default:
		return "unknown"
	}
}

// Rules maps a path to its merge kind
type Rules map[string]Kind

// keyFrameMarker is sent inside keyed dictionaries by the feed and carries no data
const keyFrameMarker = "_kf"

// DefaultRules covers the dictionary and list valued feeds of a live timing session
func DefaultRules() Rules {
	return Rules{
		"DriverList":                   Keyed,
		"TimingData":                   Fields,
		"TimingData.Lines":             Keyed,
		"TimingAppData":                Fields,
		"TimingAppData.Lines":          Keyed,
		"TimingStats":                  Fields,
		"TimingStats.Lines":            Keyed,
		"RaceControlMessages":          Fields,
		"RaceControlMessages.Messages": Indexed,
		"SessionData":                  Fields,
		"SessionData.Series":           Indexed,
		"SessionData.StatusSeries":     Indexed,
		"TeamRadio":                    Fields,
		"TeamRadio.Captures":           Indexed,
		"TopThree":                     Fields,
		"TopThree.Lines":               Indexed,
	}
}

func (r Rules) kind(path string) Kind {
	if k, ok := r[path]; ok {
		return k
	}
	return Replace
}

// Feed merges the update for the given feed into the current value (which may be nil).
func (r Rules) Feed(name string, current, update any) any {
	return r.merge(name, current, update)
}

func (r Rules) merge(path string, current, update any) any {
	switch r.kind(path) {
	case Fields:
		cur, curOk := current.(map[string]any)
		upd, updOk := update.(map[string]any)
		if !updOk {
			return update
		}
		if !curOk {
			cur = map[string]any{}
		}
		ret := shallowCopy(cur, len(upd))
		for k, v := range upd {
			ret[k] = r.merge(path+"."+k, cur[k], v)
		}
		return ret

	case Keyed:
		cur, curOk := current.(map[string]any)
		upd, updOk := update.(map[string]any)
		if !updOk {
			return update
		}
		if !curOk {
			cur = map[string]any{}
		}
		ret := shallowCopy(cur, len(upd))
		for k, v := range upd {
			if k == keyFrameMarker {
				continue
			}
			ret[k] = v
		}
		delete(ret, keyFrameMarker)
		return ret

	case Indexed:
		upd, updOk := update.(map[string]any)
		if !updOk {
			return update
		}
		return mergeIndexed(current, upd)

	default:
		return update
	}
}

func mergeIndexed(current any, upd map[string]any) []any {
	var cur []any
	switch t := current.(type) {
	case []any:
		cur = t
	case map[string]any:
		// a previous index-keyed object that was never a list
		cur = mergeIndexed(nil, t)
	}
	type entry struct {
		i int
		v any
	}
	entries := make([]entry, 0, len(upd))
	for k, v := range upd {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			continue
		}
		entries = append(entries, entry{i, v})
	}
	slices.SortFunc(entries, func(a, b entry) int { return cmp.Compare(a.i, b.i) })
	ret := slices.Clone(cur)
	for _, e := range entries {
		i, v := e.i, e.v
		switch {
		case i < len(ret):
			ret[i] = v
		case i == len(ret):
			ret = append(ret, v)
		default:
			// only existing elements are replaced and only the next one appended
			log.Debug("skipping index beyond list end",
				log.Int("index", i), log.Int("len", len(ret)))
		}
	}
	if ret == nil {
		ret = []any{}
	}
	return ret
}

func shallowCopy(m map[string]any, extra int) map[string]any {
	ret := make(map[string]any, len(m)+extra)
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
