package config

import (
	"maps"

	"github.com/MrWong99/purrvoice/pkg/audio/filter"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	FiltersChanged  bool         // true if any filter was added, removed or edited
	FilterChanges   []FilterDiff // per-filter diffs, in the new config's order
	OrderChanged    bool         // true if surviving filters were reordered
	LogLevelChanged bool
	NewLogLevel     LogLevel
	MutedChanged    bool
	Muted           bool
	LoopbackChanged bool
	Loopback        bool
}

// FilterDiff describes what changed for a single filter between two configs.
type FilterDiff struct {
	ID              string
	Added           bool
	Removed         bool
	KindChanged     bool
	StageChanged    bool
	StrengthChanged bool
	ParamsChanged   bool
}

// Replaces reports whether the change can only be applied by rebuilding the
// entry rather than editing it in place.
func (d FilterDiff) Replaces() bool {
	return d.Added || d.Removed || d.KindChanged || d.StageChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.Muted != new.Voice.Muted {
		d.MutedChanged = true
		d.Muted = new.Voice.Muted
	}
	if old.Voice.Loopback != new.Voice.Loopback {
		d.LoopbackChanged = true
		d.Loopback = new.Voice.Loopback
	}

	oldFilters := make(map[string]*filter.Spec, len(old.Filters))
	for i := range old.Filters {
		oldFilters[old.Filters[i].ID] = &old.Filters[i]
	}
	newFilters := make(map[string]*filter.Spec, len(new.Filters))
	for i := range new.Filters {
		newFilters[new.Filters[i].ID] = &new.Filters[i]
	}

	// Added and modified, in new order.
	var kept []string
	for i := range new.Filters {
		n := &new.Filters[i]
		o, exists := oldFilters[n.ID]
		if !exists {
			d.FilterChanges = append(d.FilterChanges, FilterDiff{ID: n.ID, Added: true})
			continue
		}
		kept = append(kept, n.ID)
		fd := diffFilter(o, n)
		if fd.KindChanged || fd.StageChanged || fd.StrengthChanged || fd.ParamsChanged {
			d.FilterChanges = append(d.FilterChanges, fd)
		}
	}

	// Removed.
	for i := range old.Filters {
		id := old.Filters[i].ID
		if _, exists := newFilters[id]; !exists {
			d.FilterChanges = append(d.FilterChanges, FilterDiff{ID: id, Removed: true})
		}
	}

	// Order of the surviving entries.
	j := 0
	for i := range old.Filters {
		id := old.Filters[i].ID
		if _, exists := newFilters[id]; !exists {
			continue
		}
		if j >= len(kept) || kept[j] != id {
			d.OrderChanged = true
			break
		}
		j++
	}

	d.FiltersChanged = len(d.FilterChanges) > 0 || d.OrderChanged
	return d
}

// diffFilter compares two filter specs with the same id.
func diffFilter(old, new *filter.Spec) FilterDiff {
	fd := FilterDiff{ID: new.ID}

	if old.Kind != new.Kind {
		fd.KindChanged = true
	}
	if old.Stage != new.Stage {
		fd.StageChanged = true
	}
	if old.Strength != new.Strength {
		fd.StrengthChanged = true
	}
	if !maps.Equal(old.Params, new.Params) {
		fd.ParamsChanged = true
	}

	return fd
}
