package scheduler

import (
	"sort"
	"time"

	"github.com/t77yq/natsbeat/internal/model"
)

// Table maps entry name to its current generation.
type Table map[string]*Entry

// Names returns the entry names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// merge builds entries for defs into t, overwriting same-name entries.
func (t Table) merge(defs map[string]model.PeriodicTask, now time.Time) error {
	for name, def := range defs {
		def.Name = name
		e, err := NewEntry(def, now)
		if err != nil {
			return err
		}
		t[name] = e
	}
	return nil
}

// DefaultEntries returns the built-in entries. The backend cleanup entry is
// only included when results expire.
func DefaultEntries(resultExpires time.Duration) map[string]model.PeriodicTask {
	defs := make(map[string]model.PeriodicTask)
	if resultExpires > 0 {
		defs[backendCleanupName] = model.PeriodicTask{
			Name:     backendCleanupName,
			Task:     backendCleanupName,
			Type:     "crontab",
			Schedule: backendCleanupSchedule,
			Expires:  model.Duration(backendCleanupExpires),
		}
	}
	return defs
}
