package raft

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// PersistenceControl selects between a disabled (discarding) backend and an
// enabled (durable) one. It starts disabled; BecomePersistent switches to the
// enabled backend for the rest of the run. Callers always go through
// EntryStore and SnapshotStore, so the switch needs no changes at call sites.
type PersistenceControl struct {
	mu         sync.RWMutex
	disabled   Storage
	enabled    Storage
	persistent bool
}

// NewPersistenceControl returns a control that starts on disabled. A nil
// disabled backend is replaced by NewDisabledStorage.
func NewPersistenceControl(disabled, enabled Storage) *PersistenceControl {
	if disabled == nil {
		disabled = NewDisabledStorage()
	}
	return &PersistenceControl{disabled: disabled, enabled: enabled}
}

// NewPersistentControl returns a control that is already on the enabled backend.
func NewPersistentControl(enabled Storage) *PersistenceControl {
	c := NewPersistenceControl(nil, enabled)
	c.BecomePersistent()
	return c
}

func (c *PersistenceControl) active() Storage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.persistent {
		return c.enabled
	}
	return c.disabled
}

// EntryStore returns the active entry store.
func (c *PersistenceControl) EntryStore() EntryStore {
	return c.active()
}

// SnapshotStore returns the active snapshot store.
func (c *PersistenceControl) SnapshotStore() SnapshotStore {
	return c.active()
}

// BecomePersistent switches to the enabled backend. It returns false when the
// control is already persistent or has no enabled backend.
func (c *PersistenceControl) BecomePersistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent || c.enabled == nil {
		return false
	}
	c.persistent = true
	return true
}

// IsPersistent reports whether the enabled backend is active.
func (c *PersistenceControl) IsPersistent() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persistent
}

// Close closes both backends.
func (c *PersistenceControl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result *multierror.Error
	if err := c.disabled.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.enabled != nil {
		if err := c.enabled.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
