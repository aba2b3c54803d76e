package app

import (
	raftconsensus "github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft/durable"
)

// OpenStorage opens the durable backend under the data dir and wraps it in a
// persistence control. With Persistent unset the node starts on the disabled
// backend and keeps the durable one for a later BecomePersistent.
func OpenStorage(cfg Config, logger Logger) (*raftconsensus.PersistenceControl, error) {
	enabled, err := durable.Open(cfg.DataDir, durable.Options{
		Codec:  cfg.JournalCodec,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Persistent {
		return raftconsensus.NewPersistentControl(enabled), nil
	}
	return raftconsensus.NewPersistenceControl(nil, enabled), nil
}
