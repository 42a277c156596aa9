// Package store ties the engine together: the active memtable, the flushed
// table set, the leveled manifest and the flush and compaction executors,
// all published to readers as immutable view snapshots.
package store

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/config"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/metrics"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrStoreWriteHalted is returned once a flush has exhausted every
	// writeable location. Reads keep working; writes are refused until the
	// operator intervenes and reopens the store.
	ErrStoreWriteHalted = errors.New("store writes halted: no writeable data location")
)

// Disk hands out directories for new table generations. The flush path asks
// with its space estimate so a multi-directory implementation can balance.
type Disk interface {
	WriteableLocation(estBytes int64) (string, error)
}

// SingleDir is a Disk backed by one directory.
type SingleDir struct {
	Path string
}

func (d SingleDir) WriteableLocation(int64) (string, error) { return d.Path, nil }

// Env carries everything a store consumes from its surroundings. Nothing in
// the engine reaches for process globals; a zero field falls back to a
// stated default in Open.
type Env struct {
	// Partitioner defaults to the one named in Config.
	Partitioner partition.Partitioner

	// Comparator orders cell names. Defaults to BytesComparator.
	Comparator column.Comparator

	// CommitLog supplies replay positions at memtable switch and receives
	// ordered flush notifications. Defaults to NopLog.
	CommitLog commitlog.Log

	// Disk picks directories for new generations. Defaults to a SingleDir
	// over Config.DataDir.
	Disk Disk

	// Clock supplies domain time for gcBefore and shard-merge bounds.
	// Defaults to time.Now.
	Clock func() time.Time

	// Indexer observes memtable inserts and compaction replacements for
	// secondary index maintenance. Defaults to NopIndexer.
	Indexer column.Indexer

	// Metrics defaults to a fresh registry.
	Metrics *metrics.Registry

	// Logger defaults to the process default logger.
	Logger logging.Logger

	Config config.Config
}

func (e Env) withDefaults() (Env, error) {
	if e.Config.Keyspace == "" {
		e.Config = config.Default()
	}
	if err := e.Config.Validate(); err != nil {
		return Env{}, err
	}
	if e.Partitioner == nil {
		p, err := partition.ByName(e.Config.Partitioner)
		if err != nil {
			return Env{}, err
		}
		e.Partitioner = p
	}
	if e.Comparator == nil {
		e.Comparator = column.BytesComparator{}
	}
	if e.CommitLog == nil {
		e.CommitLog = commitlog.NopLog{}
	}
	if e.Disk == nil {
		e.Disk = SingleDir{Path: e.Config.DataDir}
	}
	if e.Clock == nil {
		e.Clock = time.Now
	}
	if e.Indexer == nil {
		e.Indexer = column.NopIndexer{}
	}
	if e.Metrics == nil {
		e.Metrics = metrics.NewRegistry()
	}
	if e.Logger == nil {
		e.Logger = logging.DefaultLogger()
	}
	e.Logger = e.Logger.With(
		logging.Keyspace(e.Config.Keyspace),
		logging.Table(e.Config.Table))
	return e, nil
}
