// Package sstable implements the immutable on-disk table format: a sorted
// data file with its index, summary, bloom filter, statistics and digest
// sidecars, written once and then only read or dropped.
package sstable

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Component names the sidecar files making up one table generation.
type Component string

const (
	ComponentData            Component = "Data.db"
	ComponentIndex           Component = "Index.db"
	ComponentSummary         Component = "Summary.db"
	ComponentFilter          Component = "Filter.db"
	ComponentStats           Component = "Statistics.db"
	ComponentDigest          Component = "Digest.db"
	ComponentCompressionInfo Component = "CompressionInfo.db"
	ComponentTOC             Component = "TOC.txt"
)

// Version identifies the on-disk format generation. Versions are ordered
// lexicographically; each flag below reports whether a file of that version
// carries the corresponding stats field, and readers substitute sentinels
// for fields the version predates.
type Version string

const (
	// VersionHF predates promoted row indexes and the tombstone histogram.
	// Readable for stats, not for data.
	VersionHF Version = "hf"
	// VersionIA promoted column indexes into the index file and added the
	// tombstone drop-time histogram.
	VersionIA Version = "ia"
	// VersionIB added the minimum client timestamp.
	VersionIB Version = "ib"

	// CurrentVersion is the format this build writes.
	CurrentVersion = VersionIB
)

func (v Version) Valid() bool {
	if len(v) == 0 || len(v) > 2 {
		return false
	}
	for _, c := range v {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

func (v Version) TracksMinTimestamp() bool { return v >= VersionIB }
func (v Version) TracksTombstones() bool   { return v >= VersionIA }
func (v Version) HasPromotedIndexes() bool { return v >= VersionIA }

// Descriptor names one table generation on disk. Temporary descriptors
// belong to in-progress writers; recovery removes their files.
type Descriptor struct {
	Dir        string
	Keyspace   string
	Table      string
	Version    Version
	Generation int
	Temporary  bool
}

// Filename returns the path of one component of this generation.
func (d Descriptor) Filename(c Component) string {
	return filepath.Join(d.Dir, d.baseName()+"-"+string(c))
}

func (d Descriptor) baseName() string {
	if d.Temporary {
		return fmt.Sprintf("%s-%s-tmp-%s-%d", d.Keyspace, d.Table, d.Version, d.Generation)
	}
	return fmt.Sprintf("%s-%s-%s-%d", d.Keyspace, d.Table, d.Version, d.Generation)
}

func (d Descriptor) String() string {
	return filepath.Join(d.Dir, d.baseName())
}

// AsTemporary returns the in-progress form of this descriptor.
func (d Descriptor) AsTemporary() Descriptor {
	d.Temporary = true
	return d
}

// AsFinal returns the committed form of this descriptor.
func (d Descriptor) AsFinal() Descriptor {
	d.Temporary = false
	return d
}

// ParseFilename recovers the descriptor and component from a component path
// written by Filename. Keyspace and table names must not contain dashes.
func ParseFilename(path string) (Descriptor, Component, error) {
	dir, base := filepath.Split(path)
	parts := strings.Split(base, "-")
	if len(parts) != 5 && len(parts) != 6 {
		return Descriptor{}, "", fmt.Errorf("malformed sstable filename %q", base)
	}

	d := Descriptor{Dir: filepath.Clean(dir), Keyspace: parts[0], Table: parts[1]}
	rest := parts[2:]
	if rest[0] == "tmp" {
		d.Temporary = true
		rest = rest[1:]
	}
	if len(rest) != 3 {
		return Descriptor{}, "", fmt.Errorf("malformed sstable filename %q", base)
	}

	d.Version = Version(rest[0])
	if !d.Version.Valid() {
		return Descriptor{}, "", fmt.Errorf("malformed sstable version in %q", base)
	}
	gen, err := strconv.Atoi(rest[1])
	if err != nil || gen < 0 {
		return Descriptor{}, "", fmt.Errorf("malformed sstable generation in %q", base)
	}
	d.Generation = gen

	c := Component(rest[2])
	switch c {
	case ComponentData, ComponentIndex, ComponentSummary, ComponentFilter,
		ComponentStats, ComponentDigest, ComponentCompressionInfo, ComponentTOC:
	default:
		return Descriptor{}, "", fmt.Errorf("unknown sstable component %q", rest[2])
	}
	return d, c, nil
}
