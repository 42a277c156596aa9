package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

func main() {
	keys := flag.Bool("keys", false, "Open each table and print its key range")
	gcGrace := flag.Int("gc-grace", 864000, "Grace seconds for the droppable tombstone estimate")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: tablestore-inspect [-keys] <sstable file or data dir>...\n")
		os.Exit(2)
	}

	seen := make(map[string]bool)
	for _, arg := range flag.Args() {
		for _, desc := range descriptorsAt(arg) {
			if seen[desc.String()] {
				continue
			}
			seen[desc.String()] = true
			inspect(desc, *keys, int32(time.Now().Unix())-int32(*gcGrace))
		}
	}
}

// descriptorsAt resolves one CLI argument into table descriptors. A directory
// yields every complete table in it; a file yields its own table.
func descriptorsAt(arg string) []sstable.Descriptor {
	info, err := os.Stat(arg)
	if err != nil {
		log.Fatalf("Cannot stat %s: %v", arg, err)
	}
	if !info.IsDir() {
		desc, _, err := sstable.ParseFilename(arg)
		if err != nil {
			log.Fatalf("Not an sstable component: %v", err)
		}
		return []sstable.Descriptor{desc}
	}

	entries, err := os.ReadDir(arg)
	if err != nil {
		log.Fatalf("Cannot read %s: %v", arg, err)
	}
	var descs []sstable.Descriptor
	for _, e := range entries {
		desc, comp, err := sstable.ParseFilename(filepath.Join(arg, e.Name()))
		if err != nil || desc.Temporary || comp != sstable.ComponentData {
			continue
		}
		descs = append(descs, desc)
	}
	return descs
}

func inspect(desc sstable.Descriptor, withKeys bool, gcBefore int32) {
	stats, err := sstable.ReadTableStats(desc)
	if err != nil {
		log.Fatalf("Failed to read stats for %s: %v", desc, err)
	}

	fmt.Printf("SSTable: %s\n", desc)
	fmt.Printf("  Version: %s  Generation: %d\n", desc.Version, desc.Generation)
	fmt.Printf("  Partitioner: %s\n", stats.Partitioner)
	fmt.Printf("  Replay Position: %s\n", stats.ReplayPosition)
	fmt.Printf("  Timestamps: min=%d max=%d\n", stats.MinTimestamp, stats.MaxTimestamp)
	fmt.Printf("  Compression Ratio: %.4f\n", stats.CompressionRatio)
	fmt.Printf("  Ancestors: %v\n", stats.Ancestors)
	fmt.Printf("  Row Size: count=%d mean=%d p50=%d p95=%d max=%d\n",
		stats.RowSizeHistogram.Count(),
		stats.RowSizeHistogram.Mean(),
		stats.RowSizeHistogram.Percentile(0.5),
		stats.RowSizeHistogram.Percentile(0.95),
		stats.RowSizeHistogram.Max())
	fmt.Printf("  Columns Per Row: count=%d mean=%d p95=%d\n",
		stats.ColumnCountHistogram.Count(),
		stats.ColumnCountHistogram.Mean(),
		stats.ColumnCountHistogram.Percentile(0.95))
	fmt.Printf("  Droppable Tombstones: %.2f%%\n",
		stats.DroppableTombstoneRatio(gcBefore)*100)

	if withKeys {
		p, err := partition.ByName(stats.Partitioner)
		if err != nil {
			log.Fatalf("Cannot open %s: %v", desc, err)
		}
		r, err := sstable.Open(desc, sstable.OpenOptions{
			Partitioner: p,
			Comparator:  column.BytesComparator{},
		})
		if err != nil {
			log.Fatalf("Failed to open %s: %v", desc, err)
		}
		fmt.Printf("  Keys: %d rows, %.2f MB data\n",
			r.KeyCount(), float64(r.DataSize())/(1024*1024))
		fmt.Printf("  Range: %x .. %x\n", r.First().Key, r.Last().Key)
		r.Unref()
	}
	fmt.Println()
}
