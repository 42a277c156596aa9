package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/dd0wney/cluso-tablestore/pkg/column"
	"github.com/dd0wney/cluso-tablestore/pkg/compaction"
	"github.com/dd0wney/cluso-tablestore/pkg/config"
	"github.com/dd0wney/cluso-tablestore/pkg/partition"
	"github.com/dd0wney/cluso-tablestore/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	dataDir := flag.String("data-dir", "./data/bench", "Data directory (overrides config)")
	writes := flag.Int("writes", 100000, "Number of rows to write")
	reads := flag.Int("reads", 10000, "Number of random reads")
	deletes := flag.Int("deletes", 5000, "Number of row deletes")
	columns := flag.Int("columns", 5, "Columns per row")
	valueSize := flag.Int("value-size", 256, "Cell value size in bytes")
	flag.Parse()

	fmt.Printf("🔥 Cluso TableStore - Storage Benchmark\n")
	fmt.Printf("=======================================\n\n")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg.Keyspace = "bench"
		cfg.Table = "load"
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Keyspace/Table: %s/%s\n", cfg.Keyspace, cfg.Table)
	fmt.Printf("  Data Dir: %s\n", cfg.DataDir)
	fmt.Printf("  Writes: %d rows x %d columns\n", *writes, *columns)
	fmt.Printf("  Reads: %d\n", *reads)
	fmt.Printf("  Deletes: %d\n", *deletes)
	fmt.Printf("  Value Size: %d bytes\n\n", *valueSize)

	fmt.Printf("📂 Opening store...\n")
	st, err := store.Open(store.Env{Config: cfg})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	p, err := partition.ByName(cfg.Partitioner)
	if err != nil {
		log.Fatalf("Unknown partitioner: %v", err)
	}
	cmp := column.BytesComparator{}
	key := func(i int) partition.DecoratedKey {
		return partition.Decorate(p, []byte(fmt.Sprintf("row-%08d", i)))
	}

	value := make([]byte, *valueSize)
	rand.Read(value)

	// Write benchmark
	fmt.Printf("\n📝 Benchmark 1: Sequential Writes\n")
	start := time.Now()
	for i := 0; i < *writes; i++ {
		row := column.NewRow(cmp)
		for c := 0; c < *columns; c++ {
			name := []byte(fmt.Sprintf("col-%d", c))
			row.AddCell(column.NewLive(name, value, int64(i+1)))
		}
		if err := st.Apply(key(i), row); err != nil {
			log.Fatalf("Failed to write row %d: %v", i, err)
		}
		if (i+1)%10000 == 0 {
			fmt.Printf("  Written %d rows...\n", i+1)
		}
	}
	duration := time.Since(start)
	fmt.Printf("✅ Completed %d writes in %v\n", *writes, duration)
	fmt.Printf("  🚀 Throughput: %.0f rows/sec\n", float64(*writes)/duration.Seconds())

	fmt.Printf("\n💾 Flushing memtable...\n")
	if err := st.Flush(); err != nil {
		log.Fatalf("Flush failed: %v", err)
	}

	// Read benchmark
	fmt.Printf("\n📖 Benchmark 2: Random Reads\n")
	start = time.Now()
	found := 0
	for i := 0; i < *reads; i++ {
		row, err := st.GetRow(key(rand.Intn(*writes)))
		if err != nil {
			log.Fatalf("Read failed: %v", err)
		}
		if row != nil {
			found++
		}
	}
	duration = time.Since(start)
	fmt.Printf("✅ Completed %d reads in %v\n", *reads, duration)
	fmt.Printf("  ✅ Found: %d/%d\n", found, *reads)
	fmt.Printf("  🚀 Throughput: %.0f reads/sec\n", float64(*reads)/duration.Seconds())

	// Delete benchmark
	fmt.Printf("\n🗑️  Benchmark 3: Row Deletes\n")
	now := time.Now()
	start = now
	for i := 0; i < *deletes; i++ {
		row := column.NewRow(cmp)
		row.Delete(column.DeletionTime{
			MarkedForDeleteAt: int64(*writes + i + 1),
			LocalDeletionTime: int32(now.Unix()),
		})
		if err := st.Apply(key(rand.Intn(*writes)), row); err != nil {
			log.Fatalf("Delete failed: %v", err)
		}
	}
	duration = time.Since(start)
	fmt.Printf("✅ Completed %d deletes in %v\n", *deletes, duration)
	fmt.Printf("  🚀 Throughput: %.0f deletes/sec\n", float64(*deletes)/duration.Seconds())

	if err := st.Flush(); err != nil {
		log.Fatalf("Flush failed: %v", err)
	}

	// Compaction
	fmt.Printf("\n🧹 Benchmark 4: Major Compaction\n")
	start = time.Now()
	if err := st.ForceMajorCompaction(); err != nil {
		log.Fatalf("Compaction failed: %v", err)
	}
	fmt.Printf("✅ Compacted in %v\n", time.Since(start))

	// Final layout
	fmt.Printf("\n📊 Final Level Layout\n")
	fmt.Printf("=====================\n")
	m := st.Manifest()
	for level := 0; level < compaction.MaxLevels; level++ {
		if m.LevelCount(level) == 0 {
			continue
		}
		fmt.Printf("  L%d: %d tables, %.2f MB\n",
			level, m.LevelCount(level), float64(m.LevelBytes(level))/(1024*1024))
	}

	fmt.Printf("\n✅ Benchmark complete!\n")
}
