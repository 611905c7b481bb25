package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
)

// #region main
func main() {
	dbPath := flag.String("db", "", "path to covenant.db")
	windowMinutes := flag.Float64("window", 60, "co-movement window in minutes")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: bootstrap-links --db path/to/covenant.db [--window minutes]")
		os.Exit(2)
	}

	s, err := store.NewStore(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer s.Close()

	entities, err := s.ListEntities()
	if err != nil {
		log.Fatalf("list entities: %v", err)
	}

	fmt.Println("=== Linkage Bootstrap Tool ===")
	fmt.Printf("  DB: %s | entities: %d | window: %.0f min\n", *dbPath, len(entities), *windowMinutes)

	// Phase 1: entities on the same shared resource are linked; a
	// transition on one is exposure for the others.
	fmt.Println("\n--- Phase 1: Shared Resource Edges ---")
	byResource := make(map[string][]store.Entity)
	for _, e := range entities {
		if e.SharedResource != "" {
			byResource[e.SharedResource] = append(byResource[e.SharedResource], e)
		}
	}
	resourceCount := 0
	for resource, group := range byResource {
		for i := 0; i < len(group)-1; i++ {
			for j := i + 1; j < len(group); j++ {
				if err := s.AddLinkage(group[i].ID, group[j].ID, "shared_resource", 0.5); err != nil {
					log.Printf("edge error on %s: %v", resource, err)
					continue
				}
				resourceCount++
			}
		}
	}
	fmt.Printf("  Total shared_resource edges: %d\n", resourceCount)

	// Phase 2: entities whose deltas land in the same category within
	// the window move together; repeated co-movement accumulates weight.
	fmt.Println("\n--- Phase 2: Co-Movement Edges ---")

	type timedDelta struct {
		EntityID string
		At       time.Time
	}
	byCategory := make(map[risk.Category][]timedDelta)
	for _, e := range entities {
		deltas, err := s.ListDeltas(e.ID)
		if err != nil {
			log.Printf("list deltas for %s: %v", e.ID, err)
			continue
		}
		for _, d := range deltas {
			byCategory[d.Category] = append(byCategory[d.Category], timedDelta{EntityID: e.ID, At: d.Timestamp})
		}
	}

	coMovementCount := 0
	window := time.Duration(*windowMinutes * float64(time.Minute))
	for _, timed := range byCategory {
		sort.Slice(timed, func(i, j int) bool { return timed[i].At.Before(timed[j].At) })
		for i := 0; i < len(timed)-1; i++ {
			for j := i + 1; j < len(timed); j++ {
				gap := timed[j].At.Sub(timed[i].At)
				if gap > window {
					break // sorted, all subsequent gaps are wider
				}
				if timed[i].EntityID == timed[j].EntityID {
					continue
				}
				// Closer co-movement means a stronger edge, 0.1 at zero gap.
				weight := 0.1 * math.Exp(-gap.Minutes() / *windowMinutes)
				if weight < 0.01 {
					continue
				}
				if err := s.IncrementLinkage(timed[i].EntityID, timed[j].EntityID, "co_movement", weight); err != nil {
					log.Printf("co-movement edge error: %v", err)
					continue
				}
				coMovementCount++
			}
		}
	}
	fmt.Printf("  Total co_movement increments: %d\n", coMovementCount)

	fmt.Printf("\n=== Bootstrap Complete ===\n")
	fmt.Printf("  Shared resource edges: %d\n", resourceCount)
	fmt.Printf("  Co-movement increments: %d\n", coMovementCount)
}

// #endregion main
