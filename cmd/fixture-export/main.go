package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nmoreau/covenant/internal/config"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/replay"
	"github.com/nmoreau/covenant/internal/store"
)

// #region main
func main() {
	dbPath := flag.String("db", "", "path to covenant.db")
	outPath := flag.String("out", "", "output fixture JSON path")
	description := flag.String("description", "", "fixture description")
	flag.Parse()

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/covenant.db --out path/to/fixture.json [--description text]")
		os.Exit(2)
	}

	if err := run(*dbPath, *outPath, *description); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export
func run(dbPath, outPath, description string) error {
	s, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer s.Close()

	fixture, err := replay.Export(s, description)
	if err != nil {
		return err
	}

	// Carry the stored non-killed policies along as fixture triggers so
	// the replay answers the same question the live engine was asking.
	pipeline, err := policy.NewPipeline(s.DB(), config.Default().PipelineConfig(), nil)
	if err != nil {
		return err
	}
	policies, err := pipeline.Active()
	if err != nil {
		return err
	}
	for _, p := range policies {
		fixture.Triggers = append(fixture.Triggers, replay.FixtureTrigger{
			PolicyID:     p.ID,
			MinRiskLevel: string(p.Trigger.MinRiskLevel),
			TargetState:  string(p.Trigger.TargetState),
		})
	}

	if err := replay.SaveFixture(outPath, fixture); err != nil {
		return err
	}
	fmt.Printf("exported %d entities, %d events, %d triggers to %s\n",
		len(fixture.Entities), len(fixture.Events), len(fixture.Triggers), outPath)
	return nil
}

// #endregion export
