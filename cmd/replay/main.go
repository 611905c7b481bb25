package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/nmoreau/covenant/internal/config"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/replay"
	"github.com/nmoreau/covenant/internal/store"
)

// #region main
func main() {
	dbPath := flag.String("db", "", "path to covenant.db with recorded metric events")
	fixturePath := flag.String("fixture", "", "replay from an exported fixture JSON instead of a database")
	configPath := flag.String("config", "", "alternate engine config YAML to replay under")
	verbose := flag.Bool("verbose", false, "print every step, not just the summary")
	jsonOut := flag.Bool("json", false, "output as JSON instead of text")
	flag.Parse()

	if (*dbPath == "") == (*fixturePath == "") {
		fmt.Fprintln(os.Stderr, "usage: replay (--db path/to/covenant.db | --fixture fixture.json) [--config engine.yaml] [--verbose] [--json]")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var (
		runConfig replay.Config
		seed      []replay.Entity
		events    []store.MetricEvent
		err       error
	)
	if *fixturePath != "" {
		runConfig, seed, events, err = buildFixtureRun(*fixturePath, cfg)
	} else {
		var s *store.Store
		s, err = store.NewStore(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open db: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()
		runConfig, seed, events, err = buildRun(s, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	results := replay.Run(seed, events, runConfig)
	summary := replay.Summarize(results)

	if *jsonOut {
		out := map[string]interface{}{"summary": summary}
		if *verbose {
			out["steps"] = results
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *verbose {
		printSteps(results)
	}
	printSummary(summary)
}

// #endregion main

// #region fixture
// buildFixtureRun seeds the run from an exported fixture. A --config
// override still wins for scorer parameters and the graph; the fixture
// supplies entities, events, and triggers.
func buildFixtureRun(path string, cfg config.Config) (replay.Config, []replay.Entity, []store.MetricEvent, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	graph, err := cfg.Graph()
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	runConfig := replay.Config{
		Risk:     cfg.RiskScorerConfig(),
		Graph:    graph,
		Triggers: f.TriggerSet(),
	}
	return runConfig, f.Seed(), f.EventStream(), nil
}

// #endregion fixture

// #region build
// buildRun seeds the counterfactual run from the recorded database:
// current entities with their delta history cleared (deltas re-arrive
// as events), stored non-killed policies as triggers, and the full
// retained metric event history.
func buildRun(s *store.Store, cfg config.Config) (replay.Config, []replay.Entity, []store.MetricEvent, error) {
	graph, err := cfg.Graph()
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	runConfig := replay.Config{Risk: cfg.RiskScorerConfig(), Graph: graph}

	pipeline, err := policy.NewPipeline(s.DB(), cfg.PipelineConfig(), nil)
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	policies, err := pipeline.Active()
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	for _, p := range policies {
		runConfig.Triggers = append(runConfig.Triggers, replay.Trigger{
			PolicyID:     p.ID,
			MinRiskLevel: p.Trigger.MinRiskLevel,
			TargetState:  p.Trigger.TargetState,
		})
	}

	entities, err := s.ListEntities()
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	seed := make([]replay.Entity, 0, len(entities))
	for _, e := range entities {
		seed = append(seed, replay.Snapshot(e, nil))
	}

	events, err := s.ListMetricEvents()
	if err != nil {
		return replay.Config{}, nil, nil, err
	}
	return runConfig, seed, events, nil
}

// #endregion build

// #region output
func printSteps(results []replay.StepResult) {
	fmt.Printf("%-36s  %-20s  %-7s  %8s  %-8s  %s\n", "Entity", "Metric", "Action", "Score", "Level", "Fired")
	for _, r := range results {
		fired := ""
		for i, id := range r.Fired {
			if i > 0 {
				fired += ","
			}
			fired += id
		}
		fmt.Printf("%-36s  %-20s  %-7s  %8.2f  %-8s  %s\n",
			r.EntityID, r.MetricName, r.Action, r.Assessment.Score, r.Assessment.Level, fired)
	}
	fmt.Println()
}

func printSummary(s replay.Summary) {
	fmt.Printf("events: %d (folded %d, unknown %d, dropped %d)\n", s.TotalEvents, s.Folded, s.Unknown, s.Dropped)

	ids := make([]string, 0, len(s.Fires))
	for id := range s.Fires {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("policy %s would have fired %d times\n", id, s.Fires[id])
	}

	ents := make([]string, 0, len(s.FinalLevels))
	for id := range s.FinalLevels {
		ents = append(ents, id)
	}
	sort.Strings(ents)
	for _, id := range ents {
		a := s.FinalScores[id]
		fmt.Printf("entity %s ends at %.2f (%s)\n", id, a.Score, a.Level)
	}
}

// #endregion output
