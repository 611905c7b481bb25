package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nmoreau/covenant/internal/audit"
	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/store"
)

// #region main
func main() {
	dbPath := flag.String("db", "", "path to covenant.db")
	entity := flag.String("entity", "", "show one entity with its decision history")
	last := flag.Int("last", 20, "number of decision log entries to show")
	policies := flag.Bool("policies", false, "show the policy pipeline instead of entities")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/covenant.db [--entity id] [--last N] [--policies] [--json]")
		os.Exit(2)
	}

	s, err := store.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	auditLog, err := audit.NewLog(s.DB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open decision log: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *policies:
		err = runPolicyMode(s, *jsonOut)
	case *entity != "":
		err = runEntityMode(s, auditLog, *entity, *last, *jsonOut)
	default:
		err = runListMode(s, auditLog, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode
type entityRow struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	VIndex       float64 `json:"v_index"`
	RiskScore    float64 `json:"risk_score"`
	RiskLevel    string  `json:"risk_level"`
	Satisfaction float64 `json:"satisfaction"`
}

func runListMode(s *store.Store, auditLog *audit.Log, last int, jsonOut bool) error {
	entities, err := s.ListEntities()
	if err != nil {
		return err
	}
	rows := make([]entityRow, len(entities))
	for i, e := range entities {
		rows[i] = entityRow{
			ID:           e.ID,
			Name:         e.Name,
			State:        string(e.State),
			VIndex:       e.VIndex,
			RiskScore:    e.RiskScore,
			RiskLevel:    string(e.RiskLevel),
			Satisfaction: e.Satisfaction,
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-36s  %-18s  %12s  %8s  %-8s  %s\n", "Entity", "State", "V-Index", "Risk", "Level", "Name")
	for _, r := range rows {
		fmt.Printf("%-36s  %-18s  %12.0f  %8.2f  %-8s  %s\n", r.ID, r.State, r.VIndex, r.RiskScore, r.RiskLevel, r.Name)
	}

	entries, err := auditLog.Recent(last)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Printf("\nRecent decisions:\n")
		printDecisions(entries)
	}
	return nil
}

// #endregion list-mode

// #region entity-mode
func runEntityMode(s *store.Store, auditLog *audit.Log, id string, last int, jsonOut bool) error {
	e, err := s.GetEntity(id)
	if err != nil {
		return err
	}
	entries, err := auditLog.ListByEntity(id, last)
	if err != nil {
		return err
	}
	deltas, err := s.ListDeltas(id)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(map[string]interface{}{
			"entity":    e,
			"decisions": entries,
			"deltas":    deltas,
		})
	}

	fmt.Printf("%s (%s)\n", e.Name, e.ID)
	fmt.Printf("  state=%s  shared_resource=%s\n", e.State, e.SharedResource)
	fmt.Printf("  mint=%.0f  tax=%.0f  periods=%d  satisfaction=%.3f\n", e.Mint, e.Tax, e.PeriodsElapsed, e.Satisfaction)
	fmt.Printf("  v_index=%.0f  risk=%.2f (%s)\n", e.VIndex, e.RiskScore, e.RiskLevel)
	fmt.Printf("  deltas=%d  meta_version=%d  updated=%s\n", len(deltas), e.MetaVersion, e.UpdatedAt.Format(time.RFC3339))

	if len(entries) > 0 {
		fmt.Printf("\nDecisions:\n")
		printDecisions(entries)
	}
	return nil
}

// #endregion entity-mode

// #region policy-mode
func runPolicyMode(s *store.Store, jsonOut bool) error {
	// Read-only view; the pipeline never executes here, so no machine.
	pipeline, err := policy.NewPipeline(s.DB(), policy.DefaultConfig(), nil)
	if err != nil {
		return err
	}
	policies, err := pipeline.List()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(policies)
	}

	fmt.Printf("%-36s  %-9s  %10s  %5s  %5s  %s\n", "Policy", "Mode", "Confidence", "Obs", "Wins", "Trigger")
	for _, p := range policies {
		fmt.Printf("%-36s  %-9s  %10.3f  %5d  %5d  %s@%s → %s\n",
			p.ID, p.Mode, p.Confidence, p.ObservationCount, p.SuccessCount,
			p.Name, p.Trigger.MinRiskLevel, p.Trigger.TargetState)
	}
	return nil
}

// #endregion policy-mode

// #region output
func printDecisions(entries []contract.LogEntry) {
	fmt.Printf("%-24s  %-36s  %-18s  %-18s  %-7s  %s\n", "Time", "Entity", "From", "To", "Origin", "Approver")
	for _, e := range entries {
		fmt.Printf("%-24s  %-36s  %-18s  %-18s  %-7s  %s\n",
			e.CreatedAt.Format(time.RFC3339), e.EntityID, e.FromState, e.ToState, e.Origin, e.Approver)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion output
