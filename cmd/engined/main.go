package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nmoreau/covenant/internal/audit"
	"github.com/nmoreau/covenant/internal/config"
	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/engine"
	"github.com/nmoreau/covenant/internal/notify"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
)

// #region env
type processEnv struct {
	DBPath     string `env:"COVENANT_DB" envDefault:"covenant.db"`
	ConfigPath string `env:"COVENANT_CONFIG"`
	NotifyAddr string `env:"COVENANT_NOTIFY_ADDR"`
}

// #endregion env

// #region main
func main() {
	var pe processEnv
	if err := env.Parse(&pe); err != nil {
		log.Fatalf("parse environment: %v", err)
	}

	cfg := config.Default()
	if pe.ConfigPath != "" {
		loaded, err := config.Load(pe.ConfigPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if pe.NotifyAddr != "" {
		cfg.Notify.Enabled = true
		cfg.Notify.Addr = pe.NotifyAddr
	}

	s, err := store.NewStore(pe.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	auditLog, err := audit.NewLog(s.DB())
	if err != nil {
		log.Fatalf("open decision log: %v", err)
	}

	graph, err := cfg.Graph()
	if err != nil {
		log.Fatalf("build graph: %v", err)
	}
	machine := contract.NewMachine(graph, s, cfg.MachineConfig())

	pipeline, err := policy.NewPipeline(s.DB(), cfg.PipelineConfig(), machine)
	if err != nil {
		log.Fatalf("open policy pipeline: %v", err)
	}
	machine.SetTriggerSink(pipeline)

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Notify.Enabled {
		client, err := notify.NewClient(cfg.Notify.Addr, time.Duration(cfg.Notify.TimeoutMS)*time.Millisecond)
		if err != nil {
			log.Fatalf("connect notifier at %s: %v", cfg.Notify.Addr, err)
		}
		defer client.Close()
		publisher = client
	}

	eng := engine.New(s, risk.NewScorer(cfg.RiskScorerConfig()), machine, pipeline, publisher, cfg.ValuationParams())

	fmt.Println("Covenant decision engine ready.")
	fmt.Printf("  DB: %s | automation: %v | notify: %v\n", pe.DBPath, pipeline.Enabled(), cfg.Notify.Enabled)
	fmt.Println("Type 'help' for commands, 'quit' to exit:")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := dispatch(eng, s, auditLog, pipeline, line); err != nil {
			log.Printf("error: %v", err)
		}
	}
}

// #endregion main

// #region dispatch
func dispatch(eng *engine.Engine, s *store.Store, auditLog *audit.Log, pipeline *policy.Pipeline, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
		return nil

	case "create":
		if len(args) < 1 {
			return fmt.Errorf("usage: create <name> [shared-resource]")
		}
		e := store.Entity{Name: args[0]}
		if len(args) > 1 {
			e.SharedResource = args[1]
		}
		created, err := s.CreateEntity(e)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s)\n", created.ID, created.State)
		return nil

	case "list":
		entities, err := s.ListEntities()
		if err != nil {
			return err
		}
		for _, e := range entities {
			fmt.Printf("%-36s  %-18s  v=%.0f  risk=%-8s  %s\n", e.ID, e.State, e.VIndex, e.RiskLevel, e.Name)
		}
		return nil

	case "ingest":
		// One event as JSON: {"entity_id":"...","metric":"mint","value":500000}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "ingest"))
		var in struct {
			EntityID string  `json:"entity_id"`
			Metric   string  `json:"metric"`
			Value    float64 `json:"value"`
		}
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		report, err := eng.IngestMetrics([]store.MetricEvent{{
			EntityID:   in.EntityID,
			MetricName: in.Metric,
			Value:      in.Value,
			Timestamp:  time.Now().UTC(),
		}})
		if err != nil {
			return err
		}
		for _, a := range report.Scored {
			fmt.Printf("%s scored %.2f (%s)\n", a.EntityID, a.Score, a.Level)
		}
		for _, f := range report.Fired {
			action := "shadow"
			if f.Result.Executed {
				action = "executed"
			}
			fmt.Printf("policy %s %s on %s\n", f.PolicyID, action, f.EntityID)
		}
		return nil

	case "propose":
		if len(args) != 2 {
			return fmt.Errorf("usage: propose <entity-id> <target-state>")
		}
		prop, err := eng.ProposeTransition(args[0], contract.State(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("token %s: %s → %s, blast radius %d entities / %.0f revenue\n",
			prop.Token, prop.FromState, prop.TargetState,
			prop.BlastRadius.LinkedEntities, prop.BlastRadius.EstimatedRevenueDelta)
		return nil

	case "commit":
		if len(args) != 2 {
			return fmt.Errorf("usage: commit <token> <approver>")
		}
		entry, err := eng.ApproveTransition(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("committed %s: %s → %s by %s\n", entry.EntityID, entry.FromState, entry.ToState, entry.Approver)
		return nil

	case "discard":
		if len(args) != 1 {
			return fmt.Errorf("usage: discard <token>")
		}
		eng.DiscardProposal(args[0])
		fmt.Println("discarded")
		return nil

	case "policy":
		return dispatchPolicy(pipeline, args)

	case "outcome":
		if len(args) != 2 {
			return fmt.Errorf("usage: outcome <policy-id> <success|failure>")
		}
		pol, err := pipeline.RecordOutcome(args[0], args[1] == "success")
		if err != nil {
			return err
		}
		fmt.Printf("%s: mode=%s confidence=%.3f observations=%d\n", pol.ID, pol.Mode, pol.Confidence, pol.ObservationCount)
		return nil

	case "log":
		limit := 20
		entries, err := auditLog.Recent(limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-36s  %s → %s  [%s] %s\n",
				e.CreatedAt.Format(time.RFC3339), e.EntityID, e.FromState, e.ToState, e.Origin, e.Approver)
		}
		return nil

	case "valuation":
		if len(args) != 1 {
			return fmt.Errorf("usage: valuation <entity-id>")
		}
		v, err := eng.ExitValuation(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("current=%.0f exit=%.0f present=%.0f\n", v.Current, v.Exit, v.PresentValue)
		return nil

	default:
		return fmt.Errorf("unknown command %q, try 'help'", cmd)
	}
}

func dispatchPolicy(pipeline *policy.Pipeline, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: policy <create|list|kill> ...")
	}
	switch args[0] {
	case "create":
		if len(args) != 4 {
			return fmt.Errorf("usage: policy create <name> <min-risk-level> <target-state>")
		}
		level := risk.Level(args[2])
		if !level.Valid() {
			return fmt.Errorf("unknown risk level %q", args[2])
		}
		pol, err := pipeline.Create(args[1], policy.Trigger{
			MinRiskLevel: level,
			TargetState:  contract.State(args[3]),
		})
		if err != nil {
			return err
		}
		fmt.Printf("created policy %s in %s mode\n", pol.ID, pol.Mode)
		return nil

	case "list":
		policies, err := pipeline.List()
		if err != nil {
			return err
		}
		for _, p := range policies {
			fmt.Printf("%-36s  %-9s  conf=%.3f  obs=%-4d  %s@%s → %s\n",
				p.ID, p.Mode, p.Confidence, p.ObservationCount,
				p.Name, p.Trigger.MinRiskLevel, p.Trigger.TargetState)
		}
		return nil

	case "kill":
		if len(args) != 2 {
			return fmt.Errorf("usage: policy kill <policy-id>")
		}
		pol, err := pipeline.Kill(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("killed %s\n", pol.ID)
		return nil

	default:
		return fmt.Errorf("unknown policy command %q", args[0])
	}
}

func printHelp() {
	fmt.Println(`commands:
  create <name> [shared-resource]            register an entity
  list                                       list entities with scores
  ingest {"entity_id":..,"metric":..,"value":..}   run one ingest cycle
  propose <entity-id> <target-state>         open a transition with preview
  commit <token> <approver>                  approve a pending proposal
  discard <token>                            drop a pending proposal
  policy create <name> <min-level> <target>  register a shadow policy
  policy list                                list policies
  policy kill <policy-id>                    kill a shadow/candidate policy
  outcome <policy-id> <success|failure>      record a confirmed outcome
  log                                        recent decision log entries
  valuation <entity-id>                      exit valuation projection
  quit`)
}

// #endregion dispatch
