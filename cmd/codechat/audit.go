package codechat

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/codechat-universal/codechat/pkg/audit"
	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the audit log",
	RunE:  runAudit,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit entries older than the retention window",
	RunE:  runAuditPrune,
}

var (
	auditEventType string
	auditComponent string
	auditActor     string
	auditLimit     int
	auditSince     string
	auditUntil     string
	auditJSON      bool

	auditOlderThan time.Duration
)

func init() {
	auditCmd.Flags().StringVar(&auditEventType, "type", "", "filter by event type (e.g. policy_deny, sandbox_exec)")
	auditCmd.Flags().StringVar(&auditComponent, "component", "", "filter by component (sandbox, orchestrator, credentials)")
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "filter by actor (system, cli, scheduler)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of entries")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "show entries since (YYYY-MM-DD or RFC 3339)")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "show entries until (YYYY-MM-DD or RFC 3339)")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "print entries as JSON lines")

	auditPruneCmd.Flags().DurationVar(&auditOlderThan, "older-than", 0, "age cut-off (default: audit.retention from config)")
	auditCmd.AddCommand(auditPruneCmd)
}

// parseAuditTime accepts a date, taken as local midnight, or an RFC 3339
// timestamp.
func parseAuditTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{
		EventType: auditEventType,
		Component: auditComponent,
		Actor:     auditActor,
		Limit:     auditLimit,
	}
	if auditSince != "" {
		t, err := parseAuditTime(auditSince)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		filter.Since = t.UTC()
	}
	if auditUntil != "" {
		t, err := parseAuditTime(auditUntil)
		if err != nil {
			return fmt.Errorf("--until: %w", err)
		}
		filter.Until = t.UTC()
	}

	db, auditLog, err := openStore(config.Current())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	entries, err := auditLog.Query(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	for _, e := range entries {
		ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] %-16s %-13s actor=%-9s %s\n",
			ts, e.EventType, e.Component, e.Actor, e.Detail,
		)
	}

	fmt.Printf("\n%d entries\n", len(entries))
	return nil
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	cfg := config.Current()
	keep := auditOlderThan
	if keep == 0 {
		keep = cfg.AuditRetention()
	}
	if keep <= 0 {
		return fmt.Errorf("no retention configured; pass --older-than")
	}

	db, auditLog, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	n, err := auditLog.Prune(ctx, time.Now().Add(-keep))
	if err != nil {
		return err
	}
	if n > 0 {
		_ = auditLog.Log(ctx, audit.EventAuditPrune, "audit", "cli", map[string]int64{"deleted": n})
	}
	fmt.Printf("deleted %d entries older than %s\n", n, keep)
	return nil
}
