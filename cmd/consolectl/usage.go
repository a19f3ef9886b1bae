package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/db"
	"assistantconsole/internal/entitlement"
	"assistantconsole/internal/types"
)

func parseAction(raw string) (types.ActionKind, error) {
	a := types.ActionKind(strings.TrimSpace(raw))
	if !a.IsValid() {
		names := make([]string, len(types.AllActions))
		for i, known := range types.AllActions {
			names[i] = string(known)
		}
		return "", fmt.Errorf("unknown action %q (want one of %s)", raw, strings.Join(names, ", "))
	}
	return a, nil
}

func parsePlan(raw string) (types.PlanID, error) {
	p, ok := billing.ParsePlanID(raw)
	if !ok {
		return "", fmt.Errorf("unknown plan %q", raw)
	}
	return p, nil
}

func formatQuota(q types.Quota) string {
	if q.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(int(q))
}

func formatRemaining(left *int) string {
	if left == nil {
		return "unlimited"
	}
	return strconv.Itoa(*left)
}

func formatPrice(def types.PlanDefinition) string {
	if def.PriceMinor == 0 {
		return "free"
	}
	return fmt.Sprintf("%d.%02d %s", def.PriceMinor/100, def.PriceMinor%100, def.Currency)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPlansCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans := billing.NewStaticCatalog().Plans()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), plans)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := []string{"PLAN", "NAME", "PRICE", "CYCLE", "TRIAL"}
			for _, a := range types.AllActions {
				header = append(header, strings.ToUpper(string(a)))
			}
			fmt.Fprintln(tw, strings.Join(header, "\t"))
			for _, def := range plans {
				row := []string{string(def.ID), def.DisplayName, formatPrice(def), string(def.Cycle), "-"}
				if def.TrialDays > 0 {
					row[4] = fmt.Sprintf("%dd", def.TrialDays)
				}
				for _, a := range types.AllActions {
					row = append(row, formatQuota(def.Quotas[a]))
				}
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and update today's usage counters",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print today's counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			counters := store.Load(commandContext(cmd))
			fmt.Fprintf(cmd.OutOrStdout(), "date: %s\n", counters.Date)
			for _, a := range types.AllActions {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", a, counters.Used(a))
			}
			return nil
		},
	}

	record := &cobra.Command{
		Use:   "record <action>",
		Short: "Count one use of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := parseAction(args[0])
			if err != nil {
				return err
			}
			store, closeStore, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			counters, err := store.Record(commandContext(cmd), action)
			if err != nil {
				return fmt.Errorf("recording %s: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d today\n", action, counters.Used(action))
			return nil
		},
	}

	var plan string
	remaining := &cobra.Command{
		Use:   "remaining <action>",
		Short: "Print how many uses of an action are left today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := parseAction(args[0])
			if err != nil {
				return err
			}
			planID, err := parsePlan(plan)
			if err != nil {
				return err
			}
			store, closeStore, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			quota := billing.NewStaticCatalog().QuotaFor(planID, action)
			left := store.Remaining(commandContext(cmd), action, quota)
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: %s remaining\n", action, planID, formatRemaining(left))
			return nil
		},
	}
	remaining.Flags().StringVar(&plan, "plan", string(types.PlanFree), "plan whose quota applies")

	cmd.AddCommand(show, record, remaining)
	return cmd
}

type checkOptions struct {
	plan        string
	trialStart  string
	planEnd     string
	at          string
	userID      string
	databaseURL string
	asJSON      bool
}

type checkResult struct {
	State     types.EntitlementState `json:"state"`
	Action    types.ActionKind       `json:"action"`
	Used      int                    `json:"used"`
	Remaining *int                   `json:"remaining"`
	Decision  types.Decision         `json:"decision"`
}

func parseInstant(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, time.Local)
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	co := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check <action>",
		Short: "Decide whether an action may run now",
		Long: `Evaluate the entitlement decision for an action against today's local
counters. The subscription comes from --plan/--trial-start/--plan-end, or
from the subscription database when --user is set.`,
		Example: `  consolectl check chat_message --plan free --trial-start 2026-03-01
  consolectl check voice_command --user user-42 --database-url "$DATABASE_URL"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := parseAction(args[0])
			if err != nil {
				return err
			}
			return runCheck(cmd, opts, co, action)
		},
	}
	cmd.Flags().StringVar(&co.plan, "plan", string(types.PlanFree), "plan to evaluate")
	cmd.Flags().StringVar(&co.trialStart, "trial-start", "", "trial start (RFC3339 or YYYY-MM-DD, default now)")
	cmd.Flags().StringVar(&co.planEnd, "plan-end", "", "plan end (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&co.at, "at", "", "evaluate at this instant instead of now")
	cmd.Flags().StringVar(&co.userID, "user", "", "resolve this user's subscription from the database")
	cmd.Flags().StringVar(&co.databaseURL, "database-url", envOr("DATABASE_URL", ""), "subscription database URL (with --user)")
	cmd.Flags().BoolVar(&co.asJSON, "json", false, "print JSON")
	return cmd
}

func runCheck(cmd *cobra.Command, opts *rootOptions, co *checkOptions, action types.ActionKind) error {
	ctx := commandContext(cmd)
	logger := opts.logger(cmd)

	now := time.Now()
	if co.at != "" {
		t, err := parseInstant(co.at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		now = t
	}

	var store entitlement.SubscriptionStore
	if co.userID != "" {
		if co.databaseURL == "" {
			return fmt.Errorf("--database-url (or DATABASE_URL) is required with --user")
		}
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: co.databaseURL, MaxConns: 1})
		if err != nil {
			return err
		}
		defer pool.Close()
		store = db.NewSubscriptionRepo(pool, logger)
	}

	resolver := entitlement.NewResolver(store, billing.NewStaticCatalog(), logger,
		entitlement.WithClock(func() time.Time { return now }))

	var state types.EntitlementState
	if co.userID != "" {
		state = resolver.Resolve(ctx, co.userID)
	} else {
		rec, err := localRecord(co, now)
		if err != nil {
			return err
		}
		state = resolver.Derive(rec, now)
	}

	usageStore, closeStore, err := opts.openStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()
	counters := usageStore.Load(ctx)

	res := checkResult{
		State:     state,
		Action:    action,
		Used:      counters.Used(action),
		Remaining: resolver.Remaining(state, counters, action),
		Decision:  resolver.CanPerformAction(state, counters, action),
	}

	out := cmd.OutOrStdout()
	if co.asJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		printCheck(out, res)
	}
	if !res.Decision.Allowed {
		return errDenied
	}
	return nil
}

func localRecord(co *checkOptions, now time.Time) (*types.SubscriptionRecord, error) {
	plan, err := parsePlan(co.plan)
	if err != nil {
		return nil, err
	}
	rec := &types.SubscriptionRecord{
		UserID:       "local",
		Plan:         plan,
		BillingCycle: billing.CycleFor(plan),
		TrialStart:   now,
	}
	if co.trialStart != "" {
		t, err := parseInstant(co.trialStart)
		if err != nil {
			return nil, fmt.Errorf("invalid --trial-start: %w", err)
		}
		rec.TrialStart = t
	}
	if co.planEnd != "" {
		t, err := parseInstant(co.planEnd)
		if err != nil {
			return nil, fmt.Errorf("invalid --plan-end: %w", err)
		}
		rec.NextBillingDate = &t
	}
	return rec, nil
}

func printCheck(w io.Writer, res checkResult) {
	status := "active"
	switch {
	case res.State.IsExpired:
		status = "expired"
	case res.State.IsTrialActive:
		status = "trial"
	}
	fmt.Fprintf(w, "plan:      %s (%s, %s)\n", res.State.Plan, res.State.BillingCycle, status)
	if res.State.PlanEnd != nil {
		fmt.Fprintf(w, "plan end:  %s\n", res.State.PlanEnd.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "used:      %d %s today\n", res.Used, res.Action)
	fmt.Fprintf(w, "remaining: %s\n", formatRemaining(res.Remaining))
	if res.Decision.Allowed {
		fmt.Fprintln(w, "decision:  allowed")
		return
	}
	fmt.Fprintf(w, "decision:  denied (%s): %s\n", res.Decision.Code, res.Decision.Reason)
}
