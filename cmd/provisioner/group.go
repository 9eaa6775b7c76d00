package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/provisioner/pkg/planner"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/resolver"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var planCmd = &cobra.Command{
	Use:   "plan --group ID",
	Short: "Print the reconciliation pages of a template group",
	Long: `Count a template group's population and print the pages a refresh
would fan out, one job per page. Nothing is scheduled.

Examples:
  # Pages re-saving the group's active assignments
  provisioner plan --group sales

  # Pages deleting the managed records of the group's active users
  provisioner plan --group sales --records`,
	RunE: runPlan,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh --group ID",
	Short: "Regenerate the managed records of a template group",
	Long: `Plan every active assignment of the group and fan the pages out as
assignment refresh jobs. The jobs run in this process and the command
returns once they complete.`,
	RunE: runRefresh,
}

var purgeCmd = &cobra.Command{
	Use:   "purge --group ID",
	Short: "Delete the managed records of a template group's active users",
	Long: `Plan the managed records of the group's active users and fan the pages
out as delete jobs. Records the delete eligibility rule keeps are left in
place. The jobs run in this process and the command returns once they
complete.`,
	RunE: runPurge,
}

var configCmd = &cobra.Command{
	Use:   "config --group ID",
	Short: "Print the resolved configuration of a template group",
	RunE:  runConfig,
}

func init() {
	planCmd.Flags().String("group", "", "Template group ID (required)")
	planCmd.Flags().Bool("records", false, "Plan managed record deletion instead of assignment refresh")
	_ = planCmd.MarkFlagRequired("group")

	for _, cmd := range []*cobra.Command{refreshCmd, purgeCmd} {
		cmd.Flags().String("group", "", "Template group ID (required)")
		cmd.Flags().Duration("timeout", 30*time.Minute, "How long to wait for the jobs")
		_ = cmd.MarkFlagRequired("group")
	}

	configCmd.Flags().String("group", "", "Template group ID (required)")
	_ = configCmd.MarkFlagRequired("group")
}

func runPlan(cmd *cobra.Command, args []string) error {
	groupID, _ := cmd.Flags().GetString("group")
	records, _ := cmd.Flags().GetBool("records")

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.Close()

	sel := planner.AllAssignments(groupID)
	if records {
		users, err := a.resolver.ActiveUsers(cmd.Context(), groupID)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Printf("Template group %s has no active users\n", groupID)
			return nil
		}
		cfg, err := a.resolver.LoadConfig(cmd.Context(), reqctx.New(), groupID)
		if err != nil {
			return err
		}
		sel = planner.MatchingRecords(resolver.ExistingRecordsQuery(cfg, users))
	}

	pages, err := a.reconciler.Planner().PlanRefresh(cmd.Context(), groupID, sel)
	if err != nil {
		return err
	}

	fmt.Printf("Base query: %s\n", sel.BaseQuery)
	fmt.Printf("%-8s %-8s %-8s %s\n", "SKIP", "LIMIT", "ACTION", "QUERY")
	for _, p := range pages {
		fmt.Printf("%-8d %-8d %-8s %s\n", p.Skip, p.Limit, p.Action, p.Query())
	}
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return runScheduled(cmd, "Refresh", func(a *app, ctx context.Context, groupID string) ([]string, error) {
		return a.reconciler.RefreshAssignments(ctx, reqctx.New(), groupID)
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return runScheduled(cmd, "Purge", func(a *app, ctx context.Context, groupID string) ([]string, error) {
		return a.reconciler.PurgeManagedRecords(ctx, reqctx.New(), groupID)
	})
}

// runScheduled schedules a group's jobs and runs them to completion in this process
func runScheduled(cmd *cobra.Command, name string, schedule func(*app, context.Context, string) ([]string, error)) error {
	groupID, _ := cmd.Flags().GetString("group")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.Close()

	stopWorkers := a.startWorkers(cmd.Context())
	defer stopWorkers()

	ids, err := schedule(a, cmd.Context(), groupID)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduled %d jobs for template group %s\n", len(ids), groupID)
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}

	if err := a.waitJobs(cmd.Context(), timeout); err != nil {
		return err
	}
	fmt.Printf("✓ %s complete\n", name)
	return nil
}

// groupView is the printable form of a resolved template group
type groupView struct {
	ID            string        `yaml:"id"`
	ManagedObject string        `yaml:"managed_object"`
	ObjectToken   string        `yaml:"object_token"`
	UserField     string        `yaml:"user_field"`
	CountryField  string        `yaml:"country_field,omitempty"`
	Mappings      []mappingView `yaml:"mappings"`
	Templates     []string      `yaml:"active_templates"`
}

type mappingView struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Kind string `yaml:"kind"`
}

func runConfig(cmd *cobra.Command, args []string) error {
	groupID, _ := cmd.Flags().GetString("group")

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.resolver.LoadConfig(cmd.Context(), reqctx.New(), groupID)
	if err != nil {
		return err
	}

	view := groupView{
		ID:            cfg.ID,
		ManagedObject: cfg.ManagedObjectName,
		ObjectToken:   cfg.ManagedObjectEnumID,
		UserField:     cfg.UserFieldName,
		CountryField:  cfg.CountryFieldName,
	}
	for _, m := range cfg.Mappings {
		view.Mappings = append(view.Mappings, mappingView{From: m.TemplateField, To: m.TargetField, Kind: string(m.Kind)})
	}
	for _, t := range cfg.Templates {
		if t.Status == types.StatusActive {
			view.Templates = append(view.Templates, t.ID)
		}
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(view)
}
