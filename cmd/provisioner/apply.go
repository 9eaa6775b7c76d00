package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/cuemby/provisioner/pkg/seed"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a seed file",
	Long: `Apply setup data and assignments from a YAML seed file.

Records are saved through the trigger handlers: new active assignments
provision their managed records, and template updates schedule jobs that
run in this process before apply returns.

Examples:
  # Load template groups, mappings, templates and assignments
  provisioner apply -f seed.yaml

  # Try a seed against an in-memory store
  PROVISIONER_STORE__DRIVER=memory provisioner apply -f seed.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().Duration("timeout", 10*time.Minute, "How long to wait for scheduled jobs")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	doc, err := seed.ParseFile(filename)
	if err != nil {
		return err
	}
	if err := settings.CheckCatalog(doc.Catalog); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.Close()

	for token, label := range doc.Catalog {
		a.catalog.Add(types.PicklistManagedObject, token, label)
	}
	doc.ResolveManagedObjects(a.catalog)

	stopWorkers := a.startWorkers(cmd.Context())
	defer stopWorkers()

	fmt.Printf("Applying %s\n", filename)
	sum, applyErr := seed.Apply(cmd.Context(), a.dispatcher, doc)

	var objects []string
	for _, counts := range []map[string]int{sum.Saved, sum.Rejected, sum.Failed} {
		for object := range counts {
			if !slices.Contains(objects, object) {
				objects = append(objects, object)
			}
		}
	}
	slices.Sort(objects)
	for _, object := range objects {
		fmt.Printf("  %-20s saved=%d rejected=%d failed=%d\n", object, sum.Saved[object], sum.Rejected[object], sum.Failed[object])
	}

	if err := a.waitJobs(cmd.Context(), timeout); err != nil {
		return err
	}

	if applyErr != nil {
		return fmt.Errorf("some records were rejected: %w", applyErr)
	}
	fmt.Println("✓ Seed applied")
	return nil
}
