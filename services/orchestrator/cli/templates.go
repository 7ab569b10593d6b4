package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bader1919/freepik-ai-orchestrator/internal/workflow"
)

var estimateJSON bool

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the workflow templates with their estimates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := loadCatalog(viper.GetString("templates_file"))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tCOST\tTIME\tCOMPLEXITY")
		for _, t := range catalog.List() {
			est := workflow.EstimateTemplate(t)
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.ID, t.Name, est.StepCount, est.Cost, est.TimeFormatted, est.Complexity)
		}
		return tw.Flush()
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <template-id>",
	Short: "Preview the cost and duration of a workflow template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := loadCatalog(viper.GetString("templates_file"))
		if err != nil {
			return err
		}
		t, err := catalog.Get(args[0])
		if err != nil {
			return err
		}
		est := workflow.EstimateTemplate(t)

		out := cmd.OutOrStdout()
		if estimateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(est)
		}
		fmt.Fprintf(out, "%s (%s)\n", t.Name, t.ID)
		for i, s := range t.Steps {
			fmt.Fprintf(out, "  %d. %s", i+1, s.Kind)
			if s.Model != "" {
				fmt.Fprintf(out, " [%s]", s.Model)
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "cost:       %s\n", est.Cost)
		fmt.Fprintf(out, "time:       %s\n", est.TimeFormatted)
		fmt.Fprintf(out, "complexity: %s\n", est.Complexity)
		return nil
	},
}

func init() {
	estimateCmd.Flags().BoolVar(&estimateJSON, "json", false, "print the estimate as JSON")
}

// loadCatalog returns the built-in templates plus any from path.
func loadCatalog(path string) (*workflow.Catalog, error) {
	templates := workflow.BuiltinTemplates()
	if path != "" {
		extra, err := workflow.LoadTemplates(path)
		if err != nil {
			return nil, err
		}
		templates = append(templates, extra...)
	}
	return workflow.NewCatalog(templates...)
}
