package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobfleet/internal/fleet"
	"jobfleet/internal/job"
)

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List training jobs, newest first",
	Long: `List every job matching the status and name filters, following pagination
until the backend reports no more pages. --status "" lists every status.

Example:
  jobfleet list-jobs --status Failed --name-contains anomaly-training-job-batch-exp1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := fleet.DefaultListFilter()
		filter.Status, _ = cmd.Flags().GetString("status")
		filter.NameContains, _ = cmd.Flags().GetString("name-contains")
		output, _ := cmd.Flags().GetString("output")

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		jobs, err := s.fleet.ListJobs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJobs(cmd, jobs, output)
	},
}

func printJobs(cmd *cobra.Command, jobs []job.Summary, output string) error {
	switch output {
	case "json":
		if jobs == nil {
			jobs = []job.Summary{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	case "table":
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tCREATED\tID")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, j.Status, j.CreatedAt.Format(time.RFC3339), j.ID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		cmd.Printf("%d jobs\n", len(jobs))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", output)
	}
}

func init() {
	def := fleet.DefaultListFilter()
	flags := listJobsCmd.Flags()
	flags.String("status", def.Status, "status filter: InProgress, Completed, Failed, Stopping, Stopped or empty for all")
	flags.String("name-contains", def.NameContains, "name substring filter")
	flags.StringP("output", "o", "table", "output format: table or json")
	rootCmd.AddCommand(listJobsCmd)
}
