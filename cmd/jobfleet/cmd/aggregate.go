package cmd

import (
	"github.com/spf13/cobra"

	"jobfleet/internal/job"
)

var aggregateMetricCmd = &cobra.Command{
	Use:   "aggregate-metric",
	Short: "Aggregate a final metric over the jobs of a batch",
	Long: `List the jobs named anomaly-training-job-batch-<suffix>* with the given
status and print the mean, median, max and min of one of their final
metrics. An empty suffix covers every batch.

Example:
  jobfleet aggregate-metric --suffix exp1 --metric "ROC AUC"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		suffix, _ := cmd.Flags().GetString("suffix")
		metric, _ := cmd.Flags().GetString("metric")

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		report, err := s.fleet.AggregateMetric(cmd.Context(), status, suffix, metric)
		if err != nil {
			return err
		}
		if report.NoData() {
			cmd.Printf("No %s metrics found across the listed training jobs.\n", report.Metric)
			return nil
		}
		cmd.Printf("Aggregate %s metrics (%d values):\n", report.Metric, report.Count)
		cmd.Printf("Mean %s:\t%.4f\n", report.Metric, report.Mean)
		cmd.Printf("Median %s:\t%.4f\n", report.Metric, report.Median)
		cmd.Printf("Max %s:\t%.4f\n", report.Metric, report.Max)
		cmd.Printf("Min %s:\t%.4f\n", report.Metric, report.Min)
		return nil
	},
}

func init() {
	flags := aggregateMetricCmd.Flags()
	flags.String("status", job.StatusCompleted, "status filter")
	flags.String("suffix", "", "batch suffix")
	flags.String("metric", job.DefaultMetric, "metric name")
	rootCmd.AddCommand(aggregateMetricCmd)
}
