package cmd

import (
	"github.com/spf13/cobra"

	"jobfleet/internal/fleet"
)

var submitSingleCmd = &cobra.Command{
	Use:   "submit-single",
	Short: "Submit one training job",
	Long: `Submit one training job named anomaly-training-job-<timestamp> on the
dataset <DATASET_BASE_URI>/<prefix>/.

Example:
  jobfleet submit-single --prefix cashew --spot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		spot, _ := cmd.Flags().GetBool("spot")

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		handle, err := s.fleet.SubmitSingle(cmd.Context(), prefix, spot)
		if err != nil {
			return err
		}
		cmd.Printf("Training job starting: %s (id %s)\n", handle.Name, handle.ID)
		return nil
	},
}

var submitBatchCmd = &cobra.Command{
	Use:   "submit-batch",
	Short: "Submit training jobs in sequential batches",
	Long: `Submit --total jobs in batches of at most --batch-size. All jobs of a batch
are created concurrently and the next batch starts only when every job of
the previous one has been created or has exhausted its retries. A failed job
never stops the run.

Jobs are named anomaly-training-job-batch-<suffix>-<index>-<timestamp> and
rotate over the dataset prefixes. Without --suffix a random one is used.

Example:
  jobfleet submit-batch --total 45 --batch-size 20 --suffix exp1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		req := fleet.DefaultBatchRequest()
		req.TotalJobs, _ = flags.GetInt("total")
		req.BatchSize, _ = flags.GetInt("batch-size")
		req.EnableSpot, _ = flags.GetBool("spot")
		req.Suffix, _ = flags.GetString("suffix")

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		res, err := s.fleet.SubmitBatch(cmd.Context(), req)
		if res != nil && res.Summary != nil {
			sum := res.Summary
			cmd.Printf("Run %s (suffix %s): %d/%d jobs submitted in %d batches, %d succeeded, %d failed\n",
				res.RunID, res.Suffix, sum.Submitted, sum.Requested, sum.Batches, sum.Succeeded, sum.Failed)
			for _, o := range sum.Outcomes {
				if !o.Succeeded() {
					cmd.Printf("  failed: %s after %d attempts: %v\n", o.Spec.Name, o.Attempts, o.Err)
				}
			}
		}
		return err
	},
}

func init() {
	flags := submitSingleCmd.Flags()
	flags.String("prefix", fleet.DefaultDatasetPrefix, "dataset prefix")
	flags.Bool("spot", false, "use spot capacity")
	rootCmd.AddCommand(submitSingleCmd)

	def := fleet.DefaultBatchRequest()
	flags = submitBatchCmd.Flags()
	flags.Int("total", def.TotalJobs, "total number of jobs")
	flags.Int("batch-size", def.BatchSize, "maximum jobs per batch")
	flags.Bool("spot", def.EnableSpot, "use spot capacity")
	flags.String("suffix", "", "job name suffix (random if empty)")
	rootCmd.AddCommand(submitBatchCmd)
}
