// Package cmd implements the jobfleet command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobfleet/internal/config"
	"jobfleet/internal/fleet"
	"jobfleet/internal/job"
	"jobfleet/internal/notify"
	"jobfleet/internal/objectstore"
)

var cfgFile string

// boundFlags are the persistent flags viper reads.
var boundFlags = []string{"verbose", "backend", "image", "dataset-base-uri", "object-store", "callback-url"}

// newClient creates the job backend. Tests replace it.
var newClient = fleet.NewClient

var rootCmd = &cobra.Command{
	Use:   "jobfleet",
	Short: "Submit and evaluate batches of anomaly detection training jobs",
	Long: `jobfleet submits training jobs to a Docker or Kubernetes backend in
sequential batches, lists them and aggregates their final metrics.

Common workflows:

  Submit one job on the pcb1 dataset:
    jobfleet submit-single --prefix pcb1

  Submit 45 spot jobs in batches of 20:
    jobfleet submit-batch --total 45 --batch-size 20 --suffix exp1

  List completed jobs:
    jobfleet list-jobs --status Completed

  Aggregate ROC AUC over a batch:
    jobfleet aggregate-metric --suffix exp1

Configuration:
  Submission settings come from the environment (BACKEND, TRAINING_IMAGE,
  DATASET_BASE_URI, SUBMIT_MAX_ATTEMPTS, ...). Flags, JOBFLEET_* variables and
  $HOME/.jobfleet.yaml override:
    JOBFLEET_BACKEND           docker or kubernetes
    JOBFLEET_IMAGE             training image
    JOBFLEET_DATASET_BASE_URI  dataset root
    JOBFLEET_OBJECT_STORE      manifest and report store URL
    JOBFLEET_CALLBACK_URL      webhook for batch events`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// operation; a batch run stops before its next batch.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".jobfleet")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("JOBFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("Using config file", "path", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobfleet.yaml)")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("backend", "", "job backend: docker or kubernetes (default from BACKEND)")
	flags.String("image", "", "training image (default from TRAINING_IMAGE)")
	flags.String("dataset-base-uri", "", "dataset root (default from DATASET_BASE_URI)")
	flags.String("object-store", "", "object store URL for manifests and reports (default from OBJECT_STORE_URL)")
	flags.String("callback-url", "", "webhook receiving batch events (default from CALLBACK_URL)")

	for _, name := range boundFlags {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

// runConfig loads the environment configuration and applies viper overrides.
func runConfig() *config.RunConfig {
	run := config.LoadRunConfig()
	if v := viper.GetString("backend"); v != "" {
		run.Backend = v
	}
	if v := viper.GetString("image"); v != "" {
		run.TrainingImage = v
	}
	if v := viper.GetString("dataset-base-uri"); v != "" {
		run.DatasetBaseURI = v
	}
	if v := viper.GetString("object-store"); v != "" {
		run.ObjectStoreURL = v
	}
	if v := viper.GetString("callback-url"); v != "" {
		run.CallbackURL = v
	}
	return run
}

// session is an open Fleet with the resources a command must release.
type session struct {
	fleet    *fleet.Fleet
	client   job.Client
	notifier notify.Notifier
}

func openSession() (*session, error) {
	run := runConfig()

	client, err := newClient(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", run.Backend, err)
	}

	store, err := objectstore.Open(run.ObjectStoreURL, nil)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	s := &session{client: client}
	var publisher *notify.Publisher
	if run.CallbackURL != "" {
		n := notify.NewMemory(notify.LoadConfigFromEnv(), nil)
		s.notifier = n
		publisher = notify.NewPublisher(n, run.CallbackURL, run.CallbackKey)
	}

	s.fleet = fleet.New(run, client, fleet.Options{
		Publisher: publisher,
		Store:     store,
	})
	return s, nil
}

// close drains pending webhooks and releases the backend. Jobs keep running.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = s.fleet.Close(ctx)
	if s.notifier != nil {
		if err := s.notifier.Close(ctx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
	}
	if err := s.client.Close(); err != nil {
		slog.Warn("Backend close error", "error", err)
	}
}
