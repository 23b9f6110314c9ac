package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/jobstore"
	"github.com/sells-group/crm-research/internal/model"
)

var (
	jobsEntityType string
	jobsEntityID   string
	jobsStatus     string
	jobsKind       string
	jobsLimit      int
	jobsOffset     int
	jobsMaxAgeMins int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain job records",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initJobStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, total, err := st.List(ctx, jobstore.Filter{
			EntityType: model.EntityType(jobsEntityType),
			EntityID:   jobsEntityID,
			Status:     model.JobStatus(jobsStatus),
			Kind:       model.JobKind(jobsKind),
			Limit:      jobsLimit,
			Offset:     jobsOffset,
		})
		if err != nil {
			return err
		}

		for _, j := range jobs {
			line := fmt.Sprintf("%s  %-10s %-12s %-9s %s", j.ID, j.Kind, j.EntityType, j.Status, j.EntityID)
			if j.Status == model.JobStatusFailed && j.Error != "" {
				line += "  " + j.Error
			}
			fmt.Println(line)
		}
		fmt.Printf("%d of %d jobs\n", len(jobs), total)
		return nil
	},
}

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail running jobs older than the stale cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initJobStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		maxAge := time.Duration(jobsMaxAgeMins) * time.Minute
		if jobsMaxAgeMins == 0 {
			maxAge = time.Duration(cfg.Jobs.StaleAfterMins) * time.Minute
		}

		n, err := st.FailStale(ctx, maxAge)
		if err != nil {
			return err
		}
		zap.L().Info("stale sweep complete", zap.Int64("failed", n))
		return nil
	},
}

var jobsPollCmd = &cobra.Command{
	Use:   "poll <job-id>",
	Short: "Poll the enrichment provider for a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initJobEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Exec.PollEnrichment(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", rec.ID, rec.Status)
		if rec.Error != "" {
			fmt.Println("  " + rec.Error)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsEntityType, "entity-type", "", "filter by entity type")
	jobsListCmd.Flags().StringVar(&jobsEntityID, "entity-id", "", "filter by entity id")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsListCmd.Flags().StringVar(&jobsKind, "kind", "", "filter by job kind")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "page size")
	jobsListCmd.Flags().IntVar(&jobsOffset, "offset", 0, "page offset")
	jobsReapCmd.Flags().IntVar(&jobsMaxAgeMins, "max-age-mins", 0, "stale cutoff in minutes (default from config)")

	jobsCmd.AddCommand(jobsListCmd, jobsReapCmd, jobsPollCmd)
	rootCmd.AddCommand(jobsCmd)
}
