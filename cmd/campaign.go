package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-research/internal/campaign"
	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

var (
	campaignEntityType string
	campaignIDs        []string
	campaignFile       string
	campaignOverwrite  bool
	campaignMinConf    float64
	campaignContext    string
	campaignNoApply    bool
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Run a research campaign across a list of entities",
	Long:  "Researches each target sequentially with a rate-limit delay between calls, applies accepted fields, and prints per-target progress. Ctrl-C stops before the next target without rolling back finished ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		targets, err := campaignTargets()
		if err != nil {
			return err
		}

		env, err := initJobEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mode := merge.ModeFillEmpty
		if campaignOverwrite {
			mode = merge.ModeOverwrite
		}

		orch := campaign.New(env.Exec, campaign.Config{
			Delay:               time.Duration(cfg.Campaign.DelayMillis) * time.Millisecond,
			IncludeCustomFields: true,
			AdditionalContext:   campaignContext,
			AutoApply:           !campaignNoApply,
			Policy:              merge.Policy{Mode: mode, MinConfidence: campaignMinConf},
			OnProgress: func(p campaign.Progress) {
				name := p.Target.Ref.Name
				if name == "" {
					name = p.Target.Ref.ID
				}
				status := "failed"
				if p.Err == nil && p.Record != nil && p.Record.Status == model.JobStatusCompleted {
					status = "completed"
				}
				fmt.Printf("[%d/%d] %s: %s\n", p.Index+1, p.Total, name, status)
			},
		})

		sum, err := orch.Run(ctx, targets)
		if err != nil {
			return err
		}

		fmt.Printf("\ncampaign %s: %d attempted, %d succeeded, %d failed, %d fields updated\n",
			sum.Status, sum.Attempted, sum.Succeeded, sum.Failed, sum.FieldsUpdated)
		for _, f := range sum.Failures {
			label := f.EntityID
			if f.Name != "" {
				label = f.Name + " (" + f.EntityID + ")"
			}
			fmt.Printf("  %s: %s\n", label, f.Reason)
		}

		zap.L().Info("campaign done",
			zap.String("status", string(sum.Status)),
			zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
		)
		return nil
	},
}

// campaignTargets reads target entity ids from flags or a file with one id
// per line.
func campaignTargets() ([]campaign.Target, error) {
	et := model.EntityType(campaignEntityType)
	if !et.Valid() {
		return nil, eris.Errorf("invalid entity type: %s", campaignEntityType)
	}

	ids := campaignIDs
	if campaignFile != "" {
		f, err := os.Open(campaignFile)
		if err != nil {
			return nil, eris.Wrap(err, "open targets file")
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ids = append(ids, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, eris.Wrap(err, "read targets file")
		}
	}
	if len(ids) == 0 {
		return nil, eris.New("no targets: pass --ids or --file")
	}

	targets := make([]campaign.Target, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, campaign.Target{Ref: model.EntityRef{Type: et, ID: id}})
	}
	return targets, nil
}

func init() {
	campaignCmd.Flags().StringVar(&campaignEntityType, "entity-type", "organization", "entity type to research")
	campaignCmd.Flags().StringSliceVar(&campaignIDs, "ids", nil, "comma-separated entity ids")
	campaignCmd.Flags().StringVar(&campaignFile, "file", "", "file with one entity id per line")
	campaignCmd.Flags().BoolVar(&campaignOverwrite, "overwrite", false, "overwrite populated fields instead of fill-empty")
	campaignCmd.Flags().Float64Var(&campaignMinConf, "min-confidence", 0, "skip results below this confidence score")
	campaignCmd.Flags().StringVar(&campaignContext, "context", "", "extra research context passed to the model")
	campaignCmd.Flags().BoolVar(&campaignNoApply, "no-apply", false, "research only, do not write fields")
	rootCmd.AddCommand(campaignCmd)
}
