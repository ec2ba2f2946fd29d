package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kiranshivaraju/analysisworker/pkg/models"
	"github.com/spf13/cobra"
)

func newSubmitCmd(client func() *Client) *cobra.Command {
	var (
		inputs map[string]string
		params map[string]string
		wait   bool
		poll   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [files...]",
		Short: "Upload input files and start an analysis job",
		Long: `Upload input files and start an analysis job.

Positional files are stored under their own name. Use --input key=path to
upload a file for a declared input key regardless of its local name.

Example:
  analysisctl submit file1.csv file2.csv
  analysisctl submit --input file1=jan.csv --input file2=feb.csv --param region=north --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(inputs) == 0 {
				return fmt.Errorf("at least one file or --input is required")
			}

			out := cmd.OutOrStdout()
			c := client()
			res, err := c.Submit(cmd.Context(), Submission{Files: args, Inputs: inputs, Params: params})
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Fprintf(out, "Job submitted: %s (%s)\n", res.JobID, res.Status)

			if !wait {
				return nil
			}
			job, err := waitForJob(cmd.Context(), c, res.JobID, poll, out)
			if err != nil {
				return err
			}
			switch job.Status {
			case models.JobStatusCompleted:
				for _, f := range job.OutputFiles {
					fmt.Fprintf(out, "  %s (%d bytes)\n", f.Filename, f.Size)
				}
				return nil
			case models.JobStatusFailed:
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			default:
				return fmt.Errorf("job %s %s", job.ID, job.Status)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringToStringVarP(&inputs, "input", "i", nil, "declared input as key=path (repeatable)")
	flags.StringToStringVarP(&params, "param", "p", nil, "analysis parameter as name=value (repeatable)")
	flags.BoolVarP(&wait, "wait", "w", false, "poll until the job finishes")
	flags.DurationVar(&poll, "poll", time.Second, "status poll interval with --wait")
	return cmd
}

// waitForJob polls the job until it reaches a terminal status, printing each
// change of status or progress.
func waitForJob(ctx context.Context, c *Client, jobID string, poll time.Duration, out io.Writer) (*models.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last string
	for {
		job, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("status failed: %w", err)
		}
		line := fmt.Sprintf("%-9s %3.0f%%  %s", job.Status, job.Progress*100, job.Message)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
