package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/analysisworker/pkg/models"
	"github.com/spf13/cobra"
)

func newStatusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job_id]",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newResultsCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "results [job_id]",
		Short: "Print the results of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			raw, err := json.MarshalIndent(res.Results, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format results: %w", err)
			}
			fmt.Fprintln(out, string(raw))
			if len(res.OutputFiles) > 0 {
				fmt.Fprintln(out, "Outputs:")
				printOutputs(out, res.OutputFiles)
			}
			return nil
		},
	}
}

func newDownloadCmd(client func() *Client) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download [job_id] [filename]",
		Short: "Download an output file of a completed job",
		Long: `Download an output file of a completed job.

The file is written to the current directory under its own name unless -o is
given. Use -o - to write to stdout.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, filename := args[0], args[1]
			c := client()

			if output == "-" {
				_, err := c.Download(cmd.Context(), jobID, filename, cmd.OutOrStdout())
				return err
			}

			dest := output
			if dest == "" {
				dest = filepath.Base(filename)
			}
			f, err := os.Create(dest)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", dest, err)
			}
			n, err := c.Download(cmd.Context(), jobID, filename, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(dest)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", dest, n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path, or - for stdout")
	return cmd
}

func newCancelCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [job_id]",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.JobID, res.Message)
			return nil
		},
	}
}

func newListCmd(client func() *Client) *cobra.Command {
	var (
		status string
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs known to the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, meta, err := client().List(cmd.Context(), status, page, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tSTATUS\tPROGRESS\tCREATED\tMESSAGE")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\n",
					j.ID, j.Status, j.Progress*100, j.CreatedAt.Local().Format(time.DateTime), j.Message)
			}
			tw.Flush()
			fmt.Fprintf(out, "Page %d, %d of %d jobs\n", meta.Page, len(jobs), meta.Total)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&status, "status", "s", "", "only jobs with this status")
	flags.IntVar(&page, "page", 0, "page number")
	flags.IntVar(&limit, "limit", 0, "jobs per page")
	return cmd
}

func newInfoCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the worker's declared inputs, outputs and parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := client().Info(cmd.Context())
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
}

func printJob(out io.Writer, job *models.Job) {
	fmt.Fprintf(out, "ID:        %s\n", job.ID)
	fmt.Fprintf(out, "Status:    %s\n", job.Status)
	fmt.Fprintf(out, "Progress:  %.0f%%\n", job.Progress*100)
	fmt.Fprintf(out, "Message:   %s\n", job.Message)
	if job.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.Error)
	}
	fmt.Fprintf(out, "Created:   %s\n", job.CreatedAt.Local().Format(time.DateTime))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "Started:   %s\n", job.StartedAt.Local().Format(time.DateTime))
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(out, "Finished:  %s (%s)\n",
			job.CompletedAt.Local().Format(time.DateTime), formatDuration(job.CompletedAt.Sub(*job.StartedAt)))
	}
	if len(job.OutputFiles) > 0 {
		fmt.Fprintln(out, "Outputs:")
		printOutputs(out, job.OutputFiles)
	}
}

func printOutputs(out io.Writer, files []models.OutputFile) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, f := range files {
		fmt.Fprintf(tw, "  %s\t%s\t%d bytes\t%s\n", f.Filename, f.DType, f.Size, f.Description)
	}
	tw.Flush()
}

func printRecord(out io.Writer, rec *models.ServiceRecord) {
	fmt.Fprintf(out, "%s %s (%s)\n", rec.ServiceName, rec.Version, rec.ServiceType)
	if rec.Description != "" {
		fmt.Fprintln(out, rec.Description)
	}
	fmt.Fprintf(out, "Base URL:  %s\n", rec.BaseURL)
	fmt.Fprintf(out, "Max file:  %s\n", rec.Metadata.MaxFileSize)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Inputs:")
	for _, f := range rec.Metadata.InputFiles {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Key, f.Name, required(f.Required))
	}
	fmt.Fprintln(tw, "Outputs:")
	for _, f := range rec.Metadata.OutputFiles {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Key, f.Name, required(f.Required))
	}
	fmt.Fprintln(tw, "Parameters:")
	for _, p := range rec.Metadata.Parameters {
		fmt.Fprintf(tw, "  %s\t%s\tdefault %s\n", p.Name, p.Type, p.Default)
	}
	tw.Flush()
}

func required(r bool) string {
	if r {
		return "required"
	}
	return "optional"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
