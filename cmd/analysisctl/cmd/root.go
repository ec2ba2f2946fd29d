package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultURL = "http://localhost:8000"

// Execute builds the command tree and runs it against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd returns the analysisctl command tree. Each call gets its own
// viper instance so flags and config never leak between invocations.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "analysisctl",
		Short: "analysisctl submits and tracks jobs on an analysis worker",
		Long: `analysisctl is the command-line interface for an analysis worker.

A worker accepts input files over HTTP, runs its analysis in the background
and keeps the outputs until they are downloaded.

Common workflows:

  Submit the two inputs and wait for the result:
    analysisctl submit --input file1=a.csv --input file2=b.csv --param analysis_type=comparison --wait

  Check a job:
    analysisctl status <job-id>

  Fetch an output:
    analysisctl download <job-id> results.json -o results.json

Configuration:
  Flags, environment variables and $HOME/.analysisctl.yaml, in that order:
    ANALYSIS_URL       worker endpoint (default: http://localhost:8000)
    ANALYSIS_TIMEOUT   per-request timeout (default: 30s)`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadConfig(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.analysisctl.yaml)")
	flags.String("url", defaultURL, "analysis worker URL")
	flags.Duration("timeout", 30*time.Second, "per-request timeout")
	_ = v.BindPFlag("url", flags.Lookup("url"))
	_ = v.BindPFlag("timeout", flags.Lookup("timeout"))

	client := func() *Client {
		return NewClient(v.GetString("url"), v.GetDuration("timeout"))
	}

	root.AddCommand(
		newSubmitCmd(client),
		newStatusCmd(client),
		newResultsCmd(client),
		newDownloadCmd(client),
		newCancelCmd(client),
		newListCmd(client),
		newInfoCmd(client),
	)
	return root
}

func loadConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("ANALYSIS")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigName(".analysisctl")
	v.SetConfigType("yaml")

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
