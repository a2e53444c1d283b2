package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mdalboni/reportportal-manager/pkg/config"
)

// Output formats
const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

type app struct {
	cfgFile string
	output  string
	viper   *viper.Viper
	cfg     *config.Config
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "rpmanager",
		Short: "Report BDD runs to ReportPortal",
		Long: `rpmanager manages ReportPortal launches for BDD test runs.

Start a launch once, share its UUID through RP_LAUNCH_UUID with every test
process, and finish it when all of them are done.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.rpmanager/rpmanager.yaml or ./rpmanager.yaml)")
	flags.String("endpoint", "", "ReportPortal URL (env RP_ENDPOINT)")
	flags.String("project", "", "ReportPortal project (env RP_PROJECT)")
	flags.String("token", "", "ReportPortal API token (env RP_TOKEN)")
	flags.StringVarP(&a.output, "output", "o", OutputTable, "output format: table, json or yaml")

	rootCmd.AddCommand(newLaunchCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig merges flags over env over the config file
func (a *app) loadConfig(cmd *cobra.Command) error {
	switch a.output {
	case OutputTable, OutputJSON, OutputYAML:
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}

	v := config.NewViper(a.cfgFile)
	for _, name := range []string{"endpoint", "project", "token"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.viper = v
	a.cfg = cfg
	return nil
}

// print writes v as JSON or YAML; table output is left to the caller
func (a *app) print(w io.Writer, v interface{}) error {
	switch a.output {
	case OutputYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return encoder.Close()
	default:
		output, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return nil
	}
}
