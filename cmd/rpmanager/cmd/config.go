package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mdalboni/reportportal-manager/pkg/config"
)

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  `Commands for inspecting the configuration the reporter runs with.`,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Prints the configuration after merging flags, RP_* environment variables,
the config file and defaults. The token is masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConfigShow(cmd)
		},
	}

	configCmd.AddCommand(showCmd)
	return configCmd
}

func (a *app) runConfigShow(cmd *cobra.Command) error {
	masked := a.cfg.Masked()
	out := cmd.OutOrStdout()
	if a.output != OutputTable {
		return a.print(out, masked)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Key", "Value")
	for _, row := range configRows(masked) {
		table.Append(row[0], row[1])
	}
	table.Render()

	if used := a.viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "\nConfig file: %s\n", used)
	}
	return nil
}

func configRows(c config.Config) [][2]string {
	rows := [][2]string{
		{"endpoint", c.Endpoint},
		{"project", c.Project},
		{"token", c.Token},
		{"launch_uuid", c.LaunchUUID},
		{"mode", string(c.LaunchMode())},
		{"battery", c.Battery},
		{"product", c.Product},
		{"version", c.Version},
		{"browser", c.Browser},
		{"os", c.OS},
		{"system_attributes", fmt.Sprintf("%t", c.SystemAttributes)},
		{"timeout", c.Timeout.String()},
		{"tls.ca_file", c.TLS.CAFile},
		{"tls.cert_file", c.TLS.CertFile},
		{"tls.key_file", c.TLS.KeyFile},
		{"log.level", c.Log.Level},
		{"log.format", c.Log.Format},
		{"metrics.pushgateway_url", c.Metrics.PushgatewayURL},
		{"metrics.textfile", c.Metrics.Textfile},
		{"metrics.job", c.Metrics.Job},
		{"tracing.enabled", fmt.Sprintf("%t", c.Tracing.Enabled)},
		{"tracing.endpoint", c.Tracing.Endpoint},
	}

	keys := make([]string, 0, len(c.Attributes))
	for k := range c.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, k+"="+c.Attributes[k])
	}
	return append(rows, [2]string{"attributes", strings.Join(attrs, ", ")})
}
