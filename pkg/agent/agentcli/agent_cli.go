package agentcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"
	"github.com/zenduo/duod/internal/cmdsvc"
	"github.com/zenduo/duod/internal/config"
	"github.com/zenduo/duod/internal/configsvc"
	"github.com/zenduo/duod/pkg/agent"
)

const (
	defaultConfigPath = "/etc/duod/config.yml"
	defaultDataDir    = "/var/lib/duod"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	cmd, cleanup := NewRootCmd()
	defer cleanup()
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() (*agent.Agent, error)

// NewRootCmd returns the duod command tree and a cleanup closing the agent if one was created.
func NewRootCmd() (*cobra.Command, func()) {
	cfg := agent.Config{
		ConfigPath: defaultConfigPath,
		DataDir:    defaultDataDir,
		LogLevel:   "info",
	}
	rootCmd := &cobra.Command{
		Use:           "duod",
		Short:         "Zenbook Duo keyboard daemon",
		Long:          `duod drives the detachable keyboard of the ASUS Zenbook Duo: function keys, backlight, mic LED and the secondary display.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var a *agent.Agent
	provider := func() (*agent.Agent, error) {
		if a != nil {
			return a, nil
		}
		var err error
		a, err = agent.NewAgent(cfg)
		return a, err
	}
	cleanup := func() {
		if a != nil {
			_ = a.Close()
		}
	}
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "config file (.yml or .toml)")
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewSend(&cfg))
	rootCmd.AddCommand(NewDefaultConfig(&cfg))
	return rootCmd, cleanup
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		Long:  `Run the daemon in the foreground until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent()
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func NewListDevices(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List keyboards seen by the daemon",
		Long:  `List every keyboard endpoint the daemon has claimed, most recent first. The daemon must not be running.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent()
			if err != nil {
				return err
			}
			devices, err := a.Ledger().List()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewSend(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "send <command>...",
		Short:     "Send commands to the running daemon",
		Long:      `Write commands to the daemon's command pipe, as sleep hooks and scripts do.`,
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: cmdsvc.Commands(),
		RunE: func(cmd *cobra.Command, args []string) error {
			daemonCfg, err := configsvc.Load(cfg.ConfigPath, config.Default())
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return cmdsvc.Send(daemonCfg.PipePath, args...)
		},
	}
}

func NewDefaultConfig(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the default configuration",
		Long:  `Print the default configuration in the format implied by --config.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := agent.NewLogger("error")
			if err != nil {
				return err
			}
			b, err := configsvc.Marshal(cfg.ConfigPath, agent.DefaultConfig(log))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
