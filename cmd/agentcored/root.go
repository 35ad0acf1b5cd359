// Command agentcored runs the agent control plane process: the delegation
// gateway, model router, policy engine, and observability stream, wired
// together from a single configuration file and serve/check subcommands.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreplane/agentcore/config"
)

var (
	cfgFile string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentcored",
	Short: "agentcored — multi-agent control plane",
	Long:  "agentcored runs the delegation gateway, model router, policy engine, and observability stream for a multi-agent runtime.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "agentcored.toml", "path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env overlay")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(policyCheckCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentcored dev")
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the control plane process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func policyCheckCmd() *cobra.Command {
	var agentID, skillID string
	c := &cobra.Command{
		Use:   "policy-check",
		Short: "resolve and print the folded policy for an agent/skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, envFile)
			if err != nil {
				return err
			}
			resolved, err := config.LoadPolicySet(cfg.PolicyDir, agentID, skillID)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", resolved)
			return nil
		},
	}
	c.Flags().StringVar(&agentID, "agent", "", "agent id")
	c.Flags().StringVar(&skillID, "skill", "", "skill id")
	return c
}

func runServe() error {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := buildApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer app.Close()

	mux := http.NewServeMux()
	app.registerRoutes(mux)

	addr := os.Getenv("AGENTCORE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	app.tel.Log.Info(cmdCtx(), "agentcored listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
