package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	prefork "github.com/searchktools/prefork/app"
	"github.com/searchktools/prefork/config"
)

var cfgFilePath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "prefork",
	Short: "a pre-forking HTTP and UDP server",
	Long: `A pre-forking HTTP and UDP server.

prefork binds every configured address once and serves it from one or more
worker processes. SIGINT or SIGTERM stops accepting, lets in-flight requests
finish and exits once every worker is gone.

Configuration is read from the file given with --config, PREFORK_* environment
variables and flags, in increasing order of precedence.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return subMain(cmd)
	},
}

func subMain(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgFilePath, cmd.Flags())
	if err != nil {
		return err
	}
	a := prefork.New(cfg)
	registerRoutes(a.Engine())
	return a.Run()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVarP(&cfgFilePath, "config", "c", "", "config file (YAML)")
	config.RegisterFlags(fs)
}
