package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dRCU/cmd/perf"
	"github.com/ValentinKolb/dRCU/cmd/run"
	"github.com/ValentinKolb/dRCU/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "drcu",
		Short: "grace-period based deferred reclamation",
		Long: fmt.Sprintf(`dRCU (v%s)

An RCU style deferred reclamation engine written in Go. Updaters queue
callbacks that run only after every execution context passed through a
quiescent state.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRCU",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRCU v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(run.RunCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupHostFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
