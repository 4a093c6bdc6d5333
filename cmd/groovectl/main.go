// groovectl inspects and administers a groovecore state store from the
// command line. The medium is selected through the GROOVECORE_* environment
// variables or a --config YAML file, so the tool operates on the same
// storage the engine uses.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "groovectl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "groovectl",
		Short:         "Inspect and administer a groovecore state store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return applyConfigFile(configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML file with medium settings (environment variables win)")
	root.AddCommand(
		newStateCmd(),
		newPresetsCmd(),
		newResetCmd(),
		newDoctorCmd(),
	)
	return root
}
