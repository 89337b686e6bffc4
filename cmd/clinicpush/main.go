package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amoylab/clinicpush/internal/common/cnst"
	"github.com/amoylab/clinicpush/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of clinicpush",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.AppName, version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.AppName,
		Short: "Clinic realtime hub",
		Long:  `clinicpush keeps reception desks, doctor consoles and waiting-room displays in sync over authenticated websocket sessions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.ServerYaml, "path to configuration file, like /etc/clinicpush/clinicpush.yaml")
	rootCmd.AddCommand(versionCmd, serveCmd, tokenCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
