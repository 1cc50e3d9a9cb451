package main

import (
	"github.com/danmuck/watchbridge/internal/phone"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	s := newSettings()
	rootCmd := &cobra.Command{
		Use:           "watchctl",
		Short:         "Watch-side client for a watchbridge phone",
		Long:          "watchctl dials a watchbridge phone as the watch, sends messages, requests, contexts and transfers, and prints what the phone sends back.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	if err := s.bindFlags(rootCmd); err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newShowConfigCmd(s),
		newRunCmd(s),
		newSendCmd(s),
		newRequestCmd(s),
		newContextCmd(s),
		newTransferCmd(s),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridge protocol plugin version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(phone.PluginVersion + "\n"))
			return err
		},
	}
}
