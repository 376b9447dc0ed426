package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alexander-D-Karpov/chatcore/internal/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const appName = "chatcore"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()

	return newRootCmd(a).ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Chat core tooling",
		Long:          "chatcore loads conversation state from a remote chat service and exercises the client-side chat core.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version.Full()
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&a.source, "source", "", "remote source: http or postgres (default from REMOTE_SOURCE)")
	cmd.PersistentFlags().StringVar(&a.user, "user", "", "local user id (default from CHAT_LOCAL_USER_ID)")

	cmd.AddCommand(
		newSnapshotCmd(a),
		newChannelsCmd(a),
		newUsersCmd(a),
		newUnreadCmd(a),
		newWarmCmd(a),
		newMigrateCmd(a),
		newServeCmd(a),
		newDemoCmd(a),
		newClearRateLimitCmd(a),
	)
	return cmd
}
