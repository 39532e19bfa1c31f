// Package cli implements barnctl, the terminal client for the barn staff
// backend.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arturoeanton/barnstaff/pkg/config"
)

var version = "dev"

// globals are the persistent flags shared by every command.
type globals struct {
	verbose bool
	offline bool
	noColor bool

	// loadConfig is replaced in tests.
	loadConfig func() *config.Config
}

// NewRootCmd builds the barnctl command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{loadConfig: config.Load}
	return newRootCmd(g)
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:   "barnctl",
		Short: "Barn staff board: tasks, horses, feed and chat",
		Long: `barnctl signs you in to the barn's backend and shows the shared boards
live: today's tasks, where every horse is, the feed room and the staff chat.

Example usage:
  barnctl login github         # Sign in through GitHub
  barnctl tasks --follow       # Watch today's tasks
  barnctl tasks advance <id>   # Start or finish a task
  barnctl chat send "Gate fixed"
  barnctl --offline map        # Demo data, no server needed`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVar(&g.offline, "offline", false, "use built-in demo data instead of the backend")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		loginCmd(g),
		logoutCmd(g),
		whoamiCmd(g),
		profileCmd(g),
		chatCmd(g),
		tasksCmd(g),
		mapCmd(g),
		feedCmd(g),
		adminCmd(g),
	)
	return root
}

// open builds the app for one command invocation.
func (g *globals) open(cmd *cobra.Command) *app {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	printer := NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), !g.noColor)
	return newApp(g.loadConfig(), logger, printer, g.offline)
}

// Execute runs barnctl until it finishes or is interrupted.
func Execute() int {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSetupRequired) {
			NewPrinter(os.Stdout, os.Stderr, true).Error("%v", err)
		}
		return 1
	}
	return 0
}
