package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type globalOptions struct {
	verbose bool
}

// logger returns a logger writing to the command's stderr. DEBUG=1 has the
// same effect as --verbose.
func (o *globalOptions) logger(cmd *cobra.Command) *logrus.Logger {
	return newLogger(cmd.ErrOrStderr(), o.verbose || os.Getenv("DEBUG") == "1")
}

func newLogger(w io.Writer, debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	formatter := &logrus.TextFormatter{FullTimestamp: true}
	formatter.TimestampFormat = "15:04:05.999999999"
	l.SetFormatter(formatter)
	l.SetLevel(logrus.InfoLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "treepush",
		Short:         "Publish a directory as a single commit to a remote object store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newPublishCmd(opts))
	root.AddCommand(newLsCmd(opts))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "treepush %s\n", version)
		},
	}
}
