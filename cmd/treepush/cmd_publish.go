package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/odvcencio/treepush/pkg/config"
	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/odvcencio/treepush/pkg/publish"
	"github.com/odvcencio/treepush/pkg/remote"
	"github.com/odvcencio/treepush/pkg/snapshot"
	"github.com/spf13/cobra"
)

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var (
		remoteSpec  string
		branch      string
		message     string
		messageFile string
		configPath  string
		layout      string
		bestEffort  bool
		concurrency int
		reportPath  string
		sign        bool
		dryRun      string
	)

	cmd := &cobra.Command{
		Use:   "publish [dir]",
		Short: "Publish a directory as one commit on a remote branch",
		Long: `Publish uploads every file under dir as a blob, composes a tree from them,
creates a commit whose parent is the current branch tip, and moves the branch
to it. Nothing on the remote changes unless every step succeeds, except for
unreferenced objects.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			if st, err := os.Stat(dir); err != nil {
				return err
			} else if !st.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}

			msg, err := resolveMessage(cmd, message, messageFile)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(dir, configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("remote") {
				cfg.Remote = remoteSpec
			}
			if flags.Changed("branch") {
				cfg.Branch = branch
			}
			if flags.Changed("layout") {
				cfg.Layout = layout
			}
			if flags.Changed("best-effort") {
				cfg.BestEffort = bestEffort
			}
			if flags.Changed("concurrency") {
				cfg.Concurrency = concurrency
			}
			if dryRun != "" {
				abs, err := filepath.Abs(dryRun)
				if err != nil {
					return err
				}
				cfg.Remote = "file://" + filepath.ToSlash(abs)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := opts.logger(cmd)
			store, ep, err := remote.Open(cfg.Remote, cfg.ClientOptions(log))
			if err != nil {
				return err
			}

			var signer publish.CommitSigner
			if sign || cfg.Signing.Key != "" {
				s, keyPath, err := newSSHCommitSigner(cfg.Signing.Key)
				if err != nil {
					return err
				}
				log.WithField("key", keyPath).Debug("signing commits")
				signer = s
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "publishing %s to %s on %s\n", dir, ep, cfg.Branch)

			driver := publish.NewDriver(store, newTextReporter(out), log)
			res, pubErr := driver.Publish(cmd.Context(), publish.Config{
				Root:        dir,
				Reference:   cfg.Branch,
				Message:     msg,
				BestEffort:  cfg.BestEffort,
				Layout:      snapshot.Layout(cfg.Layout),
				Concurrency: cfg.Concurrency,
				Collect:     cfg.CollectOptions(dir),
				Author:      cfg.Identity(),
				Signer:      signer,
			})
			if reportPath != "" {
				if err := writeReport(reportPath, res); err != nil {
					return err
				}
			}
			if pubErr != nil {
				return pubErr
			}
			printSummary(out, res)
			if ds, ok := store.(*remote.DirStore); ok {
				return checkLocalClosure(out, ds, res)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteSpec, "remote", "", "remote store: github:owner/repo, an API or web URL, or file:///dir")
	cmd.Flags().StringVarP(&branch, "branch", "b", "main", "branch to publish to")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVarP(&messageFile, "file", "F", "", "read the commit message from a file (- for stdin)")
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default: <dir>/"+config.DefaultFileName+")")
	cmd.Flags().StringVar(&layout, "layout", "nested", "tree layout: nested or flat")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "skip unreadable or rejected files instead of aborting")
	cmd.Flags().IntVar(&concurrency, "concurrency", snapshot.DefaultConcurrency, "parallel blob uploads")
	cmd.Flags().StringVar(&reportPath, "report", "", "write a JSON report of the publish to this file")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the commit with an SSH key (signing.key or ~/.ssh/id_*)")
	cmd.Flags().StringVar(&dryRun, "dry-run", "", "publish into a local store directory instead of the remote")
	return cmd
}

func loadConfig(dir, path string, explicit bool) (*config.Config, error) {
	if path == "" {
		path = filepath.Join(dir, config.DefaultFileName)
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func resolveMessage(cmd *cobra.Command, message, file string) (string, error) {
	if message != "" && file != "" {
		return "", fmt.Errorf("-m and -F are mutually exclusive")
	}
	if file != "" {
		var (
			data []byte
			err  error
		)
		if file == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return "", fmt.Errorf("read commit message: %w", err)
		}
		message = string(data)
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("commit message is required (-m or -F)")
	}
	return message, nil
}

type textReporter struct {
	w io.Writer
}

func newTextReporter(w io.Writer) *textReporter {
	return &textReporter{w: w}
}

func (r *textReporter) Phase(p publish.Phase) {
	switch p {
	case publish.PhaseStart, publish.PhaseDone:
		return
	}
	fmt.Fprintf(r.w, "==> %s\n", p)
}

func (r *textReporter) Blob(info encode.Info, h object.Hash) {
	fmt.Fprintf(r.w, "blob %s %s\n", h.Short(), info.Path)
}

func (r *textReporter) Warning(w snapshot.Warning) {
	fmt.Fprintf(r.w, "warning: %s\n", w)
}

func printSummary(w io.Writer, res *publish.Result) {
	fmt.Fprintf(w, "published %s to %s (%d files, tree %s)\n", res.Commit.Short(), res.Reference, res.Blobs, res.Tree.Short())
	if res.Parent != "" {
		fmt.Fprintf(w, "parent %s\n", res.Parent.Short())
	}
	if res.Partial {
		fmt.Fprintf(w, "partial publish: %d file(s) skipped\n", len(res.Warnings))
		for _, warn := range res.Warnings {
			fmt.Fprintf(w, "  %s\n", warn)
		}
	}
}

// checkLocalClosure confirms that a local store holds every object the new
// commit references.
func checkLocalClosure(w io.Writer, ds *remote.DirStore, res *publish.Result) error {
	r, err := ds.Reachable([]object.Hash{res.Commit})
	if err != nil {
		return err
	}
	if len(r.Missing) > 0 {
		return fmt.Errorf("local store %s is missing %d object(s), first %s", ds.Root(), len(r.Missing), r.Missing[0])
	}
	fmt.Fprintf(w, "store %s: %d objects reachable from %s\n", ds.Root(), len(r.Objects), res.Commit.Short())
	return nil
}

func writeReport(path string, res *publish.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("write report: marshal: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
