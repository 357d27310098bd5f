package main

import (
	"fmt"
	"os"

	"github.com/odvcencio/treepush/pkg/collect"
	"github.com/odvcencio/treepush/pkg/config"
	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/spf13/cobra"
)

func newLsCmd(opts *globalOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ls [dir]",
		Short: "List the files a publish would upload, with their blob digests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			cfg, err := loadConfig(dir, configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			log := opts.logger(cmd)

			fsys := os.DirFS(dir)
			files, err := collect.Collect(fsys, cfg.CollectOptions(dir))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			unreadable := 0
			for _, f := range files {
				info, err := encode.Inspect(fsys, f.Path)
				if err != nil {
					unreadable++
					log.WithError(err).WithField("path", f.Path).Debug("inspect failed")
					fmt.Fprintf(cmd.ErrOrStderr(), "unreadable: %v\n", err)
					continue
				}
				suffix := ""
				if f.Symlink {
					suffix = " (symlink)"
				}
				fmt.Fprintf(out, "%s %s %8d %s%s\n", info.Mode, info.Digest, info.Size, info.Path, suffix)
			}
			if unreadable > 0 {
				return fmt.Errorf("%d of %d files unreadable", unreadable, len(files))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default: <dir>/"+config.DefaultFileName+")")
	return cmd
}
