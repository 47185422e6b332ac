package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/ghoutput"
	"github.com/codex-k8s/stagehand/internal/lockfile"
	"github.com/codex-k8s/stagehand/internal/stages"
	"github.com/codex-k8s/stagehand/internal/state"
)

// ErrDrift is returned by "drift --exit-code" when the locked package sets differ.
var ErrDrift = errors.New("locked dependencies drifted between builds")

// ecosystems are compared in this order.
var ecosystems = []string{stages.EcosystemPython, stages.EcosystemNode}

// newDriftCommand creates the "drift" subcommand that compares the locked package sets of two builds.
func newDriftCommand(opts *Options) *cobra.Command {
	var exitCode bool

	cmd := &cobra.Command{
		Use:   "drift [OLD_BUILD NEW_BUILD]",
		Short: "Compare locked dependencies between two recorded builds",
		Long:  "Without arguments the two most recent successful builds of the current project are compared.",
		Args:  driftArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := LoggerFromContext(ctx)

			var projectName string
			if len(args) == 0 {
				p, err := loadProjectFromCmd(opts, cmd)
				if err != nil {
					return err
				}
				projectName = p.Recipe.Project
			}

			return withStore(ctx, opts, logger, func(store *state.Store) error {
				older, newer, err := driftPair(ctx, store, projectName, args)
				if err != nil {
					return err
				}

				reports := make(map[string]lockfile.DriftReport, len(ecosystems))
				drifted := false
				for _, eco := range ecosystems {
					report, err := diffBuilds(ctx, store, older.ID, newer.ID, eco)
					if err != nil {
						return err
					}
					reports[eco] = report
					drifted = drifted || !report.Empty()
				}

				renderDrift(cmd.OutOrStdout(), older, newer, reports)
				logger.Info("drift computed", "old", older.ID, "new", newer.ID, "drifted", drifted)

				if err := ghoutput.Write(map[string]string{
					"drifted":   strconv.FormatBool(drifted),
					"old-build": older.ID,
					"new-build": newer.ID,
				}); err != nil {
					return err
				}
				if exitCode && drifted {
					return ErrDrift
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "Exit with an error when the builds differ")
	addVarsFlags(cmd)
	return cmd
}

func driftArgs(_ *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 2 {
		return fmt.Errorf("drift needs two build IDs or none, got %d", len(args))
	}
	return nil
}

// driftPair resolves the two builds to compare, older first.
func driftPair(ctx context.Context, store *state.Store, project string, args []string) (*state.Build, *state.Build, error) {
	if len(args) == 2 {
		older, err := store.GetBuild(ctx, args[0])
		if err != nil {
			return nil, nil, err
		}
		newer, err := store.GetBuild(ctx, args[1])
		if err != nil {
			return nil, nil, err
		}
		return older, newer, nil
	}

	latest, err := store.Latest(ctx, project, 2)
	if err != nil {
		return nil, nil, err
	}
	if len(latest) < 2 {
		return nil, nil, fmt.Errorf("project %q has %d successful builds recorded; drift needs two", project, len(latest))
	}
	return &latest[1], &latest[0], nil
}

func diffBuilds(ctx context.Context, store *state.Store, olderID, newerID, ecosystem string) (lockfile.DriftReport, error) {
	before, err := store.Packages(ctx, olderID, ecosystem)
	if err != nil {
		return lockfile.DriftReport{}, err
	}
	after, err := store.Packages(ctx, newerID, ecosystem)
	if err != nil {
		return lockfile.DriftReport{}, err
	}
	return lockfile.Diff(before, after), nil
}

func renderDrift(w io.Writer, older, newer *state.Build, reports map[string]lockfile.DriftReport) {
	_, _ = fmt.Fprintf(w, "Comparing %s (%s) -> %s (%s)\n", shortID(older.ID), shortDigest(older.LockDigest), shortID(newer.ID), shortDigest(newer.LockDigest))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Ecosystem", "Package", "Change", "Old", "New"})
	rows := 0
	for _, eco := range ecosystems {
		report := reports[eco]
		for _, p := range report.Added {
			t.AppendRow(table.Row{eco, p.Name, "added", "", p.Version})
			rows++
		}
		for _, p := range report.Removed {
			t.AppendRow(table.Row{eco, p.Name, "removed", p.Version, ""})
			rows++
		}
		for _, c := range report.Changed {
			t.AppendRow(table.Row{eco, c.Name, "changed", c.Manifest, c.Lock})
			rows++
		}
	}
	if rows == 0 {
		_, _ = fmt.Fprintln(w, "(no drift)")
		return
	}
	t.Render()
}
