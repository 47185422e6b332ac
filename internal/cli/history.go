package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagehand/internal/state"
)

// newHistoryCommand creates the "history" subcommand that lists recorded builds,
// or the stages of one build when an ID is given.
func newHistoryCommand(opts *Options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [BUILD_ID]",
		Short: "Show recorded builds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := LoggerFromContext(ctx)
			w := cmd.OutOrStdout()

			return withStore(ctx, opts, logger, func(store *state.Store) error {
				if len(args) == 1 {
					build, err := store.GetBuild(ctx, args[0])
					if err != nil {
						return err
					}
					records, err := store.Stages(ctx, build.ID)
					if err != nil {
						return err
					}
					renderBuild(w, build, records)
					return nil
				}

				builds, err := store.ListBuilds(ctx, limit)
				if err != nil {
					return err
				}
				renderBuilds(w, builds)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of builds to show (0 shows all)")
	return cmd
}

func renderBuilds(w io.Writer, builds []state.Build) {
	if len(builds) == 0 {
		_, _ = fmt.Fprintln(w, "(no builds recorded)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Project", "Driver", "Status", "Failed stage", "Started", "Duration", "Lock"})
	for _, b := range builds {
		t.AppendRow(table.Row{
			shortID(b.ID),
			b.Project,
			b.Driver,
			string(b.Status),
			b.FailedStage,
			b.StartedAt.Local().Format(time.DateTime),
			formatDuration(b.Duration()),
			shortDigest(b.LockDigest),
		})
	}
	t.Render()
}

func renderBuild(w io.Writer, b *state.Build, records []state.StageRecord) {
	_, _ = fmt.Fprintf(w, "Build %s (%s, %s driver): %s\n", b.ID, b.Project, b.Driver, b.Status)
	_, _ = fmt.Fprintf(w, "Root: %s\n", b.Root)
	if b.SourceDigest != "" {
		_, _ = fmt.Fprintf(w, "Source: %s\n", b.SourceDigest)
	}
	if b.LockDigest != "" {
		_, _ = fmt.Fprintf(w, "Lock: %s\n", b.LockDigest)
	}
	if b.Error != "" {
		_, _ = fmt.Fprintf(w, "Error: %s\n", b.Error)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Stage", "Status", "Duration", "Error"})
	for _, r := range records {
		t.AppendRow(table.Row{r.Seq, r.Name, r.Status, formatDuration(r.Duration), r.Error})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// shortDigest keeps the algorithm and the first 12 hex characters.
func shortDigest(d string) string {
	if len(d) > len("sha256:")+12 {
		return d[:len("sha256:")+12]
	}
	return d
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
