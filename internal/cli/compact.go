package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"convodb/internal/compaction"
	"convodb/pkg/convindex"
	"convodb/pkg/state"
)

var errNotConfirmed = errors.New("compaction not confirmed; pass --yes to run non-interactively")

func newCompactCmd(g *globalOpts) *cobra.Command {
	var (
		dryRun bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Delete superseded conversation index rows for every user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !dryRun && !yes {
				if err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := state.EnsureStateDirs(g.db); err != nil {
				return err
			}
			r := compaction.New(convindex.New(b, convindex.Options{}), compaction.Options{
				DryRun:  dryRun,
				LockTTL: 5 * time.Minute,
				LockDir: state.CompactionPath(g.db),
			})
			rep, err := r.RunOnce(ctx)
			if err != nil {
				return err
			}
			if rep.Skipped {
				return errors.New("another compaction holds the lease")
			}
			return g.print(cmd.OutOrStdout(), map[string]any{
				"run_id":     rep.RunID,
				"dry_run":    rep.DryRun,
				"users":      rep.Users,
				"scanned":    rep.Scanned,
				"superseded": rep.Superseded,
				"deleted":    rep.Deleted,
				"failed":     rep.Failed,
				"took":       rep.Duration.String(),
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count superseded rows without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// confirm asks on a terminal and refuses otherwise.
func confirm(in io.Reader, out io.Writer) error {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return errNotConfirmed
	}
	fmt.Fprint(out, "Delete superseded index rows? [y/N]: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errNotConfirmed
}
