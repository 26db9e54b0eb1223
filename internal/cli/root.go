// Package cli implements convoctl, the operator tool that works on a
// database directly: inspect a conversation or an inbox, compact, seed.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"convodb/pkg/state"
	"convodb/pkg/store"
	"convodb/pkg/store/pebblestore"
	"convodb/pkg/store/redisstore"
)

type globalOpts struct {
	db       string
	backend  string
	redisURL string
	output   string
}

// NewRootCmd builds the command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:   "convoctl",
		Short: "Operator tool for convodb databases",
		Long: `convoctl reads and maintains a convodb database directly. Stop the
server first when using the pebble backend; pebble allows one process per
directory.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&g.db, "db", "./.database", "database path")
	pf.StringVar(&g.backend, "backend", "pebble", "storage backend: pebble or redis")
	pf.StringVar(&g.redisURL, "redis-url", "redis://127.0.0.1:6379/0", "redis url when --backend=redis")
	pf.StringVarP(&g.output, "output", "o", "yaml", "output format: yaml or json")

	root.AddCommand(newMessagesCmd(g), newInboxCmd(g), newCompactCmd(g), newSeedCmd(g))
	return root
}

func (g *globalOpts) open(ctx context.Context) (store.Backend, error) {
	switch g.backend {
	case "pebble":
		if err := state.EnsureStateDirs(g.db); err != nil {
			return nil, err
		}
		return pebblestore.Open(pebblestore.Options{Path: state.StorePath(g.db)})
	case "redis":
		return redisstore.Open(ctx, redisstore.Options{URL: g.redisURL})
	default:
		return nil, errors.Newf("unknown backend %q", g.backend)
	}
}

func (g *globalOpts) print(w io.Writer, v any) error {
	switch g.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	default:
		return errors.Newf("unknown output format %q", g.output)
	}
}
