package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <storage-dir>",
		Short: "Recover a storage directory offline and print its state as JSON",
		Long: `Recover a storage directory offline and print identity, parameters and live
registrations as JSON. The directory is copied first and never modified.

Examples:
  lookupd inspect /var/lib/lookupd
  lookupd inspect /var/lib/lookupd | jq '.services[].type.name'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

type inspection struct {
	Identity       registry.Identity       `json:"identity"`
	Stats          registry.Stats          `json:"stats"`
	LookupGroups   []string                `json:"lookup_groups"`
	LookupLocators []string                `json:"lookup_locators"`
	Services       []*registry.ServiceItem `json:"services"`
}

func inspect(ctx context.Context, dir string, w io.Writer) error {
	if _, err := os.Stat(dir); err != nil {
		return xerrors.Wrapf(err, "storage dir %s", dir)
	}
	tmp, err := os.MkdirTemp("", "lookupd-inspect-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	copyDir := filepath.Join(tmp, "registry")
	if err := os.CopyFS(copyDir, os.DirFS(dir)); err != nil {
		return xerrors.Wrapf(err, "copy %s", dir)
	}

	reg, err := registry.New(&registry.Config{StorageDir: copyDir, NoFsync: true})
	if err != nil {
		return xerrors.Wrapf(err, "recover %s", dir)
	}
	defer reg.Close()

	out := inspection{
		Identity:       reg.Identity(),
		Stats:          reg.Stats(),
		LookupGroups:   reg.LookupGroups(),
		LookupLocators: reg.LookupLocators(),
	}
	m, err := reg.LookupMany(ctx, &registry.Template{}, out.Stats.Services)
	if err != nil {
		return err
	}
	out.Services = m.Items

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
