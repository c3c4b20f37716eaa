package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"clouddav/internal/remote"
	"clouddav/internal/storage"
	"clouddav/internal/store"
)

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect configured backends",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger(loadedCfg.Log, cmd.ErrOrStderr())
			st, err := openStore(cmd.Context(), loadedCfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			backends, err := st.ListBackends(cmd.Context())
			if err != nil {
				return err
			}
			return printBackends(cmd.OutOrStdout(), backends)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one backend with secrets redacted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid backend id %q", args[0])
			}
			logger := buildLogger(loadedCfg.Log, cmd.ErrOrStderr())
			st, err := openStore(cmd.Context(), loadedCfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			b, err := st.GetBackend(cmd.Context(), id)
			if err != nil {
				return err
			}
			logger.Debug("loaded backend", slog.Int("id", id))
			return showBackend(cmd.OutOrStdout(), b)
		},
	})
	return cmd
}

func printBackends(w io.Writer, backends []store.Backend) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tENABLED")
	for _, b := range backends {
		typ := remote.NormalizeType(b.Type)
		if typ == "" {
			typ = b.Type + " (unsupported)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", b.ID, b.Name, typ, b.Enabled)
	}
	return tw.Flush()
}

var secretKeys = []string{"secret", "password", "token"}

// redact masks every value whose key looks like a credential.
func redact(s storage.Settings) storage.Settings {
	out := s.Clone()
	for k, v := range out {
		lk := strings.ToLower(k)
		for _, marker := range secretKeys {
			if strings.Contains(lk, marker) && v != nil && v != "" {
				out[k] = "********"
				break
			}
		}
	}
	return out
}

func showBackend(w io.Writer, b *store.Backend) error {
	view := *b
	view.Config = redact(b.Config)
	view.Saving = redact(b.Saving)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
