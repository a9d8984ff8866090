package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chazu/hotfix/patch"
)

var (
	storePath   string
	exportOut   string
	exportID    string
	importForce bool
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the patch archive",
}

func openStore() (*patch.Store, error) {
	path := storePath
	if path == "" {
		path = config.StorePath()
	}
	return patch.OpenStore(path)
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived payloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		recs, err := s.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTARGET\tSIZE\tDIGEST\tCREATED")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.12s\t%s\n",
				r.ID, r.Target, r.Size, r.Digest, r.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var storeExportCmd = &cobra.Command{
	Use:   "export <target>",
	Short: "Write the latest archived payload of a target to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		var rec *patch.Record
		if exportID != "" {
			id, perr := uuid.Parse(exportID)
			if perr != nil {
				return fmt.Errorf("invalid id %q: %w", exportID, perr)
			}
			rec, err = s.Get(cmd.Context(), id)
			if err == nil && rec.Target != args[0] {
				err = fmt.Errorf("%s belongs to %q", id, rec.Target)
			}
		} else {
			rec, err = s.Latest(cmd.Context(), args[0])
		}
		if errors.Is(err, patch.ErrNotFound) {
			return fmt.Errorf("no archived payload for %q", args[0])
		}
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = args[0] + ".patch"
		}
		if err := os.WriteFile(out, rec.Payload, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %s)\n", out, rec.Size, rec.ID)
		return nil
	},
}

var storeImportCmd = &cobra.Command{
	Use:   "import <payload>...",
	Short: "Archive payload files without loading them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			p, err := patch.DecodeBytes(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if !importForce {
				if latest, err := s.Latest(cmd.Context(), p.Target); err == nil && latest.Digest == patch.Digest(data) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: already archived as %s\n", path, latest.ID)
					continue
				}
			}
			rec, err := s.Put(cmd.Context(), p.Target, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: archived %s for %q\n", path, rec.ID, rec.Target)
		}
		return nil
	},
}

var storeForgetCmd = &cobra.Command{
	Use:   "forget <target>",
	Short: "Delete every archived payload of a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := s.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d payload(s)\n", n)
		return nil
	},
}

func init() {
	storeCmd.PersistentFlags().StringVar(&storePath, "db", "", "archive path (default from hotfix.toml)")
	storeExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default <target>.patch)")
	storeExportCmd.Flags().StringVar(&exportID, "id", "", "export this archived payload instead of the latest")
	storeImportCmd.Flags().BoolVar(&importForce, "force", false, "archive even when the latest payload is identical")

	storeCmd.AddCommand(storeListCmd, storeExportCmd, storeImportCmd, storeForgetCmd)
}
