package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/hotfix/patch"
	"github.com/chazu/hotfix/server"
)

var (
	serveAddr    string
	serveNoStore bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a standalone patch receiver",
	Long: `serve runs a patch receiver with an empty host. It accepts, archives and
lists payloads, which makes it useful for staging an archive before the
real program picks it up; payloads that reference host symbols fail to
link here.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := serveAddr
		if addr == "" {
			addr = config.Receiver.Address
		}
		m := patch.NewManager(patch.NewHost())

		var opts []server.ServerOption
		if !serveNoStore {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			log.Infof("archive at %s", s.Path())
			opts = append(opts, server.WithStore(s))
		}
		srv := server.New(m, opts...)
		defer srv.Stop()

		ctx := cmd.Context()
		if n, err := srv.Restore(ctx); err != nil {
			return fmt.Errorf("restoring archive: %w", err)
		} else if n > 0 {
			log.Noticef("restored %d patch(es)", n)
		}
		if err := loadPatchFiles(m); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, addr)
		})
		g.Go(func() error {
			<-ctx.Done()
			m.UnloadAll()
			return nil
		})
		return g.Wait()
	},
}

// loadPatchFiles loads the payloads in the configured patches directory.
// Files that fail to link are reported and skipped.
func loadPatchFiles(m *patch.Manager) error {
	files, err := config.PatchFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := loadPatchFile(m, path); err != nil {
			log.Warningf("%s: %s", path, err)
		}
	}
	return nil
}

func loadPatchFile(m *patch.Manager, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	p, err := m.Load(f)
	if err != nil {
		return err
	}
	log.Infof("loaded %s for %q", path, p.Target)
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from hotfix.toml)")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "do not archive or restore payloads")
	serveCmd.Flags().StringVar(&storePath, "db", "", "archive path (default from hotfix.toml)")
}
