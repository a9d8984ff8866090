package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/hotfix/patch"
	"github.com/chazu/hotfix/server"
)

var (
	remoteAddr    string
	remoteConnect bool
	remoteTimeout time.Duration

	pushTarget  string
	pushPersist bool

	unloadTarget string
	unloadForget bool
)

// addRemoteFlags adds the flags locating a receiver.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&remoteAddr, "addr", "", "receiver address (default from hotfix.toml)")
	cmd.Flags().BoolVar(&remoteConnect, "connect", false, "use the Connect protocol over HTTP instead of gRPC")
	cmd.Flags().DurationVar(&remoteTimeout, "timeout", 30*time.Second, "request timeout")
}

// dialReceiver returns a client for the configured receiver and a func
// releasing it.
func dialReceiver() (server.PatchReceiver, func(), error) {
	addr := remoteAddr
	if addr == "" {
		addr = config.Receiver.Address
	}
	if remoteConnect {
		base := addr
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		return server.NewConnectClient(http.DefaultClient, base), func() {}, nil
	}
	c, err := server.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

func remoteContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), remoteTimeout)
}

func writePatchInfo(w io.Writer, p server.PatchInfo) {
	fmt.Fprintf(w, "%s  %s  methods=%d  loaded=%s\n",
		p.ID, p.Target, p.Methods, time.Unix(0, p.LoadedAt).Format(time.RFC3339))
	for _, r := range p.Redirects {
		fmt.Fprintf(w, "    -> %s\n", r)
	}
}

// ---------------------------------------------------------------------------
// push
// ---------------------------------------------------------------------------

var pushCmd = &cobra.Command{
	Use:   "push <payload>",
	Short: "Deliver a payload to a running receiver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if pushTarget != "" {
			if data, err = retarget(data, pushTarget); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
		}

		c, done, err := dialReceiver()
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := remoteContext(cmd)
		defer cancel()

		persist := pushPersist || config.Receiver.Persist
		res, err := c.Load(ctx, &server.LoadRequest{Payload: data, Persist: persist})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		writePatchInfo(out, res.Patch)
		if res.Replaced {
			fmt.Fprintln(out, "replaced the previous patch for", res.Patch.Target)
		}
		if persist && !res.Archived {
			fmt.Fprintln(out, "warning: receiver has no archive; patch was not persisted")
		}
		return nil
	},
}

// retarget rewrites the target name of an encoded payload.
func retarget(data []byte, target string) ([]byte, error) {
	p, err := patch.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	p.Target = target
	return p.Bytes(), nil
}

// ---------------------------------------------------------------------------
// unload
// ---------------------------------------------------------------------------

var unloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Unload the patch for a target from a running receiver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := dialReceiver()
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := remoteContext(cmd)
		defer cancel()

		res, err := c.Unload(ctx, &server.UnloadRequest{Target: unloadTarget, Forget: unloadForget})
		if err != nil {
			return err
		}
		if res.Unloaded {
			fmt.Fprintln(cmd.OutOrStdout(), "unloaded", unloadTarget)
		}
		if res.Deleted > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d archived payload(s)\n", res.Deleted)
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// list
// ---------------------------------------------------------------------------

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the patches loaded in a running receiver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, done, err := dialReceiver()
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := remoteContext(cmd)
		defer cancel()

		res, err := c.List(ctx, &server.ListRequest{})
		if err != nil {
			return err
		}
		if len(res.Patches) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no patches loaded")
		}
		for _, p := range res.Patches {
			writePatchInfo(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	addRemoteFlags(pushCmd)
	pushCmd.Flags().StringVar(&pushTarget, "target", "", "override the target named in the payload")
	pushCmd.Flags().BoolVar(&pushPersist, "persist", false, "archive the payload in the receiver's store")

	addRemoteFlags(unloadCmd)
	unloadCmd.Flags().StringVar(&unloadTarget, "target", "", "target to unload")
	unloadCmd.Flags().BoolVar(&unloadForget, "forget", false, "also delete the target's archived payloads")
	unloadCmd.MarkFlagRequired("target")

	addRemoteFlags(listCmd)
}
