package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/handshake/internal/config"
	logs "github.com/danmuck/handshake/internal/logging"
	"github.com/danmuck/handshake/internal/sessionstore"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "storectl",
		Short:         "Inspect and verify session store snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logs.ConfigureRuntime()
		},
	}
	root.AddCommand(inspectSubcommand(), verifySubcommand(), templateSubcommand())
	return root
}

func inspectSubcommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Print the header and per-row usage of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := inspectFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as json")
	return cmd
}

func verifySubcommand() *cobra.Command {
	var profilePath string
	cmd := &cobra.Command{
		Use:   "verify <snapshot>",
		Short: "Check that a snapshot can be restored by a store profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := verifyFile(profilePath, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok version=%d rows=%d ways=%d used=%d owned_tickets=%d peer_refs=%d total=%d\n",
				info.Header.Version, info.Header.Rows, info.Header.Ways,
				info.Used, info.OwnedTicket, info.PeerRefs, info.Total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&profilePath, "profile", "p", "", "store profile (toml)")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func templateSubcommand() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "template <path>",
		Short: "Write a store profile template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

// inspectFile restores the snapshot into a store shaped by its own header,
// once the file is known to be long enough for that shape.
func inspectFile(ctx context.Context, path string) (sessionstore.Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sessionstore.Stats{}, err
	}
	cfg, err := sessionstore.SnapshotConfig(data)
	if err != nil {
		return sessionstore.Stats{}, err
	}
	// No ticket in the file can be longer than the file.
	cfg.MaxTicketLen = len(data)
	store, err := sessionstore.New(cfg)
	if err != nil {
		return sessionstore.Stats{}, err
	}
	if err := store.Restore(ctx, data); err != nil {
		return sessionstore.Stats{}, err
	}
	return store.Stats(ctx)
}

func verifyFile(profilePath, path string) (sessionstore.SnapshotInfo, error) {
	p, err := config.LoadStoreProfile(profilePath)
	if err != nil {
		return sessionstore.SnapshotInfo{}, err
	}
	cfg, err := p.StoreConfig()
	if err != nil {
		return sessionstore.SnapshotInfo{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sessionstore.SnapshotInfo{}, err
	}
	return sessionstore.VerifySnapshot(cfg, data)
}

func printStats(w io.Writer, s sessionstore.Stats) {
	fmt.Fprintf(w, "rows=%d ways=%d capacity=%d used=%d fresh=%d total=%d\n",
		s.Rows, s.Ways, s.Capacity, s.Used, s.Fresh, s.Total)
	for i, r := range s.Session {
		if r.Total == 0 {
			continue
		}
		fmt.Fprintf(w, "  session row=%d next=%d used=%d fresh=%d total=%d\n", i, r.Next, r.Used, r.Fresh, r.Total)
	}
	for i, r := range s.Peer {
		if r.Total == 0 {
			continue
		}
		fmt.Fprintf(w, "  peer    row=%d next=%d used=%d fresh=%d total=%d\n", i, r.Next, r.Used, r.Fresh, r.Total)
	}
}
