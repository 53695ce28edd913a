package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raskyld/contained"
	"github.com/raskyld/contained/internal/config"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/identity"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/spf13/cobra"
)

func clientCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Submit work to a subnet",
	}
	cmd.AddCommand(clientDispatchCmd(a))
	return cmd
}

func clientDispatchCmd(a *app) *cobra.Command {
	var (
		peers    []string
		program  string
		artPath  string
		tapePath string
		start    string
		head     int
		listen   string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a program on a tape and wait for its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(peers) == 0 {
				return usageError("--peer is required")
			}
			if program == "" && artPath == "" {
				return usageError("one of --program or --artifact is required")
			}

			req := contained.Request{Head: head}
			var err error
			if req.Start, err = tonnetz.ParseTriad(start); err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			if tapePath != "" {
				if req.Tape, err = readTape(tapePath); err != nil {
					return &exitError{code: exitUsage, err: err}
				}
			}
			if err := resolveProgram(cmd.Context(), a.cfg, program, artPath, &req); err != nil {
				return err
			}

			entry, addrs, err := parsePeers(peers)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}

			cfg := a.cfg
			cfg.Role = contained.RoleLight.String()
			cfg.Listen = listen
			cfg.Peers = addrs
			opts, err := nodeOptions(a, cfg)
			if err != nil {
				return err
			}
			// A throwaway identity keeps the client distinct from a node
			// sharing the data directory.
			ident, err := identity.Generate()
			if err != nil {
				return err
			}
			opts = append(opts,
				contained.WithIdentity(ident),
				contained.WithStore(sandbox.NewMemoryStore()),
			)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			node, err := contained.Create(opts...)
			if err != nil {
				return err
			}
			defer node.Shutdown()
			if err := node.JoinSubnet(); err != nil {
				return err
			}
			peer, err := waitEntry(ctx, node.Members, entry)
			if err != nil {
				return err
			}
			var via []contained.DispatchOption
			if !entry.IsZero() {
				via = append(via, contained.Via(peer))
			}
			res, err := node.Dispatch(ctx, req, via...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderResult(res))
			if res.Status == machine.Failed {
				return &exitError{code: exitExecution, err: res.Err()}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "Peer of the subnet, as <addr> or <id>@<addr>; the first id given is the entry peer")
	cmd.Flags().StringVar(&program, "program", "", "Hash of the program to run")
	cmd.Flags().StringVar(&artPath, "artifact", "", "Artifact file to attach inline")
	cmd.Flags().StringVar(&tapePath, "tape", "", "Initial tape file")
	cmd.Flags().StringVar(&start, "start", "0:major", "Initial triad, as <root>:<class>")
	cmd.Flags().IntVar(&head, "head", 0, "Head position to resume a suspended machine from")
	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:0", "Address the client listens on")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the result")
	return cmd
}

// parsePeers splits the --peer values into join addresses and the optional
// entry peer.
func parsePeers(values []string) (identity.PeerID, []string, error) {
	var entry identity.PeerID
	addrs := make([]string, 0, len(values))
	for _, v := range values {
		id, addr, found := strings.Cut(v, "@")
		if !found {
			addrs = append(addrs, v)
			continue
		}
		peer, err := identity.ParsePeerID(id)
		if err != nil {
			return entry, nil, err
		}
		if entry.IsZero() {
			entry = peer
		}
		addrs = append(addrs, addr)
	}
	return entry, addrs, nil
}

// resolveProgram fills the program of req. Artifacts known locally are
// attached inline so executors lacking them can install them.
func resolveProgram(ctx context.Context, cfg config.Config, program, artPath string, req *contained.Request) error {
	if artPath != "" {
		raw, err := os.ReadFile(artPath)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		art, err := sandbox.UnmarshalArtifact(raw)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		req.Artifact = art
		req.Program = art.Hash()
		if program != "" && program != req.Program.String() {
			return usageError("artifact hashes to %s, not %s", req.Program, program)
		}
		return nil
	}

	h, err := sandbox.ParseHash(program)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	req.Program = h

	path := filepath.Join(cfg.DataDir, programStore)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	store, err := sandbox.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer store.Close()
	art, err := store.Get(ctx, h)
	switch {
	case err == nil:
		req.Artifact = art
	case !errors.Is(err, fault.UnknownProgram):
		return err
	}
	return nil
}

// waitEntry blocks until the membership knows the entry peer, or any full
// peer when entry is zero.
func waitEntry(ctx context.Context, members func() contained.View, entry identity.PeerID) (contained.Peer, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		view := members()
		if entry.IsZero() {
			if len(view.Executors(time.Now())) > 0 {
				return contained.Peer{}, nil
			}
		} else if member, ok := view.Get(entry); ok {
			return member.Peer, nil
		}
		select {
		case <-ctx.Done():
			if entry.IsZero() {
				return contained.Peer{}, fault.New(fault.MembershipStale, "no executor joined before the timeout")
			}
			return contained.Peer{}, fault.New(fault.MembershipStale, "peer %s did not join before the timeout", entry.Short())
		case <-ticker.C:
		}
	}
}
