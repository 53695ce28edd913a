package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/spf13/cobra"
)

const programStore = "programs.db"

func moduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage sandbox modules",
	}
	cmd.AddCommand(modulePackCmd(a))
	return cmd
}

func modulePackCmd(a *app) *cobra.Command {
	var (
		manifest   sandbox.Manifest
		haltClass  []string
		haltTriads []string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "pack <source.star>",
		Short: "Build an artifact and store it in the program cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if manifest.Name == "" {
				manifest.Name = trimExt(filepath.Base(args[0]))
			}
			manifest.ABIVersion = sandbox.ABIVersion
			halt, err := parseHalt(haltClass, haltTriads)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			manifest.Halt = halt

			art := &sandbox.Artifact{Manifest: manifest, Source: src}
			if _, err := sandbox.Compile(art); err != nil {
				return err
			}

			store, err := sandbox.OpenSQLite(filepath.Join(a.cfg.DataDir, programStore))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Put(cmd.Context(), art); err != nil {
				return err
			}

			if out != "" {
				if err := os.WriteFile(out, art.Marshal(), 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), field("module", BoldStyle.Render(manifest.Name)))
			fmt.Fprintln(cmd.OutOrStdout(), field("program", AccentStyle.Render(art.Hash().String())))
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest.Name, "name", "", "Module name (default: file name)")
	cmd.Flags().StringVar(&manifest.Entry, "entry", sandbox.DefaultEntry, "Entry function")
	cmd.Flags().Uint64Var(&manifest.StepBudget, "step-budget", 0, "Maximal machine steps (0: runtime default)")
	cmd.Flags().Uint64Var(&manifest.MemoryBudget, "memory-budget", 0, "Maximal tape cells (0: runtime default)")
	cmd.Flags().Uint64Var(&manifest.CallBudget, "call-budget", 0, "Maximal interpreter steps per call (0: runtime default)")
	cmd.Flags().StringSliceVar(&haltClass, "halt-class", nil, "Halt when the triad has one of these classes")
	cmd.Flags().StringSliceVar(&haltTriads, "halt-triad", nil, "Halt on these triads, as <root>:<class>")
	cmd.Flags().StringVar(&out, "out", "", "Also write the artifact to this file")
	return cmd
}

func parseHalt(classes, triads []string) (machine.HaltWhen, error) {
	var halt machine.HaltWhen
	for _, s := range classes {
		c, err := tonnetz.ParseClass(s)
		if err != nil {
			return halt, err
		}
		halt.Classes = append(halt.Classes, c)
	}
	for _, s := range triads {
		t, err := tonnetz.ParseTriad(s)
		if err != nil {
			return halt, err
		}
		halt.Triads = append(halt.Triads, t)
	}
	return halt, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
