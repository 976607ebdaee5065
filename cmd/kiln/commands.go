package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-pm/kiln/internal/guard"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/ops"
	"github.com/kiln-pm/kiln/version"
)

var installCmd = &cobra.Command{
	Use:   "install [spec...]",
	Short: "resolve and install one or more packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		report, err := e.ops.Install(cmd.Context(), args)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	}),
}

var updateCmd = &cobra.Command{
	Use:   "update [name...]",
	Short: "re-resolve installed packages within their compatible-release range",
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		report, err := e.ops.Update(cmd.Context(), args)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	}),
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [name...]",
	Short: "re-resolve installed packages with their upper version bound lifted",
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		report, err := e.ops.Upgrade(cmd.Context(), args)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	}),
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <name...>",
	Short: "remove one or more installed packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		report, err := e.ops.Uninstall(cmd.Context(), args)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	}),
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <state-id>",
	Short: "reactivate a prior state as the live generation",
	Args:  cobra.ExactArgs(1),
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		report, err := e.ops.Rollback(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	}),
}

var (
	verifyLevel string
	verifyHeal  bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "compare the live root against the ledger and report discrepancies",
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		level, err := parseGuardLevel(verifyLevel)
		if err != nil {
			return err
		}
		result, err := e.ops.Verify(cmd.Context(), level, verifyHeal)
		if err != nil {
			return err
		}
		printVerifyResult(result)
		if !result.IsValid && !verifyHeal {
			return kilnerrors.New(kilnerrors.Guard, "verification found discrepancies")
		}
		return nil
	}),
}

func init() {
	verifyCmd.Flags().StringVar(&verifyLevel, "level", "standard", "verification thoroughness: quick, standard, or full")
	verifyCmd.Flags().BoolVar(&verifyHeal, "heal", false, "repair discrepancies found during verification")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "sweep staging debris, orphaned file bodies, and empty shards",
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		report, err := e.ops.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d staging dirs, %d orphaned files, %d empty shards\n",
			report.StagingDirsRemoved, report.OrphanedFilesRemoved, report.EmptyShardsRemoved)
		return nil
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list every package in the active state",
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		pkgs, err := e.ops.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			fmt.Printf("%s\t%s\t%d bytes\n", p.Name, p.Version, p.Size)
		}
		return nil
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "search the package index for name substring matches",
	Args:  cobra.ExactArgs(1),
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		names, err := e.ops.Search(args[0])
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}),
}

var packOut string

var packCmd = &cobra.Command{
	Use:   "pack <dir>",
	Short: "archive an already-laid-out package directory into a .sp file",
	Args:  cobra.ExactArgs(1),
	RunE: runWithEnv(func(e *env, cmd *cobra.Command, args []string) error {
		out := packOut
		if out == "" {
			out = args[0] + ".sp"
		}
		report, err := e.ops.Pack(args[0], out)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", report.ArchivePath, report.Hash)
		return nil
	}),
}

func init() {
	packCmd.Flags().StringVarP(&packOut, "output", "o", "", "output archive path (default <dir>.sp)")
}

var buildCmd = &cobra.Command{
	Use:   "build <recipe>",
	Short: "run a build recipe through the external builder and pack its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return kilnerrors.New(kilnerrors.Input, "build requires a configured Builder; none is wired into this binary")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print kiln's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		version.PrintVersion()
		return nil
	},
}

// runWithEnv adapts a function taking the wired env into a cobra RunE,
// loading the env fresh for each invocation and always closing it
// afterward, mirroring the short-lived per-request lifecycle the
// teacher's HTTP handlers give a request context rather than keeping one
// facade open for the life of the process.
func runWithEnv(fn func(e *env, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(e, cmd, args)
	}
}

func printReport(r *ops.Report) {
	for _, p := range r.Installed {
		fmt.Printf("+ %s %s\n", p.Name, p.ToVersion)
	}
	for _, p := range r.Updated {
		fmt.Printf("~ %s %s -> %s\n", p.Name, p.FromVersion, p.ToVersion)
	}
	for _, p := range r.Removed {
		fmt.Printf("- %s %s\n", p.Name, p.FromVersion)
	}
	fmt.Printf("state %s -> %s\n", r.PreviousStateID, r.StateID)
}

func printVerifyResult(r *guard.Result) {
	for _, d := range r.Discrepancies {
		fmt.Fprintf(os.Stderr, "%s: %s %s: %s\n", d.Kind, d.Package, d.Version, d.Message)
	}
	if r.IsValid {
		fmt.Printf("ok (%dms)\n", r.DurationMS)
	} else {
		fmt.Printf("%d discrepancies (%dms)\n", len(r.Discrepancies), r.DurationMS)
	}
}

func parseGuardLevel(s string) (guard.Level, error) {
	switch s {
	case "quick":
		return guard.Quick, nil
	case "standard":
		return guard.Standard, nil
	case "full":
		return guard.Full, nil
	default:
		return 0, kilnerrors.New(kilnerrors.Input, "unknown verify level "+s).WithDetails(s)
	}
}
