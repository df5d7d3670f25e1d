package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossgrade/crossgrade/internal/applock"
	"github.com/crossgrade/crossgrade/internal/backup"
	"github.com/crossgrade/crossgrade/internal/config"
	"github.com/crossgrade/crossgrade/internal/conversion"
	"github.com/crossgrade/crossgrade/internal/hostinfo"
	"github.com/crossgrade/crossgrade/internal/journal"
	"github.com/crossgrade/crossgrade/internal/pkgmgr"
	"github.com/crossgrade/crossgrade/internal/release"
	"github.com/crossgrade/crossgrade/internal/subscription"
)

var (
	convertConfig        string
	convertUsername      string
	convertPassword      string
	convertOrg           string
	convertActivationKey string
	convertReleasever    string
	convertEnableRepos   []string
	convertYes           bool
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert this system to the target distribution",
	RunE:  runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertConfig, "config", "/etc/crossgrade/config.yaml", "Config file path")
	convertCmd.Flags().StringVar(&convertUsername, "username", "", "Entitlement account username")
	convertCmd.Flags().StringVar(&convertPassword, "password", "", "Entitlement account password")
	convertCmd.Flags().StringVar(&convertOrg, "org", "", "Entitlement organization id")
	convertCmd.Flags().StringVar(&convertActivationKey, "activation-key", "", "Entitlement activation key")
	convertCmd.Flags().StringVar(&convertReleasever, "releasever", "", "Override the target release version")
	convertCmd.Flags().StringArrayVar(&convertEnableRepos, "enable-repo", nil, "Additional target repository to enable (repeatable)")
	convertCmd.Flags().BoolVarP(&convertYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(convertCmd)
}

// setup loads configuration and wires the orchestrator with its live
// collaborators. The returned cleanup closes the backup store.
func setup(configPath, releasever string, enableRepos []string) (*conversion.Orchestrator, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if releasever != "" {
		cfg.Repos.Releasever = releasever
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, nil, err
	}

	jl, err := journal.NewLogger(cfg.JournalDir())
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := backup.Open(cfg.BackupDBPath())
	if err != nil {
		return nil, nil, nil, err
	}

	mgr := pkgmgr.NewDNF(cfg.PkgMgr.Binary, resolveReleasever(cfg))
	mgr.EnableRepos = append(cfg.ActiveRepos(), enableRepos...)
	client := subscription.NewRHSM(cfg.Entitlement.Binary, time.Duration(cfg.Entitlement.TimeoutSeconds)*time.Second)
	orch := conversion.New(cfg, mgr, client, backup.NewManager(store), jl)
	return orch, cfg, func() { store.Close() }, nil
}

// resolveReleasever derives the package-manager releasever up front so
// every dnf invocation carries it. Resolution failures fall back to the
// configured override; pre-flight reports the real problem later.
func resolveReleasever(cfg *config.Config) string {
	facts, err := hostinfo.Collect(cfg.System.Root)
	if err != nil {
		return cfg.Repos.Releasever
	}
	rel, err := release.Resolve(facts.Identity, cfg.Repos.Releasever)
	if err != nil {
		return cfg.Repos.Releasever
	}
	return rel.Releasever
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, styleWarn.Render("This will convert the system in place. Continue? [y/N]: "))
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runConvert(cmd *cobra.Command, args []string) error {
	orch, cfg, cleanup, err := setup(convertConfig, convertReleasever, convertEnableRepos)
	if err != nil {
		return err
	}
	defer cleanup()

	lock, err := applock.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	if !convertYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout()) {
		fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("Aborted; nothing was changed."))
		return nil
	}

	intr := conversion.TrapSignals()
	defer intr.Stop()
	orch.Interrupted = intr.Pending

	fmt.Fprintln(cmd.OutOrStdout(), styleBanner.Render("Starting conversion (run "+orchRunID(orch)+")"))

	state, err := orch.Convert(cmd.Context(), subscription.Credentials{
		Username:      convertUsername,
		Password:      convertPassword,
		Org:           convertOrg,
		ActivationKey: convertActivationKey,
	})

	var inhErr *conversion.InhibitError
	switch {
	case state == conversion.StateCommitted:
		fmt.Fprintln(cmd.OutOrStdout(), renderState(state), styleSuccess.Render("Conversion committed."))
		fmt.Fprintln(cmd.OutOrStdout(), styleWarn.Render("Reboot to start the target kernel."))
		return nil

	case errors.As(err, &inhErr):
		for _, res := range inhErr.Results {
			fmt.Fprintln(cmd.OutOrStdout(), styleError.Render("INHIBIT"), res.ID+":", res.Message)
		}
		return &exitCodeError{code: 2, err: errors.New("conversion inhibited; nothing was changed")}

	case state == conversion.StateRolledBack:
		fmt.Fprintln(cmd.OutOrStdout(), renderState(state), "The system was restored to its original state.")
		return &exitCodeError{code: 3, err: err}

	case state == conversion.StateFailed:
		fmt.Fprintln(cmd.OutOrStdout(), renderState(state), "Manual intervention is required; see the journal under", cfg.JournalDir())
		return &exitCodeError{code: 4, err: err}
	}
	return err
}

func orchRunID(orch *conversion.Orchestrator) string {
	if id := orch.RunID(); id != "" {
		return id
	}
	return "unjournaled"
}
