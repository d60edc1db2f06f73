package app

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keepsake/backend/internal/config"
	"github.com/keepsake/backend/internal/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the access rules and rate limits",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the access rules and rate-limit policies in force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enforcer, err := policy.NewDefault(cfg.Delivery)
			if err != nil {
				return err
			}
			return showPolicies(cmd.OutOrStdout(), enforcer, cfg)
		},
	}

	check := &cobra.Command{
		Use:   "check <rules.yaml>",
		Short: "Validate a rules document against the known predicates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return checkRules(cmd.OutOrStdout(), args[0], cfg)
		},
	}

	cmd.AddCommand(show, check)
	return cmd
}

func showPolicies(out io.Writer, enforcer *policy.Enforcer, cfg config.Config) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tEXPRESSION")
	rules := enforcer.Rules()
	for _, name := range enforcer.RuleNames() {
		fmt.Fprintf(w, "%s\t%s\n", name, rules[name])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "LIMIT\tMAX\tWINDOW\tMIN INTERVAL")
	for _, p := range cfg.Policies.All() {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.Name, p.MaxRequests, p.Window, p.MinInterval)
	}
	return w.Flush()
}

func checkRules(out io.Writer, path string, cfg config.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	enforcer, err := policy.New(raw, policy.Predicates(cfg.Delivery))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(out, "%s: %d rules ok\n", path, len(enforcer.RuleNames()))
	return nil
}
