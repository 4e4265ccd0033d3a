package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/vmrs-cli/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage category rule sets",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and check every rule set in the rules directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Paths.RulesDir
		}
		return validateRules(os.Stdout, rules.NewStore(dir))
	},
}

func init() {
	rulesValidateCmd.Flags().String("dir", "", "rules directory (default from config)")
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}

// validateRules reports every category's status and fails when any rule set
// is invalid.
func validateRules(out io.Writer, rs *rules.Store) error {
	ids, err := rs.Categories()
	if err != nil {
		return eris.Wrap(err, "rules validate")
	}
	if len(ids) == 0 {
		return eris.New("rules validate: no rule sets found")
	}
	failures, err := rs.ValidateAll()
	if err != nil {
		return eris.Wrap(err, "rules validate")
	}

	sort.Strings(ids)
	for _, id := range ids {
		if ferr, bad := failures[id]; bad {
			_, _ = fmt.Fprintf(out, "FAIL  %s  %v\n", id, ferr)
			continue
		}
		_, _ = fmt.Fprintf(out, "ok    %s\n", id)
	}

	if len(failures) > 0 {
		return eris.Errorf("rules validate: %d of %d rule sets invalid", len(failures), len(ids))
	}
	return nil
}
