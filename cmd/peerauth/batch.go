package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
)

func batchResult(readErr error, failures int) error {
	if readErr != nil {
		return fmt.Errorf("error reading commands: %w", readErr)
	}
	if failures > 0 {
		return fmt.Errorf("%d command(s) failed", failures)
	}
	return nil
}

// batchCmd runs one peerauth command per input line against the same root command, so that a
// password prompt or keyring unlock happens once for the whole batch.
func (a *app) batchCmd(root *cobra.Command) *cobra.Command {
	var stopOnError bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run commands read from standard input, one per line",
		Long: `Each line holds the arguments of a single peerauth command, quoted as in a POSIX shell.
Blank lines and lines starting with # are ignored. The word "exit" ends the batch.`,
		Example: `  printf 'store list\nstore sweep\n' | peerauth batch --store secrets.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer root.SetArgs(nil)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			failures := 0
			for line := 1; scanner.Scan(); line++ {
				text := strings.TrimSpace(scanner.Text())
				if text == "" || strings.HasPrefix(text, "#") {
					continue
				}
				words, err := shlex.Split(text)
				switch {
				case err != nil:
					err = fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				case len(words) == 0:
					continue
				case words[0] == "exit":
					return batchResult(scanner.Err(), failures)
				case words[0] == cmd.Name():
					err = fmt.Errorf("%w: batches cannot be nested", ErrCommandLineArgs)
				default:
					root.SetArgs(words)
					err = root.Execute()
				}
				if err != nil {
					failures++
					cmd.PrintErrf("line %d: %s\n", line, err)
					if stopOnError {
						return fmt.Errorf("batch stopped at line %d", line)
					}
				}
			}
			return batchResult(scanner.Err(), failures)
		},
	}
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Stop at the first command that fails")
	return cmd
}
