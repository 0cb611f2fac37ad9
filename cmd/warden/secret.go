package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/benaskins/warden/internal/keychain"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets used to answer job prompts",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret",
	Long:  "Store a secret. If value is omitted it is read from the terminal without echo, or from stdin when piped.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			v, err := readSecret()
			if err != nil {
				return err
			}
			value = v
		}

		return withSecrets(func(s keychain.Store) error {
			if err := s.Set(key, value); err != nil {
				return err
			}
			fmt.Printf("Secret %q stored\n", key)
			return nil
		})
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(func(s keychain.Store) error {
			val, err := s.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(val)
			return nil
		})
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List secret keys",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(func(s keychain.Store) error {
			keys, err := s.List()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("No secrets stored")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY")
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
			return w.Flush()
		})
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Remove a secret",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(func(s keychain.Store) error {
			if err := s.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %q deleted\n", args[0])
			return nil
		})
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}

func withSecrets(fn func(keychain.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openSecrets(cfg, "cli")
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Enter secret value: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
