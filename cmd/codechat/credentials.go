package codechat

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/codechat-universal/codechat/pkg/audit"
	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/codechat-universal/codechat/pkg/credentials"
	"github.com/spf13/cobra"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage chat-service logins stored encrypted in the data dir",
}

var credSecret string

func init() {
	credSetCmd.Flags().StringVar(&credSecret, "secret", "", "secret value (default: first line of stdin)")

	credentialsCmd.AddCommand(credSetCmd)
	credentialsCmd.AddCommand(credGetCmd)
	credentialsCmd.AddCommand(credDeleteCmd)
	credentialsCmd.AddCommand(credListCmd)
}

// withCredentials opens the store, audit log and credential store for the
// duration of fn.
func withCredentials(fn func(creds *credentials.Store, auditLog *audit.Logger) error) error {
	cfg := config.Current()
	db, auditLog, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	creds, err := openCredentials(cfg, db)
	if err != nil {
		return err
	}
	return fn(creds, auditLog)
}

var credSetCmd = &cobra.Command{
	Use:   "set <service> <username>",
	Short: "Save or replace a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := credSecret
		if secret == "" {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading secret from stdin: %w", err)
			}
			secret = strings.TrimRight(line, "\r\n")
		}
		if secret == "" {
			return fmt.Errorf("secret must not be empty")
		}

		return withCredentials(func(creds *credentials.Store, auditLog *audit.Logger) error {
			ctx := cmd.Context()
			if err := creds.Save(ctx, args[0], args[1], secret); err != nil {
				return err
			}
			_ = auditLog.Log(ctx, audit.EventCredSet, "credentials", "cli",
				map[string]string{"service": args[0], "username": args[1]})
			fmt.Printf("saved %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var credGetCmd = &cobra.Command{
	Use:   "get <service> <username>",
	Short: "Print a stored secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentials(func(creds *credentials.Store, _ *audit.Logger) error {
			secret, err := creds.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		})
	},
}

var credDeleteCmd = &cobra.Command{
	Use:     "delete <service> <username>",
	Aliases: []string{"rm"},
	Short:   "Delete a stored secret",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentials(func(creds *credentials.Store, auditLog *audit.Logger) error {
			ctx := cmd.Context()
			if err := creds.Delete(ctx, args[0], args[1]); err != nil {
				return err
			}
			_ = auditLog.Log(ctx, audit.EventCredDel, "credentials", "cli",
				map[string]string{"service": args[0], "username": args[1]})
			fmt.Printf("deleted %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var credListCmd = &cobra.Command{
	Use:     "list [service]",
	Aliases: []string{"ls"},
	Short:   "List stored logins without revealing secrets",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service := ""
		if len(args) == 1 {
			service = args[0]
		}
		return withCredentials(func(creds *credentials.Store, _ *audit.Logger) error {
			keys, err := creds.List(cmd.Context(), service)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("No credentials stored.")
				return nil
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}
