package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/textgate/textgate/adapters/sqlite"
	"github.com/textgate/textgate/domain/key"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Manage TextGate API keys.

An identity can have multiple API keys. Authenticated requests count
against the key's identity instead of the caller's source address.

Examples:
  textgate keys list
  textgate keys list --identity=acct_123
  textgate keys create --identity=acct_123
  textgate keys revoke key_abc123`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runKeysList,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE:  runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var (
	keyIdentityID string
	keyName       string
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)

	keysListCmd.Flags().StringVar(&keyIdentityID, "identity", "", "filter by identity ID")
	keysCreateCmd.Flags().StringVar(&keyIdentityID, "identity", "", "identity ID (required)")
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "key name (optional)")
	keysCreateCmd.MarkFlagRequired("identity")
}

func runKeysList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	keyStore := sqlite.NewKeyStore(db)

	var keys []key.Key
	if keyIdentityID != "" {
		keys, err = keyStore.ListByIdentity(context.Background(), keyIdentityID)
	} else {
		keys, err = keyStore.List(context.Background())
	}
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if len(keys) == 0 {
		if keyIdentityID != "" {
			fmt.Printf("No keys found for identity %s.\n", keyIdentityID)
		} else {
			fmt.Println("No API keys found.")
		}
		fmt.Println()
		fmt.Println("Create a key with: textgate keys create --identity=<identity-id>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tIDENTITY\tSTATUS\tCREATED")
	fmt.Fprintln(w, "--\t------\t--------\t------\t-------")

	for _, k := range keys {
		status := "active"
		if k.RevokedAt != nil {
			status = "revoked"
		}
		created := k.CreatedAt.Format("2006-01-02")
		fmt.Fprintf(w, "%s\t%s...\t%s\t%s\t%s\n", k.ID, k.Prefix, k.IdentityID, status, created)
	}

	w.Flush()
	return nil
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	identityStore := sqlite.NewIdentityStore(db)
	if _, err := identityStore.Get(context.Background(), keyIdentityID); err != nil {
		return fmt.Errorf("identity %s not found; create it first with 'textgate identities create'", keyIdentityID)
	}

	rawKey, k := key.Generate(cfg.Auth.KeyPrefix)
	k = k.WithIdentityID(keyIdentityID).WithName(keyName)

	keyStore := sqlite.NewKeyStore(db)
	if err := keyStore.Create(context.Background(), k); err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	fmt.Println("API key created.")
	fmt.Println()
	fmt.Printf("  ID:       %s\n", k.ID)
	fmt.Printf("  Identity: %s\n", k.IdentityID)
	fmt.Printf("  Key:      %s\n", rawKey)
	fmt.Println()
	fmt.Println("Save this key now. It cannot be recovered later.")
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	keyStore := sqlite.NewKeyStore(db)
	if err := keyStore.Revoke(context.Background(), args[0], time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to revoke key %s: %w", args[0], err)
	}

	fmt.Printf("Key %s revoked.\n", args[0])
	return nil
}
