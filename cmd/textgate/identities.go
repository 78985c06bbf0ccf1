package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/textgate/textgate/adapters/sqlite"
	"github.com/textgate/textgate/domain/quota"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Manage identities and tiers",
	Long: `Manage TextGate identities.

Identities own API keys and quota counters. Free-tier identities get the
configured daily call quota; premium and enterprise tiers bypass it.

Examples:
  textgate identities list
  textgate identities create acct_123 --tier=premium
  textgate identities create acct_456 --tier=premium --expires=2026-12-31`,
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities",
	RunE:  runIdentitiesList,
}

var identitiesCreateCmd = &cobra.Command{
	Use:   "create <identity-id>",
	Short: "Create or update an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitiesCreate,
}

var (
	identityTier    string
	identityExpires string
)

func init() {
	rootCmd.AddCommand(identitiesCmd)

	identitiesCmd.AddCommand(identitiesListCmd)
	identitiesCmd.AddCommand(identitiesCreateCmd)

	identitiesCreateCmd.Flags().StringVar(&identityTier, "tier", "free", "tier: free, premium, enterprise")
	identitiesCreateCmd.Flags().StringVar(&identityExpires, "expires", "", "tier expiry date (YYYY-MM-DD, premium/enterprise only)")
}

func runIdentitiesList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	idents, err := sqlite.NewIdentityStore(db).List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	if len(idents) == 0 {
		fmt.Println("No identities found.")
		fmt.Println()
		fmt.Println("Create one with: textgate identities create <identity-id>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tEXPIRES")
	fmt.Fprintln(w, "--\t----\t-------")

	for _, ident := range idents {
		expires := "-"
		if ident.TierExpiresAt != nil {
			expires = ident.TierExpiresAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ident.ID, ident.Tier, expires)
	}

	w.Flush()
	return nil
}

func runIdentitiesCreate(cmd *cobra.Command, args []string) error {
	tier := quota.Tier(identityTier)
	switch tier {
	case quota.TierFree, quota.TierPremium, quota.TierEnterprise:
	default:
		return fmt.Errorf("unknown tier %q (want free, premium, or enterprise)", identityTier)
	}

	ident := quota.Identity{ID: args[0], Tier: tier}
	if identityExpires != "" {
		t, err := time.Parse("2006-01-02", identityExpires)
		if err != nil {
			return fmt.Errorf("invalid --expires date: %w", err)
		}
		ident.TierExpiresAt = &t
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqlite.NewIdentityStore(db).Upsert(context.Background(), ident); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}

	fmt.Printf("Identity %s stored (tier %s).\n", ident.ID, ident.Tier)
	return nil
}
