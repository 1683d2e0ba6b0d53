package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rankspot/rankspot/internal/models"
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Manage rentable assets",
}

var assetsAddFlags struct {
	externalID int64
	kind       string
	label      string
	botToken   string
}

var assetsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a rentable asset",
	Long: `Register a rentable asset. The label given here becomes the original
label that every probe restores to. Bots need --bot-token so probes can
relabel them with their own credential.`,
	RunE: runAssetsAdd,
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available assets",
	RunE:  runAssetsList,
}

func init() {
	rootCmd.AddCommand(assetsCmd)
	addDBFlag(assetsCmd)
	assetsCmd.AddCommand(assetsAddCmd)
	assetsCmd.AddCommand(assetsListCmd)

	assetsAddCmd.Flags().Int64Var(&assetsAddFlags.externalID, "external-id", 0, "remote entity id")
	assetsAddCmd.Flags().StringVar(&assetsAddFlags.kind, "kind", "", "asset kind: bot, channel, or group")
	assetsAddCmd.Flags().StringVar(&assetsAddFlags.label, "label", "", "public label")
	assetsAddCmd.Flags().StringVar(&assetsAddFlags.botToken, "bot-token", "", "bot credential (bots only)")
}

func runAssetsAdd(cmd *cobra.Command, args []string) error {
	kind := models.AssetKind(assetsAddFlags.kind)
	switch kind {
	case models.AssetBot, models.AssetChannel, models.AssetGroup:
	default:
		return fmt.Errorf("unknown asset kind %q", assetsAddFlags.kind)
	}
	if assetsAddFlags.externalID == 0 || assetsAddFlags.label == "" {
		return fmt.Errorf("--external-id and --label are required")
	}
	if kind == models.AssetBot && assetsAddFlags.botToken == "" {
		return fmt.Errorf("--bot-token is required for bots")
	}

	var botToken *string
	if assetsAddFlags.botToken != "" {
		botToken = &assetsAddFlags.botToken
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := store.AddAsset(context.Background(),
		assetsAddFlags.externalID, kind, assetsAddFlags.label, botToken)
	if err != nil {
		return err
	}
	fmt.Printf("Asset %d added (%s %q).\n", id, kind, assetsAddFlags.label)
	return nil
}

func runAssetsList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	assets, err := store.AvailableAssets(context.Background(), nil, 1000)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		fmt.Println("No available assets.")
		return nil
	}

	fmt.Printf("%-5s  %-12s  %-8s  %-24s  %s\n", "ID", "EXTERNAL", "KIND", "LABEL", "ORIGINAL")
	for _, a := range assets {
		fmt.Printf("%-5d  %-12d  %-8s  %-24s  %s\n",
			a.ID, a.ExternalID, a.Kind, a.Label, a.OriginalLabel)
	}
	return nil
}
