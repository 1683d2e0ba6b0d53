package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankspot/rankspot/internal/config"
	"github.com/rankspot/rankspot/internal/models"
	"github.com/rankspot/rankspot/internal/notify"
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Measure asset ranks",
}

var rankCheckFlags struct {
	assetID   int64
	keyword   string
	fresh     bool
	bridgeURL string
}

var rankCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check one asset's rank for a keyword",
	Long: `Check where an asset ranks for a keyword. Served from the rank cache
when a fresh enough measurement exists; --fresh forces a live probe,
which relabels the asset and takes about a minute.`,
	RunE: runRankCheck,
}

var rankBestFlags struct {
	keyword   string
	kind      string
	limit     int
	bridgeURL string
}

var rankBestCmd = &cobra.Command{
	Use:   "best",
	Short: "Score the available inventory for a keyword",
	RunE:  runRankBest,
}

var rankHistoryFlags struct {
	assetID int64
	keyword string
	days    int
}

var rankHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past measurements for an asset and keyword",
	RunE:  runRankHistory,
}

var rankClearFlags struct {
	assetID int64
	keyword string
}

var rankClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached measurements",
	Long:  `Drop cached rank measurements, scoped by --asset and/or --keyword. With neither, the whole cache is cleared.`,
	RunE:  runRankClear,
}

func init() {
	rootCmd.AddCommand(rankCmd)
	addDBFlag(rankCmd)
	rankCmd.AddCommand(rankCheckCmd)
	rankCmd.AddCommand(rankBestCmd)
	rankCmd.AddCommand(rankHistoryCmd)
	rankCmd.AddCommand(rankClearCmd)

	rankCheckCmd.Flags().Int64Var(&rankCheckFlags.assetID, "asset", 0, "asset id")
	rankCheckCmd.Flags().StringVar(&rankCheckFlags.keyword, "keyword", "", "search keyword")
	rankCheckCmd.Flags().BoolVar(&rankCheckFlags.fresh, "fresh", false, "force a live probe")
	rankCheckCmd.Flags().StringVar(&rankCheckFlags.bridgeURL, "bridge-url", getEnv("RANKSPOT_BRIDGE_URL", "http://127.0.0.1:8089"), "transport bridge base URL")

	rankBestCmd.Flags().StringVar(&rankBestFlags.keyword, "keyword", "", "search keyword")
	rankBestCmd.Flags().StringVar(&rankBestFlags.kind, "kind", "", "restrict to one asset kind")
	rankBestCmd.Flags().IntVar(&rankBestFlags.limit, "limit", 20, "maximum assets to score")
	rankBestCmd.Flags().StringVar(&rankBestFlags.bridgeURL, "bridge-url", getEnv("RANKSPOT_BRIDGE_URL", "http://127.0.0.1:8089"), "transport bridge base URL")

	rankHistoryCmd.Flags().Int64Var(&rankHistoryFlags.assetID, "asset", 0, "asset id")
	rankHistoryCmd.Flags().StringVar(&rankHistoryFlags.keyword, "keyword", "", "search keyword")
	rankHistoryCmd.Flags().IntVar(&rankHistoryFlags.days, "days", 7, "how far back to look")

	rankClearCmd.Flags().Int64Var(&rankClearFlags.assetID, "asset", 0, "restrict to one asset")
	rankClearCmd.Flags().StringVar(&rankClearFlags.keyword, "keyword", "", "restrict to one keyword")
}

func runRankHistory(cmd *cobra.Command, args []string) error {
	if rankHistoryFlags.assetID == 0 || rankHistoryFlags.keyword == "" {
		return fmt.Errorf("--asset and --keyword are required")
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	since := time.Now().AddDate(0, 0, -rankHistoryFlags.days)
	records, err := store.RankHistory(context.Background(), rankHistoryFlags.assetID, rankHistoryFlags.keyword, since)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No measurements for asset %d and %q in the last %d days.\n",
			rankHistoryFlags.assetID, rankHistoryFlags.keyword, rankHistoryFlags.days)
		return nil
	}

	fmt.Printf("%-20s  %-5s  %s\n", "MEASURED", "RANK", "TIER")
	for _, r := range records {
		rank := fmt.Sprintf("%d", r.Rank)
		if r.Rank == models.RankNotFound {
			rank = "-"
		}
		fmt.Printf("%-20s  %-5s  %s\n", r.MeasuredAt.Format(time.DateTime), rank, r.Tier)
	}
	return nil
}

func runRankClear(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	var assetID *int64
	if rankClearFlags.assetID != 0 {
		assetID = &rankClearFlags.assetID
	}
	var keyword *string
	if rankClearFlags.keyword != "" {
		keyword = &rankClearFlags.keyword
	}

	if err := store.ClearRanks(context.Background(), assetID, keyword); err != nil {
		return err
	}
	fmt.Println("Rank cache cleared.")
	return nil
}

func runRankCheck(cmd *cobra.Command, args []string) error {
	if rankCheckFlags.assetID == 0 || rankCheckFlags.keyword == "" {
		return fmt.Errorf("--asset and --keyword are required")
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	cfg := config.Default()
	cfg.BridgeURL = rankCheckFlags.bridgeURL
	engine, _ := buildRankStack(store, cfg, &notify.LogSink{Logger: logger}, logger)

	res, err := engine.CheckRank(context.Background(), rankCheckFlags.assetID, rankCheckFlags.keyword, rankCheckFlags.fresh)
	if err != nil {
		return err
	}

	source := "live probe"
	if res.FromCache {
		source = "cache"
	}
	if res.Rank == models.RankNotFound {
		fmt.Printf("Asset %d not found for %q (%s).\n", rankCheckFlags.assetID, rankCheckFlags.keyword, source)
		return nil
	}
	fmt.Printf("Asset %d ranks #%d for %q: %s tier, price %d (%s).\n",
		rankCheckFlags.assetID, res.Rank, rankCheckFlags.keyword, res.Tier, res.Price, source)
	return nil
}

func runRankBest(cmd *cobra.Command, args []string) error {
	if rankBestFlags.keyword == "" {
		return fmt.Errorf("--keyword is required")
	}

	var kind *models.AssetKind
	if rankBestFlags.kind != "" {
		k := models.AssetKind(rankBestFlags.kind)
		switch k {
		case models.AssetBot, models.AssetChannel, models.AssetGroup:
			kind = &k
		default:
			return fmt.Errorf("unknown asset kind %q", rankBestFlags.kind)
		}
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	cfg := config.Default()
	cfg.BridgeURL = rankBestFlags.bridgeURL
	engine, _ := buildRankStack(store, cfg, &notify.LogSink{Logger: logger}, logger)

	scored, err := engine.BestAssets(context.Background(), rankBestFlags.keyword, kind, rankBestFlags.limit)
	if err != nil {
		return err
	}
	if len(scored) == 0 {
		fmt.Printf("No sellable assets for %q.\n", rankBestFlags.keyword)
		return nil
	}

	fmt.Printf("%-5s  %-8s  %-24s  %-5s  %-12s  %s\n", "ID", "KIND", "LABEL", "RANK", "TIER", "PRICE")
	for _, s := range scored {
		fmt.Printf("%-5d  %-8s  %-24s  %-5d  %-12s  %d\n",
			s.Asset.ID, s.Asset.Kind, s.Asset.OriginalLabel, s.Rank, s.Tier, s.Price)
	}
	return nil
}
