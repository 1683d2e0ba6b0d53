package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankspot/rankspot/internal/config"
	"github.com/rankspot/rankspot/internal/db"
	"github.com/rankspot/rankspot/internal/models"
	"github.com/rankspot/rankspot/internal/notify"
	"github.com/rankspot/rankspot/internal/rank"
	"github.com/rankspot/rankspot/internal/rental"
)

var rentalsCmd = &cobra.Command{
	Use:   "rentals",
	Short: "Manage rentals",
}

var rentalsListFlags struct {
	status string
}

var rentalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rentals",
	RunE:  runRentalsList,
}

var rentalsCreateFlags struct {
	userID   int64
	keyword  string
	assetID  int64
	rank     int
	duration int
}

var rentalsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a pending rental",
	Long: `Open a pending rental at the price implied by the quoted rank. The
rental activates when a payment confirmation arrives, and cancels
automatically if none does within the pending window.`,
	RunE: runRentalsCreate,
}

var rentalsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a rental",
	Args:  cobra.ExactArgs(1),
	RunE:  runRentalsCancel,
}

var rentalsExtendFlags struct {
	hours      int
	paymentRef string
}

var rentalsExtendCmd = &cobra.Command{
	Use:   "extend <id>",
	Short: "Extend a rental window",
	Args:  cobra.ExactArgs(1),
	RunE:  runRentalsExtend,
}

func init() {
	rootCmd.AddCommand(rentalsCmd)
	addDBFlag(rentalsCmd)
	rentalsCmd.AddCommand(rentalsListCmd)
	rentalsCmd.AddCommand(rentalsCreateCmd)
	rentalsCmd.AddCommand(rentalsCancelCmd)
	rentalsCmd.AddCommand(rentalsExtendCmd)

	rentalsListCmd.Flags().StringVar(&rentalsListFlags.status, "status", "", "filter by status")

	rentalsCreateCmd.Flags().Int64Var(&rentalsCreateFlags.userID, "user", 0, "renting user id")
	rentalsCreateCmd.Flags().StringVar(&rentalsCreateFlags.keyword, "keyword", "", "rented keyword")
	rentalsCreateCmd.Flags().Int64Var(&rentalsCreateFlags.assetID, "asset", 0, "asset id")
	rentalsCreateCmd.Flags().IntVar(&rentalsCreateFlags.rank, "rank", 0, "quoted rank")
	rentalsCreateCmd.Flags().IntVar(&rentalsCreateFlags.duration, "hours", 24, "rental duration in hours")

	rentalsExtendCmd.Flags().IntVar(&rentalsExtendFlags.hours, "hours", 24, "hours to add")
	rentalsExtendCmd.Flags().StringVar(&rentalsExtendFlags.paymentRef, "payment-ref", "", "payment reference")
}

func newRentalService(store *db.Store) *rental.Service {
	cfg := config.Default()
	sink := &notify.LogSink{Logger: logger}
	return rental.NewService(store, store, nullRankSource{}, sink,
		cfg.RefundPercent, cfg.SearchLimit, logger)
}

// nullRankSource disables replacement searches in one-shot CLI commands;
// only the server runs the full probe stack.
type nullRankSource struct{}

func (nullRankSource) BestAssets(context.Context, string, *models.AssetKind, int) ([]rank.ScoredAsset, error) {
	return nil, nil
}

func runRentalsList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	statuses := []models.RentalStatus{
		models.RentalPending, models.RentalActive, models.RentalMonitoring,
		models.RentalExpiring, models.RentalExpired, models.RentalCanceled,
	}
	if rentalsListFlags.status != "" {
		statuses = []models.RentalStatus{models.RentalStatus(rentalsListFlags.status)}
	}

	rentals, err := store.RentalsByStatus(context.Background(), statuses...)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		fmt.Println("No rentals found.")
		return nil
	}

	fmt.Printf("%-5s  %-8s  %-16s  %-6s  %-5s  %-12s  %-11s  %s\n",
		"ID", "USER", "KEYWORD", "ASSET", "RANK", "TIER", "STATUS", "ENDS")
	for _, r := range rentals {
		ends := "-"
		if r.EndTime != nil {
			ends = r.EndTime.Format(time.DateTime)
		}
		fmt.Printf("%-5d  %-8d  %-16s  %-6d  %-5d  %-12s  %-11s  %s\n",
			r.ID, r.UserID, r.Keyword, r.AssetID, r.Rank, r.Tier, r.Status, ends)
	}
	return nil
}

func runRentalsCreate(cmd *cobra.Command, args []string) error {
	f := rentalsCreateFlags
	if f.userID == 0 || f.keyword == "" || f.assetID == 0 {
		return fmt.Errorf("--user, --keyword, and --asset are required")
	}
	tier := rank.TierFor(f.rank)
	if tier == models.TierUnavailable {
		return fmt.Errorf("rank %d is not sellable", f.rank)
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	svc := newRentalService(store)
	id, err := svc.Create(context.Background(),
		f.userID, f.keyword, f.assetID, f.rank, tier, rank.PriceFor(f.rank), f.duration)
	if err != nil {
		return err
	}
	fmt.Printf("Rental %d created (pending payment, price %d).\n", id, rank.PriceFor(f.rank))
	return nil
}

func runRentalsCancel(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rental id %q", args[0])
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := newRentalService(store).Cancel(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Rental %d canceled.\n", id)
	return nil
}

func runRentalsExtend(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rental id %q", args[0])
	}
	if rentalsExtendFlags.paymentRef == "" {
		return fmt.Errorf("--payment-ref is required")
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	svc := newRentalService(store)
	if err := svc.Extend(context.Background(), id, rentalsExtendFlags.paymentRef, rentalsExtendFlags.hours); err != nil {
		return err
	}
	fmt.Printf("Rental %d extended by %d hours.\n", id, rentalsExtendFlags.hours)
	return nil
}
