package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankspot/rankspot/internal/config"
	"github.com/rankspot/rankspot/internal/pool"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Manage egress proxies",
}

var proxiesAddFlags struct {
	address  string
	port     int
	protocol string
	username string
	password string
}

var proxiesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a proxy endpoint",
	RunE:  runProxiesAdd,
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proxies",
	RunE:  runProxiesList,
}

var proxiesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a proxy",
	Args:  cobra.ExactArgs(1),
	RunE:  runProxiesRemove,
}

var proxiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health sweep now",
	RunE:  runProxiesCheck,
}

func init() {
	rootCmd.AddCommand(proxiesCmd)
	addDBFlag(proxiesCmd)
	proxiesCmd.AddCommand(proxiesAddCmd)
	proxiesCmd.AddCommand(proxiesListCmd)
	proxiesCmd.AddCommand(proxiesRemoveCmd)
	proxiesCmd.AddCommand(proxiesCheckCmd)

	proxiesAddCmd.Flags().StringVar(&proxiesAddFlags.address, "address", "", "proxy host")
	proxiesAddCmd.Flags().IntVar(&proxiesAddFlags.port, "port", 0, "proxy port")
	proxiesAddCmd.Flags().StringVar(&proxiesAddFlags.protocol, "protocol", "socks5", "proxy protocol")
	proxiesAddCmd.Flags().StringVar(&proxiesAddFlags.username, "username", "", "proxy username")
	proxiesAddCmd.Flags().StringVar(&proxiesAddFlags.password, "password", "", "proxy password")
}

func runProxiesAdd(cmd *cobra.Command, args []string) error {
	if proxiesAddFlags.address == "" || proxiesAddFlags.port == 0 {
		return fmt.Errorf("--address and --port are required")
	}

	var username, password *string
	if proxiesAddFlags.username != "" {
		username = &proxiesAddFlags.username
	}
	if proxiesAddFlags.password != "" {
		password = &proxiesAddFlags.password
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := store.AddProxy(context.Background(),
		proxiesAddFlags.address, proxiesAddFlags.port, proxiesAddFlags.protocol, username, password)
	if err != nil {
		return err
	}
	fmt.Printf("Proxy %d added.\n", id)
	return nil
}

func runProxiesList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	proxies, err := store.ListProxies(context.Background())
	if err != nil {
		return err
	}
	if len(proxies) == 0 {
		fmt.Println("No proxies found.")
		return nil
	}

	fmt.Printf("%-5s  %-24s  %-8s  %-8s  %-8s  %-5s  %s\n",
		"ID", "ENDPOINT", "PROTO", "STATUS", "LATENCY", "FAILS", "LAST CHECK")
	for _, p := range proxies {
		latency := "-"
		if p.LatencyMS != nil {
			latency = fmt.Sprintf("%dms", *p.LatencyMS)
		}
		lastCheck := "never"
		if !p.LastCheck.IsZero() {
			lastCheck = p.LastCheck.Format(time.DateTime)
		}
		fmt.Printf("%-5d  %-24s  %-8s  %-8s  %-8s  %-5d  %s\n",
			p.ID, p.Addr(), p.Protocol, p.Status, latency, p.FailCount, lastCheck)
	}
	return nil
}

func runProxiesRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid proxy id %q", args[0])
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.RemoveProxy(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Proxy %d removed.\n", id)
	return nil
}

func runProxiesCheck(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	cfg := config.Default()
	checker := pool.NewHealthChecker(store,
		cfg.HealthTimeout, cfg.HealthInterval, cfg.ProxyFailLimit, cfg.ProxyRetention, logger)
	checker.Sweep(context.Background())

	return runProxiesList(cmd, args)
}
