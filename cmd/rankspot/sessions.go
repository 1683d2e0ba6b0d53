package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankspot/rankspot/internal/models"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage the session pool",
}

var sessionsImportFlags struct {
	class      string
	credential string
	file       string
	proxyID    int64
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a session credential",
	Long: `Import a session credential into the pool.

Classes:
  probe-clean         query-only sessions used to run searches
  relabel-dirty       sessions burned on relabel work
  privileged-manager  sessions with admin rights over channels and groups`,
	RunE: runSessionsImport,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsRetireCmd = &cobra.Command{
	Use:   "retire <id>",
	Short: "Take a session out of rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRetire,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	addDBFlag(sessionsCmd)
	sessionsCmd.AddCommand(sessionsImportCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsRetireCmd)

	sessionsImportCmd.Flags().StringVar(&sessionsImportFlags.class, "class", string(models.SessionClean), "session class")
	sessionsImportCmd.Flags().StringVar(&sessionsImportFlags.credential, "credential", "", "session string")
	sessionsImportCmd.Flags().StringVar(&sessionsImportFlags.file, "file", "", "read the session string from a file")
	sessionsImportCmd.Flags().Int64Var(&sessionsImportFlags.proxyID, "proxy", 0, "bind to a proxy id (0: none)")
}

func runSessionsImport(cmd *cobra.Command, args []string) error {
	credential := sessionsImportFlags.credential
	if sessionsImportFlags.file != "" {
		data, err := os.ReadFile(sessionsImportFlags.file)
		if err != nil {
			return fmt.Errorf("read credential file: %w", err)
		}
		credential = strings.TrimSpace(string(data))
	}
	if credential == "" {
		return fmt.Errorf("a credential is required (use --credential or --file)")
	}

	class := models.SessionClass(sessionsImportFlags.class)
	switch class {
	case models.SessionClean, models.SessionDirty, models.SessionManager:
	default:
		return fmt.Errorf("unknown session class %q", sessionsImportFlags.class)
	}

	var proxyID *int64
	if sessionsImportFlags.proxyID != 0 {
		proxyID = &sessionsImportFlags.proxyID
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := store.ImportSession(context.Background(), class, credential, proxyID)
	if err != nil {
		return err
	}
	fmt.Printf("Session %d imported (%s).\n", id, class)
	return nil
}

func runSessionsRetire(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.RetireSession(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Session %d retired.\n", id)
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-5s  %-20s  %-7s  %-8s  %-5s  %-6s  %s\n",
		"ID", "CLASS", "IN-USE", "HEALTHY", "FAILS", "PROXY", "LAST USED")
	for _, s := range sessions {
		proxy := "-"
		if s.ProxyID != nil {
			proxy = fmt.Sprintf("%d", *s.ProxyID)
		}
		lastUsed := "never"
		if !s.LastUsed.IsZero() {
			lastUsed = s.LastUsed.Format(time.DateTime)
		}
		fmt.Printf("%-5d  %-20s  %-7t  %-8t  %-5d  %-6s  %s\n",
			s.ID, s.Class, s.InUse, s.Healthy, s.FailCount, proxy, lastUsed)
	}
	return nil
}
