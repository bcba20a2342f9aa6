package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vborges/courier/pkg/courier/database"
	"github.com/vborges/courier/pkg/courier/session"
)

// newSessionsCmd creates the `courier sessions` command listing persisted
// sessions.
func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		Long: `List persisted sessions, most recently active first.

Example:
  courier sessions`,
		RunE: runSessions,
	}
}

func runSessions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := database.Open(database.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := session.NewSQLiteStore(db)
	sessions, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tUSER\tCONVERSATION\tLAST ACTIVITY")
	for _, s := range sessions {
		user := s.UserID
		if user == "" {
			user = "-"
		}
		conv := s.ConversationID
		if conv == "" {
			conv = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Key, user, conv, s.LastActivityAt.Format(time.RFC3339))
	}
	return w.Flush()
}
