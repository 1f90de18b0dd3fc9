package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"civic_realtime/server/common/infra/db"
	notifyrepo "civic_realtime/server/notify/repository"
	realtimerepo "civic_realtime/server/realtime/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema",
	Long: `Apply the embedded schema, including the row-change triggers that feed
the realtime service. Every statement is idempotent.

Examples:
  civicctl migrate
  civicctl migrate --print > schema.sql`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if printOnly, _ := cmd.Flags().GetBool("print"); printOnly {
			fmt.Fprint(cmd.OutOrStdout(), db.Schema())
			return nil
		}
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		})
	},
}

var participantCmd = &cobra.Command{
	Use:   "participant",
	Short: "Conversation membership",
}

var participantAddCmd = &cobra.Command{
	Use:   "add <conversation_id> <user_id>...",
	Short: "Add users to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			repo := realtimerepo.NewRepository(pool)
			for _, userID := range args[1:] {
				if err := repo.AddParticipant(ctx, args[0], userID); err != nil {
					return fmt.Errorf("add %s: %w", userID, err)
				}
			}
			n, err := repo.CountParticipants(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s has %d participants\n", args[0], n)
			return nil
		})
	},
}

var contactCmd = &cobra.Command{
	Use:   "contact <user_id> <email>",
	Short: "Set the email address notifications are sent to",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			return notifyrepo.NewRepository(pool).SetContactEmail(ctx, args[0], args[1])
		})
	},
}

func init() {
	migrateCmd.Flags().Bool("print", false, "Print the schema instead of applying it")
	participantCmd.AddCommand(participantAddCmd)
	rootCmd.AddCommand(migrateCmd, participantCmd, contactCmd)
}
