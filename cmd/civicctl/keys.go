package main

import (
	"fmt"

	"github.com/spf13/cobra"

	commonauth "civic_realtime/server/common/auth"
	cmnenv "civic_realtime/server/common/env"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with $JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetInt("ttl")
		auth := commonauth.NewService(cmnenv.String("JWT_SECRET", "change-me-in-production"), ttl)
		token, err := auth.GenerateToken(userID, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var serviceKeyCmd = &cobra.Command{
	Use:   "service-key <key>",
	Short: "Print the bcrypt hash to put in SERVICE_KEY_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := commonauth.HashServiceKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "User id to put in the token")
	tokenCmd.Flags().String("role", "user", "Role claim")
	tokenCmd.Flags().Int("ttl", 1440, "Lifetime in minutes")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd, serviceKeyCmd)
}
