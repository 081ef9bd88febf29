package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/sharing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := newTokens(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokens.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
}

func newMembersCommand() *cobra.Command {
	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "Manage sharing group membership",
	}

	var sponsor string
	addCmd := &cobra.Command{
		Use:   "add <sharing-group-uuid> <user-id>",
		Short: "Add a user to a sharing group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			membership, err := sharing.NewService(sharing.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			member := sharing.Member{
				SharingGroupUUID: args[0],
				UserID:           args[1],
				SponsorUserID:    sponsor,
			}
			if err := membership.AddMember(cmd.Context(), member); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", member.UserID, member.SharingGroupUUID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&sponsor, "sponsor", "", "User whose cloud storage backs files this member creates")

	membersCmd.AddCommand(addCmd)
	return membersCmd
}
