package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/platform"
	"github.com/onnwee/livewatch/registry"
	"github.com/onnwee/livewatch/track"
)

type targetFlags struct {
	platform   string
	externalID string
	username   string
	guildID    string
	channelID  string
	userID     string
	roleID     string
	text       string
}

func (f *targetFlags) bind(cmd *cobra.Command, withMention bool) {
	cmd.Flags().StringVarP(&f.platform, "platform", "p", "", "Platform (twitch, youtube, bluesky)")
	cmd.Flags().StringVar(&f.externalID, "external-id", "", "Provider account id (Twitch user id, YouTube channel id, Bluesky DID)")
	cmd.Flags().StringVar(&f.guildID, "guild", "", "Discord guild id")
	cmd.Flags().StringVar(&f.channelID, "channel", "", "Discord channel id")
	for _, name := range []string{"platform", "external-id", "guild", "channel"} {
		_ = cmd.MarkFlagRequired(name)
	}
	if withMention {
		cmd.Flags().StringVar(&f.username, "username", "", "Account display handle stored with a new feed")
		cmd.Flags().StringVar(&f.userID, "user", "", "Discord user id recorded as the requester")
		cmd.Flags().StringVar(&f.roleID, "role", "", "Role to mention on go-live")
		cmd.Flags().StringVar(&f.text, "text", "", "Text sent with the go-live message")
	}
}

func (f *targetFlags) feedPlatform() (platform.Platform, error) {
	p := platform.Platform(f.platform)
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", f.platform)
	}
	return p, nil
}

func targetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Add or remove tracking targets",
		Long: `Add or remove tracking targets without going through the admin API.

The account is not resolved against the provider, so pass the provider id, not a login name.`,
	}

	var add targetFlags
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Track an account in a Discord channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := add.feedPlatform()
			if err != nil {
				return err
			}
			database, _, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			store := db.NewStore(database)
			ctx := cmd.Context()

			t, created, err := store.AddTarget(ctx,
				track.Feed{Platform: p, ExternalID: add.externalID, Username: add.username},
				track.Target{GuildID: add.guildID, ChannelID: add.channelID, UserID: add.userID})
			if err != nil {
				return err
			}
			if add.roleID != "" || add.text != "" {
				if err := store.SetMention(ctx, track.MentionConfig{TargetID: t.ID, RoleID: add.roleID, Text: add.text}); err != nil {
					return fmt.Errorf("set mention: %w", err)
				}
			}
			verb := "already tracked"
			if created {
				verb = "added"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "target %d %s (feed %d)\n", t.ID, verb, t.FeedID)
			return nil
		},
	}
	add.bind(addCmd, true)

	var rm targetFlags
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Stop tracking an account in a Discord channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rm.feedPlatform()
			if err != nil {
				return err
			}
			database, cfg, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			store := db.NewStore(database)
			ctx := cmd.Context()

			feed, err := store.FeedByExternal(ctx, p, rm.externalID)
			if errors.Is(err, track.ErrNotFound) {
				return fmt.Errorf("%s %s is not tracked", p, rm.externalID)
			} else if err != nil {
				return err
			}
			targets, err := store.Targets(ctx, feed.ID)
			if err != nil {
				return err
			}
			// RemoveTarget never resolves channels, so the registry runs without Discord.
			reg := registry.New(store, nil, &db.Flags{DB: database}, cfg.ManualCuration)
			for _, t := range targets {
				if t.GuildID != rm.guildID || t.ChannelID != rm.channelID {
					continue
				}
				feedDeleted, err := reg.RemoveTarget(ctx, *feed, t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "target %d removed\n", t.ID)
				if feedDeleted {
					fmt.Fprintf(cmd.OutOrStdout(), "feed %d deleted (no targets left)\n", feed.ID)
				}
				return nil
			}
			return fmt.Errorf("no target for %s %s in channel %s", p, rm.externalID, rm.channelID)
		},
	}
	rm.bind(removeCmd, false)

	cmd.AddCommand(addCmd, removeCmd)
	return cmd
}
