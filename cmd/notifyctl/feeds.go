package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/platform"
)

func feedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Inspect tracked feeds",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked feeds with their target counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			platforms := platform.All
			if p, _ := cmd.Flags().GetString("platform"); p != "" {
				if !platform.Platform(p).Valid() {
					return fmt.Errorf("unknown platform %q", p)
				}
				platforms = []platform.Platform{platform.Platform(p)}
			}

			database, _, err := open()
			if err != nil {
				return err
			}
			defer database.Close()
			store := db.NewStore(database)
			ctx := cmd.Context()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLATFORM\tEXTERNAL ID\tUSERNAME\tLIVE\tTARGETS")
			for _, p := range platforms {
				feeds, err := store.ListFeeds(ctx, p)
				if err != nil {
					return err
				}
				for _, f := range feeds {
					targets, err := store.Targets(ctx, f.ID)
					if err != nil {
						return err
					}
					live := f.Last != nil && f.Last.Live
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%d\n", f.ID, f.Platform, f.ExternalID, f.Username, live, len(targets))
				}
			}
			return w.Flush()
		},
	}
	list.Flags().StringP("platform", "p", "", "Only list feeds of this platform")
	cmd.AddCommand(list)
	return cmd
}
