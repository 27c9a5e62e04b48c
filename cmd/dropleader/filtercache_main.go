package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newFilterCacheCmd() *cobra.Command {
	filterCacheCmd := &cobra.Command{
		Use:   "filtercache",
		Short: "Maintain the eligibility filter-result cache",
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge filter-cache entries unused for longer than the given age",
		RunE:  runFilterCacheCleanup,
	}
	cleanupCmd.Flags().Int("older-than-days", 30, "delete entries whose last hit predates this many days")

	filterCacheCmd.AddCommand(cleanupCmd)
	return filterCacheCmd
}

func runFilterCacheCleanup(cmd *cobra.Command, args []string) error {
	olderThanDays, _ := cmd.Flags().GetInt("older-than-days")
	d := wire(loadConfig())

	n, err := d.cache.Cleanup(context.Background(), olderThanDays)
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", n).Int("olderThanDays", olderThanDays).Msg("filter cache cleanup complete")
	fmt.Printf("deleted %d entries older than %d days\n", n, olderThanDays)
	return nil
}
