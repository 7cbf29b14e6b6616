package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bgm-collector/internal/scheduler"
)

const closeTimeout = 30 * time.Second

// newRefreshOnAirCmd runs the catalog refresh job once, with its retry budget,
// and exits.
func newRefreshOnAirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-onair",
		Short: "Refresh the on-air catalog once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			status, runErr := appInstance.RefreshOnce(cmd.Context())

			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			closeErr := appInstance.Close(ctx)

			if runErr != nil {
				return errors.Join(fmt.Errorf("refresh %s: %w", status, runErr), closeErr)
			}
			if status != scheduler.StatusSucceeded {
				return errors.Join(fmt.Errorf("refresh ended %s", status), closeErr)
			}
			cmd.Printf("on-air catalog refresh %s\n", status)
			return closeErr
		},
	}
}
