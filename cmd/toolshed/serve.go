package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolshed/toolshed/pkg/bookings"
	"github.com/toolshed/toolshed/pkg/gateway"
	"github.com/toolshed/toolshed/pkg/logger"
)

func init() {
	serveCmd.Flags().String("addr", "", "gateway listen address (overrides gateway.host/port)")
	serveCmd.Flags().Bool("owner", false, "reply to whoever wrote last")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stay connected and expose the local gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if owner, _ := cmd.Flags().GetBool("owner"); owner {
			cfg.Chat.OwnerMode = true
		}
		ctx := cmd.Context()
		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		a.Bookings.Watch(func(c bookings.Change) {
			if c.Message == "" {
				return
			}
			logger.InfoCF("bookings", c.Message, map[string]interface{}{
				"booking": c.Booking.ID,
				"status":  string(c.Booking.Status),
			})
		})

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" && cfg.Gateway.Enabled {
			addr = cfg.GatewayAddr()
		}
		if addr != "" {
			srv, err := gateway.Listen(addr, gateway.Deps{
				Chat:     a.Chat,
				Bookings: a.Bookings,
				Actors:   a.Session,
				Channel:  a.Channel,
				Logger:   logger.Zerolog(),
			})
			if err != nil {
				return fmt.Errorf("failed to start gateway: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		fmt.Printf("Connected as %s. Press Ctrl+C to stop.\n", a.Session.ActorID())
		<-ctx.Done()
		return nil
	},
}
