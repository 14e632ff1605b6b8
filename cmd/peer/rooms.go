package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"huddle/internal/infrastructure/signal"
	"huddle/pkg/protocol"

	"github.com/spf13/cobra"
)

var flagRoomsTimeout time.Duration

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List occupied rooms on the relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		defer log.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), flagRoomsTimeout)
		defer cancel()

		rooms := make(chan *protocol.Rooms, 1)
		clientCfg := signal.DefaultClientConfig(cfg.Peer.SignalURL)
		clientCfg.Reconnect.MaxAttempts = 1
		client := signal.NewClient(clientCfg, func(msg protocol.Message) {
			if m, ok := msg.(*protocol.Rooms); ok {
				select {
				case rooms <- m:
				default:
				}
			}
		}, log)

		errCh := make(chan error, 1)
		go func() { errCh <- client.Run(ctx) }()

		select {
		case m := <-rooms:
			cancel()
			renderRooms(os.Stdout, m.Rooms)
			return nil
		case err := <-errCh:
			if err == nil {
				err = ctx.Err()
			}
			return fmt.Errorf("no room list from %s: %w", cfg.Peer.SignalURL, err)
		case <-ctx.Done():
			return fmt.Errorf("no room list from %s: %w", cfg.Peer.SignalURL, ctx.Err())
		}
	},
}

func init() {
	roomsCmd.Flags().DurationVar(&flagRoomsTimeout, "timeout", 5*time.Second, "how long to wait for the relay")
}
