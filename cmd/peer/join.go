package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/negotiation"
	"huddle/internal/core/recovery"
	wsignal "huddle/internal/infrastructure/signal"
	"huddle/internal/infrastructure/webrtc"
	"huddle/pkg/config"
	"huddle/pkg/protocol"
	"huddle/pkg/retry"
	"huddle/pkg/validation"

	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagUsername      string
	flagNoMic         bool
	flagNoCamera      bool
	flagScreenFor     time.Duration
	flagStatsInterval time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and publish synthetic media",
	Long: `Join a room and keep a WebRTC session with every participant.

Examples:
  huddle-peer join standup
  huddle-peer join standup --username bot --screen-for 30s
  huddle-peer join standup --no-camera --stats-interval 5s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := validation.ValidateRoomID(args[0], cfg.Rooms.MaxRoomIDLength); err != nil {
			return err
		}
		if flagUsername == "" {
			flagUsername = cfg.Peer.Username
		}
		if err := validation.ValidateUsername(flagUsername, cfg.Rooms.MaxUsernameLength); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return join(ctx, cfg, domain.RoomID(args[0]))
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "display name (defaults to peer.username)")
	joinCmd.Flags().BoolVar(&flagNoMic, "no-mic", false, "do not publish a microphone track")
	joinCmd.Flags().BoolVar(&flagNoCamera, "no-camera", false, "do not publish a camera track")
	joinCmd.Flags().DurationVar(&flagScreenFor, "screen-for", 0, "share a synthetic screen for this long")
	joinCmd.Flags().DurationVar(&flagStatsInterval, "stats-interval", 10*time.Second, "print session tables this often, 0 disables")
}

func join(ctx context.Context, cfg *config.Config, roomID domain.RoomID) error {
	log := newLogger(cfg)
	defer log.Sync()

	monitor := webrtc.NewTrackMonitor()
	transports, err := webrtc.NewTransportFactory(transportConfig(cfg), monitor, log.Named("webrtc"))
	if err != nil {
		return err
	}

	var orch *negotiation.Orchestrator
	client := wsignal.NewClient(clientConfig(cfg), func(msg protocol.Message) {
		orch.HandleMessage(msg)
	}, log.Named("signal"))

	orch = negotiation.New(negotiation.Config{
		NegotiationDelay:    cfg.Peer.NegotiationDelay,
		HealthCheckInterval: cfg.Peer.HealthCheckInterval,
		OfferTimeout:        cfg.Peer.OfferTimeout,
		Recovery: recovery.Config{
			Throttle:        cfg.Peer.RecoveryThrottle,
			DisconnectGrace: cfg.Peer.DisconnectGrace,
			MaxAttempts:     cfg.Peer.MaxRecoveryAttempts,
		},
	}, negotiation.Deps{
		Signaler:   client,
		Transports: transports,
		Capturer:   webrtc.NewSyntheticCapturer(webrtc.DefaultCaptureConfig(), log.Named("capture")),
		Renderer:   logRenderer{logger: log},
		Logger:     log.Named("negotiation"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return client.Run(ctx) })

	if !flagNoMic {
		orch.StartCapture(ctx, domain.RoleMicrophone)
	}
	if !flagNoCamera {
		orch.StartCapture(ctx, domain.RoleCamera)
	}
	orch.SetUsername(flagUsername)
	orch.JoinRoom(roomID)
	log.Infow("joining room", "room_id", roomID, "username", flagUsername, "relay", cfg.Peer.SignalURL)

	if flagScreenFor > 0 {
		g.Go(func() error {
			orch.StartCapture(ctx, domain.RoleScreen)
			select {
			case <-time.After(flagScreenFor):
				orch.StopCapture(domain.RoleScreen)
			case <-ctx.Done():
			}
			return nil
		})
	}

	if flagStatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(flagStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					sessions, err := orch.Sessions(ctx)
					if err != nil {
						continue
					}
					renderSessions(os.Stdout, sessions)
					renderTrackStats(os.Stdout, monitor.Snapshot(), now)
				}
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("left room")
		return nil
	}
	return err
}

func transportConfig(cfg *config.Config) webrtc.Config {
	out := webrtc.Config{
		DisableDefaultInterceptors: cfg.WebRTC.DisableDefaultInterceptors,
		LogLevel:                   cfg.WebRTC.LogLevel,
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, pionwebrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func clientConfig(cfg *config.Config) wsignal.ClientConfig {
	c := wsignal.DefaultClientConfig(cfg.Peer.SignalURL)
	c.ReadTimeout = cfg.Signal.HeartbeatTimeout
	c.WriteTimeout = cfg.Signal.WriteTimeout
	c.Reconnect = retry.Config{
		MaxAttempts:  cfg.Peer.Reconnect.MaxAttempts,
		InitialDelay: cfg.Peer.Reconnect.InitialDelay,
		MaxDelay:     cfg.Peer.Reconnect.MaxDelay,
		Multiplier:   cfg.Peer.Reconnect.Multiplier,
		Jitter:       cfg.Peer.Reconnect.Jitter,
	}
	return c
}
