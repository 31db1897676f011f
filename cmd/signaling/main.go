package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/peer-signaling/config"
	"github.com/mossy-p/peer-signaling/internal/engine"
	"github.com/mossy-p/peer-signaling/internal/events"
	"github.com/mossy-p/peer-signaling/internal/handlers"
	"github.com/mossy-p/peer-signaling/internal/peer"
	"github.com/mossy-p/peer-signaling/internal/room"
	"github.com/mossy-p/peer-signaling/internal/signaling"
	"github.com/mossy-p/peer-signaling/internal/transport"
	"github.com/mossy-p/peer-signaling/internal/transport/memory"
	"github.com/mossy-p/peer-signaling/internal/transport/mqtt"
	"github.com/mossy-p/peer-signaling/internal/transport/redis"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	user       string
	room       string
	transport  string
	port       string
	autoCall   bool
	calls      []string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "signaling",
		Short:        "WebRTC call signaling over MQTT or Redis pub/sub",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg, f.calls)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "local user id")
	cmd.Flags().StringVarP(&f.room, "room", "r", "", "signaling room")
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "", "transport: mqtt, redis or memory")
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "control API port")
	cmd.Flags().BoolVar(&f.autoCall, "auto-call", false, "call members as they join the room")
	cmd.Flags().StringSliceVar(&f.calls, "call", nil, "peer to call once joined (repeatable)")
	return cmd
}

// apply lets explicitly set flags override the loaded configuration.
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("user") {
		cfg.LocalUserID = f.user
	}
	if set("room") {
		cfg.Room = f.room
	}
	if set("transport") {
		cfg.Transport = f.transport
	}
	if set("port") {
		cfg.Port = f.port
	}
	if set("auto-call") {
		cfg.AutoCall = f.autoCall
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// signalingTransport is what every transport implementation provides.
type signalingTransport interface {
	transport.Transport
	transport.Presence
}

func dial(ctx context.Context, cfg *config.Config, topics transport.Topics, logger *slog.Logger) (signalingTransport, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		c, err := mqtt.Dial(ctx, mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.LocalUserID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topics:   topics,
			QoS:      byte(cfg.MQTT.QoS),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportRedis:
		c, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportMemory:
		return memory.NewBroker().Connect(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func run(parent context.Context, cfg *config.Config, calls []string) error {
	logger := newLogger(cfg).With("user", cfg.LocalUserID)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger.With("component", "bus"))
	defer bus.Close()

	api, err := peer.NewAPI(peer.Config{
		ICEServers:  []webrtc.ICEServer{{URLs: cfg.ICEServers}},
		VideoSource: cfg.VideoSource,
	}, logger.With("component", "webrtc"))
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		LocalID:              cfg.LocalUserID,
		VideoSource:          cfg.VideoSource,
		Factory:              api,
		Bus:                  bus,
		Logger:               logger.With("component", "engine"),
		MaxPendingCandidates: cfg.MaxPendingCandidates,
	})
	if err != nil {
		return err
	}

	topics := transport.Topics{Prefix: cfg.TopicPrefix, Room: cfg.Room}
	tr, err := dial(ctx, cfg, topics, logger)
	if err != nil {
		eng.Close(context.Background())
		return err
	}
	logger.Info("transport connected", "transport", cfg.Transport)

	publisher := signaling.NewPublisher(signaling.PublisherOptions{
		LocalID: cfg.LocalUserID, Topics: topics, Transport: tr, Bus: bus, Logger: logger,
	})
	inbound := signaling.NewInbound(signaling.InboundOptions{
		LocalID: cfg.LocalUserID, Topics: topics, Transport: tr, Engine: eng, Logger: logger,
	})
	tracker := room.NewTracker(room.Options{
		LocalID:  cfg.LocalUserID,
		Room:     cfg.Room,
		Sessions: eng,
		Bus:      bus,
		Logger:   logger.With("component", "room"),
		AutoCall: cfg.AutoCall,
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.RouterOptions{
			AllowedOrigins: cfg.AllowedOrigins,
			JWTSecret:      cfg.JWTSecret,
			Sessions:       eng,
			Room:           tracker,
			Bus:            bus,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return inbound.Run(gctx) })

	roomEvents, err := tr.Join(gctx, cfg.Room, cfg.LocalUserID)
	if err != nil {
		stop()
		g.Wait()
		eng.Close(context.Background())
		tr.Close()
		return fmt.Errorf("failed to join room %s: %w", cfg.Room, err)
	}
	g.Go(func() error { return tracker.Run(gctx, roomEvents) })

	g.Go(func() error {
		logger.Info("starting control API", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})

	for _, peerID := range calls {
		g.Go(func() error {
			if err := eng.InitiateCall(gctx, peerID); err != nil {
				logger.Warn("call failed", "peer", peerID, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := tr.Leave(shutdownCtx); err != nil && !errors.Is(err, transport.ErrNotJoined) {
			logger.Warn("failed to leave room", "error", err)
		}
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close sessions", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop control API", "error", err)
		}
		return tr.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
