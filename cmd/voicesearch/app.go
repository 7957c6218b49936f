package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/vango-go/voicesearch/pkg/config"
	"github.com/vango-go/voicesearch/pkg/entitlement"
	"github.com/vango-go/voicesearch/pkg/metrics"
	"github.com/vango-go/voicesearch/pkg/voicesearch/bootstrap"
	"github.com/vango-go/voicesearch/pkg/voicesearch/capture"
	"github.com/vango-go/voicesearch/pkg/voicesearch/playback"
	"github.com/vango-go/voicesearch/pkg/voicesearch/session"
	"github.com/vango-go/voicesearch/pkg/voicesearch/throttle"
	"github.com/vango-go/voicesearch/pkg/voicesearch/transport"
)

// controller is the part of *session.Controller the CLI drives.
type controller interface {
	StartSession(ctx context.Context) error
	StartListening(ctx context.Context) error
	StopListening() (session.Outcome, error)
	State() session.State
	Events() <-chan session.Event
	Close() error
}

func buildController(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (controller, error) {
	format := capture.Format{SampleRateHz: cfg.SampleRateHz, Channels: cfg.Channels, BytesPerSample: 2}

	boot := bootstrap.NewClient(cfg.BootstrapURL, cfg.APIToken)
	boot.Logger = logger

	ctrl, err := session.New(session.Config{
		Gate:      buildGate(cfg, logger),
		Bootstrap: boot,
		Dial: session.TransportDialer(transport.Options{
			Token:            cfg.APIToken,
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
			WriteTimeout:     cfg.WriteTimeout,
			AudioBuffer:      cfg.AudioBuffer,
			Logger:           logger,
		}),
		Device: capture.FFmpegDevice{
			Path:   cfg.FFmpegPath,
			Input:  cfg.CaptureInput,
			Format: format,
		},
		Player: buildPlayer(cfg, logger),
		Capture: capture.Config{
			SliceDuration: cfg.SliceDuration,
			Format:        format,
		},
		Throttle: throttle.Config{
			MinChars:    cfg.PartialMinChars,
			Cooldown:    cfg.PartialCooldown,
			GuardWindow: cfg.PartialGuardWindow,
		},
		Language:    cfg.Language,
		EventBuffer: cfg.EventBuffer,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

// buildGate allows every session unless WorkOS is configured. Stripe is
// consulted only on top of WorkOS, since it is keyed by the user's email.
func buildGate(cfg *config.Config, logger *slog.Logger) entitlement.Gate {
	if strings.TrimSpace(cfg.WorkOSAPIKey) == "" {
		return entitlement.Static{}
	}
	checker := &entitlement.Checker{
		UserID:               cfg.WorkOSUserID,
		Directory:            entitlement.NewWorkOSDirectory(cfg.WorkOSAPIKey, cfg.WorkOSEndpoint),
		RequireVerifiedEmail: cfg.RequireVerifiedEmail,
		Logger:               logger,
	}
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		checker.Subscriptions = entitlement.NewStripeSubscriptions(cfg.StripeSecretKey, cfg.StripePrices)
	}
	return checker
}

func buildPlayer(cfg *config.Config, logger *slog.Logger) playback.Player {
	if cfg.PlaybackDisabled {
		return playback.Discard{}
	}
	level := "error"
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = "info"
	}
	player, err := playback.NewFFplayPlayer(playback.FFplayPlayer{
		Path:         cfg.FFplayPath,
		SampleRateHz: cfg.PlaybackSampleRateHz,
		Channels:     1,
		Volume:       cfg.PlaybackVolume,
		LogLevel:     level,
	})
	if err != nil {
		logger.Warn("spoken answers disabled", "error", err)
		return playback.Discard{}
	}
	return player
}
