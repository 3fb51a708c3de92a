// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/emiago/sipgo/sip"
	"github.com/gophone/softphone"
	"github.com/gophone/softphone/audio"
	"github.com/gophone/softphone/call"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type config struct {
	URI             string        `env:"SOFTPHONE_URI"`
	Password        string        `env:"SOFTPHONE_PASSWORD"`
	LocalIP         string        `env:"SOFTPHONE_LOCAL_IP"`
	LocalPort       int           `env:"SOFTPHONE_LOCAL_PORT" envDefault:"5070"`
	RegisterTimeout time.Duration `env:"SOFTPHONE_REGISTER_TIMEOUT" envDefault:"10s"`
	CaptureWav      string        `env:"SOFTPHONE_CAPTURE_WAV"`
	PlaybackWav     string        `env:"SOFTPHONE_PLAYBACK_WAV"`
	MetricsAddr     string        `env:"SOFTPHONE_METRICS_ADDR"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	SIPDebug        bool          `env:"SIP_DEBUG"`
}

// loadConfig reads ENV_FILE (or .env) when present and then environment.
func loadConfig() (*config, error) {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		// Missing .env is fine
		_ = godotenv.Load()
	} else if err := godotenv.Load(envfile); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", envfile, err)
	}

	cfg := new(config)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(level string) {
	lev, err := zerolog.ParseLevel(level)
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "softphone",
		Short: "Console SIP softphone",
		Long: `
Console SIP softphone. Registers with the registrar of its address,
exchanges text messages and places or takes audio calls.

Environment (or .env file, see ENV_FILE) provides defaults for every flag.

Examples:
  softphone --uri sip:alice@example.com --password secret
  softphone --uri sip:alice@example.com --local-ip 192.168.1.10 --capture mic.wav
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cfg.LogLevel)
			sip.SIPDebug = cfg.SIPDebug
			if cfg.URI == "" {
				return errors.New("address is required (--uri or SOFTPHONE_URI)")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.URI, "uri", cfg.URI, "Own SIP address, sip:user@host[:port]")
	flags.StringVar(&cfg.Password, "password", cfg.Password, "Digest password")
	flags.StringVar(&cfg.LocalIP, "local-ip", cfg.LocalIP, "Local IP reachable by registrar (auto detected when empty)")
	flags.IntVar(&cfg.LocalPort, "local-port", cfg.LocalPort, "Local SIP port")
	flags.DurationVar(&cfg.RegisterTimeout, "register-timeout", cfg.RegisterTimeout, "Registration wait")
	flags.StringVar(&cfg.CaptureWav, "capture", cfg.CaptureWav, "Wav file used as microphone")
	flags.StringVar(&cfg.PlaybackWav, "playback", cfg.PlaybackWav, "Wav file used as speaker")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve prometheus metrics on this address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	reg := prometheus.NewRegistry()
	metrics := softphone.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	var devices audio.Devices = audio.NullDevices{}
	if cfg.CaptureWav != "" || cfg.PlaybackWav != "" {
		devices = audio.FileDevices{
			CapturePath:  cfg.CaptureWav,
			PlaybackPath: cfg.PlaybackWav,
			Loop:         true,
		}
	}

	out := os.Stdout
	phone, err := softphone.NewUserAgent(cfg.URI, cfg.Password,
		softphone.WithLocalAddr(cfg.LocalIP, cfg.LocalPort),
		softphone.WithLogger(log.Logger),
		softphone.WithMetrics(metrics),
		softphone.WithAudioDevices(devices),
		softphone.WithMessageHandler(func(from, body string) {
			fmt.Fprintf(out, "[message] %s: %s\n", from, body)
		}),
		softphone.WithCallObserver(call.ObserverFuncs{
			OnIncoming: func(peer string) {
				fmt.Fprintf(out, "[call] incoming from %s, type 'answer %s' or 'reject %s'\n", peer, peer, peer)
			},
			OnActive: func(peer string) {
				fmt.Fprintf(out, "[call] active with %s\n", peer)
			},
			OnEnded: func(peer string, byRemote bool) {
				fmt.Fprintf(out, "[call] ended with %s (remote=%t)\n", peer, byRemote)
			},
		}),
	)
	if err != nil {
		return err
	}
	defer phone.Shutdown()

	log.Info().Str("identity", phone.Identity().String()).Int("media_port", phone.LocalMediaPort()).Msg("Registering")
	ok, err := phone.Register(cfg.RegisterTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Register failed")
	}
	fmt.Fprintf(out, "Registered: %t\n", ok)

	c := newConsole(phone, out, cfg.RegisterTimeout)
	return c.run(ctx, os.Stdin)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}
