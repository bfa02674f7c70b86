package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"forwardbot/internal/config"
	"forwardbot/internal/discord"
	"forwardbot/internal/domain"
	"forwardbot/internal/identity"
	"forwardbot/internal/metrics"
	"forwardbot/internal/monitor"
	"forwardbot/internal/proxy"
	"forwardbot/internal/ratelimit"
	"forwardbot/internal/state"
	"forwardbot/internal/telegram"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the forwarder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogger(cfg); err != nil {
				return err
			}

			store, err := config.OpenStore(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := state.Open(cfg.Storage.StatePath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/metrics", metrics.Collector.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("metrics listening", "addr", metricsAddr)
			}

			// The admin bot mutates the store; every change requests a
			// rebuild of the monitor so new settings take effect.
			reload := make(chan struct{}, 1)
			requestReload := func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			}

			if cfg.Telegram.AdminBot && cfg.Telegram.BotToken != "" {
				controller := telegram.NewController(telegram.ControllerConfig{
					Token:    cfg.Telegram.BotToken,
					Store:    store,
					Logger:   logger,
					OnChange: requestReload,
				})
				go func() {
					if err := controller.Start(ctx); err != nil && ctx.Err() == nil {
						logger.Error("admin bot stopped", "error", err)
					}
				}()
			}

			logger.Info("forwardbot starting", "version", version)

			for {
				if err := runSession(ctx, cfg, store, st, reload); err != nil {
					return err
				}
				if ctx.Err() != nil {
					logger.Info("forwardbot stopped")
					return nil
				}
				logger.Info("configuration changed, restarting monitor")
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// runSession builds the full client stack from the config plus the store
// overlay and runs the monitor until the context ends or a reload arrives.
func runSession(ctx context.Context, cfg *config.Config, store *config.Store, st *state.Store, reload <-chan struct{}) error {
	effective := *cfg
	if err := applyStoreSettings(ctx, store, &effective); err != nil {
		return err
	}

	provider, err := identity.NewProvider(identity.Settings{
		Desktop:     effective.Identity.DesktopUserAgents,
		Mobile:      effective.Identity.MobileUserAgents,
		MobileRatio: effective.Identity.MobileRatio,
	})
	if err != nil {
		return err
	}

	discordLimiter := ratelimit.New(rateSettings(effective.Rates.Discord), "discord")
	telegramLimiter := ratelimit.New(rateSettings(effective.Rates.Telegram), "telegram")

	network, err := store.NetworkOptions(ctx)
	if err != nil {
		return err
	}
	pool := buildPool(&effective, network)

	rest := discord.NewClient(discord.ClientOptions{
		Limiter:  discordLimiter,
		Pool:     pool,
		Identity: provider,
		Logger:   logger,
	})
	gateway := discord.NewGateway(rest, provider, logger)
	defer gateway.Close()

	tokenType, ok := discord.ParseTokenType(effective.Discord.TokenType)
	if !ok {
		tokenType = discord.TokenAuto
	}
	gateway.SetToken(effective.Discord.Token, tokenType)
	gateway.SetNetworkOptions(network)

	verifyProxies(ctx, pool)

	sender := telegram.NewClient(telegram.ClientOptions{
		Token:    effective.Telegram.BotToken,
		Limiter:  telegramLimiter,
		Pool:     pool,
		Identity: provider,
		Logger:   logger,
	})

	mappings, err := store.LoadChannelMappings(ctx, baseFormatting())
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		logger.Warn("no channels configured, waiting for admin commands")
	}

	storageIDs := make(map[string]int64, len(mappings))
	for _, mapping := range mappings {
		storageIDs[mapping.DiscordChannelID] = mapping.StorageID
	}

	m := monitor.New(gateway, sender, st, mappings, runtimeOptions(&effective), logger)
	m.OnCursorAdvance = func(channelID, messageID string) {
		id, ok := storageIDs[channelID]
		if !ok {
			return
		}
		if err := store.SetLastMessage(context.Background(), id, messageID); err != nil {
			logger.Warn("cursor persist failed", "channel", channelID, "error", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(sessionCtx) }()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return nil
	case <-reload:
		cancel()
		<-done
		return nil
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	}
}

// applyStoreSettings overlays admin-bot managed settings onto the static
// config. Missing settings leave the YAML values untouched.
func applyStoreSettings(ctx context.Context, store *config.Store, cfg *config.Config) error {
	settings, err := store.Settings(ctx, "")
	if err != nil {
		return err
	}
	if v, ok := settings["discord.token"]; ok && v != "" {
		cfg.Discord.Token = v
	}
	if v, ok := settings["ua.discord"]; ok && v != "" {
		cfg.Identity.DesktopUserAgents = []string{v}
	}
	if v, ok := settings["ua.discord.mobile_ratio"]; ok {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.Identity.MobileRatio = ratio
		}
	}
	if v, ok := settings["runtime.poll"]; ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.Runtime.PollIntervalSeconds = secs
		}
	}
	if v, ok := settings["runtime.delay_min"]; ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.Runtime.MinDelayMs = ms
		}
	}
	if v, ok := settings["runtime.delay_max"]; ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.Runtime.MaxDelayMs = ms
		}
	}
	if v, ok := settings["runtime.discord_rate"]; ok {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
			cfg.Rates.Discord.PerSecond = rate
		}
	}
	if v, ok := settings["runtime.telegram_rate"]; ok {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
			cfg.Rates.Telegram.PerSecond = rate
		}
	}
	return nil
}

// buildPool merges the YAML proxy section with the store's network override:
// a proxy set by the admin bot replaces the static endpoint list.
func buildPool(cfg *config.Config, network domain.NetworkOptions) *proxy.Pool {
	settings := proxy.Settings{
		Endpoints:          cfg.Proxy.Endpoints,
		Username:           cfg.Proxy.Username,
		Password:           cfg.Proxy.Password,
		HealthCheckURL:     cfg.Proxy.HealthCheckURL,
		HealthCheckTimeout: time.Duration(cfg.Proxy.HealthCheckTimeout * float64(time.Second)),
		RecoverySeconds:    cfg.Proxy.RecoverySeconds,
		RotateURL:          cfg.Proxy.RotateURL,
	}
	if network.ProxyURL != "" {
		settings.Endpoints = []string{network.ProxyURL}
		settings.Username = network.ProxyLogin
		settings.Password = network.ProxyPassword
	}
	return proxy.NewPool(settings, "discord", logger)
}

// verifyProxies probes every configured endpoint once at startup so the
// first fetch does not hit a dead exit.
func verifyProxies(ctx context.Context, pool *proxy.Pool) {
	if !pool.HasProxies() {
		return
	}
	client := &http.Client{Timeout: 10 * time.Second}
	healthy := 0
	for _, endpoint := range pool.Endpoints() {
		if pool.EnsureHealthy(ctx, endpoint, client) {
			healthy++
		}
	}
	logger.Info("proxy startup check", "healthy", healthy, "total", len(pool.Endpoints()))
}

func rateSettings(rc config.RateConfig) ratelimit.Settings {
	return ratelimit.Settings{
		Concurrency: rc.Concurrency,
		PerSecond:   rc.PerSecond,
		PerMinute:   rc.PerMinute,
		JitterMinMs: rc.JitterMinMs,
		JitterMaxMs: rc.JitterMaxMs,
	}
}

func runtimeOptions(cfg *config.Config) domain.RuntimeOptions {
	return domain.RuntimeOptions{
		PollInterval:   cfg.Runtime.PollIntervalSeconds,
		MinDelayMs:     cfg.Runtime.MinDelayMs,
		MaxDelayMs:     cfg.Runtime.MaxDelayMs,
		DiscordRate:    cfg.Rates.Discord.PerSecond,
		TelegramRate:   cfg.Rates.Telegram.PerSecond,
		MaxMessages:    cfg.Runtime.MaxMessages,
		MaxFetchSecs:   cfg.Runtime.MaxFetchSeconds,
		FetchBatchSize: cfg.Runtime.FetchBatchSize,
	}
}

func baseFormatting() domain.FormattingOptions {
	return domain.FormattingOptions{
		ParseMode:        "text",
		DisablePreview:   true,
		MaxLength:        3500,
		Ellipsis:         "…",
		AttachmentsStyle: "summary",
	}
}
