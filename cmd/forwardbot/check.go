package main

import (
	"context"
	"fmt"
	"time"

	"forwardbot/internal/config"
	"forwardbot/internal/discord"
	"forwardbot/internal/identity"
	"forwardbot/internal/ratelimit"

	"github.com/spf13/cobra"
)

// checkCmd verifies the Discord credentials, the proxy and every mapped
// channel without forwarding anything.
func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify token, proxy and channel access",
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

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := applyStoreSettings(ctx, store, cfg); err != nil {
				return err
			}

			provider, err := identity.NewProvider(identity.Settings{
				Desktop:     cfg.Identity.DesktopUserAgents,
				Mobile:      cfg.Identity.MobileUserAgents,
				MobileRatio: cfg.Identity.MobileRatio,
			})
			if err != nil {
				return err
			}

			network, err := store.NetworkOptions(ctx)
			if err != nil {
				return err
			}
			pool := buildPool(cfg, network)

			rest := discord.NewClient(discord.ClientOptions{
				Limiter:  ratelimit.New(rateSettings(cfg.Rates.Discord), "discord"),
				Pool:     pool,
				Identity: provider,
				Logger:   logger,
			})
			gateway := discord.NewGateway(rest, provider, logger)
			defer gateway.Close()

			tokenType, ok := discord.ParseTokenType(cfg.Discord.TokenType)
			if !ok {
				tokenType = discord.TokenAuto
			}
			gateway.SetToken(cfg.Discord.Token, tokenType)
			gateway.SetNetworkOptions(network)

			failed := 0

			if cfg.Discord.Token == "" {
				fmt.Println("✗ discord token: not configured")
				failed++
			} else {
				result := gateway.VerifyToken(ctx, cfg.Discord.Token)
				if result.OK {
					fmt.Printf("✓ discord token: valid (%s)\n", result.DisplayName)
				} else {
					fmt.Printf("✗ discord token: %s (status %d)\n", result.Error, result.Status)
					failed++
				}
			}

			if network.ProxyURL != "" || pool.HasProxies() {
				result := gateway.CheckProxy(ctx, network)
				if result.OK {
					fmt.Println("✓ proxy: reachable")
				} else {
					fmt.Printf("✗ proxy: %s (status %d)\n", result.Error, result.Status)
					failed++
				}
			} else {
				fmt.Println("- proxy: not configured, connecting directly")
			}

			mappings, err := store.LoadChannelMappings(ctx, baseFormatting())
			if err != nil {
				return err
			}
			for _, mapping := range mappings {
				label := mapping.Label
				if label == "" {
					label = mapping.DiscordChannelID
				}
				if gateway.CheckChannel(ctx, mapping.DiscordChannelID) {
					fmt.Printf("✓ channel %s: accessible\n", label)
				} else {
					fmt.Printf("✗ channel %s: not accessible\n", label)
					failed++
				}
			}
			if len(mappings) == 0 {
				fmt.Println("- channels: none configured")
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}
}
