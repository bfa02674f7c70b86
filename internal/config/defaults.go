package config

func Defaults() *Config {
	return &Config{
		Discord: DiscordConfig{
			TokenType: "auto",
		},
		Telegram: TelegramConfig{
			AdminBot: true,
		},
		Proxy: ProxyConfig{
			HealthCheckTimeout: 8,
			RecoverySeconds:    120,
		},
		Identity: IdentityConfig{
			DesktopUserAgents: defaultDesktopUserAgents(),
			MobileUserAgents:  defaultMobileUserAgents(),
			MobileRatio:       0.2,
		},
		Rates: RatesConfig{
			Discord: RateConfig{
				Concurrency: 2,
				PerSecond:   8,
				JitterMinMs: 50,
				JitterMaxMs: 250,
			},
			Telegram: RateConfig{
				Concurrency: 1,
				PerSecond:   1,
				PerMinute:   20,
				JitterMinMs: 50,
				JitterMaxMs: 200,
			},
		},
		Runtime: RuntimeConfig{
			PollIntervalSeconds: 2,
			MinDelayMs:          500,
			MaxDelayMs:          2000,
			MaxMessages:         50,
			MaxFetchSeconds:     45,
			FetchBatchSize:      50,
		},
		Storage: StorageConfig{
			DBPath:    "~/.forwardbot/forwardbot.db",
			StatePath: "~/.forwardbot/monitor_state.json",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDesktopUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:123.0) Gecko/20100101 Firefox/123.0",
	}
}

func defaultMobileUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Mobile Safari/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 13; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Mobile Safari/537.36",
	}
}
