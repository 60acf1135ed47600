package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           3001,
			AllowedOrigins: FlexStringList{"http://localhost:3000"},
			RateLimit: RateLimitConfig{
				Enabled:         true,
				WindowSeconds:   15 * 60,
				GeneralRequests: 100,
				StrictRequests:  10,
			},
			MaxBodyBytes:    1 << 20,
			ShutdownSeconds: 10,
		},
		Browser: BrowserConfig{
			Headless:   false, // the operator has to see the QR code on first login
			ProfileDir: "~/.salonreach/chrome-profile",
		},
		Timeouts: TimeoutsConfig{
			LaunchMs:       30000,
			NavigationMs:   30000,
			QRInitMs:       30000,
			QRRestartMs:    10000,
			ProbeMs:        5000,
			ComposeMs:      15000,
			PreSubmitMs:    1000,
			PostSubmitMs:   3000,
			ConfirmationMs: 5000,
		},
		Campaign: CampaignConfig{
			DelayBetweenMessagesMs: 30000,
			MaxRetries:             2,
			RetryBackoffMs:         5000,
		},
		Phone: PhoneConfig{
			CountryCode: "55",
			AreaCode:    "11",
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.salonreach/history.db",
			RetentionDays: 90,
			ListLimit:     20,
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
	}
}
