package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Identity: IdentityConfig{
			Role:  "guardian",
			Token: "${SCHOOLMSG_TOKEN}",
		},
		Server: ServerConfig{
			APIBase:        "http://localhost:5000/api",
			WebSocketURL:   "ws://localhost:5000/ws",
			TimeoutSeconds: 30,
			RateLimit:      10,
			Burst:          20,
			MaxRetries:     3,
		},
		Connection: ConnectionConfig{
			ReconnectBaseSeconds: 1,
			ReconnectMaxSeconds:  30,
			ReconnectJitter:      0.2,
			DialTimeoutSeconds:   15,
			PingIntervalSeconds:  25,
		},
		Messaging: MessagingConfig{
			TypingDebounceMs: 3000,
			PageSize:         20,
			TemplatesDir:     "~/.schoolmsg/templates",
		},
		Archive: ArchiveConfig{
			Enabled:      true,
			DBPath:       "~/.schoolmsg/archive.db",
			HistoryLimit: 200,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
