package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.agentgate/workspace",
			LogLevel:  "info",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			DBPath: "~/.agentgate/agentgate.db",
		},
		Trust: TrustConfig{
			Enabled:          true,
			AutoApproveLevel: "low",
			// Deny-on-timeout everywhere until a workspace opts in per
			// category; there is no silent approve-on-timeout default.
			ApproveOnTimeout: nil,
		},
		Confirm: ConfirmConfig{
			TTLSeconds: 300,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 60,
			QueueSize:      32,
			Shell: ShellToolConfig{
				Timeout:        30,
				MaxOutputBytes: 65536,
			},
			Browser: BrowserToolConfig{
				Enabled:  false,
				Headless: true,
			},
		},
		Research: ResearchConfig{
			SimilarityThreshold: 0.6,
			Window:              10,
			BatchSize:           5,
			MaxDepth:            5,
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
