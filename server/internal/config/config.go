package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"voiceorder/server/internal/conversation"
	"voiceorder/server/internal/transport"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Realtime     RealtimeConfig       `yaml:"realtime"`
	Transport    TransportConfig      `yaml:"transport"`
	Conversation conversation.Options `yaml:"conversation"`
	Gateway      GatewayConfig        `yaml:"gateway"`
	Logging      LoggingConfig        `yaml:"logging"`
	Paths        PathsConfig          `yaml:"paths"`
}

type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// RealtimeConfig 远端语音服务。配置了 NegotiateURL 时先协商再拨号，否则直连 URL。
type RealtimeConfig struct {
	APIKey       string `yaml:"api_key"`
	URL          string `yaml:"url"`
	NegotiateURL string `yaml:"negotiate_url"`
	AudioFormat  string `yaml:"audio_format"`
	SampleRate   int    `yaml:"sample_rate"`
	Language     string `yaml:"language"`
}

type TransportConfig struct {
	MaxQueueSize         int           `yaml:"max_queue_size"`
	MaxUnackedChunks     int           `yaml:"max_unacked_chunks"`
	MaxQueuedChunks      int           `yaml:"max_queued_chunks"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	ReconnectJitter      time.Duration `yaml:"reconnect_jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	KeepaliveInterval    time.Duration `yaml:"keepalive_interval"`
	LatencyWindow        int           `yaml:"latency_window"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
}

type GatewayConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	QueueCapacity int           `yaml:"queue_capacity"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
}

type LoggingConfig struct {
	// Level 为 debug 时打印每条收发消息
	Level string `yaml:"level"`
}

type PathsConfig struct {
	Menu string `yaml:"menu"`
}

// Default 返回带默认值的配置，文件里没写的字段沿用这些值。
func Default() Config {
	def := transport.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 15 * time.Second,
		},
		Realtime: RealtimeConfig{
			AudioFormat: "pcm16",
			SampleRate:  16000,
			Language:    "en-US",
		},
		Transport: TransportConfig{
			MaxQueueSize:         def.MaxQueueSize,
			MaxUnackedChunks:     def.MaxUnackedChunks,
			ReconnectBase:        def.ReconnectBase,
			ReconnectMax:         def.ReconnectMax,
			ReconnectJitter:      def.ReconnectJitter,
			MaxReconnectAttempts: def.MaxReconnectAttempts,
			KeepaliveInterval:    def.KeepaliveInterval,
			LatencyWindow:        def.LatencyWindow,
			ConnectTimeout:       def.ConnectTimeout,
		},
		Conversation: conversation.Options{}.WithDefaults(),
		Gateway: GatewayConfig{
			PingInterval:  30 * time.Second,
			WriteTimeout:  10 * time.Second,
			QueueCapacity: 64,
			TurnTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Paths:   PathsConfig{Menu: "configs/menu.yaml"},
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	fmt.Printf("📋 Loading config from: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Realtime.NegotiateURL != "" {
		fmt.Printf("   Negotiate: %s\n", cfg.Realtime.NegotiateURL)
	} else {
		fmt.Printf("   Realtime: %s\n", cfg.Realtime.URL)
	}
	fmt.Printf("   Menu Path: %s\n", cfg.Paths.Menu)
	fmt.Printf("   Reconnect: base=%s max=%s attempts=%d\n",
		cfg.Transport.ReconnectBase, cfg.Transport.ReconnectMax, cfg.Transport.MaxReconnectAttempts)
	fmt.Printf("\n")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	fmt.Printf("✅ Config validation passed\n\n")

	return cfg, nil
}

// Parse 在默认值之上解析 yaml，并应用环境变量覆盖。
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Conversation = cfg.Conversation.WithDefaults()

	// 从环境变量覆盖敏感信息与部署相关地址
	if apiKey := os.Getenv("VOICE_API_KEY"); apiKey != "" {
		cfg.Realtime.APIKey = apiKey
	}
	if url := os.Getenv("VOICE_REALTIME_URL"); url != "" {
		cfg.Realtime.URL = url
	}
	if url := os.Getenv("VOICE_NEGOTIATE_URL"); url != "" {
		cfg.Realtime.NegotiateURL = url
	}
	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Realtime.URL == "" && c.Realtime.NegotiateURL == "" {
		return fmt.Errorf("realtime url or negotiate url is required (set VOICE_REALTIME_URL / VOICE_NEGOTIATE_URL env var or config)")
	}
	if c.Realtime.NegotiateURL != "" && c.Realtime.APIKey == "" {
		return fmt.Errorf("api key is required for negotiation (set VOICE_API_KEY env var or config)")
	}
	if c.Paths.Menu == "" {
		return fmt.Errorf("menu path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Transport.MaxQueuedChunks < 0 {
		return fmt.Errorf("max_queued_chunks must not be negative")
	}
	return nil
}

// Addr 监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Debug 是否打印逐条消息日志。
func (c *Config) Debug() bool {
	return c.Logging.Level == "debug"
}

// SessionTransport 把配置转换为传输会话参数（URL 与请求头由协商结果决定时可为空）。
func (c *Config) SessionTransport() transport.Config {
	t := c.Transport
	return transport.Config{
		URL:                  c.Realtime.URL,
		MaxQueueSize:         t.MaxQueueSize,
		MaxUnackedChunks:     t.MaxUnackedChunks,
		MaxQueuedChunks:      t.MaxQueuedChunks,
		ReconnectBase:        t.ReconnectBase,
		ReconnectMax:         t.ReconnectMax,
		ReconnectJitter:      t.ReconnectJitter,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		KeepaliveInterval:    t.KeepaliveInterval,
		LatencyWindow:        t.LatencyWindow,
		ConnectTimeout:       t.ConnectTimeout,
		Debug:                c.Debug(),
	}
}
