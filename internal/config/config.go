package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"8"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type DispatcherConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"8"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`

	// Channel gateway
	GatewayBaseURL string `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayAPIKey  string `envconfig:"GATEWAY_API_KEY" required:"true"`

	// Connection manager
	PairingTimeout     string `envconfig:"PAIRING_TIMEOUT" default:"15s"`
	PairingPoll        string `envconfig:"PAIRING_POLL_INTERVAL" default:"1s"`
	MaxConnectAttempts int    `envconfig:"MAX_CONNECT_ATTEMPTS" default:"5"`
	ConnectBackoffBase string `envconfig:"CONNECT_BACKOFF_BASE" default:"2s"`
	ConnectBackoffCap  string `envconfig:"CONNECT_BACKOFF_CAP" default:"30s"`
	HeartbeatInterval  string `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	ReconnectGrace     string `envconfig:"RECONNECT_GRACE" default:"45s"`

	// Dispatch engine
	SendPacing      string `envconfig:"SEND_PACING" default:"1200ms"`
	MaxSendAttempts int    `envconfig:"MAX_SEND_ATTEMPTS" default:"3"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
