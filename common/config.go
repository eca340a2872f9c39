package common

import "github.com/spf13/viper"

// ===============================================================================
// Transport Related Config

// ReconnectConfig defines the reconnect backoff parameters
type ReconnectConfig struct {
	// InitialWait is the wait before the first reconnect attempt in milliseconds
	InitialWait int `mapstructure:"initial_wait_ms" json:"initial_wait_ms" validate:"gte=1"`
	// MaxWait is the upper bound of the reconnect wait in milliseconds
	MaxWait int `mapstructure:"max_wait_ms" json:"max_wait_ms" validate:"gtefield=InitialWait"`
}

// STOMPConfig defines parameters for connecting to a STOMP over WebSocket endpoint
type STOMPConfig struct {
	// Endpoint is the WebSocket URL of the STOMP endpoint, e.g. ws://host:8080/ws/websocket
	Endpoint string `mapstructure:"endpoint" json:"endpoint" validate:"required,url"`
	// Host is the STOMP virtual host. Defaults to the endpoint host when empty.
	Host string `mapstructure:"host" json:"host"`
	// Login is the optional STOMP login
	Login string `mapstructure:"login" json:"login"`
	// Passcode is the optional STOMP passcode
	Passcode string `mapstructure:"passcode" json:"-"`
	// BearerToken is sent as Authorization header on the WebSocket upgrade when set
	BearerToken string `mapstructure:"bearer_token" json:"-"`
	// HeartbeatInterval is the heartbeat interval in both directions in milliseconds.
	// Zero disables heartbeats.
	HeartbeatInterval int `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms" validate:"gte=0"`
	// HeartbeatGrace is the extra time allowed for a late server heartbeat in milliseconds
	HeartbeatGrace int `mapstructure:"heartbeat_grace_ms" json:"heartbeat_grace_ms" validate:"gte=0"`
	// HandshakeTimeout is the max duration for the WebSocket + STOMP handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect ReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ReconnectWait is the duration between reconnect attempts in seconds
	ReconnectWait int `mapstructure:"reconnect_wait_sec" json:"reconnect_wait_sec" validate:"gte=1"`
	// HeartbeatInterval is the client PING interval in milliseconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms" validate:"gte=1"`
	// MaxPingsOutstanding is the number of unanswered PINGs before the connection is
	// considered dead
	MaxPingsOutstanding int `mapstructure:"max_pings_outstanding" json:"max_pings_outstanding" validate:"gte=1"`
}

// TransportConfig selects and configures the location update transport
type TransportConfig struct {
	// Kind is the transport to use
	Kind string `mapstructure:"kind" json:"kind" validate:"required,oneof=stomp nats"`
	// STOMP is the STOMP over WebSocket transport config
	STOMP STOMPConfig `mapstructure:"stomp" json:"stomp" validate:"required,dive"`
	// NATS is the NATS transport config
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// Tracking Related Config

// TrackingConfig defines the location subscription manager parameters
type TrackingConfig struct {
	// DestinationPrefix is prepended to the entity key to build its topic destination
	DestinationPrefix string `mapstructure:"destination_prefix" json:"destination_prefix" validate:"required"`
	// TaskBuffer is the event loop queue depth
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// RequestTimeout is the max wait for the event loop to apply a request in milliseconds
	RequestTimeout int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1"`
	// StatusReportInterval is the interval between status log reports in seconds
	StatusReportInterval int `mapstructure:"status_report_interval_sec" json:"status_report_interval_sec" validate:"gte=1"`
}

// DirectoryConfig defines parameters for the upstream entity directory
type DirectoryConfig struct {
	// BaseURL is the directory API base URL. Relative paths are used when empty.
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"omitempty,url"`
	// DriversPath is the path listing the trackable drivers
	DriversPath string `mapstructure:"drivers_path" json:"drivers_path" validate:"required"`
	// BearerToken is sent as Authorization header when set
	BearerToken string `mapstructure:"bearer_token" json:"-"`
	// RequestTimeout is the max duration of a directory request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIEndpointConfig defines diagnostic API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the diagnostic APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the diagnostic API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Transport are the location update transport config parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required,dive"`
	// Tracking are the subscription manager config parameters
	Tracking TrackingConfig `mapstructure:"tracking" json:"tracking" validate:"required,dive"`
	// Directory are the entity directory client config parameters
	Directory DirectoryConfig `mapstructure:"directory" json:"directory" validate:"required,dive"`
	// API are the diagnostic API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default transport settings
	viper.SetDefault("transport.kind", "stomp")
	viper.SetDefault("transport.stomp.endpoint", "ws://127.0.0.1:8080/ws/websocket")
	viper.SetDefault("transport.stomp.heartbeat_interval_ms", 4000)
	viper.SetDefault("transport.stomp.heartbeat_grace_ms", 2000)
	viper.SetDefault("transport.stomp.handshake_timeout_sec", 10)
	viper.SetDefault("transport.stomp.reconnect.initial_wait_ms", 500)
	viper.SetDefault("transport.stomp.reconnect.max_wait_ms", 5000)
	viper.SetDefault("transport.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("transport.nats.connect_timeout_sec", 30)
	viper.SetDefault("transport.nats.reconnect_wait_sec", 2)
	viper.SetDefault("transport.nats.heartbeat_interval_ms", 4000)
	viper.SetDefault("transport.nats.max_pings_outstanding", 2)

	// Default tracking settings
	viper.SetDefault("tracking.destination_prefix", "/topic/location/")
	viper.SetDefault("tracking.task_buffer", 64)
	viper.SetDefault("tracking.request_timeout_ms", 5000)
	viper.SetDefault("tracking.status_report_interval_sec", 60)

	// Default directory settings
	viper.SetDefault("directory.base_url", "http://127.0.0.1:8080")
	viper.SetDefault("directory.drivers_path", "/api/drivers")
	viper.SetDefault("directory.request_timeout_sec", 15)

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Driverloc-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
