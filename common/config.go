// Copyright 2022 The tasknotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Registry Related Config

// RegistryConfig defines parameters for the connection registry and idle reaper
type RegistryConfig struct {
	// SweepInterval is the period between idle connection sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// StaleThreshold is the max period a connection may stay idle before a
	// sweep evicts it, in seconds
	StaleThreshold int `mapstructure:"stale_threshold_sec" json:"stale_threshold_sec" validate:"gte=1"`
}

// ===============================================================================
// Transport Related Config

// TransportConfig defines parameters for the client delivery transports
type TransportConfig struct {
	// PerConnectionBuffer is the max number of undelivered notifications
	// buffered per attached stream. Sends beyond this are dropped.
	PerConnectionBuffer int `mapstructure:"per_connection_buffer" json:"per_connection_buffer" validate:"gte=1"`
}

// NATSReconnectConfig defines reconnect parameters for the NATS forwarder
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSForwarderConfig defines parameters for republishing notifications onto
// NATS subjects so peer nodes can deliver to connections they serve
type NATSForwarderConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// SubjectPrefix is prepended to every per-connection subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
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
	//
	// Attached notification streams are long lived, so the default
	// leaves this unset.
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

// ===============================================================================
// Notification Server Related Config

// NotificationEndpointConfig defines notification API endpoint config
type NotificationEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the notification APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// NotificationServerConfig defines configuration for the notification API server
type NotificationServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the notification API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the notification API server
	Endpoints NotificationEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the notification server
type SystemConfig struct {
	// Registry are the connection registry / idle reaper config parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Transport are the client delivery transport config parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required,dive"`
	// NATS are the optional NATS forwarder config parameters
	NATS *NATSForwarderConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Server are the notification API server configs
	Server NotificationServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default registry settings
	viper.SetDefault("registry.sweep_interval_sec", 300)
	viper.SetDefault("registry.stale_threshold_sec", 1800)

	// Default transport settings
	viper.SetDefault("transport.per_connection_buffer", 32)

	// Default notification server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Tasknotify-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
