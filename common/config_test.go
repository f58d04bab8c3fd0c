package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(300, cfg.Registry.SweepInterval)
		assert.Equal(1800, cfg.Registry.StaleThreshold)
		assert.Equal(32, cfg.Transport.PerConnectionBuffer)
		assert.Nil(cfg.NATS)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
server:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
registry:
  sweep_interval_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: optional NATS forwarder section
	{
		config := []byte(`---
nats:
  server_uri: nats://127.0.0.1:4222
  connect_timeout_sec: 10
  subject_prefix: tasknotify
  reconnect:
    max_attempts: -1
    wait_interval_sec: 15`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.NATS)
		assert.Equal("nats://127.0.0.1:4222", cfg.NATS.ServerURI)
		assert.Equal(-1, cfg.NATS.Reconnect.MaxAttempts)
	}
}
