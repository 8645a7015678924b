// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package confsdk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/confkit/session-sdk-go/pkg/retry"
)

const envPrefix = "CONFKIT"

type Config struct {
	InitEndpoint        string        `mapstructure:"init_endpoint"`
	InitCacheTTL        time.Duration `mapstructure:"init_cache_ttl"`
	JoinTimeout         time.Duration `mapstructure:"join_timeout"`
	LeaveTimeout        time.Duration `mapstructure:"leave_timeout"`
	AutoSubscribeVideo  bool          `mapstructure:"auto_subscribe_video"`
	TrackUpdateDebounce time.Duration `mapstructure:"track_update_debounce"`
	// MessageRate is the sustained number of chat messages allowed per second.
	MessageRate  float64      `mapstructure:"message_rate"`
	MessageBurst int          `mapstructure:"message_burst"`
	Reconnect    retry.Config `mapstructure:"reconnect"`
}

func DefaultConfig() Config {
	return Config{
		InitEndpoint:        DefaultInitEndpoint,
		InitCacheTTL:        defaultInitCacheTTL,
		JoinTimeout:         15 * time.Second,
		LeaveTimeout:        2 * time.Second,
		AutoSubscribeVideo:  true,
		TrackUpdateDebounce: 100 * time.Millisecond,
		MessageRate:         5,
		MessageBurst:        10,
		Reconnect:           retry.DefaultConfig(),
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.InitEndpoint == "" {
		errs = append(errs, errors.New("init endpoint is required"))
	}
	if c.JoinTimeout <= 0 {
		errs = append(errs, errors.New("join timeout must be positive"))
	}
	if c.LeaveTimeout <= 0 {
		errs = append(errs, errors.New("leave timeout must be positive"))
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("message rate and burst must be positive"))
	}
	if err := c.Reconnect.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadConfig reads the config file at path, if any, on top of the defaults. Every key can be
// overridden from the environment, e.g. CONFKIT_RECONNECT_MAX_ATTEMPTS.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		getLogger().Info("loaded config", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("init_endpoint", c.InitEndpoint)
	v.SetDefault("init_cache_ttl", c.InitCacheTTL)
	v.SetDefault("join_timeout", c.JoinTimeout)
	v.SetDefault("leave_timeout", c.LeaveTimeout)
	v.SetDefault("auto_subscribe_video", c.AutoSubscribeVideo)
	v.SetDefault("track_update_debounce", c.TrackUpdateDebounce)
	v.SetDefault("message_rate", c.MessageRate)
	v.SetDefault("message_burst", c.MessageBurst)
	v.SetDefault("reconnect.max_attempts", c.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.initial_delay", c.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", c.Reconnect.MaxDelay)
	v.SetDefault("reconnect.multiplier", c.Reconnect.Multiplier)
	v.SetDefault("reconnect.jitter", c.Reconnect.Jitter)
	v.SetDefault("reconnect.max_elapsed", c.Reconnect.MaxElapsed)
}
