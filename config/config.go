// unm-ffmpeg-server/config/config.go
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin               string        `mapstructure:"FF_BIN"`
	KillTimeout         time.Duration `mapstructure:"KILL_TIMEOUT"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	FetchTimeout        time.Duration `mapstructure:"FETCH_TIMEOUT"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable          bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey             string        `mapstructure:"AUTH_KEY"`
	Port                string        `mapstructure:"PORT"`
	BaseURL             string        `mapstructure:"BASE"`
	TempDir             string
}

// stringToDurationHookFunc parses Go duration strings such as "1h23m".
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "200MB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a size string, let the default decoder try.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("KILL_TIMEOUT", "10s")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h23m")
	vp.SetDefault("FETCH_TIMEOUT", "2m")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")

	vp.SetConfigName("unmffmpeg_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/unmffmpeg/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("UNMFFMPEG")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case strings.TrimSpace(c.FFBin) == "":
		return errors.New("FF_BIN must not be empty")
	case c.KillTimeout < 0:
		return fmt.Errorf("KILL_TIMEOUT must not be negative: %s", c.KillTimeout)
	case c.OutputLocalLifetime < 0:
		return fmt.Errorf("OUTPUT_LOCAL_LIFETIME must not be negative: %s", c.OutputLocalLifetime)
	case c.MaxInputSize < 0:
		return fmt.Errorf("MAX_INPUT_SIZE must not be negative: %d", c.MaxInputSize)
	case c.ThrottleCPU < 0 || c.ThrottleCPU > 100:
		return fmt.Errorf("THROTTLE_CPU must be a percentage: %v", c.ThrottleCPU)
	case c.AuthEnable && c.AuthKey == "":
		return errors.New("AUTH_KEY is required when AUTH_ENABLE is set")
	}
	return nil
}
