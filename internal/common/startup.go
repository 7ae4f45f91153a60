package common

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads <name>.yaml from the given paths and unmarshals it into
// config. Environment variables prefixed with FLOTILLA_ override file values.
func LoadConfig(config interface{}, name string, paths ...string) error {
	v := viper.New()
	v.SetConfigName(name)
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("FLOTILLA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}
