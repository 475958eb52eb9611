package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GRIDFLOW_MAX_EVENTS.
const EnvPrefix = "GRIDFLOW"

// Load reads configuration from path (YAML, JSON or TOML, chosen by
// extension) and applies GRIDFLOW_* environment overrides. An empty path
// reads the environment only. Durations accept Go duration strings.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range keys(reflect.TypeFor[Config]()) {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &conf, nil
}

// keys lists the scalar mapstructure keys of t. Slices of structs are only
// read from files.
func keys(t reflect.Type) []string {
	var out []string
	for i := range t.NumField() {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if field.Type.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.Struct {
			continue
		}
		out = append(out, key)
	}
	return out
}
