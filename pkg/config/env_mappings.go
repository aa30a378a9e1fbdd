package config

import (
	"reflect"
	"sync"
)

// EnvMapping represents a mapping between an external key (environment
// variable or CLI flag) and a config path.
type EnvMapping struct {
	EnvVar     string
	ConfigPath string
}

var (
	cachedEnvMappings  []EnvMapping
	cachedFlagMappings []EnvMapping
	mappingsOnce       sync.Once
)

func loadMappings() {
	mappingsOnce.Do(func() {
		t := reflect.TypeOf(Config{})
		cachedEnvMappings = extractMappings(t, "", "env")
		cachedFlagMappings = extractMappings(t, "", "flag")
	})
}

// GenerateEnvMappings generates environment variable mappings from config struct tags
func GenerateEnvMappings() []EnvMapping {
	loadMappings()
	return cachedEnvMappings
}

// GenerateFlagMappings generates CLI flag mappings from config struct tags.
// EnvVar holds the flag name.
func GenerateFlagMappings() []EnvMapping {
	loadMappings()
	return cachedFlagMappings
}

// extractMappings recursively extracts tag mappings from struct fields
func extractMappings(t reflect.Type, prefix, tag string) []EnvMapping {
	var mappings []EnvMapping
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		koanfTag := field.Tag.Get("koanf")
		if koanfTag == "" || koanfTag == "-" {
			continue
		}
		configPath := koanfTag
		if prefix != "" {
			configPath = prefix + "." + koanfTag
		}
		if value := field.Tag.Get(tag); value != "" && value != "-" {
			mappings = append(mappings, EnvMapping{
				EnvVar:     value,
				ConfigPath: configPath,
			})
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			mappings = append(mappings, extractMappings(field.Type, configPath, tag)...)
		}
	}
	return mappings
}

// GenerateEnvToConfigMap generates a map from env var to config path
func GenerateEnvToConfigMap() map[string]string {
	return toMap(GenerateEnvMappings())
}

// GetEnvVarForConfigPath returns the environment variable for a given config path
func GetEnvVarForConfigPath(configPath string) string {
	for _, m := range GenerateEnvMappings() {
		if m.ConfigPath == configPath {
			return m.EnvVar
		}
	}
	return ""
}

func toMap(mappings []EnvMapping) map[string]string {
	result := make(map[string]string, len(mappings))
	for _, m := range mappings {
		result[m.EnvVar] = m.ConfigPath
	}
	return result
}
