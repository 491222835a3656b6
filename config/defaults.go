package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	d := defaultConfig()

	v.SetDefault("name", d.Name)
	v.SetDefault("max_drift_ms", d.MaxDriftMS)
	v.SetDefault("in_memory", d.InMemory)
	v.SetDefault("transports", []string{})
	v.SetDefault("indexes", []Index{})

	v.SetDefault("relay.listen_addr", d.Relay.ListenAddr)
	v.SetDefault("relay.allowed_origins", d.Relay.AllowedOrigins)
	v.SetDefault("relay.max_messages_per_owner_per_minute", d.Relay.MaxMessagesPerOwnerPerMinute)
}

// BindSensitiveEnvVars binds configuration keys an operator would rather set
// via environment than commit to a TOML file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("initial_owner", "EVOLU_INITIAL_OWNER")
	v.BindEnv("relay.listen_addr", "EVOLU_RELAY_LISTEN_ADDR")
}
