package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	require.Equal(t, "evolu", cfg.Name)
	require.Equal(t, DefaultMaxDriftMS, cfg.MaxDriftMS)
	require.False(t, cfg.InMemory)
	require.Equal(t, ":4000", cfg.Relay.ListenAddr)
	require.Equal(t, 600, cfg.Relay.MaxMessagesPerOwnerPerMinute)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Name: "evolu", MaxDriftMS: 1000}, false},
		{"empty name", Config{Name: "", MaxDriftMS: 1000}, true},
		{"zero drift", Config{Name: "evolu", MaxDriftMS: 0}, true},
		{"negative drift", Config{Name: "evolu", MaxDriftMS: -1}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
