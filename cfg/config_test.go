package cfg

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsPopulatesViperDefaults(t *testing.T) {
	viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))

	var c Config
	require.NoError(t, viper.Unmarshal(&c))

	assert.Equal(t, GetDefaultConfig(), c)
}

func TestBindFlagsHonorsExplicitFlagValue(t *testing.T) {
	viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse([]string{"--host-max-clients=250", "--security-read-only=true"}))

	var c Config
	require.NoError(t, viper.Unmarshal(&c))

	assert.Equal(t, 250, c.Host.MaxClients)
	assert.True(t, c.Security.ReadOnly)
}
