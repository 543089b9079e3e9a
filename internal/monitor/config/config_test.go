package config

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := Config{
		ListenAddr: "localhost:6000",
		DB:         DB{Host: "localhost", Port: 5432, DBName: "monitor"},
	}
	c.setDefaults()
	return c
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		desc         string
		changeConfig func(*Config)
		errMsg       string
	}{
		{
			desc:         "valid config",
			changeConfig: func(*Config) {},
		},
		{
			desc: "missing listen addr",
			changeConfig: func(c *Config) {
				c.ListenAddr = ""
			},
			errMsg: "no listen address configured",
		},
		{
			desc: "missing database name",
			changeConfig: func(c *Config) {
				c.DB.DBName = ""
			},
			errMsg: "no database name configured",
		},
		{
			desc: "zero retry count",
			changeConfig: func(c *Config) {
				c.HealthCheck.RetryCount = 0
			},
			errMsg: "health_check.retry_count was 0 but must be >=1",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := validConfig()
			tc.changeConfig(&cfg)

			err := cfg.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.errMsg)
		})
	}
}

func TestConfig_setDefaults(t *testing.T) {
	var c Config
	c.setDefaults()

	require.Equal(t, 5, int(c.HealthCheck.Period.Duration().Seconds()))
	require.Equal(t, 3, c.HealthCheck.RetryCount)
	require.Equal(t, "text", c.Logging.Format)
}

func TestDB_ToPQString(t *testing.T) {
	db := DB{Host: "localhost", Port: 5432, User: "monitor", DBName: "monitor", SSLMode: "disable"}
	require.Equal(t, `port=5432 host='localhost' user='monitor' dbname='monitor' sslmode='disable'`, db.ToPQString())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("5s")))
	require.Equal(t, "5s", d.Duration().String())

	require.Error(t, d.UnmarshalText([]byte("nonsense")))
}

func TestGenerateMonitorName_IncludesListenAddr(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)

	c := Config{ListenAddr: "localhost:6000"}
	name := GenerateMonitorName(c, logrus.New())
	require.Equal(t, hostname+":localhost:6000", name)
}

func TestGenerateMonitorName_StableAcrossCalls(t *testing.T) {
	c := Config{ListenAddr: "localhost:6000"}
	require.Equal(t, GenerateMonitorName(c, logrus.New()), GenerateMonitorName(c, logrus.New()))
}
