package tftpd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config is the configuration surface consumed from the excluded CLI layer
// (§6.2). Addr/Port/BaseDir/TempDir/RetryInterval/MaxTrials mirror the
// distilled spec's CLI options; Logger and Registerer are this expansion's
// ambient-stack additions.
type Config struct {
	Addr          string
	Port          int
	BaseDir       string
	TempDir       string
	RetryInterval time.Duration
	MaxTrials     int
	Logger        *logrus.Logger
	Registerer    prometheus.Registerer
}

// DefaultConfig returns a Config with the spec's default values (§6.2)
// populated. BaseDir and TempDir have no sensible default and must be set by
// the caller.
func DefaultConfig() Config {
	return Config{
		Addr:          "0.0.0.0",
		Port:          69,
		RetryInterval: DefaultRetryInterval,
		MaxTrials:     DefaultMaxTrials,
	}
}

func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c Config) registerer() prometheus.Registerer {
	if c.Registerer != nil {
		return c.Registerer
	}
	return prometheus.DefaultRegisterer
}
