// Package kafka builds franz-go clients for the dead letter publisher.
package kafka

import (
	"errors"
	"fmt"
	"time"
)

// SASL mechanisms accepted in AuthConfig.
const (
	MechanismPlain       = "PLAIN"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismScramSHA512 = "SCRAM-SHA-512"
)

// ClusterConfig defines a Kafka cluster with authentication and TLS settings.
type ClusterConfig struct {
	Brokers  []string      `yaml:"brokers"`
	ClientID string        `yaml:"clientId,omitempty"`
	Linger   time.Duration `yaml:"linger,omitempty"`
	Auth     AuthConfig    `yaml:"auth,omitempty"`
	TLS      TLSConfig     `yaml:"tls,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// Enabled reports whether any broker is configured.
func (c *ClusterConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.Linger < 0 {
		errs = append(errs, errors.New("linger must not be negative"))
	}

	if c.Auth.Mechanism != "" {
		switch c.Auth.Mechanism {
		case MechanismPlain, MechanismScramSHA256, MechanismScramSHA512:
		default:
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be %s, %s, or %s)",
				c.Auth.Mechanism, MechanismPlain, MechanismScramSHA256, MechanismScramSHA512))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}

	return errors.Join(errs...)
}
