package auth

import (
	"errors"
	"fmt"

	"github.com/kaburi0214/amIBD/internal/platform/env"
)

// Mode selects the authenticator implementation.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeOIDC Mode = "oidc"
)

type Config struct {
	Mode Mode

	// OIDC settings, required when Mode is ModeOIDC.
	IssuerURL    string
	ClientID     string
	ClientSecret string

	// DevSubject is the fixed identity used in dev mode.
	DevSubject string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Mode:         Mode(env.String("AMIBD_AUTH_MODE", string(ModeDev))),
		IssuerURL:    env.String("AMIBD_AUTH_OIDC_ISSUER", ""),
		ClientID:     env.String("AMIBD_AUTH_OIDC_CLIENT_ID", ""),
		ClientSecret: env.String("AMIBD_AUTH_OIDC_CLIENT_SECRET", ""),
		DevSubject:   env.String("AMIBD_AUTH_DEV_SUBJECT", "dev-user"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDev:
		if c.DevSubject == "" {
			return errors.New("AMIBD_AUTH_DEV_SUBJECT is required in dev mode")
		}
	case ModeOIDC:
		if c.IssuerURL == "" {
			return errors.New("AMIBD_AUTH_OIDC_ISSUER is required in oidc mode")
		}
		if c.ClientID == "" {
			return errors.New("AMIBD_AUTH_OIDC_CLIENT_ID is required in oidc mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
	return nil
}
