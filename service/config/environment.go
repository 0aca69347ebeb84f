package config

import (
	"fmt"
	"net/url"
)

// Environment identifies one Kin network: the Horizon node to talk to, the
// passphrase transactions on it are bound to, and an optional faucet.
type Environment struct {
	Name              string
	HorizonURL        string
	NetworkPassphrase string
	FriendbotURL      string // empty on networks without a faucet
}

const (
	EnvironmentProduction = "production"
	EnvironmentTestnet    = "testnet"
	EnvironmentCustom     = "custom"
)

// Production returns the Kin mainnet environment. It has no friendbot.
func Production() Environment {
	return Environment{
		Name:              EnvironmentProduction,
		HorizonURL:        "https://horizon.kinfederation.com",
		NetworkPassphrase: "Kin Mainnet ; December 2018",
	}
}

// Testnet returns the public Kin test network environment.
func Testnet() Environment {
	return Environment{
		Name:              EnvironmentTestnet,
		HorizonURL:        "https://horizon-testnet.kininfrastructure.com",
		NetworkPassphrase: "Kin Testnet ; December 2018",
		FriendbotURL:      "https://friendbot-testnet.kininfrastructure.com",
	}
}

// EnvironmentByName returns the preset called name. A custom environment
// starts empty and must be filled in by the caller.
func EnvironmentByName(name string) (Environment, error) {
	switch name {
	case EnvironmentProduction:
		return Production(), nil
	case EnvironmentTestnet:
		return Testnet(), nil
	case EnvironmentCustom:
		return Environment{Name: EnvironmentCustom}, nil
	default:
		return Environment{}, fmt.Errorf("unknown environment %q", name)
	}
}

// HasFriendbot reports whether the environment exposes a faucet.
func (e Environment) HasFriendbot() bool {
	return e.FriendbotURL != ""
}

// Validate checks that the environment can be used to reach a network.
func (e Environment) Validate() error {
	var errs []error

	if e.HorizonURL == "" {
		errs = append(errs, fmt.Errorf("horizon URL is required"))
	} else if err := validateURL(e.HorizonURL); err != nil {
		errs = append(errs, fmt.Errorf("horizon URL: %w", err))
	}

	if e.NetworkPassphrase == "" {
		errs = append(errs, fmt.Errorf("network passphrase is required"))
	}

	if e.FriendbotURL != "" {
		if err := validateURL(e.FriendbotURL); err != nil {
			errs = append(errs, fmt.Errorf("friendbot URL: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment %q is invalid: %v", e.Name, errs)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
