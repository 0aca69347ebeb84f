package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/config"
)

// environment resolves the network from the global flags.
func environment(c *cli.Context) (config.Environment, error) {
	env, err := config.EnvironmentByName(c.String("environment"))
	if err != nil {
		return config.Environment{}, err
	}
	if v := c.String("horizon-url"); v != "" {
		env.HorizonURL = v
	}
	if v := c.String("network-passphrase"); v != "" {
		env.NetworkPassphrase = v
	}
	if c.IsSet("friendbot-url") {
		env.FriendbotURL = c.String("friendbot-url")
	}
	return env, nil
}

func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newKinClient builds a ledger client from the global flags.
func newKinClient(c *cli.Context) (*client.Client, error) {
	env, err := environment(c)
	if err != nil {
		return nil, err
	}
	return client.New(env,
		client.WithLogger(newLogger(c)),
		client.WithTimeout(c.Duration("request-timeout")),
	)
}

func newGateway(c *cli.Context) *client.Gateway {
	return client.NewGateway(c.String("server-url"), nil, newLogger(c))
}

func printJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

// compileFilters parses and compiles jq expressions.
func compileFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesFilters reports whether every filter yields a truthy first result
// on the JSON form of v.
func matchesFilters(codes []*gojq.Code, v any, logger *slog.Logger) bool {
	if len(codes) == 0 {
		return true
	}

	// gojq works on plain JSON values.
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}

	for _, code := range codes {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if err, isErr := result.(error); isErr {
			logger.Debug("jq filter error", "error", err)
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
