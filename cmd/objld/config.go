package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
	"github.com/tobermory/objld/internal/hostsym"
)

type config struct {
	// Minimum alignment for placed sections
	Alignment uint64 `mapstructure:"alignment" default:"16"`

	// How many objects to inspect concurrently
	Parallelism int `mapstructure:"parallelism" default:"4"`

	// Extra symbol definitions (name -> hex address) consulted before
	// the process's own images
	Defines map[string]string `mapstructure:"defines"`
}

func loadConfig(path string) (*config, error) {
	config := &config{}

	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path == "" {
		return config, nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

// resolver builds the host symbol resolver: configured defines first, then
// the process's mapped images.
func (c *config) resolver() (hostsym.Resolver, error) {
	if len(c.Defines) == 0 {
		return hostsym.Process(), nil
	}

	table := make(map[string]uintptr, len(c.Defines))

	for name, value := range c.Defines {
		addr, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad address for defined symbol '%s': %w", name, err)
		}

		table[name] = uintptr(addr)
	}

	return hostsym.Chain(hostsym.Table(table), hostsym.Process()), nil
}
