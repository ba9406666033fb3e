package main

import (
	"net/url"
	"os"

	"github.com/always-cache/strategy-cache/metrics"
	"github.com/always-cache/strategy-cache/route"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin   string         `yaml:"origin"`
	Store    StoreConfig    `yaml:"store"`
	HotCache HotCacheConfig `yaml:"hotCache"`
	Routes   route.Rules    `yaml:"routes"`
	// URLs requested at startup with -warm.
	Warm []string `yaml:"warm"`
}

type StoreConfig struct {
	// memory, sqlite or redis
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type HotCacheConfig struct {
	// In bytes, no hot cache if zero.
	MaxCost int64 `yaml:"maxCost"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// loadRoutes reads the config file and compiles its routes.
func loadRoutes(filename string, origin *url.URL, m *metrics.Metrics) (*route.Router, error) {
	config, err := getConfig(filename)
	if err != nil {
		return nil, err
	}
	return config.Routes.Router(origin, m)
}
