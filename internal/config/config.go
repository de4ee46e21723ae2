// Package config loads glued's configuration from layered sources:
// built-in defaults, an optional TOML file, an optional JSON file, and
// environment variables, in that precedence order (later overrides
// earlier), mirroring original_source/src/config.rs's Figment chain.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"

	"glued/internal/peerid"
)

const (
	defaultTopicID       = "4242424242424242424242424242424242424242424242424242424242424242"
	defaultDNSBind       = "0.0.0.0:53"
	defaultGossipBind    = "0.0.0.0:7946"
	defaultClusterSecret = "default_insecure_secret"
	envPrefix            = "GLUED_"
	envSecretFileVar     = "GLUED_CLUSTER_SECRET_FILE"
)

// Config is the static, immutable record built once at startup.
type Config struct {
	NetworkName      string   `toml:"network_name" json:"network_name" mapstructure:"network_name"`
	TopicID          string   `toml:"topic_id" json:"topic_id" mapstructure:"topic_id"`
	BootstrapPeers   []string `toml:"bootstrap_peers" json:"bootstrap_peers" mapstructure:"bootstrap_peers"`
	BootstrapService string   `toml:"bootstrap_service" json:"bootstrap_service" mapstructure:"bootstrap_service"`
	BindIP           string   `toml:"bind_ip" json:"bind_ip" mapstructure:"bind_ip"`
	DNSBind          string   `toml:"dns_bind" json:"dns_bind" mapstructure:"dns_bind"`
	// GossipBind is the TCP address the gossip transport listens on.
	// original_source binds an ephemeral Iroh/QUIC endpoint with no
	// configurable address; plain TCP has no discovery layer standing in
	// for that, so this port redesigns it as an explicit, configurable
	// socket (memberlist's default gossip port, 7946, as the default).
	GossipBind    string `toml:"gossip_bind" json:"gossip_bind" mapstructure:"gossip_bind"`
	ClusterSecret string `toml:"cluster_secret" json:"cluster_secret" mapstructure:"cluster_secret"`
}

// Default returns the configuration with no overrides applied.
func Default() Config {
	return Config{
		TopicID:       defaultTopicID,
		DNSBind:       defaultDNSBind,
		GossipBind:    defaultGossipBind,
		ClusterSecret: defaultClusterSecret,
	}
}

// Load builds a Config by merging, in order: defaults, glued.toml,
// glued.json, GLUED_-prefixed environment variables. A missing file at
// any layer is not an error — the layer is simply skipped, matching
// Figment's Toml::file/Json::file providers.
func Load() (Config, error) {
	cfg := Default()

	if err := mergeTOMLFile(&cfg, "glued.toml"); err != nil {
		return Config{}, fmt.Errorf("load glued.toml: %w", err)
	}
	if err := mergeJSONFile(&cfg, "glued.json"); err != nil {
		return Config{}, fmt.Errorf("load glued.json: %w", err)
	}
	if err := mergeEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if secretFile := os.Getenv(envSecretFileVar); secretFile != "" {
		b, err := os.ReadFile(secretFile)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", envSecretFileVar, err)
		}
		cfg.ClusterSecret = strings.TrimSpace(string(b))
	}

	if err := applyBindIP(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply bind_ip: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the recognized options for structural validity.
// Configuration errors here are fatal at startup (spec §7).
func (c Config) Validate() error {
	if _, err := peerid.Parse(c.TopicID); err != nil {
		return fmt.Errorf("invalid topic_id: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.DNSBind); err != nil {
		return fmt.Errorf("invalid dns_bind %q: %w", c.DNSBind, err)
	}
	if _, _, err := net.SplitHostPort(c.GossipBind); err != nil {
		return fmt.Errorf("invalid gossip_bind %q: %w", c.GossipBind, err)
	}
	return nil
}

// Role reports whether this configuration selects Replica(network) or
// DNS-only.
func (c Config) Role() (replica bool, networkName string) {
	if c.NetworkName == "" {
		return false, ""
	}
	return true, c.NetworkName
}

func mergeTOMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	_, err = toml.Decode(string(data), cfg)
	return err
}

func mergeJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, cfg)
}

// mergeEnv collects GLUED_-prefixed environment variables into a map and
// decodes them onto cfg, so that only variables actually set override the
// prior layers.
func mergeEnv(cfg *Config) error {
	raw := make(map[string]any)
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if key == envSecretFileVar {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		raw[field] = val
	}
	if len(raw) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// applyBindIP overrides the address portion of dns_bind with bind_ip,
// leaving the configured port untouched.
func applyBindIP(cfg *Config) error {
	if cfg.BindIP == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(cfg.DNSBind)
	if err != nil {
		return fmt.Errorf("dns_bind %q: %w", cfg.DNSBind, err)
	}
	cfg.DNSBind = net.JoinHostPort(cfg.BindIP, port)
	return nil
}

// BootstrapServiceDNSName returns the tasks.<service> name queried for
// bootstrap peer discovery.
func BootstrapServiceDNSName(service string) string {
	return "tasks." + service
}
