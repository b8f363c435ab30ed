package main

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// fileConfig is the TOML-decoded shape of one or more configuration
// files, following the teacher's pattern of concatenating every file
// argument into one buffer before decoding (cmd/routedns/config.go
// loadConfig) so a later file can extend an earlier one, e.g. with more
// [[upstreams]] entries. The result is decoded as one TOML document, so
// a key or table defined in two files is a decode error, not an
// override.
type fileConfig struct {
	ListenAddrs         []string `toml:"listen_addrs"`
	ACL                 []string `toml:"acl"`
	DefaultPool         string   `toml:"default_pool"`
	Policy              string   `toml:"policy"`
	RingSize            int      `toml:"ring_size"`
	HealthCheckInterval string   `toml:"health_check_interval"`
	TopNRingSize        int      `toml:"topn_ring_size"`
	TopNCount           int      `toml:"topn_count"`

	Cache     cacheConfig     `toml:"cache"`
	AccessLog accessLogConfig `toml:"access_log"`

	Upstreams   []upstreamConfig  `toml:"upstreams"`
	PoolRules   []ruleConfig      `toml:"pool_rules"`
	RateLimits  []rateLimitConfig `toml:"rate_limits"`
	ActionRules []ruleConfig      `toml:"action_rules"`
}

type cacheConfig struct {
	Capacity int    `toml:"capacity"`
	MinTTL   uint32 `toml:"min_ttl"`
	MaxTTL   uint32 `toml:"max_ttl"`
	ScopeECS bool   `toml:"scope_ecs"`
}

type accessLogConfig struct {
	OutputFile   string `toml:"output_file"`
	OutputFormat string `toml:"output_format"`
	QueueSize    int    `toml:"queue_size"`
}

type upstreamConfig struct {
	Addr         string   `toml:"addr"`
	Pools        []string `toml:"pools"`
	Weight       int      `toml:"weight"`
	Order        int      `toml:"order"`
	QPS          float64  `toml:"qps"`
	Burst        float64  `toml:"burst"`
	Availability string   `toml:"availability"` // "up", "down" or "" (auto)
}

// matchConfig is the common shape of a rule's matcher, shared by pool
// rules, rate limits and action rules; only the fields relevant to Kind
// need be set.
type matchConfig struct {
	Kind     string   `toml:"match"` // "netmask", "suffix", "qtype" or "geo"
	CIDRs    []string `toml:"cidrs"`
	Suffixes []string `toml:"suffixes"`
	QTypes   []string `toml:"qtypes"`
	GeoDB    string   `toml:"geo_db"`
	GeoRules []string `toml:"geo_rules"`
	Invert   bool     `toml:"invert"`
}

type ruleConfig struct {
	matchConfig
	Pool   string `toml:"pool"`   // pool_rules
	Action string `toml:"action"` // action_rules: "drop", "allow", "set-rcode", "set-truncated"
	RCode  int    `toml:"rcode"`  // action_rules, for "set-rcode"
}

type rateLimitConfig struct {
	matchConfig
	Rate  float64 `toml:"rate"`
	Burst float64 `toml:"burst"`
}

// loadConfig reads and concatenates every named file and decodes the
// result as TOML.
func loadConfig(names ...string) (fileConfig, error) {
	var c fileConfig
	b := new(bytes.Buffer)
	for _, name := range names {
		if err := appendFile(b, name); err != nil {
			return c, errors.Wrapf(err, "reading config file %q", name)
		}
		b.WriteString("\n")
	}
	if _, err := toml.DecodeReader(b, &c); err != nil {
		return c, errors.Wrap(err, "decoding config")
	}
	return c, nil
}

func appendFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
