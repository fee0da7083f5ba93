package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Repository is a fingerprint repository the dissector can upload to.
type Repository struct {
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	User   string `yaml:"user"`
	Passwd string `yaml:"passwd"`
}

type Analysis struct {
	TopN                int   `yaml:"top_n"`
	Threshold           int   `yaml:"threshold"`
	ZScore              int   `yaml:"zscore"`
	SimilarityThreshold int   `yaml:"similarity_threshold"`
	SuspectUDPLength    int64 `yaml:"suspect_udp_length"`
}

type HTTP struct {
	Timeout            time.Duration `yaml:"timeout"`
	RetryMax           int           `yaml:"retry_max"`
	RetryBase          time.Duration `yaml:"retry_base"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type Config struct {
	LogFile        string `yaml:"log_file"`
	FingerprintDir string `yaml:"fingerprint_dir"`
	MetricsFile    string `yaml:"metrics_file"`
	ArchivePath    string `yaml:"archive_path"`
	SpoolDir       string `yaml:"spool_dir"`
	SpoolMaxBytes  int64  `yaml:"spool_max_bytes"`
	NfdumpPath     string `yaml:"nfdump_path"`

	Analysis     Analysis     `yaml:"analysis"`
	HTTP         HTTP         `yaml:"http"`
	Repositories []Repository `yaml:"repositories"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogFile == "" {
		c.LogFile = "log.txt"
	}
	if c.FingerprintDir == "" {
		c.FingerprintDir = "fingerprints"
	}
	if c.ArchivePath == "" {
		c.ArchivePath = "dissector.db"
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.SpoolMaxBytes == 0 {
		c.SpoolMaxBytes = 50 * 1024 * 1024
	}
	if c.NfdumpPath == "" {
		c.NfdumpPath = "nfdump"
	}
	if c.Analysis.TopN == 0 {
		c.Analysis.TopN = 20
	}
	if c.Analysis.Threshold == 0 {
		c.Analysis.Threshold = 80
	}
	if c.Analysis.ZScore == 0 {
		c.Analysis.ZScore = 2
	}
	if c.Analysis.SimilarityThreshold == 0 {
		c.Analysis.SimilarityThreshold = 80
	}
	if c.Analysis.SuspectUDPLength == 0 {
		c.Analysis.SuspectUDPLength = 468
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.RetryMax == 0 {
		c.HTTP.RetryMax = 3
	}
	if c.HTTP.RetryBase == 0 {
		c.HTTP.RetryBase = time.Second
	}
	for i := range c.Repositories {
		if c.Repositories[i].Name == "" {
			c.Repositories[i].Name = c.Repositories[i].Host
		}
	}
}

func (c *Config) validate() error {
	if c.Analysis.TopN < 1 {
		return errors.New("analysis.top_n must be positive")
	}
	if c.Analysis.Threshold < 0 || c.Analysis.Threshold > 100 {
		return errors.New("analysis.threshold must be between 0 and 100")
	}
	if c.Analysis.SimilarityThreshold < 0 || c.Analysis.SimilarityThreshold > 100 {
		return errors.New("analysis.similarity_threshold must be between 0 and 100")
	}
	if c.SpoolMaxBytes < 0 {
		return errors.New("spool_max_bytes must not be negative")
	}
	for i, r := range c.Repositories {
		if r.Host == "" {
			return fmt.Errorf("repositories[%d].host is required", i)
		}
	}
	return nil
}

// Repository returns the repository to use for host. An empty host selects
// the first configured repository. Command line credentials win over the
// ones found in the file.
func (c *Config) Repository(host, user, passwd string) (Repository, error) {
	var repo Repository
	switch {
	case host == "" && len(c.Repositories) == 0:
		return repo, errors.New("no repository configured")
	case host == "":
		repo = c.Repositories[0]
	default:
		repo = Repository{Name: host, Host: host}
		for _, r := range c.Repositories {
			if r.Host == host || r.Name == host {
				repo = r
				break
			}
		}
	}
	if user != "" && passwd != "" {
		repo.User, repo.Passwd = user, passwd
	}
	if repo.User == "" || repo.Passwd == "" {
		return repo, fmt.Errorf("credentials not found for %s", repo.Host)
	}
	return repo, nil
}
