package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port         string   `yaml:"port"`
	SeedNodes    []string `yaml:"seedNodes"`
	LogLevel     string   `yaml:"logLevel"`
	DataDir      string   `yaml:"dataDir"`
	ZenzoDataDir string   `yaml:"zenzoDataDir"`
	FullNode     bool     `yaml:"fullNode"`
	UseHashSync  bool     `yaml:"useHashSync"`

	RPCHost      string `yaml:"rpcHost"`
	RPCUser      string `yaml:"rpcUser"`
	RPCPass      string `yaml:"rpcPass"`
	ForgeAddress string `yaml:"forgeAddress"`

	MaxInvalidScore       float64       `yaml:"maxInvalidScore"`
	JanitorInterval       time.Duration `yaml:"janitorInterval"`
	MailboxInterval       time.Duration `yaml:"mailboxInterval"`
	PeerTimeout           time.Duration `yaml:"peerTimeout"`
	RPCTimeout            time.Duration `yaml:"rpcTimeout"`
	PeerStaleTimeout      time.Duration `yaml:"peerStaleTimeout"`
	PeerRequestsPerSecond int           `yaml:"peerRequestsPerSecond"`

	RateLimitPerMinute int           `yaml:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64         `yaml:"maxBodySizeBytes"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
}

// Default values
const (
	DefaultPort                  = "8000"
	DefaultRPCPort               = "26211"
	DefaultMaxInvalidScore       = 25.0
	DefaultJanitorInterval       = 10 * time.Second
	DefaultMailboxInterval       = 750 * time.Millisecond
	DefaultPeerTimeout           = 5 * time.Second
	DefaultRPCTimeout            = 10 * time.Second
	DefaultPeerStaleTimeout      = 60 * time.Second
	DefaultPeerRequestsPerSecond = 50
	DefaultRateLimitPerMinute    = 600
	DefaultMaxBodySizeBytes      = 10 << 20 // 10MB
	DefaultDataDir               = "./data"
	DefaultShutdownTimeout       = 30 * time.Second
)

// DefaultSeedNodes are the public Forge seed nodes
var DefaultSeedNodes = []string{"144.91.87.251:8000", "164.68.102.142:45001"}

// CLIOptions are the command line flags. Flags win over the config file and env.
type CLIOptions struct {
	ConfigFile string `short:"c" long:"config" description:"Path to a YAML config file"`
	LogLevel   string `long:"log-level" description:"Logging level (debug, info, warn, error)"`
	Port       string `short:"p" long:"port" description:"Forge port to listen on"`
	FullNode   bool   `long:"fullnode" description:"Revalidate every stored item periodically"`
}

// ParseCLI parses the command line flags
func ParseCLI(args []string) (*CLIOptions, error) {
	opts := &CLIOptions{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// defaultZenzoDataDir returns the platform data directory of ZENZO Core
func defaultZenzoDataDir() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "Zenzo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Zenzo")
	}
	return filepath.Join(home, ".zenzo")
}

// LoadConfig reads configuration from defaults, an optional YAML file,
// environment variables and finally the command line flags
func LoadConfig(opts *CLIOptions) (*Config, error) {
	cfg := &Config{
		Port:                  DefaultPort,
		SeedNodes:             DefaultSeedNodes,
		LogLevel:              "info",
		DataDir:               DefaultDataDir,
		ZenzoDataDir:          defaultZenzoDataDir(),
		UseHashSync:           true,
		MaxInvalidScore:       DefaultMaxInvalidScore,
		JanitorInterval:       DefaultJanitorInterval,
		MailboxInterval:       DefaultMailboxInterval,
		PeerTimeout:           DefaultPeerTimeout,
		RPCTimeout:            DefaultRPCTimeout,
		PeerStaleTimeout:      DefaultPeerStaleTimeout,
		PeerRequestsPerSecond: DefaultPeerRequestsPerSecond,
		RateLimitPerMinute:    DefaultRateLimitPerMinute,
		MaxBodySizeBytes:      DefaultMaxBodySizeBytes,
		ShutdownTimeout:       DefaultShutdownTimeout,
	}
	if opts == nil {
		opts = &CLIOptions{}
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile != "" {
		if err := loadConfigFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Port != "" {
		cfg.Port = opts.Port
	}
	if opts.FullNode {
		cfg.FullNode = true
	}

	if cfg.RPCUser == "" || cfg.RPCPass == "" {
		if err := loadZenzoConf(cfg); err != nil {
			logger.Warn("Unable to read ZENZO Core RPC credentials", "error", err)
		}
	}
	if cfg.RPCHost == "" {
		cfg.RPCHost = net.JoinHostPort("127.0.0.1", DefaultRPCPort)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if seedNodesEnv := os.Getenv("SEED_NODES"); seedNodesEnv != "" {
		var seedNodes []string
		if err := json.Unmarshal([]byte(seedNodesEnv), &seedNodes); err == nil && len(seedNodes) > 0 {
			cfg.SeedNodes = seedNodes
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if zenzoDir := os.Getenv("ZENZO_DATA_DIR"); zenzoDir != "" {
		cfg.ZenzoDataDir = zenzoDir
	}

	if fullNode := os.Getenv("FULL_NODE"); fullNode != "" {
		if v, err := strconv.ParseBool(fullNode); err == nil {
			cfg.FullNode = v
		}
	}

	if hashSync := os.Getenv("HASH_SYNC"); hashSync != "" {
		if v, err := strconv.ParseBool(hashSync); err == nil {
			cfg.UseHashSync = v
		}
	}

	if host := os.Getenv("RPC_HOST"); host != "" {
		cfg.RPCHost = host
	}
	if user := os.Getenv("RPC_USER"); user != "" {
		cfg.RPCUser = user
	}
	if pass := os.Getenv("RPC_PASS"); pass != "" {
		cfg.RPCPass = pass
	}
	if address := os.Getenv("FORGE_ADDRESS"); address != "" {
		cfg.ForgeAddress = address
	}

	if scoreEnv := os.Getenv("MAX_INVALID_SCORE"); scoreEnv != "" {
		if score, err := strconv.ParseFloat(scoreEnv, 64); err == nil && score > 0 {
			cfg.MaxInvalidScore = score
		}
	}

	durations := map[string]*time.Duration{
		"JANITOR_INTERVAL":   &cfg.JanitorInterval,
		"MAILBOX_INTERVAL":   &cfg.MailboxInterval,
		"PEER_TIMEOUT":       &cfg.PeerTimeout,
		"RPC_TIMEOUT":        &cfg.RPCTimeout,
		"PEER_STALE_TIMEOUT": &cfg.PeerStaleTimeout,
		"SHUTDOWN_TIMEOUT":   &cfg.ShutdownTimeout,
	}
	for name, target := range durations {
		if v := os.Getenv(name); v != "" {
			if duration, err := time.ParseDuration(v); err == nil && duration > 0 {
				*target = duration
			}
		}
	}

	if rpsEnv := os.Getenv("PEER_REQUESTS_PER_SECOND"); rpsEnv != "" {
		if rps, err := strconv.Atoi(rpsEnv); err == nil && rps >= 0 {
			cfg.PeerRequestsPerSecond = rps
		}
	}

	if rateLimitEnv := os.Getenv("RATE_LIMIT_PER_MINUTE"); rateLimitEnv != "" {
		if rateLimit, err := strconv.Atoi(rateLimitEnv); err == nil && rateLimit > 0 {
			cfg.RateLimitPerMinute = rateLimit
		}
	}

	if maxBodyEnv := os.Getenv("MAX_BODY_SIZE_BYTES"); maxBodyEnv != "" {
		if maxBody, err := strconv.ParseInt(maxBodyEnv, 10, 64); err == nil && maxBody > 0 {
			cfg.MaxBodySizeBytes = maxBody
		}
	}
}

// zenzoConf holds the zenzo.conf keys the Forge cares about
type zenzoConf struct {
	RPCUser string `long:"rpcuser"`
	RPCPass string `long:"rpcpassword"`
	RPCPort string `long:"rpcport"`
}

// loadZenzoConf fills missing RPC credentials from ZENZO Core's zenzo.conf
func loadZenzoConf(cfg *Config) error {
	if cfg.ZenzoDataDir == "" {
		return errors.New("no ZENZO Core data directory")
	}

	var conf zenzoConf
	parser := flags.NewParser(&conf, flags.IgnoreUnknown)
	if err := flags.NewIniParser(parser).ParseFile(filepath.Join(cfg.ZenzoDataDir, "zenzo.conf")); err != nil {
		return fmt.Errorf("failed to parse zenzo.conf: %w", err)
	}

	if cfg.RPCUser == "" {
		cfg.RPCUser = conf.RPCUser
	}
	if cfg.RPCPass == "" {
		cfg.RPCPass = conf.RPCPass
	}
	if cfg.RPCHost == "" && conf.RPCPort != "" {
		cfg.RPCHost = net.JoinHostPort("127.0.0.1", conf.RPCPort)
	}
	return nil
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must be set")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q: %w", c.Port, err)
	}
	if c.MaxInvalidScore <= 0 {
		return errors.New("maxInvalidScore must be positive")
	}
	if c.ForgeAddress != "" && len(c.ForgeAddress) != AddressLength {
		return fmt.Errorf("forge address must be %d characters", AddressLength)
	}
	return nil
}
