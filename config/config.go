// Copyright (c) 2025 The FileZap developers

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/jessevdk/go-flags"

	"github.com/VetheonGames/FileZap/chunknet/pkg/database"
	"github.com/VetheonGames/FileZap/chunknet/pkg/fileshare"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

const (
	defaultConfigFilename = "chunknetd.conf"
	defaultLogFilename    = "chunknetd.log"
	defaultLogLevel       = "info"
	defaultListen         = ":9333"
	defaultDbType         = "leveldb"
	defaultMaxLogFileSize = 10 // MiB
	defaultMaxLogFiles    = 3
	defaultRequestTimeout = fileshare.DefaultRequestTimeout
	defaultSendTimeout    = node.DefaultSendTimeout
	defaultConnectTimeout = 10 * time.Second

	// payloadOverhead is the largest framing added around a chunk.
	payloadOverhead = 64
)

var (
	defaultHomeDir    = defaultAppDir()
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, "data")
	defaultLogDir     = filepath.Join(defaultHomeDir, "logs")
)

func defaultAppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".chunknet")
}

// Config defines the configuration options for chunknetd.
type Config struct {
	// General application behavior
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	MaxLogSize  int64  `long:"maxlogsize" description:"Maximum size of a log file in MiB before it is rotated"`
	MaxLogFiles int    `long:"maxlogfiles" description:"Maximum number of rotated log files to keep"`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given [addr:]port"`

	// Network settings
	Listen         string        `long:"listen" description:"Interface/port to listen on for peer connections"`
	NoListen       bool          `long:"nolisten" description:"Disable listening for incoming connections"`
	ConnectPeers   []string      `long:"connect" description:"Connect to this peer at startup, host:port or multiaddr (may be repeated)"`
	NoDirectory    bool          `long:"nodirectory" description:"Do not dial the peers remembered from earlier runs"`
	ConnectTimeout time.Duration `long:"connecttimeout" description:"Timeout for dialing a peer"`
	SendTimeout    time.Duration `long:"sendtimeout" description:"Timeout for writing a single message to a peer"`
	MaxPayload     uint32        `long:"maxpayload" description:"Largest message payload accepted from a peer, in bytes"`
	DedupCacheSize uint          `long:"dedupcache" description:"Number of message ids remembered to suppress duplicates"`

	// Content settings
	DbType            string        `long:"dbtype" description:"Database backend to use for the content store"`
	ChunkSize         int           `long:"chunksize" description:"Size in bytes of the chunks files are split into"`
	RequestTimeout    time.Duration `long:"requesttimeout" description:"How long to wait for each peer when fetching a chunk"`
	LocationCacheSize int           `long:"locationcache" description:"Number of content keys whose holders are remembered"`

	// Control API
	RPCListen    string `long:"rpclisten" description:"Interface/port for the HTTP control API (disabled when empty)"`
	RPCMaxUpload int64  `long:"rpcmaxupload" description:"Largest upload accepted by the control API, in bytes"`
}

// LogFile returns the path of the daemon log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, []string, error) {
	return loadConfig(os.Args[1:])
}

func newDefaultConfig() Config {
	return Config{
		ConfigFile:        defaultConfigFile,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		DebugLevel:        defaultLogLevel,
		MaxLogSize:        defaultMaxLogFileSize,
		MaxLogFiles:       defaultMaxLogFiles,
		Listen:            defaultListen,
		ConnectTimeout:    defaultConnectTimeout,
		SendTimeout:       defaultSendTimeout,
		MaxPayload:        node.DefaultMaxPayloadSize,
		DedupCacheSize:    node.DefaultDedupCacheSize,
		DbType:            defaultDbType,
		ChunkSize:         fileshare.DefaultChunkSize,
		RequestTimeout:    defaultRequestTimeout,
		LocationCacheSize: fileshare.DefaultLocationCacheSize,
	}
}

func loadConfig(args []string) (*Config, []string, error) {
	cfg := newDefaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return nil, nil, err
		}
	}
	if preCfg.ShowVersion {
		return &preCfg, nil, nil
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
			return nil, nil, fmt.Errorf("error parsing config file %s: %w",
				preCfg.ConfigFile, err)
		}
	} else if preCfg.ConfigFile != defaultConfigFile {
		return nil, nil, fmt.Errorf("config file %s: %w", preCfg.ConfigFile, err)
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if _, _, err := ParseDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, err
	}

	if err := validateNetworkOptions(&cfg); err != nil {
		return nil, nil, err
	}

	if err := validateStorageOptions(&cfg); err != nil {
		return nil, nil, err
	}

	if err := ensurePaths(&cfg); err != nil {
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// cleanAndExpandPath expands a leading ~ and cleans the result.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// validateNetworkOptions checks network-specific options for validity.
func validateNetworkOptions(cfg *Config) error {
	if !cfg.NoListen {
		if err := validateListenAddr("listen", cfg.Listen); err != nil {
			return err
		}
	}

	if cfg.RPCListen != "" {
		if err := validateListenAddr("rpclisten", cfg.RPCListen); err != nil {
			return err
		}
	}

	for _, addr := range cfg.ConnectPeers {
		if _, err := peer.ParseAddr(addr); err != nil {
			return fmt.Errorf("invalid connect address %q: %w", addr, err)
		}
	}

	if cfg.ConnectTimeout <= 0 || cfg.SendTimeout <= 0 || cfg.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	if cfg.DedupCacheSize == 0 {
		return fmt.Errorf("dedupcache must be at least 1")
	}

	return nil
}

func validateListenAddr(option, addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s address %q: %w", option, addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s port %q", option, portStr)
	}
	return nil
}

// validateStorageOptions checks storage-related options for validity.
func validateStorageOptions(cfg *Config) error {
	supported := database.SupportedDrivers()
	valid := false
	for _, t := range supported {
		if t == cfg.DbType {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown dbtype %q, supported types: %s", cfg.DbType,
			strings.Join(supported, ", "))
	}

	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("chunksize must be positive")
	}
	if uint64(cfg.ChunkSize)+payloadOverhead > uint64(cfg.MaxPayload) {
		return fmt.Errorf("chunksize %d does not fit in maxpayload %d",
			cfg.ChunkSize, cfg.MaxPayload)
	}

	if cfg.LocationCacheSize <= 0 {
		return fmt.Errorf("locationcache must be positive")
	}

	if cfg.MaxLogSize <= 0 || cfg.MaxLogFiles <= 0 {
		return fmt.Errorf("maxlogsize and maxlogfiles must be positive")
	}

	return nil
}

// ensurePaths creates necessary directories if they don't exist.
func ensurePaths(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}

	return nil
}

// ParseDebugLevels splits a debuglevel option into a global level and
// per-subsystem levels. Either part may be empty.
func ParseDebugLevels(s string) (string, map[string]string, error) {
	if !strings.Contains(s, "=") && !strings.Contains(s, ",") {
		if _, ok := btclog.LevelFromString(s); !ok {
			return "", nil, fmt.Errorf("the specified debug level [%v] is invalid", s)
		}
		return s, nil, nil
	}

	subsystems := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if !strings.Contains(pair, "=") {
			return "", nil, fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair [%v]", pair)
		}

		fields := strings.SplitN(pair, "=", 2)
		subsysID, level := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if _, ok := btclog.LevelFromString(level); !ok {
			return "", nil, fmt.Errorf("the specified debug level [%v] is "+
				"invalid for subsystem %s", level, subsysID)
		}
		subsystems[subsysID] = level
	}
	return "", subsystems, nil
}
