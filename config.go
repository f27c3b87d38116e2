package chainsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/chainsync/build"
	"github.com/lightninglabs/chainsync/signal"
	"github.com/lightninglabs/chainsync/synccfg"
)

const (
	defaultDataDirname = "data"
	defaultLogLevel    = "info"

	networkMainnet = "mainnet"
	networkTestnet = "testnet"
	networkRegtest = "regtest"
	networkSimnet  = "simnet"
	networkSignet  = "signet"
)

var (
	// DefaultChainsyncDir is the default directory where chainsyncd tries
	// to find its configuration file and store its data.
	DefaultChainsyncDir = btcutil.AppDataDir("chainsyncd", false)

	// DefaultConfigFile is the default full path of chainsyncd's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultChainsyncDir, synccfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultChainsyncDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(
		DefaultChainsyncDir, synccfg.DefaultLogDirname,
	)

	// errNoConsumers is returned when the daemon would have nothing to
	// synchronize.
	errNoConsumers = errors.New("at least one consumer must be " +
		"declared with --consumer")
)

// Config defines the configuration options for chainsyncd.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ChainsyncDir string `long:"chainsyncdir" description:"The base directory that contains chainsyncd's data, logs, configuration file, etc. This option overwrites all other directory options."`
	ConfigFile   string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir      string `short:"b" long:"datadir" description:"The directory to store chainsyncd's data within"`
	LogDir       string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The bitcoin network the node serves." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet" choice:"signet"`

	Consumers []string `long:"consumer" description:"A consumer to synchronize, in the form id[@startheight][:address1,address2,...]. May be repeated."`

	Sync *synccfg.Sync `group:"sync" namespace:"sync"`

	Node *synccfg.Node `group:"node" namespace:"node"`

	DB *synccfg.DB `group:"db" namespace:"db"`

	Prometheus *synccfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *synccfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	// LogRotator is the rotating file the log lines are written to.
	LogRotator *build.RotatingLogWriter

	// LogMgr is the sub logger manager that all sub loggers are created
	// from. It is set up by ValidateConfig.
	LogMgr *build.SubLoggerManager

	// ActiveNetParams are the parameters of the network selected by
	// Network.
	ActiveNetParams *chaincfg.Params

	// parsedConsumers are the consumers parsed from Consumers.
	parsedConsumers []*synccfg.Consumer
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ChainsyncDir: DefaultChainsyncDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Network:      networkMainnet,
		Sync:         synccfg.DefaultSync(),
		Node:         synccfg.DefaultNode(),
		DB:           synccfg.DefaultDB(),
		Prometheus:   synccfg.DefaultPrometheus(),
		HealthChecks: synccfg.DefaultHealthCheck(),
		Logging:      build.DefaultLogConfig(),
		LogRotator:   build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version())
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their chainsyncdir, then we should assume they intend to
	// use the config file within it.
	configFileDir := synccfg.CleanAndExpandPath(preCfg.ChainsyncDir)
	configFilePath := synccfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultChainsyncDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, synccfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		csydLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	// If the provided chainsyncd directory is not the default, we'll
	// modify the path to all of the files and directories that will live
	// within it.
	chainsyncDir := synccfg.CleanAndExpandPath(cfg.ChainsyncDir)
	if chainsyncDir != DefaultChainsyncDir {
		cfg.DataDir = filepath.Join(chainsyncDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(
			chainsyncDir, synccfg.DefaultLogDirname,
		)
	}

	funcName := "ValidateConfig"
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var e *os.PathError
			if errors.As(err, &e) && os.IsExist(err) {
				link, lerr := os.Readlink(e.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, e.Path, link)
				}
			}

			str := "%s: Failed to create chainsyncd directory: %v"
			err := fmt.Errorf(str, funcName, err)
			_, _ = fmt.Fprintln(os.Stderr, err)

			return err
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.DataDir = synccfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = synccfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Node.RPCCert = synccfg.CleanAndExpandPath(cfg.Node.RPCCert)

	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, mkErr(funcName, err)
	}
	cfg.ActiveNetParams = params

	// Both the data and the log directory are namespaced per network so
	// consumer state of different networks never mixes.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Network)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	for _, dir := range []string{chainsyncDir, cfg.DataDir, cfg.LogDir} {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	err = synccfg.Validate(
		cfg.Sync, cfg.Node, cfg.DB, cfg.Prometheus, cfg.HealthChecks,
	)
	if err != nil {
		return nil, mkErr(funcName, err)
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, mkErr(funcName, err)
	}

	cfg.parsedConsumers, err = synccfg.ParseConsumers(
		cfg.Consumers, cfg.ActiveNetParams,
	)
	if err != nil {
		return nil, mkErr(funcName, err)
	}
	if len(cfg.parsedConsumers) == 0 {
		return nil, mkErr(funcName, errNoConsumers)
	}

	// A log writer must be passed in, otherwise we can't function and
	// would run into a panic later on.
	if cfg.LogRotator == nil {
		return nil, mkErr(funcName, errors.New("log writer missing in "+
			"config"))
	}

	cfg.LogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandlers(cfg.Logging, cfg.LogRotator)...,
	)

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogMgr, interceptor)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.LogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err = cfg.LogRotator.InitLogRotator(
		cfg.Logging.File,
		filepath.Join(cfg.LogDir, synccfg.DefaultLogFilename),
	)
	if err != nil {
		str := "%s: log rotation setup failed: %v"
		err = fmt.Errorf(str, funcName, err)
		_, _ = fmt.Fprintln(os.Stderr, err)

		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogMgr)
	if err != nil {
		err = fmt.Errorf("%s: %w", funcName, err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, err
	}

	return &cfg, nil
}

// ParsedConsumers returns the consumers declared by the config.
func (c *Config) ParsedConsumers() []*synccfg.Consumer {
	return c.parsedConsumers
}

// DBPath returns the path of the database holding the consumer state.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, synccfg.DefaultDBFilename)
}

// networkParams maps a network name to its chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case networkMainnet:
		return &chaincfg.MainNetParams, nil

	case networkTestnet:
		return &chaincfg.TestNet3Params, nil

	case networkRegtest:
		return &chaincfg.RegressionNetParams, nil

	case networkSimnet:
		return &chaincfg.SimNetParams, nil

	case networkSignet:
		return &chaincfg.SigNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// mkErr prefixes an error and prints it to stderr.
func mkErr(prefix string, err error) error {
	err = fmt.Errorf("%s: %w", prefix, err)
	_, _ = fmt.Fprintln(os.Stderr, err)

	return err
}
