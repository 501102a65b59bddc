package crow

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/crowmail/crow/config"
	"github.com/crowmail/crow/mlog"
)

// ConfigPath is set early in program startup, from the -config flag or
// $CROWCONF. Relative paths in the config file are relative to its directory.
var ConfigPath string

// Conf is the active configuration.
var Conf = Config{Log: map[string]slog.Level{"": slog.LevelError}}

// Config is the parsed configuration plus data derived from it.
type Config struct {
	Static config.Static

	logMutex sync.Mutex // Protects Log used by code in this package.
	Log      map[string]slog.Level
}

// LogLevelSet sets a log level for a package and activates it.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	nc := map[string]slog.Level{}
	for p, l := range c.Log {
		nc[p] = l
	}
	nc[pkg] = level
	c.Log = nc
	mlog.SetConfig(c.Log)
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
}

// DataDirPath returns the path to a file within the data directory, resolving
// a relative DataDir against the config file location.
func DataDirPath(file string) string {
	return ConfigDirPath(filepath.Join(Conf.Static.DataDir, file))
}

// ConfigDirPath returns path if absolute, and otherwise interpreted relative
// to the directory of the config file.
func ConfigDirPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(ConfigPath), path)
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig(doLoadTLSKeyCerts bool) {
	errs := LoadConfig(context.Background(), pkglog, doLoadTLSKeyCerts)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load the config, returning any errors
// encountered. On success the shutdown contexts are (re)initialized and the
// logging configuration is activated.
func LoadConfig(ctx context.Context, log mlog.Log, doLoadTLSKeyCerts bool) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigPath, doLoadTLSKeyCerts)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig activates an already parsed config, used by tests.
func SetConfig(c *Config) {
	Conf = *c
}

// ParseConfig parses the config file at path p and prepares the data
// structures needed for serving. If doLoadTLSKeyCerts is false, certificate
// and key files are not read, for "crow config check" on a machine without
// the key material.
func ParseConfig(ctx context.Context, log mlog.Log, p string, doLoadTLSKeyCerts bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: "data",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("CROWCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use crow -config ... or set CROWCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := prepareStaticConfig(ctx, log, c, doLoadTLSKeyCerts); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

func prepareStaticConfig(ctx context.Context, log mlog.Log, conf *Config, doLoadTLSKeyCerts bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.DataDir == "" {
		addErrorf("DataDir must be set")
	}

	im := &c.IMAP
	if net.ParseIP(im.Address) == nil {
		addErrorf("invalid IMAP listen address %q", im.Address)
	}
	fallbackPort := 143
	if im.TLS != nil && im.TLS.ImmediateTLS {
		fallbackPort = 993
	}
	im.Port = config.Port(im.Port, fallbackPort)
	if im.MaxMessageSize == 0 {
		im.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if im.MaxConnections == 0 {
		im.MaxConnections = 1000
	}
	if im.MaxConnectionsPerIP == 0 {
		im.MaxConnectionsPerIP = 40
	}
	if im.MaxIdlePerIP == 0 {
		im.MaxIdlePerIP = 20
	}
	if im.InactivityTimeout == 0 {
		im.InactivityTimeout = 30 * time.Minute
	}
	if im.IDLETimeout == 0 {
		im.IDLETimeout = 29 * time.Minute
	}

	if im.TLS != nil && doLoadTLSKeyCerts {
		certPath := ConfigDirPath(im.TLS.CertFile)
		keyPath := ConfigDirPath(im.TLS.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			addErrorf("loading IMAP TLS keypair: %v", err)
		} else {
			im.TLS.Config = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	return errs
}
