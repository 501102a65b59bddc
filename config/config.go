package config

import (
	"crypto/tls"
	"time"
)

// DefaultMaxMessageSize is the maximum size in bytes of a message accepted
// through APPEND, unless overridden in the configuration file.
const DefaultMaxMessageSize = 100 * 1024 * 1024

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the crow.conf configuration file. It is read
// once at startup; changes require a restart.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the account database and message store live. If this is a relative path, it is relative to the directory of crow.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also lines with passwords, and tracedata on top of that also full message literals."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapserver, store, notify)."`
	IMAP             IMAP              `sconf-doc:"IMAP listener settings."`
	Admin            struct {
		Address string `sconf:"optional" sconf-doc:"Address to listen on for the internal HTTP endpoint serving Prometheus metrics on /metrics. E.g. localhost:8010. If empty, no metrics endpoint is started."`
	} `sconf:"optional" sconf-doc:"Internal admin/metrics HTTP server."`
	Redis struct {
		Address  string `sconf-doc:"Address of the redis server used for mail delivery notifications, e.g. localhost:6379."`
		Password string `sconf:"optional"`
		DB       int    `sconf:"optional" sconf-doc:"Redis database number."`
	} `sconf:"optional" sconf-doc:"Redis connection for receiving notifications about newly delivered messages. If absent, connected clients only see changes made through IMAP itself."`
}

// IMAP holds the IMAP listener configuration.
type IMAP struct {
	Address string `sconf-doc:"IP address to listen on, e.g. 0.0.0.0 or ::. Use 127.0.0.1 to listen on localhost only."`
	Port    int    `sconf:"optional" sconf-doc:"Port to listen on. Default 143, or 993 with ImmediateTLS."`
	TLS     *TLS   `sconf:"optional" sconf-doc:"TLS certificate and key. If absent, STARTTLS is not offered and connections stay plain text."`

	ProxyProtocol bool `sconf:"optional" sconf-doc:"Accept the HAProxy PROXY protocol (v1 or v2) on incoming connections, using the client address it carries for logging and rate limiting. Only enable when a trusted load balancer is in front."`

	MaxMessageSize      int64 `sconf:"optional" sconf-doc:"Maximum size in bytes of messages accepted through APPEND. Default 100MB. Announced in the APPENDLIMIT capability."`
	MaxConnections      int   `sconf:"optional" sconf-doc:"Maximum number of concurrent connections. Additional connections are greeted with BYE and closed. Default 1000."`
	MaxConnectionsPerIP int   `sconf:"optional" sconf-doc:"Maximum number of concurrent connections from a single remote address. Default 40."`
	MaxIdlePerIP        int   `sconf:"optional" sconf-doc:"Maximum number of connections from a single remote address that may be in IDLE simultaneously. Default 20."`

	ConnectionLifetime time.Duration `sconf:"optional" sconf-doc:"Maximum lifetime of a connection regardless of activity, e.g. 48h. Zero means unlimited."`
	InactivityTimeout  time.Duration `sconf:"optional" sconf-doc:"Connections without a complete command for this long are dropped. Default 30m. Does not apply during IDLE."`
	IDLETimeout        time.Duration `sconf:"optional" sconf-doc:"Maximum duration of a single IDLE before the server ends it with BYE, e.g. 29m. Default 29m, just under the 30 minute minimum clients must assume."`
}

// TLS is a certificate/key pair in the configuration file, parsed into a
// tls.Config during startup.
type TLS struct {
	CertFile string `sconf-doc:"Path to PEM certificate (chain) file."`
	KeyFile  string `sconf-doc:"Path to PEM private key file."`

	ImmediateTLS bool `sconf:"optional" sconf-doc:"Serve TLS immediately on accepted connections instead of offering STARTTLS."`

	Config *tls.Config `sconf:"-" json:"-"` // Set during startup.
}
