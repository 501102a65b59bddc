// Package imapserver implements an IMAP4rev1 server, rfc 3501, with a
// handful of common extensions: LITERAL+, IDLE, SASL-IR, UNSELECT, UIDPLUS,
// MOVE, NAMESPACE, SORT, SPECIAL-USE, ID and APPENDLIMIT.
//
// The mailbox hierarchy it serves is a set of views over per-account message
// state: the system folders (Inbox, Sent, Drafts, Trash, Spam, Archive) are
// defined by message status and flags, so changing a flag can move a message
// between folders without changing its UID. Custom folders are stored
// records. Expunge is the only operation that permanently removes a message.
package imapserver

/*
Implementation notes:

- Commands are processed in a loop. Most errors are handled by panicking with
  an error value that the command wrapper turns into the right tagged
  response: userError becomes NO, syntaxError becomes BAD, serverError
  becomes NO with a logged cause. Panics wrapping errIO or errProtocol abort
  the connection.

- The selected folder is a snapshot: a sorted list of UIDs. Sequence numbers
  are positions in that list and are only changed when we send untagged
  EXPUNGE responses. Changes made in other sessions come in through a Comm
  from the store and are applied during NOOP, CHECK and IDLE.
*/

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pires/go-proxyproto"

	"github.com/crowmail/crow/config"
	"github.com/crowmail/crow/crow-"
	"github.com/crowmail/crow/crowio"
	"github.com/crowmail/crow/message"
	"github.com/crowmail/crow/metrics"
	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/ratelimit"
	"github.com/crowmail/crow/store"
)

var (
	metricIMAPConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crow_imap_connection_total",
			Help: "Incoming IMAP connections.",
		},
		[]string{
			"service", // imap, imaps
		},
	)
	metricIMAPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crow_imap_command_duration_seconds",
			Help:    "IMAP command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"cmd",
			"result", // ok, panic, ioerror, badsyntax, servererror, usererror, error
		},
	)
	metricIMAPInvalidCommand = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crow_imap_invalid_command_total",
			Help: "Unknown commands, or commands sent in the wrong session state.",
		},
	)
	metricIMAPIdleSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crow_imap_idle_sessions",
			Help: "Connections currently in IDLE.",
		},
	)
)

var limiterConnectionrate, limiterConnections *ratelimit.Limiter

func init() {
	limitersInit()
}

func limitersInit() {
	// Also see LimiterFailedAuth in the crow package.

	limiterConnectionrate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
				Limits: [...]int64{300, 900, 2700},
			},
		},
	}

	limiterConnections = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Duration(math.MaxInt64), // All of time.
				Limits: [...]int64{30, 90, 270},
			},
		},
	}
}

// Delay before reads and after 1-byte writes for probably abusive connections.
var badClientDelay = time.Second

// Delay between authentication failures on a connection, multiplied by the
// number of failures so far.
var authFailDelay = time.Second

// Capabilities always announced. STARTTLS, LOGINDISABLED and the AUTH=
// mechanisms are added depending on the connection.
var serverCapabilities = strings.Join([]string{
	"IMAP4rev1",
	"ENABLE",
	"LITERAL+",
	"IDLE",
	"SASL-IR",
	"UNSELECT",
	"UIDPLUS",
	"MOVE",
	"NAMESPACE",
	"SORT",
	"SPECIAL-USE",
	"ID",
}, " ")

type state byte

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
)

type conn struct {
	cid       int64
	state     state
	conn      net.Conn
	connStart time.Time
	tls       bool // Whether TLS has been initialized.
	br        *bufio.Reader
	tr        *crowio.TraceReader
	bw        *bufio.Writer
	tw        *crowio.TraceWriter
	slow      bool     // If set, reads are done with a 1 second sleep, and writes are done 1 byte at a time, to keep abusers busy.
	lastlog   time.Time
	tlsConfig *tls.Config // TLS config to use for handshake, nil when no TLS is configured.
	remoteIP  net.IP

	lastLine  string // For detecting non-sync literals in syntax errors.
	line      chan lineErr // If set, instead of reading from br, a line is read from this channel. For reading a line while waiting for events in IDLE.
	cmd       string // Currently executing, for introspection and logging.
	cmdMetric string // Currently executing, for metrics.
	cmdStart  time.Time
	ncmds     int // Number of commands processed.
	nbadcmds  int // Unknown or wrong-state commands on this connection.
	log       mlog.Log

	utf8Accept   bool        // Whether ENABLE UTF8=ACCEPT was done.
	searchResult []store.UID // Saved search result, for "$".

	// Authenticated state.
	authFailed int
	username   string
	account    *store.Account
	comm       *store.Comm // For changes originating in other sessions and deliveries.

	// Selected state.
	folder   *store.Attrs // Resolved attributes of the selected folder, nil when not selected.
	readonly bool         // EXAMINE instead of SELECT.
	uids     []store.UID  // Snapshot of UIDs in the selected folder, sorted.
}

type lineErr struct {
	line string
	err  error
}

// msgseq is a 1-based position in the session's snapshot of the selected
// folder. Sequence numbers only shift when we send untagged EXPUNGE.
type msgseq uint32

// Sentinel errors, these are panicked wrapped in another error and picked
// apart again with errors.Is.
var (
	errIO       = errors.New("io error")       // For unrecoverable i/o errors, connection will be closed.
	errProtocol = errors.New("protocol error") // For protocol errors that make the connection unusable.
)

// cleanClose is panicked after a LOGOUT, for a connection that ended properly.
var cleanClose = errors.New("clean close")

var commandsStateAny = []string{
	"capability", "noop", "logout", "id",
}

var commandsStateNotAuthenticated = []string{
	"starttls", "authenticate", "login",
}

var commandsStateAuthenticated = []string{
	"enable", "select", "examine", "create", "delete", "rename", "subscribe", "unsubscribe", "list", "lsub", "namespace", "status", "append", "idle",
}

var commandsStateSelected = []string{
	"close", "unselect", "expunge", "search", "fetch", "store", "copy", "move", "check", "sort",
	"uid expunge", "uid search", "uid fetch", "uid store", "uid copy", "uid move", "uid sort",
}

var commands = map[string]func(c *conn, tag, cmd string, p *parser){
	// Any state.
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,

	// Not authenticated.
	"starttls":     (*conn).cmdStarttls,
	"authenticate": (*conn).cmdAuthenticate,
	"login":        (*conn).cmdLogin,

	// Authenticated and selected.
	"enable":      (*conn).cmdEnable,
	"select":      (*conn).cmdSelect,
	"examine":     (*conn).cmdExamine,
	"create":      (*conn).cmdCreate,
	"delete":      (*conn).cmdDelete,
	"rename":      (*conn).cmdRename,
	"subscribe":   (*conn).cmdSubscribe,
	"unsubscribe": (*conn).cmdUnsubscribe,
	"list":        (*conn).cmdList,
	"lsub":        (*conn).cmdLsub,
	"namespace":   (*conn).cmdNamespace,
	"status":      (*conn).cmdStatus,
	"append":      (*conn).cmdAppend,
	"idle":        (*conn).cmdIdle,

	// Selected.
	"check":       (*conn).cmdCheck,
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"expunge":     (*conn).cmdExpunge,
	"uid expunge": (*conn).cmdUIDExpunge,
	"search":      (*conn).cmdSearch,
	"uid search":  (*conn).cmdUIDSearch,
	"sort":        (*conn).cmdSort,
	"uid sort":    (*conn).cmdUIDSort,
	"fetch":       (*conn).cmdFetch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"store":       (*conn).cmdStore,
	"uid store":   (*conn).cmdUIDStore,
	"copy":        (*conn).cmdCopy,
	"uid copy":    (*conn).cmdUIDCopy,
	"move":        (*conn).cmdMove,
	"uid move":    (*conn).cmdUIDMove,
}

var stateCommands = map[state]map[string]struct{}{}

func init() {
	var add = func(st state, l ...[]string) {
		m := map[string]struct{}{}
		for _, cmds := range l {
			for _, cmd := range cmds {
				m[cmd] = struct{}{}
			}
		}
		stateCommands[st] = m
	}
	add(stateNotAuthenticated, commandsStateAny, commandsStateNotAuthenticated)
	add(stateAuthenticated, commandsStateAny, commandsStateAuthenticated)
	add(stateSelected, commandsStateAny, commandsStateAuthenticated, commandsStateSelected)
}

// connCounts tracks open connections against the configured caps. Refused
// connections get a BYE greeting and are closed immediately.
var connCounts = struct {
	sync.Mutex
	total int
	perIP map[string]int
}{perIP: map[string]int{}}

// invalidCommands counts unknown and wrong-state commands per remote address.
// Reaching the threshold raises a security alert in the log, it never blocks
// the client. Individual connections are slowed down separately.
var invalidCommands = struct {
	sync.Mutex
	perIP   map[string]int
	alerted map[string]bool
}{perIP: map[string]int{}, alerted: map[string]bool{}}

const invalidCommandAlertThreshold = 10

func trackInvalidCommand(log mlog.Log, ip string) {
	metricIMAPInvalidCommand.Inc()
	invalidCommands.Lock()
	defer invalidCommands.Unlock()
	invalidCommands.perIP[ip]++
	if invalidCommands.perIP[ip] >= invalidCommandAlertThreshold && !invalidCommands.alerted[ip] {
		invalidCommands.alerted[ip] = true
		log.Warn("security: repeated invalid commands from remote address",
			slog.String("remoteip", ip),
			slog.Int("count", invalidCommands.perIP[ip]))
	}
}

// idleSessions registers connections in IDLE per remote address, with a cap,
// and a sweeper that removes sessions that somehow outlive the IDLE timeout
// so a stuck entry never ties up the per-address budget.
var idleSessions = struct {
	sync.Mutex
	perIP map[string]map[int64]time.Time // Remote address -> conn cid -> start.
}{perIP: map[string]map[int64]time.Time{}}

func idleRegister(ip string, cid int64, max int) bool {
	idleSessions.Lock()
	defer idleSessions.Unlock()
	m := idleSessions.perIP[ip]
	if len(m) >= max {
		return false
	}
	if m == nil {
		m = map[int64]time.Time{}
		idleSessions.perIP[ip] = m
	}
	m[cid] = time.Now()
	metricIMAPIdleSessions.Inc()
	return true
}

func idleUnregister(ip string, cid int64) {
	idleSessions.Lock()
	defer idleSessions.Unlock()
	m := idleSessions.perIP[ip]
	if _, ok := m[cid]; !ok {
		return
	}
	delete(m, cid)
	if len(m) == 0 {
		delete(idleSessions.perIP, ip)
	}
	metricIMAPIdleSessions.Dec()
}

func idleSweep(log mlog.Log, maxAge time.Duration) {
	idleSessions.Lock()
	defer idleSessions.Unlock()
	for ip, m := range idleSessions.perIP {
		for cid, start := range m {
			if time.Since(start) > maxAge {
				log.Error("removing idle session registration that outlived the idle timeout",
					slog.String("remoteip", ip), slog.Int64("cid", cid))
				delete(m, cid)
				metricIMAPIdleSessions.Dec()
			}
		}
		if len(m) == 0 {
			delete(idleSessions.perIP, ip)
		}
	}
}

var servers []func()

var sweeperStarted sync.Once

// Listen initializes the listener for the configured IMAP address, with
// optional PROXY protocol and immediate TLS. Called before dropping to
// serving, so a bad address is a startup error.
func Listen() {
	ic := crow.Conf.Static.IMAP
	log := mlog.New("imapserver", nil)

	var tlsConfig *tls.Config
	var immediateTLS bool
	port := config.Port(ic.Port, 143)
	if ic.TLS != nil {
		tlsConfig = ic.TLS.Config
		immediateTLS = ic.TLS.ImmediateTLS
		if immediateTLS {
			port = config.Port(ic.Port, 993)
		}
	}
	addr := net.JoinHostPort(ic.Address, fmt.Sprintf("%d", port))

	protocol := "imap"
	if immediateTLS {
		protocol = "imaps"
	}

	ln, err := net.Listen(crow.Network(ic.Address), addr)
	if err != nil {
		log.Fatalx("imap: listen", err, slog.String("addr", addr))
	}
	if ic.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 10 * time.Second}
	}
	if immediateTLS {
		ln = tls.NewListener(ln, tlsConfig)
	}
	log.Print("imap: listening", slog.String("addr", addr), slog.String("protocol", protocol))

	servers = append(servers, func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if crowio.IsClosed(err) {
					return
				}
				log.Infox("imap: accept", err)
				continue
			}
			go serve(protocol, crow.Cid(), tlsConfig, nc, immediateTLS)
		}
	})
}

// Serve starts serving on the listeners set up by Listen.
func Serve() {
	for _, fn := range servers {
		go fn()
	}
	servers = nil

	sweeperStarted.Do(func() {
		log := mlog.New("imapserver", nil)
		go func() {
			defer func() {
				if x := recover(); x != nil {
					log.Error("unhandled panic in idle sweeper", slog.Any("err", x))
					metrics.PanicInc("imapserver")
				}
			}()
			for {
				if crow.Sleep(crow.Shutdown, time.Minute) {
					return
				}
				idleSweep(log, idleTimeout()+5*time.Minute)
			}
		}()
	})
}

func idleTimeout() time.Duration {
	if d := crow.Conf.Static.IMAP.IDLETimeout; d > 0 {
		return d
	}
	return 29 * time.Minute
}

func inactivityTimeout() time.Duration {
	if d := crow.Conf.Static.IMAP.InactivityTimeout; d > 0 {
		return d
	}
	return 30 * time.Minute
}

func maxMessageSize() int64 {
	if v := crow.Conf.Static.IMAP.MaxMessageSize; v > 0 {
		return v
	}
	return config.DefaultMaxMessageSize
}

// Write writes to the connection, enforcing a write deadline. For "slow"
// connections, probably abusers, writes go a byte a second.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	var n int
	for len(buf) > 0 {
		err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting write deadline")

		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[nn:]
		if len(buf) > 0 && badClientDelay > 0 {
			if crow.Sleep(crow.Context, badClientDelay) {
				panic(fmt.Errorf("shutting down (%w)", errIO))
			}
		}
	}
	return n, nil
}

var bufpool = crowio.NewBufpool(8, 16*1024)

func (c *conn) readline0() (string, error) {
	if c.slow {
		crow.Sleep(crow.Context, badClientDelay)
	}

	d := inactivityTimeout()
	if c.state == stateNotAuthenticated {
		d = 30 * time.Second
	}
	if lt := crow.Conf.Static.IMAP.ConnectionLifetime; lt > 0 {
		remaining := time.Until(c.connStart.Add(lt))
		if remaining <= 0 {
			return "", fmt.Errorf("connection lifetime reached (%w)", os.ErrDeadlineExceeded)
		}
		if remaining < d {
			d = remaining
		}
	}
	err := c.conn.SetReadDeadline(time.Now().Add(d))
	c.log.Check(err, "setting read deadline")

	line, err := bufpool.Readline(c.log, c.br)
	if err != nil && errors.Is(err, crowio.ErrLineTooLong) {
		return "", fmt.Errorf("%s (%w)", err, errProtocol)
	} else if err != nil {
		return "", fmt.Errorf("%s (%w)", err, errIO)
	}
	return line, nil
}

// lineChan returns a channel on which the next line from the connection is
// delivered. Used in IDLE, while also waiting for changes and timeouts.
func (c *conn) lineChan() chan lineErr {
	if c.line == nil {
		c.line = make(chan lineErr, 1)
		go func() {
			line, err := c.readline0()
			c.line <- lineErr{line, err}
		}()
	}
	return c.line
}

// readline from either the channel (set during IDLE), or the connection.
func (c *conn) readline(readCmd bool) string {
	var line string
	var err error
	if c.line != nil {
		le := <-c.line
		c.line = nil
		line, err = le.line, le.err
	} else {
		line, err = c.readline0()
	}
	if err != nil {
		if readCmd && errors.Is(err, os.ErrDeadlineExceeded) {
			derr := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.log.Check(derr, "setting write deadline")
			c.writelinef("* BYE inactive")
		}
		if !errors.Is(err, errIO) && !errors.Is(err, errProtocol) {
			err = fmt.Errorf("%s (%w)", err, errIO)
		}
		panic(err)
	}
	c.lastLine = line

	// Command timings are about successfully read and parsed commands, reset
	// the clock after a read.
	c.cmdStart = time.Now()
	return line
}

// write tagged command response, and flush.
func (c *conn) writeresultf(format string, args ...any) {
	c.bwriteresultf(format, args...)
	c.xflush()
}

// write buffered tagged command response.
func (c *conn) bwriteresultf(format string, args ...any) {
	c.bwritelinef(format, args...)
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// Buffer line for write.
func (c *conn) bwritelinef(format string, args ...any) {
	format += "\r\n"
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) xflush() {
	err := c.bw.Flush()
	xcheckf(err, "flush") // Should never happen, the write deadline and error handling happen in Write.
}

func (c *conn) readCommand(tag *string) (cmd string, p *parser) {
	line := c.readline(true)
	p = newParser(line, c)
	p.context("tag")
	*tag = p.xtag()
	p.xspace()
	p.context("command")
	cmd = p.xcommand()
	return cmd, newParser(p.remainder(), c)
}

func (p *parser) remainder() string {
	return p.orig[p.o:]
}

// xreadliteral reads a literal of the given size. For sync literals, a
// continuation is written first.
func (c *conn) xreadliteral(size int64, sync bool) string {
	if sync {
		c.writelinef("+ ")
	}
	buf := make([]byte, size)
	if size > 0 {
		err := c.conn.SetReadDeadline(time.Now().Add(inactivityTimeout()))
		c.log.Check(err, "setting read deadline")

		_, err = io.ReadFull(c.br, buf)
		if err != nil {
			panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
		}
	}
	return string(buf)
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *conn) capabilities() string {
	caps := serverCapabilities
	caps += fmt.Sprintf(" APPENDLIMIT=%d", maxMessageSize())
	if !c.tls && c.tlsConfig != nil {
		caps += " STARTTLS"
	}
	if !c.tls && c.tlsConfig != nil {
		// No plaintext credentials before the TLS handshake.
		caps += " LOGINDISABLED"
	} else {
		caps += " AUTH=PLAIN AUTH=LOGIN"
	}
	if c.utf8Accept {
		caps += " UTF8=ACCEPT"
	}
	return caps
}

// serve handles a single connection.
func serve(protocol string, cid int64, tlsConfig *tls.Config, nc net.Conn, xtls bool) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:       cid,
		conn:      nc,
		connStart: time.Now(),
		tls:       xtls,
		lastlog:   time.Now(),
		tlsConfig: tlsConfig,
		remoteIP:  remoteIP,
		cmd:       "(greeting)",
		cmdStart:  time.Now(),
	}
	var logmutex sync.Mutex
	c.log = mlog.New("imapserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	c.tr = crowio.NewTraceReader(c.log, "C: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = crowio.NewTraceWriter(c.log, "S: ", c)
	c.bw = bufio.NewWriter(c.tw)

	metricIMAPConnection.WithLabelValues(protocol).Inc()
	c.log.Info("new connection",
		slog.Any("remote", nc.RemoteAddr()),
		slog.Any("local", nc.LocalAddr()),
		slog.Bool("tls", xtls))

	defer func() {
		err := nc.Close()
		c.log.Check(err, "closing connection")

		if c.account != nil {
			if c.comm != nil {
				c.comm.Unregister()
				c.comm = nil
			}
			err := c.account.Close()
			c.log.Check(err, "closing account")
			c.account = nil
		}

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && crowio.IsClosed(err) {
			c.log.Infox("connection closed", err)
		} else if err, ok := x.(error); ok && (errors.Is(err, errIO) || errors.Is(err, errProtocol)) {
			c.log.Errorx("connection error", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("imapserver")
		}
	}()

	select {
	case <-crow.Shutdown.Done():
		c.writelinef("* BYE shutting down")
		return
	default:
	}

	if !limiterConnectionrate.Add(c.remoteIP, time.Now(), 1) {
		c.writelinef("* BYE connection rate from your ip or network too high, slow down please")
		return
	}

	// The failed auth limiter also refuses new connections: a client that
	// cannot authenticate anyway only gets to tie up resources briefly.
	if !crow.LimiterFailedAuth.CanAdd(c.remoteIP, time.Now(), 1) {
		metrics.AuthenticationRatelimitedInc("imap")
		c.writelinef("* BYE too many failed authentication attempts from your ip or network")
		return
	}

	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.writelinef("* BYE too many open connections from your ip or network")
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	// Configured connection caps.
	ic := crow.Conf.Static.IMAP
	maxTotal := ic.MaxConnections
	if maxTotal == 0 {
		maxTotal = 1000
	}
	maxPerIP := ic.MaxConnectionsPerIP
	if maxPerIP == 0 {
		maxPerIP = 40
	}
	ipkey := crow.LimiterKey(c.remoteIP)
	connCounts.Lock()
	if connCounts.total >= maxTotal || connCounts.perIP[ipkey] >= maxPerIP {
		connCounts.Unlock()
		c.writelinef("* BYE too many connections")
		return
	}
	connCounts.total++
	connCounts.perIP[ipkey]++
	connCounts.Unlock()
	defer func() {
		connCounts.Lock()
		connCounts.total--
		connCounts.perIP[ipkey]--
		if connCounts.perIP[ipkey] <= 0 {
			delete(connCounts.perIP, ipkey)
		}
		connCounts.Unlock()
	}()

	crow.Connections.Register(nc, protocol, "imap")
	defer crow.Connections.Unregister(nc)

	c.writelinef("* OK [CAPABILITY %s] crow imap4rev1 server ready", c.capabilities())

	for {
		c.command()
		c.xflush() // For flushing errors, or commands that did not flush explicitly.
	}
}

// command reads and executes a single command. The error handling happens
// through panics: the deferred function distinguishes the error types and
// writes the appropriate response.
func (c *conn) command() {
	var tag, cmd, cmdlow string
	var p *parser

	defer func() {
		var result string
		defer func() {
			metricIMAPCommands.WithLabelValues(c.cmdMetric, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}()

		logFields := []slog.Attr{
			slog.String("cmd", c.cmd),
			slog.Duration("duration", time.Since(c.cmdStart)),
		}

		x := recover()
		if x == nil || x == cleanClose {
			// Not an error. cleanClose unwinds to the connection loop.
			result = "ok"
			if x != nil {
				panic(x)
			}
			c.log.Debug("imap command done", logFields...)
			return
		}
		err, ok := x.(error)
		if !ok {
			c.log.Error("imap command panic", append([]slog.Attr{slog.Any("panic", x)}, logFields...)...)
			result = "panic"
			panic(x)
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		if errors.Is(err, errIO) || errors.Is(err, errProtocol) {
			c.log.Infox("imap command ioerror", err, logFields...)
			result = "ioerror"
			if errors.Is(err, errProtocol) {
				debug.PrintStack()
			}
			panic(err)
		} else if errors.As(err, &sxerr) {
			result = "badsyntax"
			if c.ncmds == 0 {
				// Other side is likely speaking something else than IMAP, abort.
				c.writelinef("* BYE please try again speaking imap")
				panic(fmt.Errorf("not speaking imap (%w)", errIO))
			}
			c.log.Debugx("imap command syntax error", sxerr.err, logFields...)
			c.log.Info("imap syntax error", slog.String("lastline", c.lastLine))
			fatal := strings.HasSuffix(c.lastLine, "+}")
			if fatal {
				err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				c.log.Check(err, "setting write deadline")
			}
			if sxerr.line != "" {
				c.bwritelinef("%s", sxerr.line)
			}
			code := ""
			if sxerr.code != "" {
				code = "[" + sxerr.code + "] "
			}
			c.bwriteresultf("%s BAD %s%s unrecognized syntax/command: %s", tag, code, cmd, sxerr.errmsg)
			if fatal {
				c.xflush()
				panic(fmt.Errorf("aborting connection after syntax error for command with non-sync literal: %w", errProtocol))
			}
		} else if errors.As(err, &serr) {
			result = "servererror"
			c.log.Errorx("imap command server error", err, logFields...)
			debug.PrintStack()
			c.bwriteresultf("%s NO %s %v", tag, cmd, err)
		} else if errors.As(err, &uerr) {
			result = "usererror"
			c.log.Debugx("imap command user error", err, logFields...)
			if uerr.code != "" {
				c.bwriteresultf("%s NO [%s] %s %v", tag, uerr.code, cmd, err)
			} else {
				c.bwriteresultf("%s NO %s %v", tag, cmd, err)
			}
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			result = "panic"
			c.log.Errorx("imap command panic", err, logFields...)
			panic(err)
		}
	}()

	tag = "*"
	cmd, p = c.readCommand(&tag)
	c.log.Debug("imap command", slog.String("cmd", cmd), slog.String("tag", tag))

	select {
	case <-crow.Shutdown.Done():
		// ../rfc/3501:2973
		c.writelinef("* BYE shutting down")
		panic(fmt.Errorf("shutting down (%w)", errIO))
	default:
	}

	cmdlow = strings.ToLower(cmd)
	c.cmd = cmdlow
	c.cmdStart = time.Now()
	c.cmdMetric = "(unrecognized)"

	fn := commands[cmdlow]
	if fn == nil {
		c.nbadcmds++
		trackInvalidCommand(c.log, crow.LimiterKey(c.remoteIP))
		xsyntaxErrorf("unknown command %q", cmd)
	}
	c.cmdMetric = c.cmd
	c.ncmds++

	// Check if command is allowed in this state.
	if _, ok1 := stateCommands[c.state][cmdlow]; !ok1 {
		c.nbadcmds++
		trackInvalidCommand(c.log, crow.LimiterKey(c.remoteIP))
		xuserErrorf("not allowed in current state")
	}
	if c.nbadcmds >= 5 && !c.slow {
		c.log.Info("connection slowed down after repeated bad commands")
		c.slow = true
	}

	fn(c, tag, cmd, p)
}

// xcheckFolder returns the selected folder, failing the command when nothing
// is selected (should not happen, the state machine prevents it).
func (c *conn) xcheckFolder() store.Attrs {
	if c.folder == nil {
		xserverErrorf("no folder selected")
	}
	return *c.folder
}

func (c *conn) xctx() context.Context {
	return context.Background()
}

// uidSearch returns the sequence number for uid in uids, or 0 when absent.
func uidSearch(uids []store.UID, uid store.UID) msgseq {
	s := 0
	e := len(uids)
	for s < e {
		i := (s + e) / 2
		t := uids[i]
		if uid == t {
			return msgseq(i + 1)
		} else if uid < t {
			e = i
		} else {
			s = i + 1
		}
	}
	return 0
}

func (c *conn) sequence(uid store.UID) msgseq {
	return uidSearch(c.uids, uid)
}

func (c *conn) xsequence(uid store.UID) msgseq {
	seq := c.sequence(uid)
	if seq <= 0 {
		xserverErrorf("unknown uid %d (%w)", uid, errProtocol)
	}
	return seq
}

// sequenceRemove removes uid from the session snapshot and announces the
// expunge at the sequence number the message held.
func (c *conn) sequenceRemove(seq msgseq, uid store.UID) {
	i := int(seq) - 1
	if c.uids[i] != uid {
		xserverErrorf("internal error: sequence %d does not have uid %d (%w)", seq, uid, errProtocol)
	}
	copy(c.uids[i:], c.uids[i+1:])
	c.uids = c.uids[:len(c.uids)-1]
	c.bwritelinef("* %d EXPUNGE", seq)
}

// uidAppend adds a new uid to the session snapshot. UIDs are assigned
// monotonically so a truly new message always sorts last, but a message can
// also re-enter a view with an old uid after a flag change, so insert sorted.
func (c *conn) uidAppend(uid store.UID) {
	if n := len(c.uids); n == 0 || uid > c.uids[n-1] {
		c.uids = append(c.uids, uid)
		return
	}
	if uidSearch(c.uids, uid) > 0 {
		xserverErrorf("internal error: uid %d already in snapshot (%w)", uid, errProtocol)
	}
	i := sort.Search(len(c.uids), func(i int) bool { return c.uids[i] > uid })
	c.uids = append(c.uids, 0)
	copy(c.uids[i+1:], c.uids[i:])
	c.uids[i] = uid
}

// xnumSetUIDs resolves a sequence or uid set against the session snapshot,
// returning matching UIDs in ascending order. Resolution is lenient: numbers
// out of range are clamped to the snapshot and absent UIDs are skipped, so a
// stale client set never fails the whole command.
func (c *conn) xnumSetUIDs(isUID bool, nums numSet) []store.UID {
	if nums.searchResult {
		// Validate the saved result against the current snapshot.
		var uids []store.UID
		for _, uid := range c.searchResult {
			if uidSearch(c.uids, uid) > 0 {
				uids = append(uids, uid)
			}
		}
		return uids
	}

	if isUID {
		var uids []store.UID
		for _, uid := range c.uids {
			if nums.containsUID(uid, c.uids, c.searchResult) {
				uids = append(uids, uid)
			}
		}
		return uids
	}

	have := map[store.UID]bool{}
	var uids []store.UID
	for _, r := range nums.ranges {
		first := r.first.number
		if r.first.star {
			first = uint32(len(c.uids))
		}
		last := first
		if r.last != nil {
			last = r.last.number
			if r.last.star {
				last = uint32(len(c.uids))
			}
		}
		if first > last {
			first, last = last, first
		}
		if first < 1 {
			first = 1
		}
		if last > uint32(len(c.uids)) {
			last = uint32(len(c.uids))
		}
		for seq := first; seq <= last; seq++ {
			uid := c.uids[int(seq)-1]
			if !have[uid] {
				have[uid] = true
				uids = append(uids, uid)
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// viewRetains reports whether the selected view keeps showing a message in
// the given state. \Deleted messages stay visible in their view until
// EXPUNGE, except in Trash where Deleted is what makes them a member.
func (c *conn) viewRetains(m store.Message) bool {
	fa := *c.folder
	if !fa.Deleted {
		m.Deleted = false
	}
	return fa.Contains(m)
}

// flagList returns the IMAP flags for a message, as a parenthesized list.
// \Deleted is suppressed in the Trash folder, where membership itself means
// deleted.
func flagList(m store.Message, fa store.Attrs) token {
	l := listspace{}
	if m.Seen {
		l = append(l, bare(`\Seen`))
	}
	if m.Answered {
		l = append(l, bare(`\Answered`))
	}
	if m.Flagged {
		l = append(l, bare(`\Flagged`))
	}
	if m.Deleted && fa.Name != store.FolderTrash {
		l = append(l, bare(`\Deleted`))
	}
	if m.Status == store.StatusDraft {
		l = append(l, bare(`\Draft`))
	}
	if m.Junk {
		l = append(l, bare("Junk"))
	} else {
		l = append(l, bare("NonJunk"))
	}
	return l
}

// applyChanges applies changes from other sessions to the selected view,
// writing untagged responses. Called during NOOP, CHECK and IDLE.
func (c *conn) applyChanges(changes []store.Change) {
	if len(changes) == 0 || c.folder == nil {
		return
	}
	var added bool
	for _, change := range changes {
		switch ch := change.(type) {
		case store.ChangeAddMessage:
			if !c.folder.Contains(ch.Message) {
				continue
			}
			uid := ch.Message.UID()
			if c.sequence(uid) > 0 {
				continue
			}
			c.uidAppend(uid)
			c.bwritelinef("* %d EXISTS", len(c.uids))
			added = true
		case store.ChangeFlags:
			m := ch.Message
			uid := m.UID()
			seq := c.sequence(uid)
			if seq <= 0 {
				// Message may have entered this view, e.g. moved out of Spam.
				if c.folder.Contains(m) {
					c.uidAppend(uid)
					c.bwritelinef("* %d EXISTS", len(c.uids))
					added = true
				}
				continue
			}
			if !c.viewRetains(m) {
				// The flag change moved the message to another view.
				c.sequenceRemove(seq, uid)
				continue
			}
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", seq, uid, flagList(m, *c.folder).pack(c))
		case store.ChangeRemoveUIDs:
			for _, uid := range ch.UIDs {
				seq := c.sequence(uid)
				if seq > 0 {
					c.sequenceRemove(seq, uid)
				}
			}
		case store.ChangeFolderAdd, store.ChangeFolderRemove, store.ChangeFolderRename:
			// No unsolicited responses, clients discover folder changes with LIST.
		default:
			c.log.Error("unhandled change", slog.Any("change", change))
		}
	}
	if added {
		// Recent is reported as the number of unseen messages in the view.
		counts, err := c.account.Counts(c.xctx(), *c.folder)
		if err == nil {
			c.bwritelinef("* %d RECENT", counts.Unseen)
		} else {
			c.log.Errorx("gathering counts for recent", err)
		}
	}
}

// xapplyPending drains and applies changes queued by other sessions.
func (c *conn) xapplyPending() {
	if c.comm == nil {
		return
	}
	c.applyChanges(c.comm.Get())
}

// Commands follow, in rfc 3501 order.

// Capability writes what the server supports.
//
// State: any
func (c *conn) cmdCapability(tag, cmd string, p *parser) {
	p.xempty()
	c.bwritelinef("* CAPABILITY %s", c.capabilities())
	c.ok(tag, cmd)
}

// Noop does nothing, but answers with any pending changes.
//
// State: any
func (c *conn) cmdNoop(tag, cmd string, p *parser) {
	p.xempty()
	c.xapplyPending()
	c.ok(tag, cmd)
}

// Logout ends the session.
//
// State: any
func (c *conn) cmdLogout(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.state = stateNotAuthenticated
	c.bwritelinef("* BYE thanks")
	c.writeresultf("%s OK %s done", tag, cmd)
	panic(cleanClose)
}

// ID, client and server exchange implementation names and versions.
//
// State: any
func (c *conn) cmdID(tag, cmd string, p *parser) {
	p.xspace()
	var params map[string]string
	if p.take("(") {
		params = map[string]string{}
		for !p.take(")") {
			if len(params) > 0 {
				p.xspace()
			}
			k := p.xstring()
			p.xspace()
			var v string
			if !p.take("NIL") {
				v = p.xstring()
			}
			if _, ok := params[k]; ok {
				xsyntaxErrorf("duplicate key %q", k)
			}
			params[k] = v
		}
	} else {
		p.xtake("NIL")
	}
	p.xempty()

	c.log.Info("client id", slog.Any("params", params))
	c.bwritelinef(`* ID ("name" "crow" "version" %s)`, dquote(crow.Version).pack(c))
	c.ok(tag, cmd)
}

// STARTTLS enables TLS on the connection.
//
// State: not authenticated
func (c *conn) cmdStarttls(tag, cmd string, p *parser) {
	p.xempty()
	if c.tls {
		xuserErrorf("tls already active")
	}
	if c.tlsConfig == nil {
		xuserErrorf("starttls not offered")
	}

	conn := xprefixConn(c.conn, c.br)
	c.writeresultf("%s OK starttls, begin tls now", tag)

	tlsConn := tls.Server(conn, c.tlsConfig)
	ctx, cancel := context.WithTimeout(crow.Context, time.Minute)
	defer cancel()
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("tls handshake: %s (%w)", err, errIO))
	}
	versions := tlsConn.ConnectionState()
	c.log.Debug("tls handshake completed",
		slog.Any("tlsversion", versions.Version),
		slog.Any("ciphersuite", versions.CipherSuite))

	c.conn = tlsConn
	c.tr = crowio.NewTraceReader(c.log, "C: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.tls = true
}

// AUTHENTICATE, for mechanisms PLAIN and LOGIN. Clients can send an initial
// response with SASL-IR.
//
// State: not authenticated
func (c *conn) cmdAuthenticate(tag, cmd string, p *parser) {
	authVariant := ""
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("imap", authVariant, authResult)
		if authResult == "ok" {
			crow.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		} else {
			crow.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	// Read the next line as base64 SASL data, or fail on "*".
	xreadContinuation := func() []byte {
		line := c.readline(false)
		if line == "*" {
			authResult = "aborted"
			xsyntaxErrorf("authenticate aborted by client")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("parsing base64: %v", err)
		}
		return buf
	}

	p.xspace()
	mech := p.xatom()
	xreadInitial := func() []byte {
		var auth string
		if p.empty() {
			c.writelinef("+ ")
			return xreadContinuation()
		}
		p.xspace()
		auth = p.remainder()
		if auth == "" {
			xsyntaxErrorf("missing initial auth base64 parameter after space")
		} else if auth == "=" {
			return nil
		}
		buf, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			xsyntaxErrorf("parsing base64 initial response: %v", err)
		}
		return buf
	}

	if !c.tls && c.tlsConfig != nil {
		// Refuse plaintext credentials while TLS is available but not active.
		xusercodeErrorf("PRIVACYREQUIRED", "tls required for authentication")
	}

	var username, password string
	switch strings.ToUpper(mech) {
	case "PLAIN":
		authVariant = "plain"
		untrace := c.xtrace(mlog.LevelTraceauth)
		buf := xreadInitial()
		untrace()
		plain := strings.Split(string(buf), "\u0000")
		if len(plain) != 3 {
			xsyntaxErrorf("bad plain auth data, expected 3 nul-separated tokens, got %d tokens", len(plain))
		}
		authz := plain[0]
		username = plain[1]
		password = plain[2]
		if authz != "" && authz != username {
			xusercodeErrorf("AUTHORIZATIONFAILED", "cannot assume authorization role")
		}
	case "LOGIN":
		authVariant = "login"
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte("Username:")))
		username = string(xreadContinuation())
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte("Password:")))
		untrace := c.xtrace(mlog.LevelTraceauth)
		password = string(xreadContinuation())
		untrace()
	default:
		xuserErrorf("method not supported")
	}

	c.xauthenticate(tag, authVariant, username, password, &authResult)
	c.writeresultf("%s OK [CAPABILITY %s] authenticate done", tag, c.capabilities())
}

// LOGIN, plaintext authentication.
//
// State: not authenticated
func (c *conn) cmdLogin(tag, cmd string, p *parser) {
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("imap", "login", authResult)
		if authResult == "ok" {
			crow.LimiterFailedAuth.Reset(c.remoteIP, time.Now())
		} else {
			crow.LimiterFailedAuth.Add(c.remoteIP, time.Now(), 1)
		}
	}()

	p.xspace()
	username := p.xastring()
	p.xspace()
	untrace := c.xtrace(mlog.LevelTraceauth)
	password := p.xastring()
	untrace()
	p.xempty()

	if !c.tls && c.tlsConfig != nil {
		xusercodeErrorf("PRIVACYREQUIRED", "tls required for login")
	}

	c.xauthenticate(tag, "login", username, password, &authResult)
	c.writeresultf("%s OK [CAPABILITY %s] login done", tag, c.capabilities())
}

// xauthenticate verifies credentials and initializes the authenticated
// session state. The lockout is checked first, both on the remote address and
// on address+account, so a locked-out client never reaches the expensive
// password check.
func (c *conn) xauthenticate(tag, variant, username, password string, authResult *string) {
	now := time.Now()
	ipkey := crow.LimiterKey(c.remoteIP)
	userkey := ipkey + "\u0000" + strings.ToLower(username)

	if crow.LockoutFailedAuth.Locked(ipkey, now) || crow.LockoutFailedAuth.Locked(userkey, now) {
		metrics.AuthenticationRatelimitedInc("imap")
		*authResult = "ratelimited"
		// Refuse and cut the connection, a locked-out client gets no further
		// attempts on this connection.
		c.writelinef("%s NO [AUTHENTICATIONFAILED] too many failed authentication attempts, try again later", tag)
		panic(fmt.Errorf("authentication lockout (%w)", errIO))
	}
	if !crow.LimiterFailedAuth.CanAdd(c.remoteIP, now, 1) {
		metrics.AuthenticationRatelimitedInc("imap")
		*authResult = "ratelimited"
		xusercodeErrorf("AUTHENTICATIONFAILED", "too many authentication attempts from your ip or network")
	}

	acc, err := store.OpenAccountAuth(c.xctx(), c.log, username, password)
	if err != nil {
		crow.LockoutFailedAuth.Failure(ipkey, now)
		crow.LockoutFailedAuth.Failure(userkey, now)
		c.authFailed++
		if c.authFailed > 3 && !c.slow {
			c.slow = true
		}
		// Delay the failure response, growing with each failed attempt on
		// this connection.
		crow.Sleep(crow.Context, time.Duration(c.authFailed)*authFailDelay)
		*authResult = "badcreds"
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}
	crow.LockoutFailedAuth.Success(ipkey, now)
	crow.LockoutFailedAuth.Success(userkey, now)

	c.account = acc
	c.username = username
	c.authFailed = 0
	c.comm = store.RegisterComm(acc)
	c.state = stateAuthenticated
	acc.RecordIMAPAccess(c.xctx(), c.log)
	*authResult = "ok"
	c.log.Info("login successful")
}

// Enable, request capabilities that change the protocol. We only support
// UTF8=ACCEPT, other requested capabilities are ignored per the rfc.
//
// State: authenticated and selected
func (c *conn) cmdEnable(tag, cmd string, p *parser) {
	p.xspace()
	caps := []string{p.xatom()}
	for p.space() {
		caps = append(caps, p.xatom())
	}
	p.xempty()

	var enabled string
	for _, s := range caps {
		if strings.ToUpper(s) == "UTF8=ACCEPT" {
			c.utf8Accept = true
			enabled += " UTF8=ACCEPT"
		}
	}
	c.bwritelinef("* ENABLED%s", enabled)
	c.ok(tag, cmd)
}

func (c *conn) cmdSelect(tag, cmd string, p *parser) {
	c.cmdSelectExamine(true, tag, cmd, p)
}

func (c *conn) cmdExamine(tag, cmd string, p *parser) {
	c.cmdSelectExamine(false, tag, cmd, p)
}

// Select and examine a folder, making it the active view. Examine is
// identical to select but read-only.
//
// State: authenticated and selected
func (c *conn) cmdSelectExamine(isselect bool, tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	// Deselect first. A failed select command leaves no folder selected.
	c.unselect()

	fa, err := c.account.ResolveFolder(c.xctx(), name)
	if err == store.ErrFolderUnknown {
		xusercodeErrorf("NONEXISTENT", "%v", err)
	}
	xcheckf(err, "resolving folder")

	msgs, err := c.account.Messages(c.xctx(), fa)
	xcheckf(err, "loading folder messages")

	c.uids = make([]store.UID, len(msgs))
	var unseen int
	firstUnseen := msgseq(0)
	uidnext := store.UID(1)
	for i, m := range msgs {
		c.uids[i] = m.UID()
		if !m.Seen {
			unseen++
			if firstUnseen == 0 {
				firstUnseen = msgseq(i + 1)
			}
		}
		if m.UID() >= uidnext {
			uidnext = m.UID() + 1
		}
	}

	c.bwritelinef(`* FLAGS (\Seen \Answered \Flagged \Deleted \Draft Junk NonJunk)`)
	c.bwritelinef("* %d EXISTS", len(c.uids))
	// Messages not yet seen are reported as recent: with flags moving
	// messages between folders, a per-session recency flag has no stable
	// meaning here.
	c.bwritelinef("* %d RECENT", unseen)
	if firstUnseen > 0 {
		c.bwritelinef("* OK [UNSEEN %d] first unseen message", firstUnseen)
	}
	if isselect {
		c.bwritelinef(`* OK [PERMANENTFLAGS (\Seen \Answered \Flagged \Deleted \Draft Junk NonJunk)] flags can be stored`)
	} else {
		// Read-only, no flags can be stored permanently.
		c.bwritelinef(`* OK [PERMANENTFLAGS ()] no flags can be stored`)
	}
	c.bwritelinef("* OK [UIDNEXT %d] next uid", uidnext)
	c.bwritelinef("* OK [UIDVALIDITY %d] uid validity", fa.UIDValidity())

	c.folder = &fa
	c.readonly = !isselect
	c.state = stateSelected
	if isselect {
		c.writeresultf("%s OK [READ-WRITE] %s done", tag, cmd)
	} else {
		c.writeresultf("%s OK [READ-ONLY] %s done", tag, cmd)
	}
}

// Create a custom folder.
//
// State: authenticated and selected
func (c *conn) cmdCreate(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = strings.TrimRight(name, "/")

	c.account.WithWLock(func() {
		f, err := c.account.FolderCreate(c.xctx(), name)
		if err == store.ErrFolderExists || err == store.ErrFolderReserved {
			xusercodeErrorf("ALREADYEXISTS", "%v", err)
		}
		xcheckf(err, "creating folder")

		c.comm.Broadcast([]store.Change{store.ChangeFolderAdd{Folder: f}})
	})
	c.ok(tag, cmd)
}

// Delete a custom folder. Its messages move to Trash, retaining their UIDs.
//
// State: authenticated and selected
func (c *conn) cmdDelete(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	if store.IsSystemFolder(name) {
		xuserErrorf("cannot delete a system folder")
	}

	c.account.WithWLock(func() {
		f, err := c.account.ResolveFolder(c.xctx(), name)
		if err == store.ErrFolderUnknown {
			xusercodeErrorf("NONEXISTENT", "%v", err)
		}
		xcheckf(err, "resolving folder")

		changed, err := c.account.FolderDelete(c.xctx(), name)
		xcheckf(err, "deleting folder")

		changes := []store.Change{store.ChangeFolderRemove{FolderID: f.FolderID, Name: f.Name}}
		for _, m := range changed {
			changes = append(changes, store.ChangeFlags{Message: m})
		}
		c.comm.Broadcast(changes)
	})
	c.ok(tag, cmd)
}

// Rename a custom folder. UIDVALIDITY is tied to the folder record, not its
// name, so it is stable across the rename.
//
// State: authenticated and selected
func (c *conn) cmdRename(tag, cmd string, p *parser) {
	p.xspace()
	src := p.xmailbox()
	p.xspace()
	dst := p.xmailbox()
	p.xempty()

	if store.IsSystemFolder(src) || store.IsSystemFolder(dst) {
		xuserErrorf("cannot rename a system folder")
	}

	c.account.WithWLock(func() {
		f, err := c.account.ResolveFolder(c.xctx(), src)
		if err == store.ErrFolderUnknown {
			xusercodeErrorf("NONEXISTENT", "%v", err)
		}
		xcheckf(err, "resolving folder")

		err = c.account.FolderRename(c.xctx(), src, dst)
		if err == store.ErrFolderExists || err == store.ErrFolderReserved {
			xusercodeErrorf("ALREADYEXISTS", "%v", err)
		}
		xcheckf(err, "renaming folder")

		c.comm.Broadcast([]store.Change{store.ChangeFolderRename{FolderID: f.FolderID, OldName: src, NewName: dst}})
	})
	c.ok(tag, cmd)
}

// Subscribe, we keep no subscription state: all folders are subscribed.
//
// State: authenticated and selected
func (c *conn) cmdSubscribe(tag, cmd string, p *parser) {
	p.xspace()
	p.xmailbox()
	p.xempty()
	c.ok(tag, cmd)
}

// Unsubscribe. Accepted but does nothing, see Subscribe.
//
// State: authenticated and selected
func (c *conn) cmdUnsubscribe(tag, cmd string, p *parser) {
	p.xspace()
	p.xmailbox()
	p.xempty()
	c.ok(tag, cmd)
}

// Namespace, we have a single personal namespace without hierarchy prefix.
//
// State: authenticated and selected
func (c *conn) cmdNamespace(tag, cmd string, p *parser) {
	p.xempty()
	c.bwritelinef(`* NAMESPACE (("" "/")) NIL NIL`)
	c.ok(tag, cmd)
}

// Status, folder counters without selecting it.
//
// State: authenticated and selected
func (c *conn) cmdStatus(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	atts := []string{p.xstatusAtt()}
	for p.space() {
		atts = append(atts, p.xstatusAtt())
	}
	p.xtake(")")
	p.xempty()

	fa, err := c.account.ResolveFolder(c.xctx(), name)
	if err == store.ErrFolderUnknown {
		xusercodeErrorf("NONEXISTENT", "%v", err)
	}
	xcheckf(err, "resolving folder")

	counts, err := c.account.Counts(c.xctx(), fa)
	xcheckf(err, "gathering folder counts")

	status := []string{}
	for _, a := range atts {
		switch a {
		case "MESSAGES":
			status = append(status, fmt.Sprintf("MESSAGES %d", counts.Messages))
		case "UIDNEXT":
			status = append(status, fmt.Sprintf("UIDNEXT %d", counts.UIDNext))
		case "UIDVALIDITY":
			status = append(status, fmt.Sprintf("UIDVALIDITY %d", fa.UIDValidity()))
		case "UNSEEN":
			status = append(status, fmt.Sprintf("UNSEEN %d", counts.Unseen))
		case "RECENT":
			status = append(status, fmt.Sprintf("RECENT %d", counts.Unseen))
		case "APPENDLIMIT":
			status = append(status, fmt.Sprintf("APPENDLIMIT %d", maxMessageSize()))
		default:
			xsyntaxErrorf("unknown status attribute %q", a)
		}
	}
	c.bwritelinef("* STATUS %s (%s)", astring(fa.Name).pack(c), strings.Join(status, " "))
	c.ok(tag, cmd)
}

// xparseStoreFlags parses a list of IMAP flag names into the store's message
// booleans and whether a draft status was named.
type storedFlags struct {
	seen, answered, flagged, deleted, draft bool
	junk, notjunk                           bool
}

func xparseStoreFlags(l []string) (f storedFlags) {
	for _, s := range l {
		switch strings.ToLower(s) {
		case `\seen`:
			f.seen = true
		case `\answered`:
			f.answered = true
		case `\flagged`:
			f.flagged = true
		case `\deleted`:
			f.deleted = true
		case `\draft`:
			f.draft = true
		case "junk", "$junk":
			f.junk = true
		case "nonjunk", "notjunk", "$notjunk":
			f.notjunk = true
		case `\recent`:
			// \Recent cannot be set by clients.
			xuserErrorf("cannot set flag %q", s)
		default:
			// Arbitrary keywords are not stored.
			xuserErrorf("unsupported flag %q", s)
		}
	}
	return
}

// Append a message to a folder. The message is parsed into its structured
// form, the raw bytes are not kept: fetches reconstruct the rfc 822 form.
//
// State: authenticated and selected
func (c *conn) cmdAppend(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	var storeFlags storedFlags
	var haveFlags bool
	if p.hasPrefix("(") {
		storeFlags = xparseStoreFlags(p.xflagList())
		haveFlags = true
		p.xspace()
	}
	received := time.Now()
	if p.hasPrefix(`"`) {
		received = p.xdateTime()
		p.xspace()
	}

	size, sync := p.xliteralSize(0, false)
	if size > maxMessageSize() {
		if sync {
			// Sync literal, we can still refuse cleanly before the client
			// transfers the message.
			xusercodeErrorf("TOOBIG", "message too large, max is %d bytes", maxMessageSize())
		}
		// Non-sync literal, the message data is already on its way and we are
		// not going to read it all. Respond and cut the connection.
		c.writelinef("%s NO [TOOBIG] message too large, max is %d bytes", tag, maxMessageSize())
		panic(fmt.Errorf("non-sync literal of %d bytes too large (%w)", size, errIO))
	}

	// With a sync literal an unknown folder is refused before the
	// continuation, nothing is inbound yet. A non-sync literal is already on
	// its way and must be drained first to keep the connection in sync.
	fa, ferr := c.account.ResolveFolder(c.xctx(), name)
	if sync {
		if ferr == store.ErrFolderUnknown {
			xusercodeErrorf("TRYCREATE", "%v", ferr)
		}
		xcheckf(ferr, "resolving folder")
	}

	untracedata := c.xtrace(mlog.LevelTracedata)
	data := c.xreadliteral(size, sync)
	untracedata()
	line := c.readline(false)
	p = newParser(line, c)
	p.xempty()

	if ferr == store.ErrFolderUnknown {
		xusercodeErrorf("TRYCREATE", "%v", ferr)
	}
	xcheckf(ferr, "resolving folder")

	m, err := message.Parse(c.log, []byte(data))
	if err != nil {
		xusercodeErrorf("", "parsing message: %v", err)
	}
	m.Received = received
	fa.Apply(&m)
	if haveFlags {
		m.Seen = storeFlags.seen
		m.Answered = storeFlags.answered
		m.Flagged = storeFlags.flagged
		if storeFlags.junk {
			m.Junk = true
		}
		if storeFlags.draft && fa.FolderID == 0 && fa.Name == store.FolderDrafts {
			m.Status = store.StatusDraft
		}
	}

	c.account.WithWLock(func() {
		err := c.account.MessageAdd(c.xctx(), &m)
		xcheckf(err, "storing message")
		c.comm.Broadcast([]store.Change{store.ChangeAddMessage{Message: m}})
	})

	// If the destination is the selected view, announce immediately.
	if c.folder != nil && c.folder.Contains(m) && c.sequence(m.UID()) == 0 {
		c.uidAppend(m.UID())
		c.bwritelinef("* %d EXISTS", len(c.uids))
	}

	c.writeresultf("%s OK [APPENDUID %d %d] append done", tag, fa.UIDValidity(), m.ID)
}

// Idle, the connection waits for changes and announces them as they happen,
// until the client writes DONE or the idle timeout expires. Idle is also
// valid in authenticated state, per rfc 2177: without a selected mailbox
// nothing is announced, but the client can still park the connection.
//
// State: authenticated and selected
func (c *conn) cmdIdle(tag, cmd string, p *parser) {
	p.xempty()

	maxIdlePerIP := crow.Conf.Static.IMAP.MaxIdlePerIP
	if maxIdlePerIP == 0 {
		maxIdlePerIP = 20
	}
	ipkey := crow.LimiterKey(c.remoteIP)
	if !idleRegister(ipkey, c.cid, maxIdlePerIP) {
		xusercodeErrorf("LIMIT", "too many idle connections from your address")
	}
	defer idleUnregister(ipkey, c.cid)

	c.writelinef("+ idling")

	timer := time.NewTimer(idleTimeout())
	defer timer.Stop()

	for {
		select {
		case le := <-c.lineChan():
			c.line = nil
			if le.err != nil {
				panic(le.err)
			}
			if strings.ToUpper(le.line) != "DONE" {
				xsyntaxErrorf("in idle, expected DONE")
			}
			c.ok(tag, cmd)
			return
		case <-c.comm.Pending:
			c.applyChanges(c.comm.Get())
			c.xflush()
		case <-timer.C:
			c.writelinef("* BYE idle timeout, closing connection")
			panic(fmt.Errorf("idle timeout (%w)", errIO))
		case <-crow.Shutdown.Done():
			c.writelinef("* BYE shutting down")
			panic(fmt.Errorf("shutting down (%w)", errIO))
		}
	}
}

// Check, originally a hint to synchronize implementation-specific state. We
// use it to apply pending changes, like NOOP.
//
// State: selected
func (c *conn) cmdCheck(tag, cmd string, p *parser) {
	p.xempty()
	c.xapplyPending()
	c.ok(tag, cmd)
}

// Close, expunge deleted messages without announcements and deselect.
//
// State: selected
func (c *conn) cmdClose(tag, cmd string, p *parser) {
	p.xempty()
	if !c.readonly {
		c.xexpunge(nil, true)
	}
	c.unselect()
	c.ok(tag, cmd)
}

// Unselect, deselect without expunging. Also used via Logout.
//
// State: selected
func (c *conn) cmdUnselect(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.ok(tag, cmd)
}

func (c *conn) unselect() {
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
	c.folder = nil
	c.readonly = false
	c.uids = nil
}

// Expunge messages marked for deletion.
//
// State: selected
func (c *conn) cmdExpunge(tag, cmd string, p *parser) {
	p.xempty()
	if c.readonly {
		xuserErrorf("folder open read-only")
	}
	c.xexpunge(nil, false)
	c.ok(tag, cmd)
}

// UID expunge: only expunge messages with deletion mark in the uid set.
//
// State: selected
func (c *conn) cmdUIDExpunge(tag, cmd string, p *parser) {
	p.xspace()
	uidSet := p.xnumSet()
	p.xempty()
	if c.readonly {
		xuserErrorf("folder open read-only")
	}
	c.xexpunge(&uidSet, false)
	c.ok(tag, cmd)
}

// xexpunge removes messages marked \Deleted from the session's view,
// permanently. An untagged EXPUNGE is sent for each, at the sequence number
// the message held just before removal, unless missingOK (for CLOSE).
func (c *conn) xexpunge(uidSet *numSet, missingOK bool) {
	var remove []store.Message
	for _, uid := range c.uids {
		if uidSet != nil && !uidSet.containsUID(uid, c.uids, c.searchResult) {
			continue
		}
		m, err := c.account.MessageGet(c.xctx(), int64(uid))
		if err != nil {
			continue
		}
		if m.Deleted {
			remove = append(remove, m)
		}
	}
	if len(remove) == 0 {
		return
	}

	ids := make([]int64, len(remove))
	removedUIDs := make([]store.UID, len(remove))
	for i, m := range remove {
		ids[i] = m.ID
		removedUIDs[i] = m.UID()
	}
	c.account.WithWLock(func() {
		err := c.account.MessageExpunge(c.xctx(), ids)
		xcheckf(err, "expunging messages")
		c.comm.Broadcast([]store.Change{store.ChangeRemoveUIDs{UIDs: removedUIDs}})
	})

	for _, uid := range removedUIDs {
		seq := c.sequence(uid)
		if seq <= 0 {
			continue
		}
		if missingOK {
			// CLOSE, remove without announcement.
			i := int(seq) - 1
			copy(c.uids[i:], c.uids[i+1:])
			c.uids = c.uids[:len(c.uids)-1]
		} else {
			c.sequenceRemove(seq, uid)
		}
	}
}

func (c *conn) cmdSearch(tag, cmd string, p *parser) {
	c.cmdxSearch(false, tag, cmd, p)
}

func (c *conn) cmdUIDSearch(tag, cmd string, p *parser) {
	c.cmdxSearch(true, tag, cmd, p)
}

func (c *conn) cmdSort(tag, cmd string, p *parser) {
	c.cmdxSort(false, tag, cmd, p)
}

func (c *conn) cmdUIDSort(tag, cmd string, p *parser) {
	c.cmdxSort(true, tag, cmd, p)
}

func (c *conn) cmdFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(false, tag, cmd, p)
}

func (c *conn) cmdUIDFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(true, tag, cmd, p)
}

func (c *conn) cmdStore(tag, cmd string, p *parser) {
	c.cmdxStore(false, tag, cmd, p)
}

func (c *conn) cmdUIDStore(tag, cmd string, p *parser) {
	c.cmdxStore(true, tag, cmd, p)
}

func (c *conn) cmdCopy(tag, cmd string, p *parser) {
	c.cmdxCopy(false, tag, cmd, p)
}

func (c *conn) cmdUIDCopy(tag, cmd string, p *parser) {
	c.cmdxCopy(true, tag, cmd, p)
}

func (c *conn) cmdMove(tag, cmd string, p *parser) {
	c.cmdxMove(false, tag, cmd, p)
}

func (c *conn) cmdUIDMove(tag, cmd string, p *parser) {
	c.cmdxMove(true, tag, cmd, p)
}

// Store, change flags of messages.
//
// State: selected
func (c *conn) cmdxStore(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	var plus, minus bool
	if p.take("+") {
		plus = true
	} else if p.take("-") {
		minus = true
	}
	p.xtake("FLAGS")
	silent := p.take(".SILENT")
	p.xspace()
	var flags storedFlags
	if p.hasPrefix("(") {
		flags = xparseStoreFlags(p.xflagList())
	} else {
		l := []string{p.xflag()}
		for p.space() {
			l = append(l, p.xflag())
		}
		flags = xparseStoreFlags(l)
	}
	p.xempty()

	if c.readonly {
		xuserErrorf("folder open read-only")
	}
	fa := c.xcheckFolder()

	uids := c.xnumSetUIDs(isUID, nums)

	var changes []store.Change
	c.account.WithWLock(func() {
		for _, uid := range uids {
			m, err := c.account.MessageGet(c.xctx(), int64(uid))
			if err != nil {
				continue
			}

			if plus {
				if flags.seen {
					m.Seen = true
				}
				if flags.answered {
					m.Answered = true
				}
				if flags.flagged {
					m.Flagged = true
				}
				if flags.deleted {
					m.Deleted = true
				}
				if flags.draft && m.Status != store.StatusSent {
					m.Status = store.StatusDraft
				}
				if flags.junk {
					m.Junk = true
				}
				if flags.notjunk {
					m.Junk = false
				}
			} else if minus {
				if flags.seen {
					m.Seen = false
				}
				if flags.answered {
					m.Answered = false
				}
				if flags.flagged {
					m.Flagged = false
				}
				if flags.deleted {
					m.Deleted = false
				}
				if flags.draft && m.Status == store.StatusDraft {
					m.Status = store.StatusReceived
				}
				if flags.junk {
					m.Junk = false
				}
				if flags.notjunk {
					m.Junk = true
				}
			} else {
				m.Seen = flags.seen
				m.Answered = flags.answered
				m.Flagged = flags.flagged
				m.Deleted = flags.deleted
				if flags.draft && m.Status != store.StatusSent {
					m.Status = store.StatusDraft
				} else if !flags.draft && m.Status == store.StatusDraft {
					m.Status = store.StatusReceived
				}
				if flags.junk {
					m.Junk = true
				} else if flags.notjunk {
					m.Junk = false
				}
			}

			err = c.account.MessageUpdate(c.xctx(), m)
			xcheckf(err, "updating message")
			changes = append(changes, store.ChangeFlags{Message: m})

			seq := c.xsequence(uid)
			if !c.viewRetains(m) {
				// The flag change moved the message out of this view, e.g. a
				// Junk toggle. UID is unchanged, only this view's snapshot
				// shrinks.
				c.sequenceRemove(seq, uid)
				continue
			}
			// The engine persists either way, silent only suppresses the echo.
			if !silent {
				if isUID {
					c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", seq, uid, flagList(m, fa).pack(c))
				} else {
					c.bwritelinef("* %d FETCH (FLAGS %s)", seq, flagList(m, fa).pack(c))
				}
			}
		}
		if len(changes) > 0 {
			c.comm.Broadcast(changes)
		}
	})

	c.ok(tag, cmd)
}

// Copy messages to another folder. In this data model a copy is a new
// message record with the destination's routing attributes, so it gets a
// fresh UID.
//
// State: selected
func (c *conn) cmdxCopy(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	fa := c.xcheckFolder()
	dst, err := c.account.ResolveFolder(c.xctx(), name)
	if err == store.ErrFolderUnknown {
		xusercodeErrorf("TRYCREATE", "%v", err)
	}
	xcheckf(err, "resolving destination folder")
	if dst.Name == fa.Name && dst.FolderID == fa.FolderID {
		xuserErrorf("cannot copy to same folder")
	}

	uids := c.xnumSetUIDs(isUID, nums)
	if len(uids) == 0 {
		xuserErrorf("no matching messages to copy")
	}

	var changes []store.Change
	var srcUIDs, dstUIDs []store.UID
	c.account.WithWLock(func() {
		for _, uid := range uids {
			m, err := c.account.MessageGet(c.xctx(), int64(uid))
			if err != nil {
				continue
			}
			nm := m
			nm.ID = 0
			dst.Apply(&nm)
			err = c.account.MessageAdd(c.xctx(), &nm)
			xcheckf(err, "storing copied message")
			srcUIDs = append(srcUIDs, uid)
			dstUIDs = append(dstUIDs, nm.UID())
			changes = append(changes, store.ChangeAddMessage{Message: nm})
		}
		if len(changes) > 0 {
			c.comm.Broadcast(changes)
		}
	})

	c.writeresultf("%s OK [COPYUID %d %s %s] copy done", tag, dst.UIDValidity(), compactUIDSet(srcUIDs).String(), compactUIDSet(dstUIDs).String())
}

// Move messages to another folder. A move only rewrites the message's
// routing attributes, the UID is stable. The source view announces expunges.
//
// State: selected
func (c *conn) cmdxMove(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	if c.readonly {
		xuserErrorf("folder open read-only")
	}
	fa := c.xcheckFolder()
	dst, err := c.account.ResolveFolder(c.xctx(), name)
	if err == store.ErrFolderUnknown {
		xusercodeErrorf("TRYCREATE", "%v", err)
	}
	xcheckf(err, "resolving destination folder")
	if dst.Name == fa.Name && dst.FolderID == fa.FolderID {
		xuserErrorf("cannot move to same folder")
	}

	uids := c.xnumSetUIDs(isUID, nums)
	if len(uids) == 0 {
		xuserErrorf("no matching messages to move")
	}

	var changes []store.Change
	var moved []store.UID
	c.account.WithWLock(func() {
		for _, uid := range uids {
			m, err := c.account.MessageGet(c.xctx(), int64(uid))
			if err != nil {
				continue
			}
			dst.Apply(&m)
			err = c.account.MessageUpdate(c.xctx(), m)
			xcheckf(err, "updating moved message")
			moved = append(moved, uid)
			changes = append(changes, store.ChangeFlags{Message: m})
		}
		if len(changes) > 0 {
			c.comm.Broadcast(changes)
		}
	})

	// UIDs are stable across the move: source and destination sets are the
	// same.
	set := compactUIDSet(moved).String()
	c.bwritelinef("* OK [COPYUID %d %s %s] moved", dst.UIDValidity(), set, set)
	for _, uid := range moved {
		seq := c.sequence(uid)
		if seq > 0 {
			c.sequenceRemove(seq, uid)
		}
	}

	c.ok(tag, cmd)
}

func (c *conn) ok(tag, cmd string) {
	c.writeresultf("%s OK %s done", tag, strings.ToLower(cmd))
}
