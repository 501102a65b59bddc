// Command crow is an IMAP4rev1 server over a single-account message store
// with folders-as-views semantics: flags like \Deleted and the Junk keyword
// determine which folders (views) a message appears in, while its UID stays
// stable across moves between system views.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/crowmail/crow/config"
	"github.com/crowmail/crow/crow-"
	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/store"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"createaccount", cmdCreateaccount},
	{"setaccountpassword", cmdSetaccountpassword},
	{"version", cmdVersion},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause
	// this panic after the command has registered its flags and set its params
	// and help information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("crow "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "crow " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	os.Exit(2)
}

func usage(l []cmd) {
	var lines []string
	for _, c := range l {
		c.gather()
		lines = append(lines, c.makeUsage())
	}
	fmt.Fprint(os.Stderr, "usage: crow [-config config/crow.conf] [-loglevel level] ...\n\n")
	for _, line := range lines {
		fmt.Fprintln(os.Stderr, line)
	}
	os.Exit(2)
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var loglevel string

func main() {
	ctxbg := context.Background()
	crow.Shutdown = ctxbg
	crow.Context = ctxbg

	log.SetFlags(0)

	flag.StringVar(&crow.ConfigPath, "config", envString("CROWCONF", filepath.FromSlash("config/crow.conf")), "configuration file, defaults to $CROWCONF with a fallback to config/crow.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			crow.Conf.Log[""] = level
			mlog.SetConfig(crow.Conf.Log)
			// note: SetConfig may be called again when a subcommand loads the config.
		} else {
			log.Fatal("unknown loglevel", loglevel)
		}
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("crow "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(c.words[0], nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parse the configuration file and report any errors.

Referenced TLS certificate and key files are loaded too, so run this on the
machine that will serve.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	_, errs := crow.ParseConfig(context.Background(), c.log, crow.ConfigPath, true)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.help = `Print an annotated example configuration file.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := config.Static{
		DataDir:  "data",
		LogLevel: "info",
		IMAP: config.IMAP{
			Address: "0.0.0.0",
		},
	}
	err := sconf.Describe(os.Stdout, &conf)
	c.log.Check(err, "describing config")
}

func cmdCreateaccount(c *cmd) {
	c.params = "name"
	c.help = `Create a new account in the data directory.

The password is read from stdin. The account database is initialized with the
system folders (Inbox, Sent, Drafts, Trash, Spam, Archive).
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	crow.MustLoadConfig(false)
	pw := xreadpassword()
	acc, err := store.CreateAccount(c.log, args[0], pw)
	if err != nil {
		c.log.Fatalx("creating account", err)
	}
	err = acc.Close()
	c.log.Check(err, "closing new account")
	fmt.Println("account created")
}

func cmdSetaccountpassword(c *cmd) {
	c.params = "name"
	c.help = `Set a new password for an existing account.

The password is read from stdin. Only the bcrypt hash of the password is
stored.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	crow.MustLoadConfig(false)
	pw := xreadpassword()
	acc, err := store.OpenAccount(c.log, args[0])
	if err != nil {
		c.log.Fatalx("opening account", err)
	}
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	err = acc.SetPassword(c.log, pw)
	if err != nil {
		c.log.Fatalx("setting password", err)
	}
	fmt.Println("password updated")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Attackers will try to bruteforce passwords. Failed authentication
attempts are rate limited, but weak or reused passwords WILL be found. Please
pick a random, unguessable password, preferably at least 12 characters.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		log.Fatal("no password provided")
	}
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

func cmdVersion(c *cmd) {
	c.help = "Print version and exit."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(crow.Version)
}
