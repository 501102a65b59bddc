package imapserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/crowmail/crow/crow-"
	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/store"
)

var ctxbg = context.Background()
var pkglog = mlog.New("imapserver", nil)

func init() {
	// Don't slow down tests.
	badClientDelay = 0
	authFailDelay = 0

	crow.Shutdown = ctxbg
	crow.Context = ctxbg
}

func tocrlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var exampleMsg = tocrlf(`Date: Mon, 7 Feb 1994 21:52:25 -0800 (PST)
From: Fred Foobar <foobar@blurdybloop.example>
Subject: afternoon meeting
To: mooch@owatagu.siam.edu.example
Message-Id: <B27397-0100000@blurdybloop.example>
MIME-Version: 1.0
Content-Type: TEXT/PLAIN; CHARSET=US-ASCII

Hello Joe, do you think we can meet at 3:30 tomorrow?

`)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

const testPassword = "test1234"

type testconn struct {
	t          *testing.T
	conn       net.Conn
	rdr        *lineReader
	done       chan struct{}
	account    *store.Account
	switchStop func()

	tagGen int

	// Result of last transactf.
	lastTag      string
	lastUntagged []string
	lastResult   string
}

// lineReader reads CRLF-terminated lines without buffering ahead more than
// necessary, so literals can be read from the same stream.
type lineReader struct {
	conn net.Conn
}

func (r *lineReader) readline() (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := r.conn.Read(buf); err != nil {
			return "", err
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			break
		}
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (tc *testconn) check(err error, msg string) {
	tc.t.Helper()
	if err != nil {
		tc.t.Fatalf("%s: %s", msg, err)
	}
}

func (tc *testconn) readline() string {
	tc.t.Helper()
	err := tc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	tc.check(err, "set read deadline")
	line, err := tc.rdr.readline()
	tc.check(err, "read line")
	return line
}

func (tc *testconn) writelinef(format string, args ...any) {
	tc.t.Helper()
	err := tc.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	tc.check(err, "set write deadline")
	_, err = fmt.Fprintf(tc.conn, format+"\r\n", args...)
	tc.check(err, "write line")
}

// cmdf writes a command with a fresh tag.
func (tc *testconn) cmdf(format string, args ...any) {
	tc.t.Helper()
	tc.tagGen++
	tc.lastTag = fmt.Sprintf("x%03d", tc.tagGen)
	tc.writelinef(tc.lastTag+" "+format, args...)
}

// readlogical reads a full response line, following literals: a line ending
// in {n} is continued with n bytes of data plus the rest of the physical
// line. The literal data is joined with newlines preserved.
func (tc *testconn) readlogical() string {
	tc.t.Helper()
	line := tc.readline()
	for {
		i := strings.LastIndex(line, "{")
		if i < 0 || !strings.HasSuffix(line, "}") {
			return line
		}
		n, err := strconv.Atoi(line[i+1 : len(line)-1])
		if err != nil {
			return line
		}
		buf := make([]byte, n)
		for o := 0; o < n; {
			nn, err := tc.conn.Read(buf[o:])
			tc.check(err, "read literal data")
			o += nn
		}
		line += "\r\n" + string(buf)
		line += tc.readline()
	}
}

// response reads untagged lines until the tagged result arrives, and checks
// the result status.
func (tc *testconn) response(status string) {
	tc.t.Helper()
	tc.lastUntagged = nil
	for {
		line := tc.readlogical()
		if strings.HasPrefix(line, "* ") {
			tc.lastUntagged = append(tc.lastUntagged, line)
			continue
		}
		tc.lastResult = line
		if !strings.HasPrefix(line, tc.lastTag+" "+strings.ToUpper(status)) {
			tc.t.Fatalf("got result %q, expected status %s", line, status)
		}
		return
	}
}

func (tc *testconn) transactf(status, format string, args ...any) {
	tc.t.Helper()
	tc.cmdf(format, args...)
	tc.response(status)
}

// xuntagged checks each expected line is present, verbatim.
func (tc *testconn) xuntagged(exps ...string) {
	tc.t.Helper()
next:
	for _, exp := range exps {
		for _, l := range tc.lastUntagged {
			if l == exp {
				continue next
			}
		}
		tc.t.Fatalf("did not find untagged response %q in %q", exp, tc.lastUntagged)
	}
}

// xuntaggedContains checks an untagged line containing the substring is present.
func (tc *testconn) xuntaggedContains(substr string) string {
	tc.t.Helper()
	for _, l := range tc.lastUntagged {
		if strings.Contains(l, substr) {
			return l
		}
	}
	tc.t.Fatalf("did not find untagged response containing %q in %q", substr, tc.lastUntagged)
	return ""
}

func (tc *testconn) xnountaggedContains(substr string) {
	tc.t.Helper()
	for _, l := range tc.lastUntagged {
		if strings.Contains(l, substr) {
			tc.t.Fatalf("unexpected untagged response %q matching %q", l, substr)
		}
	}
}

func (tc *testconn) xnountagged() {
	tc.t.Helper()
	if len(tc.lastUntagged) != 0 {
		tc.t.Fatalf("got %q untagged, expected none", tc.lastUntagged)
	}
}

// xcode checks the tagged result carries the response code.
func (tc *testconn) xcode(code string) {
	tc.t.Helper()
	if !strings.Contains(tc.lastResult, "["+code) {
		tc.t.Fatalf("got result %q, expected code %q", tc.lastResult, code)
	}
}

func (tc *testconn) login() {
	tc.t.Helper()
	tc.transactf("ok", "login mjl %s", testPassword)
}

// append adds a message through the non-synchronizing literal form.
func (tc *testconn) append(folder, msg string) {
	tc.t.Helper()
	tc.transactf("ok", "append %s {%d+}\r\n%s", folder, len(msg), msg)
}

// wait at most 1 second for the server connection goroutine to quit.
func (tc *testconn) waitDone() {
	tc.t.Helper()
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-tc.done:
	case <-timer.C:
		tc.t.Fatalf("server not done within 1s")
	}
}

func (tc *testconn) close() {
	if tc.account == nil {
		// Already closed, we are not strict about closing multiple times.
		return
	}
	err := tc.account.Close()
	tc.check(err, "close account")
	tc.account = nil
	tc.conn.Close()
	tc.waitDone()
	if tc.switchStop != nil {
		tc.switchStop()
	}
}

var connCounter int64

// start resets the on-disk state and limiters and returns a logged-out
// connection with the greeting consumed.
func start(t *testing.T) *testconn {
	return startArgs(t, true)
}

// startNoSwitchboard makes an extra connection to the same account for
// cross-session tests. The first connection owns the switchboard.
func startNoSwitchboard(t *testing.T) *testconn {
	return startArgs(t, false)
}

func startArgs(t *testing.T, first bool) *testconn {
	limitersInit()
	crow.LimitersInit()

	switchStop := func() {}
	var acc *store.Account
	var err error
	if first {
		os.RemoveAll(filepath.FromSlash("../testdata/imapserver/data"))
		crow.ConfigPath = filepath.FromSlash("../testdata/imapserver/crow.conf")
		crow.MustLoadConfig(false)
		crow.Shutdown = ctxbg
		crow.Context = ctxbg
		switchStop = store.Switchboard()
		acc, err = store.CreateAccount(pkglog, "mjl", testPassword)
		tcheck(t, err, "create account")
	} else {
		acc, err = store.OpenAccount(pkglog, "mjl")
		tcheck(t, err, "open account")
	}

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	connCounter++
	cid := connCounter
	go func() {
		serve("test", cid, nil, serverConn, false)
		close(done)
	}()

	tc := &testconn{
		t:          t,
		conn:       clientConn,
		rdr:        &lineReader{conn: clientConn},
		done:       done,
		account:    acc,
		switchStop: switchStop,
	}
	line := tc.readline()
	if !strings.HasPrefix(line, "* OK [CAPABILITY ") {
		t.Fatalf("got greeting %q", line)
	}
	return tc
}

func TestLogin(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("bad", "login too many args")
	tc.transactf("bad", "login")
	tc.transactf("no", "login mjl wrongpassword")
	tc.transactf("no", `login mjl ""`)
	tc.transactf("ok", "login mjl %s", testPassword)

	// Already authenticated.
	tc.transactf("no", "login mjl %s", testPassword)
}

func TestAuthenticatePlain(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("no", "authenticate bogus")
	tc.transactf("bad", "authenticate plain not base64...")

	auth := base64enc("\u0000mjl\u0000" + testPassword)
	tc.transactf("ok", "authenticate plain %s", auth)
	tc.xcode("CAPABILITY")

	// Only one authentication per connection.
	tc.transactf("no", "authenticate plain %s", auth)
}

func TestAuthenticatePlainBad(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("no", "authenticate plain %s", base64enc("\u0000mjl\u0000wrong"))
	tc.transactf("bad", "authenticate plain %s", base64enc("only one token"))
	tc.transactf("no", "authenticate plain %s", base64enc("other\u0000mjl\u0000"+testPassword))
	tc.xcode("AUTHORIZATIONFAILED")

	// Authorization identity equal to the username is fine.
	tc.transactf("ok", "authenticate plain %s", base64enc("mjl\u0000mjl\u0000"+testPassword))
}

func TestAuthenticateSASLIRContinuation(t *testing.T) {
	tc := start(t)
	defer tc.close()

	// Without initial response the server prompts with "+ ".
	tc.cmdf("authenticate plain")
	line := tc.readline()
	if !strings.HasPrefix(line, "+") {
		tc.t.Fatalf("got %q, expected continuation", line)
	}
	tc.writelinef("%s", base64enc("\u0000mjl\u0000"+testPassword))
	tc.response("ok")
}

func TestLoginLockout(t *testing.T) {
	tc := start(t)

	for i := 0; i < 5; i++ {
		tc.transactf("no", "login mjl wrongpassword")
	}
	// Sixth attempt is refused via the lockout, even with the right password,
	// and the connection is cut.
	tc.cmdf("login mjl %s", testPassword)
	line := tc.readline()
	if !strings.Contains(line, "[AUTHENTICATIONFAILED]") {
		t.Fatalf("got %q, expected AUTHENTICATIONFAILED", line)
	}
	tc.waitDone()

	tc.account.Close()
	tc.account = nil
	tc.conn.Close()
	if tc.switchStop != nil {
		tc.switchStop()
	}
}

func TestUnknownCommandsBecomeBye(t *testing.T) {
	tc := start(t)
	defer func() {
		// Connection was closed by the server.
		tc.account.Close()
		tc.account = nil
		tc.conn.Close()
		if tc.switchStop != nil {
			tc.switchStop()
		}
	}()

	// Garbage as the first command ends the connection.
	tc.writelinef("not really imap")
	line := tc.readline()
	if !strings.HasPrefix(line, "* BYE ") {
		t.Fatalf("got %q, expected BYE", line)
	}
	tc.waitDone()
}

func TestNoopAndState(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("ok", "noop")
	tc.transactf("bad", "noop badarg")

	// Commands that require authentication.
	tc.transactf("no", "select inbox")
	tc.transactf("no", "fetch 1 all")

	tc.login()
	tc.transactf("ok", "noop")

	// Commands that require a selected folder.
	tc.transactf("no", "fetch 1 all")
	tc.transactf("no", "close")
}

func TestLogout(t *testing.T) {
	tc := start(t)

	tc.cmdf("logout")
	line := tc.readline()
	if !strings.HasPrefix(line, "* BYE") {
		t.Fatalf("got %q, expected BYE", line)
	}
	tc.response("ok")
	tc.waitDone()

	tc.account.Close()
	tc.account = nil
	tc.conn.Close()
	if tc.switchStop != nil {
		tc.switchStop()
	}
}

func TestID(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("ok", `id ("name" "testclient" "version" "1")`)
	tc.xuntaggedContains(`* ID ("name" "crow"`)

	tc.transactf("ok", "id nil")
	tc.xuntaggedContains(`* ID ("name" "crow"`)
}

func TestNamespace(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.transactf("ok", "namespace")
	tc.xuntagged(`* NAMESPACE (("" "/")) NIL NIL`)
}

func TestEnable(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.transactf("ok", "enable utf8=accept")
	tc.xuntagged(`* ENABLED UTF8=ACCEPT`)

	tc.transactf("ok", "enable bogus")
	tc.xuntagged(`* ENABLED`)
}

func TestAppendTooBig(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()
	tc.transactf("ok", "select inbox")

	// Sync literal: refused before the client transfers the message.
	tc.transactf("no", "append inbox {100000000}")
	tc.xcode("TOOBIG")

	// Nothing was stored.
	tc.transactf("ok", "status inbox (messages)")
	tc.xuntagged(`* STATUS Inbox (MESSAGES 0)`)
}

func TestAppendTooBigNonsync(t *testing.T) {
	tc := start(t)

	tc.login()

	// Non-sync literal: the data is already on its way, the server responds
	// and cuts the connection.
	tc.cmdf("append inbox {100000000+}")
	line := tc.readline()
	if !strings.Contains(line, "[TOOBIG]") {
		t.Fatalf("got %q, expected TOOBIG", line)
	}
	tc.waitDone()

	tc.account.Close()
	tc.account = nil
	tc.conn.Close()
	if tc.switchStop != nil {
		tc.switchStop()
	}
}

func TestAppend(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.login()

	// Non-sync literal: the data is inbound and must be drained before the
	// refusal, otherwise the message body would be read back as commands.
	tc.transactf("no", "append nosuchfolder {%d+}\r\n%s", len(exampleMsg), exampleMsg)
	tc.xcode("TRYCREATE")
	tc.transactf("ok", "noop")

	// Sync literal: refused before the continuation.
	tc.transactf("no", "append nosuchfolder {%d}", len(exampleMsg))
	tc.xcode("TRYCREATE")

	tc.append("inbox", exampleMsg)
	tc.xcode("APPENDUID 1 1")

	// With flags and a date.
	tc.transactf("ok", `append inbox (\seen) " 7-Feb-1994 21:52:25 -0800" {%d+}`+"\r\n%s", len(exampleMsg), exampleMsg)
	tc.xcode("APPENDUID 1 2")

	// Appending into the selected view announces EXISTS.
	tc.transactf("ok", "select inbox")
	tc.append("inbox", exampleMsg)
	tc.xuntagged("* 3 EXISTS")
}

func base64enc(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
