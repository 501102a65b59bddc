package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crowmail/crow/crow-"
	"github.com/crowmail/crow/imapserver"
	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/notify"
	"github.com/crowmail/crow/store"
)

func cmdServe(c *cmd) {
	c.help = `Start the IMAP server.

Incoming connections are served until a SIGINT or SIGTERM, after which
existing connections get a short grace period to finish.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	crow.MustLoadConfig(true)
	log := c.log.With(slog.String("version", crow.Version))
	log.Print("starting up", slog.String("go", runtime.Version()))

	if err := os.MkdirAll(crow.DataDirPath("."), 0770); err != nil {
		log.Fatalx("creating data directory", err)
	}

	crow.LimitersInit()

	stopSwitchboard := store.Switchboard()

	var bridge *notify.Bridge
	if addr := crow.Conf.Static.Redis.Address; addr != "" {
		bridge = notify.Start(mlog.New("notify", nil), addr, crow.Conf.Static.Redis.Password, crow.Conf.Static.Redis.DB)
	}

	if addr := crow.Conf.Static.Admin.Address; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		log.Print("admin: listening", slog.String("addr", addr))
		go func() {
			err := srv.ListenAndServe()
			log.Fatalx("admin: serve", err)
		}()
	}

	imapserver.Listen()
	imapserver.Serve()

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	shutdown(log)
	if bridge != nil {
		bridge.Close()
	}
	stopSwitchboard()
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// shutdown signals all connections to stop, then waits for them to be gone,
// with a hard cutoff after a few seconds.
func shutdown(log mlog.Log) {
	// Indicate we are shutting down. New connections and new commands are
	// rejected, which should stop active connections pretty quickly.
	crow.ShutdownCancel()

	// Wait for all connections to be gone, up to a timeout.
	done := crow.Connections.Done()
	second := time.Tick(time.Second)
	select {
	case <-done:
		log.Print("connections shutdown, waiting until 1 second passed")
		<-second

	case <-time.Tick(3 * time.Second):
		// Cancel all pending operations and set an immediate deadline on
		// sockets. Should get us a clean shutdown relatively quickly.
		crow.ContextCancel()
		crow.Connections.Shutdown()

		second := time.Tick(time.Second)
		select {
		case <-done:
			log.Print("no more connections, shutdown is clean, waiting until 1 second passed")
			<-second
		case <-second:
			log.Print("shutting down with pending sockets")
		}
	}
}
