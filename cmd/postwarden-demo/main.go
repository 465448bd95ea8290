// postwarden-demo is a minimal embedding example: it wires smtpd.Server
// to the in-memory reference store, filter and auth backends, and
// serves plain-text SMTP (with STARTTLS if a cert pair is given) until
// interrupted.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"github.com/postwarden/smtpd"
	"github.com/postwarden/smtpd/internal/memauth"
	"github.com/postwarden/smtpd/internal/memfilter"
	"github.com/postwarden/smtpd/internal/memstore"
	"github.com/postwarden/smtpd/internal/stats"
)

const usage = `postwarden-demo: an example SMTP server embedding the smtpd package.

Usage:
  postwarden-demo [options]

Options:
  --addr=<addr>       Address to listen on. [default: 127.0.0.1:2525]
  --domain=<domain>   Accepted recipient domain; repeat-free, single domain
                       for this demo. [default: example.test]
  --user=<user>       Demo user allowed to authenticate. [default: demo]
  --pass=<pass>       Demo user's password. [default: demo]
  --cert=<path>       TLS certificate file, enables STARTTLS.
  --key=<path>        TLS private key file, enables STARTTLS.
  --addr=systemd      Use "--addr=systemd" to serve the listener(s)
                       named "smtp" passed in by systemd socket
                       activation instead of binding --addr directly.
`

func main() {
	log.Init()

	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	addr, _ := opts.String("--addr")
	domain, _ := opts.String("--domain")
	user, _ := opts.String("--user")
	pass, _ := opts.String("--pass")
	certPath, _ := opts.String("--cert")
	keyPath, _ := opts.String("--key")

	users := memauth.New()
	if err := users.AddUser(user, pass); err != nil {
		log.Fatalf("adding demo user: %v", err)
	}

	store := memstore.New(1000)
	filter := memfilter.New(domain)
	collector := stats.New(prometheus.DefaultRegisterer)

	cfgBuilder := smtpd.NewConfigBuilder().
		ServerName(domain).
		EnableAuth(true).
		AllowPlaintextAuth(true).
		AuthenticationCallback(users.Callback())

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			log.Fatalf("loading TLS certificate: %v", err)
		}
		cfgBuilder = cfgBuilder.TLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}})
	}

	cfg, err := cfgBuilder.Build()
	if err != nil {
		log.Fatalf("building configuration: %v", err)
	}

	srv := smtpd.NewServer(cfg, store, filter, collector, nil)

	if addr == "systemd" {
		ls, err := systemd.Listeners()
		if err != nil {
			log.Fatalf("getting systemd listeners: %v", err)
		}
		if len(ls["smtp"]) == 0 {
			log.Fatalf("no systemd socket named \"smtp\" was passed in")
		}
		srv.AddListeners(ls["smtp"], false)
	} else {
		srv.AddAddr(addr, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Infof("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("postwarden-demo listening on %s, domain %s", addr, domain)
	if err := srv.ListenAndServe(); err != nil && err != smtpd.ErrServerClosed {
		log.Fatalf("ListenAndServe: %v", err)
	}
}
