// Command epistula is the mail server: SMTP ingress, mail submission,
// POP3 egress, the outbound relay scheduler, and local delivery, all
// sharing one store.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"time"

	"crawshaw.io/iox"

	"github.com/epistula-mail/epistula/internal/config"
	"github.com/epistula-mail/epistula/internal/engine"
	"github.com/epistula-mail/epistula/internal/metrics"
	"github.com/epistula-mail/epistula/util/devcert"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("cannot read hostname: %v, using localhost", err)
		hostname = "localhost"
	}

	flagDev := flag.Bool("dev", false, "development server: self-signed TLS, -dbdir defaults to a temp dir")
	flagConfig := flag.String("config", "", "path to epistula.toml (overrides the flags below when set)")
	flagDBDir := flag.String("dbdir", "", "database and mailbox/queue directory")
	flagDebugAddr := flag.String("debug_addr", "", "HTTP address for the pprof and metrics debug server (do *not* expose to the public)")
	flagSMTPHostname := flag.String("smtp_hostname", hostname, "SMTP hostname")
	flagSMTPAddr := flag.String("smtp_addr", ":25", "SMTP address")
	flagMSAHostname := flag.String("msa_hostname", hostname, "submission hostname")
	flagMSAAddr := flag.String("msa_addr", ":587", "mail submission address")
	flagPOP3Hostname := flag.String("pop3_hostname", hostname, "POP3 hostname")
	flagPOP3Addr := flag.String("pop3_addr", ":110", "POP3 address")
	flagCertFile := flag.String("cert_file", "", "TLS certificate file (ignored in -dev mode)")
	flagKeyFile := flag.String("key_file", "", "TLS key file (ignored in -dev mode)")

	flag.Parse()

	if *flagConfig != "" {
		c, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatal(err)
		}
		hostname = c.Hostname
		*flagDBDir = c.DataDir
		*flagSMTPHostname, *flagSMTPAddr = c.SMTP.Hostname, c.SMTP.Addr
		*flagMSAHostname, *flagMSAAddr = c.Submission.Hostname, c.Submission.Addr
		*flagPOP3Hostname, *flagPOP3Addr = c.POP3.Hostname, c.POP3.Addr
		*flagCertFile, *flagKeyFile = c.TLS.CertFile, c.TLS.KeyFile
		*flagDev = c.TLS.Dev
		if *flagDebugAddr == "" {
			*flagDebugAddr = c.Metrics.Addr
		}
	}

	ctx := context.Background()
	filer := iox.NewFiler(0)

	tempdir, err := ioutil.TempDir("", "epistula-")
	if err != nil {
		log.Fatal(err)
	}
	filer.SetTempdir(tempdir)

	log.Printf("epistula, version %s, starting at %s", version, time.Now())

	if *flagDBDir == "" {
		*flagDBDir = tempdir
	}

	var tlsConfig *tls.Config
	if *flagDev {
		log.Printf("***DEVELOPMENT MODE***")
		tlsConfig, err = devcert.Config()
		if err != nil {
			log.Fatal(err)
		}
	} else if *flagCertFile != "" {
		cert, err := tls.LoadX509KeyPair(*flagCertFile, *flagKeyFile)
		if err != nil {
			log.Fatal(err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	log.Printf("temp dir %s", tempdir)

	s, err := engine.New(filer, *flagDBDir, hostname)
	if err != nil {
		log.Fatal(err)
	}
	s.Logf = log.Printf
	s.Version = version

	var smtpAddrs, msaAddrs, pop3Addrs []engine.ServerAddr

	if *flagSMTPAddr != "" {
		ln, err := net.Listen("tcp", *flagSMTPAddr)
		if err != nil {
			log.Fatal(err)
		}
		smtpAddrs = append(smtpAddrs, engine.ServerAddr{
			Hostname:  *flagSMTPHostname,
			Ln:        ln,
			TLSConfig: tlsConfig,
		})
	}
	if *flagMSAAddr != "" {
		ln, err := net.Listen("tcp", *flagMSAAddr)
		if err != nil {
			log.Fatal(err)
		}
		msaAddrs = append(msaAddrs, engine.ServerAddr{
			Hostname:  *flagMSAHostname,
			Ln:        ln,
			TLSConfig: tlsConfig,
		})
	}
	if *flagPOP3Addr != "" {
		ln, err := net.Listen("tcp", *flagPOP3Addr)
		if err != nil {
			log.Fatal(err)
		}
		pop3Addrs = append(pop3Addrs, engine.ServerAddr{
			Hostname:  *flagPOP3Hostname,
			Ln:        ln,
			TLSConfig: tlsConfig,
		})
	}

	if *flagDev && *flagDebugAddr == "" {
		*flagDebugAddr = ":1380"
	}
	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		debugMux.Handle("/metrics", metrics.Handler())

		debugServer := &http.Server{Handler: debugMux}
		go func() {
			ln, err := net.Listen("tcp", *flagDebugAddr)
			if err != nil {
				s.Logf("http debug server: %s", err)
				return
			}
			s.Logf("debug HTTP starting on %s", ln.Addr())
			err = debugServer.Serve(ln)
			if err != nil && err != http.ErrServerClosed {
				s.Logf("http debug serving error: %v", err)
			}
		}()
	}

	if *flagDev {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "epistula dev server\n")
		})
		srv := &http.Server{
			TLSConfig: tlsConfig,
			Handler:   handler,
			Addr:      ":8443",
		}
		go func() {
			if err := srv.ListenAndServeTLS("", ""); err != nil {
				log.Printf("dev https server: %v", err)
			}
		}()
	}

	go func() {
		if err := s.Serve(smtpAddrs, msaAddrs, pop3Addrs); err != nil {
			s.Logf("engine serve error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelShutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		s.Shutdown(shutdownCtx)
		wg.Done()
	}()
	wg.Wait()

	if err := filer.Shutdown(shutdownCtx); err != nil {
		log.Printf("epistula: filer shutdown error: %v", err)
	}
	log.Printf("epistula: shut down")
}
