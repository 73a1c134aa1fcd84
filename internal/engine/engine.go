// Package engine wires the store, ingress, routing, relay, local
// delivery, quarantine, reputation, and POP3 components into one
// running server, the role the teacher's spilldb.Server plays.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/bounce"
	"github.com/epistula-mail/epistula/internal/ingress"
	"github.com/epistula-mail/epistula/internal/localdeliver"
	"github.com/epistula-mail/epistula/internal/mailbox"
	"github.com/epistula-mail/epistula/internal/quarantine"
	"github.com/epistula-mail/epistula/internal/relay"
	"github.com/epistula-mail/epistula/internal/repo"
	"github.com/epistula-mail/epistula/internal/reputation"
	"github.com/epistula-mail/epistula/internal/senderpolicy"
	"github.com/epistula-mail/epistula/internal/store"
	"github.com/epistula-mail/epistula/pop3/pop3server"
	"github.com/epistula-mail/epistula/smtp/smtpserver"
)

// Server owns the shared database, filer, and every long-running
// component; Serve starts the listeners named in its arguments.
type Server struct {
	Filer *iox.Filer
	DB    *sqlitex.Pool

	Hostname string
	Version  string
	Logf     func(format string, v ...interface{})

	Relay        *relay.Relay
	LocalDeliver *localdeliver.LocalDeliver
	Reputation   *reputation.Store
	Mailboxes    *mailbox.Manager
	Bounce       *bounce.Generator
	Janitor      *store.Janitor

	queueDir string

	shutdownFnsMu sync.Mutex
	shutdownFns   []func(context.Context) error
}

// New opens the store at dbDir (or an in-memory database if dbDir is
// empty, matching the teacher's test-friendly default) and wires the
// relay scheduler and local-delivery router, ready for Serve to start
// accepting connections.
func New(filer *iox.Filer, dbDir, hostname string) (*Server, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	s := &Server{
		Filer:    filer,
		Hostname: hostname,
		Logf:     log.Printf,
	}

	dbfile := "file::memory:?mode=memory"
	mailboxDir := ""
	queueDir := ""
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0770); err != nil {
			return nil, fmt.Errorf("engine: initialize dbdir: %v", err)
		}
		dbfile = filepath.Join(dbDir, "epistula.db")
		mailboxDir = filepath.Join(dbDir, "mbox")
		if err := os.MkdirAll(mailboxDir, 0770); err != nil {
			return nil, fmt.Errorf("engine: initialize mailbox dir: %v", err)
		}
		queueDir = filepath.Join(dbDir, "mque")
		if err := os.MkdirAll(queueDir, 0770); err != nil {
			return nil, fmt.Errorf("engine: initialize queue dir: %v", err)
		}
	}
	s.queueDir = queueDir

	db, err := store.Open(dbfile)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %v", err)
	}
	s.DB = db
	s.Mailboxes = mailbox.NewManager(mailboxDir)
	s.Reputation = reputation.New(s.DB)

	s.LocalDeliver = localdeliver.New(s.DB, s.Mailboxes)
	s.LocalDeliver.Logf = s.Logf

	s.Relay = relay.New(s.DB, s.Filer, hostname, queueDir)
	s.Relay.Logf = s.Logf
	s.LocalDeliver.Relay = s.Relay.Notify

	s.Bounce = &bounce.Generator{
		DB:       s.DB,
		Filer:    s.Filer,
		Hostname: hostname,
		Logf:     s.Logf,
	}
	s.Bounce.Notify = func(msgID int64) {
		s.LocalDeliver.Notify(msgID)
		s.Relay.Notify(msgID)
	}
	s.Relay.OnPermanentFailure = s.Bounce.OnPermanentFailure

	s.Janitor = store.NewJanitor(s.DB)
	s.Janitor.Logf = s.Logf

	return s, nil
}

// ServerAddr pairs a listener with the hostname and TLS config it
// should present, matching the teacher's ServerAddr shape.
type ServerAddr struct {
	Hostname  string
	Ln        net.Listener
	TLSConfig *tls.Config
}

// Serve runs the relay scheduler, local-delivery router, every SMTP
// (alien ingress + submission) listener, and every POP3 listener
// until one fails or Shutdown is called.
func (s *Server) Serve(smtp, msa, popListeners []ServerAddr) error {
	errCh := make(chan error, 8)

	s.shutdownFnsMu.Lock()
	s.shutdownFns = []func(context.Context) error{
		func(ctx context.Context) error { return s.LocalDeliver.Shutdown(ctx) },
		func(ctx context.Context) error { return s.Relay.Shutdown(ctx) },
		func(ctx context.Context) error { return s.Janitor.Shutdown(ctx) },
	}
	s.shutdownFnsMu.Unlock()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("engine: local delivery router starting")
		if err := s.LocalDeliver.Run(); err != nil {
			errCh <- fmt.Errorf("engine.LocalDeliver: %v", err)
		}
		s.Logf("engine: local delivery router shutdown")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("engine: outbound relay scheduler starting")
		if err := s.Relay.Run(); err != nil {
			errCh <- fmt.Errorf("engine.Relay: %v", err)
		}
		s.Logf("engine: outbound relay scheduler shutdown")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logf("engine: janitor starting")
		if err := s.Janitor.Run(); err != nil {
			errCh <- fmt.Errorf("engine.Janitor: %v", err)
		}
		s.Logf("engine: janitor shutdown")
	}()

	for _, addr := range smtp {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("engine: SMTP %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveSMTP(addr); err != nil {
				if err != smtpserver.ErrServerClosed {
					errCh <- fmt.Errorf("engine SMTP %s: %v", addr.Hostname, err)
				}
			}
			s.Logf("engine: SMTP %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	for _, addr := range msa {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("engine: MSA %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveMSA(addr); err != nil {
				if err != smtpserver.ErrServerClosed {
					errCh <- fmt.Errorf("engine MSA %s: %v", addr.Hostname, err)
				}
			}
			s.Logf("engine: MSA %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	for _, addr := range popListeners {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Logf("engine: POP3 %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.servePOP3(addr); err != nil {
				if err != pop3server.ErrServerClosed {
					errCh <- fmt.Errorf("engine POP3 %s: %v", addr.Hostname, err)
				}
			}
			s.Logf("engine: POP3 %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) addShutdownFn(fn func(context.Context) error) {
	s.shutdownFnsMu.Lock()
	s.shutdownFns = append(s.shutdownFns, fn)
	s.shutdownFnsMu.Unlock()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Logf("engine: shutdown started")

	shutdownDone := make(chan struct{}, 1)
	go func() {
		select {
		case <-shutdownDone:
		case <-ctx.Done():
			s.Logf("engine: shutdown timed out, becoming less graceful")
		}
	}()

	var wg sync.WaitGroup
	s.shutdownFnsMu.Lock()
	errCh := make(chan error, len(s.shutdownFns))
	for _, fn := range s.shutdownFns {
		wg.Add(1)
		fn := fn
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	s.shutdownFns = nil
	s.shutdownFnsMu.Unlock()
	wg.Wait()

	if err := s.DB.Close(); err != nil {
		s.Logf("engine: DB shutdown: %v", err)
	}
	s.Logf("engine: DB shutdown")

	shutdownDone <- struct{}{}
	s.Logf("engine: shutdown complete")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) tlsConfig(addr ServerAddr) *tls.Config {
	if addr.TLSConfig != nil {
		return addr.TLSConfig
	}
	return &tls.Config{}
}

func (s *Server) serveSMTP(addr ServerAddr) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgMaker := ingress.New(ctx, s.DB, s.Filer, s.Logf, s.LocalDeliver.Notify)
	msgMaker.QueueDir = s.queueDir

	guarded := &reputation.Guard{
		Ctx:   ctx,
		Store: s.Reputation,
		Next:  msgMaker.NewMessage,
	}

	q := quarantine.New(ctx, s.DB, s.Filer, guarded.NewMessage)
	q.Reputation = s.Reputation

	checker := &senderpolicy.Checker{Ctx: ctx, DB: s.DB, Logf: s.Logf}

	const maxMsgSize = 4_000_000 // spec's DATA size ceiling
	smtp := &smtpserver.Server{
		Hostname:    addr.Hostname,
		Auth:        q.Auth,
		NewMessage:  q.NewMessage,
		CheckSender: checker.Check,
		MaxSize:     maxMsgSize,
		AllowNoTLS:  true,
		TLSConfig:   s.tlsConfig(addr),
		Logf:        s.Logf,
	}
	s.addShutdownFn(smtp.Shutdown)

	if err := smtp.ServeSTARTTLS(addr.Ln); err != nil {
		if err != smtpserver.ErrServerClosed {
			return err
		}
	}
	return nil
}

func (s *Server) serveMSA(addr ServerAddr) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneFn := func(msgID int64) {
		s.LocalDeliver.Notify(msgID)
		s.Relay.Notify(msgID)
	}
	msgMaker := ingress.New(ctx, s.DB, s.Filer, s.Logf, doneFn)
	msgMaker.QueueDir = s.queueDir

	const maxMsgSize = 4_000_000
	smtp := &smtpserver.Server{
		Hostname:   addr.Hostname,
		Auth:       msgMaker.Auth,
		NewMessage: msgMaker.NewMessage,
		MaxSize:    maxMsgSize,
		MustAuth:   true,
		TLSConfig:  s.tlsConfig(addr),
		Logf:       s.Logf,
	}
	s.addShutdownFn(smtp.Shutdown)

	if err := smtp.ServeTLS(addr.Ln); err != nil {
		if err != smtpserver.ErrServerClosed {
			return err
		}
	}
	return nil
}

func (s *Server) servePOP3(addr ServerAddr) error {
	auther := &store.Authenticator{
		DB:    s.DB,
		Logf:  s.Logf,
		Where: "pop3",
	}
	fetcher := &repo.Fetcher{DB: s.DB, Filer: s.Filer}

	pop3 := &pop3server.Server{
		Hostname:  addr.Hostname,
		Auth:      auther.Authenticate,
		Fetch:     fetcher.Fetch,
		Mailboxes: s.Mailboxes,
		Blacklist: s.Reputation.Blacklist,
		TLSConfig: s.tlsConfig(addr),
		Logf:      s.Logf,
	}
	s.addShutdownFn(pop3.Shutdown)

	if err := pop3.ServeTLS(addr.Ln); err != nil {
		if err != pop3server.ErrServerClosed {
			return err
		}
	}
	return nil
}
