// Command arnd runs the ARN server: a link.Store serving the sync
// protocol (spec component F/G) over a listener, with a persistence
// backend whose mandatory records are loaded at startup. It binds no
// Save-mode links to the backend and advertises no dependency offers.
//
// Grounded on cmd/musclefs/musclefs.go's main(): gops agent, flag-based
// base directory, config.Load, fatal-on-bind-failure, signal-driven
// clean shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"

	"github.com/arn-go/arnd/config"
	"github.com/arn-go/arnd/internal/ctxproxy"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/persist"
	"github.com/arn-go/arnd/server"
	"github.com/arn-go/arnd/syncsrv"
)

func newBackend(cfg *config.C) (persist.Backend, error) {
	switch cfg.PersistStorage {
	case "", "null":
		return persist.NullBackend{}, nil
	case "disk":
		return persist.NewDiskBackend(cfg.PersistDiskDir), nil
	case "s3":
		return persist.NewS3Backend(cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
	default:
		return nil, fmt.Errorf("arnd: unknown persist-storage %q", cfg.PersistStorage)
	}
}

func buildAccessTable(cfg *config.C) (*server.AccessTable, error) {
	at := server.NewAccessTable(cfg.DemandLogin)
	at.AddFreePath("/.sys/")
	if err := at.AddNoLoginNet("localhost"); err != nil {
		return nil, err
	}
	return at, nil
}

func main() {
	// Do not enable agent.ShutdownCleanup: the installed signal handler
	// drives its own clean shutdown and must run to completion first.
	if err := agent.Listen(agent.Options{}); err != nil {
		log.WithError(err).Warn("arnd: could not start gops agent")
	}

	base := flag.String("base", config.DefaultBaseDirectoryPath, "base directory for configuration and persisted state")
	writeDelay := flag.Duration("persist.delay", 2*time.Second, "coalescing delay before a Save-mode write reaches the persistence backend")
	flag.Parse()

	cfg, err := config.Load(*base)
	if err != nil {
		log.WithError(err).Fatalf("arnd: could not load config from %q", *base)
	}

	store := link.NewStore()

	backend, err := newBackend(cfg)
	if err != nil {
		log.WithError(err).Fatal("arnd: could not construct persistence backend")
	}
	binder := persist.NewBinder(store, backend, cfg.PersistMountPoint, *writeDelay)
	if !cfg.SkipLocalSysLoading {
		if err := binder.LoadMandatory(); err != nil {
			log.WithError(err).Fatal("arnd: could not load mandatory records")
		}
	}

	access, err := buildAccessTable(cfg)
	if err != nil {
		log.WithError(err).Fatal("arnd: could not build access table")
	}

	who := syncsrv.WhoIAm{ID: "arnd", Type: "server", Info: fmt.Sprintf("pid=%d", os.Getpid())}
	srv := server.New(store, access, who)

	ctx, cancel := context.WithCancel(context.Background())
	// Administrative commands (currently just the SIGHUP archive trigger
	// below) are marshalled onto this proxy rather than calling the
	// backend directly from the signal-handling goroutine, so they
	// serialize with any other admin call against the same backend
	// (spec §9's cross-thread proxy pattern).
	admin := ctxproxy.New(ctx, func(req any) (any, error) {
		switch r := req.(type) {
		case archiveRequest:
			return nil, backend.Archive(r.name)
		default:
			return nil, fmt.Errorf("arnd: unknown admin request %T", req)
		}
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(ctx, cfg.ListenNet, cfg.ListenAddr); err != nil {
			log.WithError(err).Fatal("arnd: listener exited")
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("arnd: awaiting a signal to shut down")
	for sig := range sigc {
		if sig == syscall.SIGHUP {
			// SIGHUP triggers an archive of the persistence backend via the
			// admin proxy rather than calling backend.Archive directly, so the
			// request is serialized with any other admin call against the
			// same backend (spec §9 cross-thread proxy).
			if _, err := admin.Call(ctx, archiveRequest{}); err != nil {
				log.WithError(err).Warn("arnd: archive on SIGHUP failed")
			}
			continue
		}
		log.WithField("signal", sig).Info("arnd: shutting down")
		break
	}
	cancel()
	agent.Close()
}

// archiveRequest is the request variant for a manual archive trigger,
// issued by the SIGHUP handler above.
type archiveRequest struct{ name string }
