// The kernel daemon: signing, hash-chained audit log, and manifest governance
// behind one HTTP API. Configuration comes entirely from the environment; see
// internal/config.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/config"
	"github.com/VERAXIS/Core/kernel/internal/governance"
	"github.com/VERAXIS/Core/kernel/internal/httpserver"
	"github.com/VERAXIS/Core/kernel/internal/idempotency"
	"github.com/VERAXIS/Core/kernel/internal/manifest"
	"github.com/VERAXIS/Core/kernel/internal/policy"
	"github.com/VERAXIS/Core/kernel/internal/registry"
	"github.com/VERAXIS/Core/kernel/internal/signer"
	tlsutil "github.com/VERAXIS/Core/kernel/internal/tls"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[kernel] ")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("ping postgres: %v", err)
		}
		defer db.Close()
		log.Println("connected to postgres")
	} else {
		log.Println("DATABASE_URL unset; running with in-memory stores (dev only)")
	}

	var (
		auditStore audit.Store
		manifests  manifest.Store
		reg        registry.Store
	)
	if db != nil {
		if auditStore, err = audit.NewPGStore(db); err != nil {
			log.Fatalf("audit store: %v", err)
		}
		if manifests, err = manifest.NewPGStore(db); err != nil {
			log.Fatalf("manifest store: %v", err)
		}
		pgReg, err := registry.NewPGStore(db)
		if err != nil {
			log.Fatalf("signer registry: %v", err)
		}
		// Verification is read-heavy; keep signer lookups in memory.
		reg = registry.NewCached(pgReg, time.Minute)
	} else {
		auditStore = audit.NewMemoryStore()
		manifests = manifest.NewMemoryStore()
		reg = registry.NewMemoryStore()
	}

	idem, err := newIdempotencyStore(cfg, db)
	if err != nil {
		log.Fatalf("idempotency store: %v", err)
	}

	provider, err := signer.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	if pub := provider.PublicKey(); len(pub) > 0 {
		if _, err := reg.Register(ctx, registry.Signer{
			KID:       provider.KID(),
			Algorithm: provider.Algorithm(),
			PublicKey: pub,
		}); err != nil {
			log.Fatalf("register provider key %s: %v", provider.KID(), err)
		}
		log.Printf("provider key %s registered", provider.KID())
	} else {
		log.Printf("provider %s exposes no public key; register it out of band for verification", provider.KID())
	}
	// Retiring the active kid must stop it from signing new chain entries and
	// manifests; every sign call goes through the registry check.
	provider = signer.NewRegistryGuard(provider, reg)

	chain := audit.NewChain(auditStore, provider, audit.ChainConfig{QueueDepth: cfg.AuditQueueDepth})
	chain.Start()
	defer chain.Stop()

	streamCtx, stopStreamer := context.WithCancel(ctx)
	defer stopStreamer()
	streamerDone := startStreamer(streamCtx, cfg, db, auditStore)

	purgeCtx, stopPurger := context.WithCancel(ctx)
	defer stopPurger()
	go purgeLoop(purgeCtx, idem)

	gate, err := policy.NewFromConfig(cfg.PolicyGateURL, cfg.PolicyCELExpr)
	if err != nil {
		log.Fatalf("policy gate: %v", err)
	}
	if gate != nil {
		log.Println("policy gate enabled")
	}

	co := governance.New(manifests, idem, provider, reg, chain, gate, governance.Config{
		DefaultThreshold: cfg.MultisigDefaultThreshold,
	})

	server := httpserver.New(cfg, co, manifests, reg, chain, auditStore, provider)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	tlsCfg, err := tlsutil.FromConfig(cfg)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			srv.TLSConfig = tlsCfg
			log.Printf("listening on %s (TLS, mTLS=%v)", cfg.ListenAddr, cfg.RequireMTLS)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Printf("listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	stopPurger()
	stopStreamer()
	if streamerDone != nil {
		select {
		case <-streamerDone:
		case <-time.After(10 * time.Second):
			log.Println("streamer did not drain within 10s")
		}
	}
	log.Println("stopped")
}

func newIdempotencyStore(cfg config.Config, db *sql.DB) (idempotency.Store, error) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		log.Printf("idempotency store: redis at %s", cfg.RedisAddr)
		return idempotency.NewRedisStore(client, cfg.IdempotencyTTL), nil
	}
	if db != nil {
		return idempotency.NewPGStore(db, cfg.IdempotencyTTL)
	}
	return idempotency.NewMemoryStore(cfg.IdempotencyTTL), nil
}

// startStreamer wires the durable audit pipeline: Postgres is the source of
// truth, Kafka fans events out, S3 holds the immutable archive. Without a
// durable store there is nothing to stream from.
func startStreamer(ctx context.Context, cfg config.Config, db *sql.DB, store audit.Store) <-chan struct{} {
	if db == nil || len(cfg.KafkaBrokers) == 0 {
		log.Println("audit streamer disabled (requires DATABASE_URL and KAFKA_BROKERS)")
		return nil
	}

	producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}

	var archiver audit.Archiver
	if cfg.AuditArchiveBucket != "" {
		archiver, err = audit.NewS3Archiver(ctx, audit.S3ArchiverConfig{
			Bucket:         cfg.AuditArchiveBucket,
			Prefix:         cfg.AuditArchivePrefix,
			ObjectLockMode: cfg.AuditObjectLockMode,
		})
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
	}

	streamer := audit.NewStreamer(store, producer, archiver, audit.StreamerConfig{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer producer.Close()
		if err := streamer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("audit streamer stopped: %v", err)
		}
	}()
	log.Printf("audit streamer started (topic=%s archive=%q)", cfg.KafkaTopic, cfg.AuditArchiveBucket)
	return done
}

func purgeLoop(ctx context.Context, idem idempotency.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := idem.PurgeExpired(ctx)
			if err != nil {
				log.Printf("idempotency purge: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("idempotency purge removed %d expired keys", n)
			}
		}
	}
}
