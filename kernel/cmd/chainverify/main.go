// chainverify re-derives every link of the audit chain straight from Postgres
// and exits non-zero on the first violation. Run it out of band; it needs only
// read access to the audit and signer tables.
//
//	chainverify -dsn postgres://... [-from 1] [-to 0] [-json]
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/VERAXIS/Core/kernel/internal/audit"
	"github.com/VERAXIS/Core/kernel/internal/registry"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("[chainverify] ")

	var (
		dsn     = flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string (defaults to DATABASE_URL)")
		from    = flag.Int64("from", 1, "first sequence number to check")
		to      = flag.Int64("to", 0, "last sequence number to check (0 = head)")
		asJSON  = flag.Bool("json", false, "print the report as JSON")
		timeout = flag.Duration("timeout", 5*time.Minute, "overall verification deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("no DSN: pass -dsn or set DATABASE_URL")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := audit.NewPGStore(db)
	if err != nil {
		log.Fatalf("audit store: %v", err)
	}
	reg, err := registry.NewPGStore(db)
	if err != nil {
		log.Fatalf("signer registry: %v", err)
	}

	report, err := audit.Verify(ctx, store, reg, *from, *to)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("encode report: %v", err)
		}
	} else if report.OK {
		fmt.Printf("ok: %d events verified\n", report.Checked)
	} else {
		fmt.Printf("FAILED at seq %d: %s", report.FailedSeq, report.Reason)
		if report.Detail != "" {
			fmt.Printf(" (%s)", report.Detail)
		}
		fmt.Printf(" after %d good events\n", report.Checked)
	}

	if !report.OK {
		os.Exit(1)
	}
}
