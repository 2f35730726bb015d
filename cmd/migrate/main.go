package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/inkbrow/capi-relay/internal/config"
	_ "github.com/lib/pq"
)

const versionTable = `CREATE TABLE IF NOT EXISTS capi_schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	listOnly := flag.Bool("list", false, "list capi_* tables and applied versions, then exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	if _, err := db.Exec(versionTable); err != nil {
		log.Fatalf("create version table: %v", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		log.Fatalf("read applied versions: %v", err)
	}

	if *listOnly {
		listTables(db, applied)
		return
	}

	files, err := pending(*dir, applied)
	if err != nil {
		log.Fatal(err)
	}
	if len(files) == 0 {
		log.Println("Schema up to date")
		return
	}

	for _, f := range files {
		if err := apply(db, *dir, f); err != nil {
			log.Fatalf("%s: %v", f, err)
		}
		fmt.Printf("  %s ... OK\n", f)
	}
	log.Printf("Applied %d migration(s)", len(files))
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT version FROM capi_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func pending(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || applied[e.Name()] {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one file and records its version in the same transaction, so a
// failed migration leaves no trace.
func apply(db *sql.DB, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if strings.TrimSpace(string(data)) != "" {
		if _, err := tx.Exec(string(data)); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO capi_schema_migrations (version) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func listTables(db *sql.DB, applied map[string]bool) {
	rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename LIKE 'capi_%' ORDER BY tablename")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			log.Fatal(err)
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables, %d migrations applied\n", n, len(applied))
}
