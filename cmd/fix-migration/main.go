// Package main is a repair tool for dirty migration state in the ledger database.
// Dirty state occurs when golang-migrate marks a version as in progress and the
// process dies before the migration completes. This tool reads the current version
// and, when it is dirty, forces it clean so the next `server migrate up` (or server
// start) can retry. Run it only after checking by hand that the half-applied
// migration left nothing behind.
package main

import (
	"log"
	"os"

	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 1, 0)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}

	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	log.Println("Fixing dirty migration state...")
	if err := db.ForceMigrationVersion(database, int(version)); err != nil {
		log.Fatalf("Failed to fix dirty state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}

	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}
