package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// Verifies that a bot database carries the expected schema, including the
// columns added by later migrations. Run against a copy before upgrading
// a production deployment in place.
func main() {
	dbPath := "./data/bot.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	tables := map[string][]string{
		"users":        {"id", "email", "password_hash", "api_token_encrypted", "key_version"},
		"bot_sessions": {"id", "user_id", "instance_id", "machine_id", "status", "heartbeat_at", "stopped_at", "stake"},
		"trades":       {"id", "user_id", "contract_id", "symbol", "direction", "stake", "buy_price", "profit", "status", "closure_type", "is_ghost"},
		"daily_stats":  {"user_id", "date", "trades", "wins", "losses", "pnl"},
	}

	failed := false
	for table, columns := range tables {
		fmt.Printf("\nChecking table %s...\n", table)
		row := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		var name string
		if err := row.Scan(&name); err != nil {
			fmt.Printf("✗ table %s is missing\n", table)
			failed = true
			continue
		}
		fmt.Printf("✓ table %s exists\n", table)

		present := make(map[string]bool)
		rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			log.Fatalf("PRAGMA table_info(%s): %v", table, err)
		}
		for rows.Next() {
			var cid, notNull, pk int
			var colName, colType string
			var dflt sql.NullString
			if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				log.Fatalf("scan column: %v", err)
			}
			present[colName] = true
		}
		rows.Close()

		for _, col := range columns {
			if present[col] {
				fmt.Printf("  ✓ %s\n", col)
			} else {
				fmt.Printf("  ✗ %s is missing\n", col)
				failed = true
			}
		}
	}

	if failed {
		log.Fatal("Schema verification FAILED")
	}
	fmt.Println("\nSchema verification passed.")
}
