// Package database provides SQLite database connectivity for Lockgate.
//
// It opens the audit database with its pragmas in the DSN, applies and
// rolls back timestamped migrations from any fs.FS (normally the embedded
// migrations package), and reports file size for /system. Audit retention
// calls Optimize after pruning.
//
// Lockgate keeps only its audit trail in SQLite. Lock connections and
// status live in memory and are rebuilt as locks reconnect.
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, database.FromConfig(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only to support safe rollbacks:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Each migration file has both .up.sql and .down.sql
//   - Files are named YYYYMMDD_HHMMSS_description.{up,down}.sql
//   - `lockgate migrate status` and `lockgate migrate down` inspect or revert
//     the schema without starting the server
package database
