// Package storage opens the relational database and Redis connections that
// back the provider registry.
//
// # Drivers
//
// Two SQL drivers are supported:
//
//   - postgres: lib/pq, for multi-replica deployments
//   - sqlite3: mattn/go-sqlite3, for single-node and development use
//
// Queries are written with ? placeholders and passed through Dialect.Rebind,
// which rewrites them to $n for PostgreSQL.
//
// # Migrations
//
// Schema migrations are embedded into the binary and applied with
// golang-migrate. Each driver has its own migration directory because column
// types differ between the two engines:
//
//	db, dialect, err := storage.Open(ctx, cfg.Database)
//	if err != nil {
//		return err
//	}
//	if err := storage.Migrate(db, dialect, cfg.Database.URL); err != nil {
//		return err
//	}
//
// # Redis
//
// OpenRedis parses a redis:// URL and verifies the connection. The client is
// shared by the invalidation bus and the readiness probe.
package storage
