package db

import (
	"context"
	"database/sql"
)

// Timestamps are stored as unix milliseconds so they compare numerically.
const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		created_at INTEGER NOT NULL,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT ''
	)`

	sqlCreatePendingFollowsTable = `CREATE TABLE IF NOT EXISTS pending_follows (
		id TEXT NOT NULL PRIMARY KEY,
		requester_uri TEXT NOT NULL,
		requested_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(requester_uri, requested_uri)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_uri TEXT NOT NULL,
		following_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(follower_uri, following_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_following_uri ON follows(following_uri);
	`

	sqlCreateDiscoveryCacheTable = `CREATE TABLE IF NOT EXISTS discovery_cache (
		uri TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	)`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		queue_name TEXT NOT NULL,
		sender_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(queue_name, next_retry_at);
	`
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"accounts", sqlCreateAccountsTable},
	{"pending_follows", sqlCreatePendingFollowsTable},
	{"follows", sqlCreateFollowsTable},
	{"follows indices", sqlCreateFollowsIndices},
	{"discovery_cache", sqlCreateDiscoveryCacheTable},
	{"activities", sqlCreateActivitiesTable},
	{"activities indices", sqlCreateActivitiesIndices},
	{"delivery_queue", sqlCreateDeliveryQueueTable},
	{"delivery_queue indices", sqlCreateDeliveryQueueIndices},
}

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				db.logger.Error("Migration failed", "step", m.name, "err", err)
				return err
			}
			db.logger.Debug("Migrated", "step", m.name)
		}
		return nil
	})
}
