package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by Read* methods when no row matches.
var ErrNotFound = fmt.Errorf("db: %w", sql.ErrNoRows)

const maxBusyRetries = 5

// DB is the database struct.
type DB struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger := log.WithPrefix("DB")

	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			logger.Warn("Failed to enable WAL mode", "err", err)
		} else {
			logger.Debug("Journal mode", "mode", journalMode)
		}
	}
	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			logger.Warn("Pragma failed", "pragma", pragma, "err", err)
		}
	}

	db := &DB{db: sqlDB, logger: logger}
	if err := db.RunMigrations(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("Database ready", "path", path)
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f within a transaction, retrying when SQLite reports
// the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for attempt := 0; ; attempt++ {
		err := db.runTransaction(ctx, f)
		var serr *sqlite.Error
		if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY && attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
			continue
		}
		return err
	}
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Error("Error starting transaction", "err", err)
		return err
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		db.logger.Error("Error committing transaction", "err", err)
		return err
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Accounts
const (
	sqlInsertAccount          = `INSERT INTO accounts(id, username, created_at, web_public_key, web_private_key, display_name, summary, avatar_url) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByName    = `SELECT id, username, created_at, web_public_key, web_private_key, display_name, summary, avatar_url FROM accounts WHERE username = ?`
	sqlUpdateAccountProfile   = `UPDATE accounts SET display_name = ?, summary = ?, avatar_url = ? WHERE username = ?`
	sqlSelectAccountUsernames = `SELECT username FROM accounts ORDER BY username`
)

// CreateAccount stores a new local user with the given web keypair.
func (db *DB) CreateAccount(ctx context.Context, username string, keys *util.RsaKeyPair) (*domain.Account, error) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now(),
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount, acc.Id.String(), acc.Username, millis(acc.CreatedAt),
			acc.WebPublicKey, acc.WebPrivateKey, acc.DisplayName, acc.Summary, acc.AvatarURL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", username, err)
	}
	return acc, nil
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	var (
		acc       domain.Account
		id        string
		createdAt int64
	)
	row := db.db.QueryRowContext(ctx, sqlSelectAccountByName, username)
	if err := row.Scan(&id, &acc.Username, &createdAt, &acc.WebPublicKey, &acc.WebPrivateKey,
		&acc.DisplayName, &acc.Summary, &acc.AvatarURL); err != nil {
		return nil, notFound(err)
	}
	acc.Id, _ = uuid.Parse(id)
	acc.CreatedAt = fromMillis(createdAt)
	return &acc, nil
}

func (db *DB) UpdateAccountProfile(ctx context.Context, username, displayName, summary, avatarURL string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateAccountProfile, displayName, summary, avatarURL, username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadUsernames(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAccountUsernames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Pending follow requests
const (
	sqlUpsertPendingFollow = `INSERT INTO pending_follows(id, requester_uri, requested_uri, activity_uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(requester_uri, requested_uri) DO UPDATE SET activity_uri = excluded.activity_uri, created_at = excluded.created_at`
	sqlSelectPendingFollow = `SELECT id, requester_uri, requested_uri, activity_uri, created_at FROM pending_follows WHERE requester_uri = ? AND requested_uri = ?`
	sqlDeletePendingFollow = `DELETE FROM pending_follows WHERE requester_uri = ? AND requested_uri = ?`
)

// CreatePendingFollow records an outstanding Follow. Sending the same
// Follow again replaces the existing row.
func (db *DB) CreatePendingFollow(ctx context.Context, req *domain.PendingFollowRequest) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertPendingFollow, req.Id.String(), req.RequesterURI, req.RequestedURI,
			req.ActivityURI, millis(req.CreatedAt))
		return err
	})
}

func (db *DB) ReadPendingFollow(ctx context.Context, requesterURI, requestedURI string) (*domain.PendingFollowRequest, error) {
	var (
		req       domain.PendingFollowRequest
		id        string
		createdAt int64
	)
	row := db.db.QueryRowContext(ctx, sqlSelectPendingFollow, requesterURI, requestedURI)
	if err := row.Scan(&id, &req.RequesterURI, &req.RequestedURI, &req.ActivityURI, &createdAt); err != nil {
		return nil, notFound(err)
	}
	req.Id, _ = uuid.Parse(id)
	req.CreatedAt = fromMillis(createdAt)
	return &req, nil
}

func (db *DB) DeletePendingFollow(ctx context.Context, requesterURI, requestedURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeletePendingFollow, requesterURI, requestedURI)
		return err
	})
}

// Follows
const (
	sqlInsertFollow = `INSERT INTO follows(id, follower_uri, following_uri, activity_uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, following_uri) DO NOTHING`
	sqlSelectFollow        = `SELECT id, follower_uri, following_uri, activity_uri, created_at FROM follows WHERE follower_uri = ? AND following_uri = ?`
	sqlDeleteFollow        = `DELETE FROM follows WHERE follower_uri = ? AND following_uri = ?`
	sqlDeleteFollowsOf     = `DELETE FROM follows WHERE follower_uri = ? OR following_uri = ?`
	sqlDeletePendingOf     = `DELETE FROM pending_follows WHERE requester_uri = ? OR requested_uri = ?`
	sqlSelectFollowerURIs  = `SELECT follower_uri FROM follows WHERE following_uri = ? ORDER BY created_at`
	sqlSelectFollowingURIs = `SELECT following_uri FROM follows WHERE follower_uri = ? ORDER BY created_at`
)

// CreateFollow records an accepted follow; an existing one is kept.
func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFollow, follow.Id.String(), follow.FollowerURI, follow.FollowingURI,
			follow.ActivityURI, millis(follow.CreatedAt))
		return err
	})
}

func (db *DB) ReadFollow(ctx context.Context, followerURI, followingURI string) (*domain.Follow, error) {
	var (
		follow    domain.Follow
		id        string
		createdAt int64
	)
	row := db.db.QueryRowContext(ctx, sqlSelectFollow, followerURI, followingURI)
	if err := row.Scan(&id, &follow.FollowerURI, &follow.FollowingURI, &follow.ActivityURI, &createdAt); err != nil {
		return nil, notFound(err)
	}
	follow.Id, _ = uuid.Parse(id)
	follow.CreatedAt = fromMillis(createdAt)
	return &follow, nil
}

func (db *DB) DeleteFollow(ctx context.Context, followerURI, followingURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollow, followerURI, followingURI)
		return err
	})
}

// DeleteFollowsOf removes every follow and pending request involving actorURI.
func (db *DB) DeleteFollowsOf(ctx context.Context, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlDeleteFollowsOf, actorURI, actorURI); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlDeletePendingOf, actorURI, actorURI)
		return err
	})
}

func (db *DB) ReadFollowerURIs(ctx context.Context, followingURI string) ([]string, error) {
	return db.readStrings(ctx, sqlSelectFollowerURIs, followingURI)
}

func (db *DB) ReadFollowingURIs(ctx context.Context, followerURI string) ([]string, error) {
	return db.readStrings(ctx, sqlSelectFollowingURIs, followerURI)
}

func (db *DB) readStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Discovery cache
const (
	sqlUpsertCacheEntry = `INSERT INTO discovery_cache(uri, kind, entity_type, raw_json, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET kind = excluded.kind, entity_type = excluded.entity_type, raw_json = excluded.raw_json, fetched_at = excluded.fetched_at`
	sqlSelectCacheEntry = `SELECT uri, kind, entity_type, raw_json, fetched_at FROM discovery_cache WHERE uri = ?`
	sqlDeleteCacheEntry = `DELETE FROM discovery_cache WHERE uri = ?`
)

// UpsertCacheEntry stores entry; the last write for a URI wins.
func (db *DB) UpsertCacheEntry(ctx context.Context, entry *domain.CacheEntry) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertCacheEntry, entry.URI, string(entry.Kind), entry.EntityType,
			string(entry.RawJSON), millis(entry.FetchedAt))
		return err
	})
}

func (db *DB) ReadCacheEntry(ctx context.Context, uri string) (*domain.CacheEntry, error) {
	var (
		entry     domain.CacheEntry
		kind, raw string
		fetchedAt int64
	)
	row := db.db.QueryRowContext(ctx, sqlSelectCacheEntry, uri)
	if err := row.Scan(&entry.URI, &kind, &entry.EntityType, &raw, &fetchedAt); err != nil {
		return nil, notFound(err)
	}
	entry.Kind = domain.EntityKind(kind)
	entry.RawJSON = []byte(raw)
	entry.FetchedAt = fromMillis(fetchedAt)
	return &entry, nil
}

func (db *DB) DeleteCacheEntry(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteCacheEntry, uri)
		return err
	})
}

// Activities
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at FROM activities WHERE activity_uri = ?`
)

// RecordActivity logs rec and reports whether it was new.
func (db *DB) RecordActivity(ctx context.Context, rec *domain.ActivityRecord) (bool, error) {
	var fresh bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertActivity, rec.Id.String(), rec.ActivityURI, rec.ActivityType,
			rec.ActorURI, rec.ObjectURI, rec.RawJSON, millis(rec.CreatedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		fresh = n == 1
		return err
	})
	return fresh, err
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.ActivityRecord, error) {
	var (
		rec       domain.ActivityRecord
		id        string
		createdAt int64
	)
	row := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri)
	if err := row.Scan(&id, &rec.ActivityURI, &rec.ActivityType, &rec.ActorURI, &rec.ObjectURI, &rec.RawJSON, &createdAt); err != nil {
		return nil, notFound(err)
	}
	rec.Id, _ = uuid.Parse(id)
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

// Delivery queue
const (
	sqlInsertDelivery          = `INSERT INTO delivery_queue(id, queue_name, sender_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, 0, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, queue_name, sender_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue
		WHERE queue_name = ? AND next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries       = `SELECT COUNT(*) FROM delivery_queue WHERE queue_name = ?`
)

// Enqueue hands a failed delivery to the retry queue; it is due immediately.
func (db *DB) Enqueue(ctx context.Context, queueName, senderURI string, target domain.DeliveryTarget, payload []byte) error {
	now := millis(time.Now())
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDelivery, uuid.New().String(), queueName, senderURI, target.Inbox,
			string(payload), now, now)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(ctx context.Context, queueName string, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDeliveries, queueName, millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var (
			item                 domain.DeliveryQueueItem
			id                   string
			nextRetry, createdAt int64
		)
		if err := rows.Scan(&id, &item.QueueName, &item.SenderURI, &item.InboxURI, &item.ActivityJSON,
			&item.Attempts, &nextRetry, &createdAt); err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(id)
		item.NextRetryAt = fromMillis(nextRetry)
		item.CreatedAt = fromMillis(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, millis(nextRetryAt), id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteDelivery, id.String())
		return err
	})
}

func (db *DB) CountDeliveries(ctx context.Context, queueName string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries, queueName).Scan(&n)
	return n, err
}
