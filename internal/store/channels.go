package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lazypower/chanfix/internal/casemap"
)

// Channel is the persisted ledger for one unregistered channel.
type Channel struct {
	Name         string
	CreatedAt    time.Time
	LastUpdate   time.Time
	FixStarted   time.Time // zero when idle
	FixRequested bool
	Mark         *Note // informational only
	NoFix        *Note // engine never acts while set
	Identities   map[string]*OpRecord
}

// Note is a setter/text/time triple used for marks and opt-outs.
type Note struct {
	Setter string
	Text   string
	Time   time.Time
}

// OpRecord is the reputation history of one identity in one channel.
type OpRecord struct {
	Key       string // account name, or ident@host
	Account   string // empty if never authenticated under this record
	Ident     string
	Host      string
	FirstSeen time.Time
	LastEvent time.Time
	Age       int
}

// Key returns the case-folded channel name used as the primary key.
func (c *Channel) Key() string {
	return casemap.Fold(c.Name)
}

// Clone returns a deep copy of the channel and its records.
func (c *Channel) Clone() *Channel {
	cp := *c
	if c.Mark != nil {
		m := *c.Mark
		cp.Mark = &m
	}
	if c.NoFix != nil {
		n := *c.NoFix
		cp.NoFix = &n
	}
	cp.Identities = make(map[string]*OpRecord, len(c.Identities))
	for k, r := range c.Identities {
		rc := *r
		cp.Identities[k] = &rc
	}
	return &cp
}

const saveMaxElapsed = 10 * time.Second

func newSaveBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = saveMaxElapsed
	return bo
}

// isBusy reports whether err is SQLite lock contention that clears on retry.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

// SaveChannels upserts the given channels (replacing their op records) and
// deletes the named channel keys, all in one transaction. Lock contention is
// retried with exponential backoff; other errors are returned immediately.
func (db *DB) SaveChannels(channels []*Channel, deleted []string) error {
	if len(channels) == 0 && len(deleted) == 0 {
		return nil
	}
	return backoff.Retry(func() error {
		err := db.saveChannels(channels, deleted)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newSaveBackoff())
}

func (db *DB) saveChannels(channels []*Channel, deleted []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, key := range deleted {
		if _, err := tx.Exec("DELETE FROM channels WHERE key = ?", key); err != nil {
			return fmt.Errorf("delete channel %s: %w", key, err)
		}
	}

	for _, c := range channels {
		if err := saveChannel(tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func saveChannel(tx *sql.Tx, c *Channel) error {
	key := c.Key()
	markSetter, markText, markTime := noteColumns(c.Mark)
	nofixSetter, nofixReason, nofixTime := noteColumns(c.NoFix)

	_, err := tx.Exec(`
		INSERT INTO channels (key, name, created_at, last_update, fix_started, fix_requested,
			mark_setter, mark_text, mark_time, nofix_setter, nofix_reason, nofix_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			created_at = excluded.created_at,
			last_update = excluded.last_update,
			fix_started = excluded.fix_started,
			fix_requested = excluded.fix_requested,
			mark_setter = excluded.mark_setter,
			mark_text = excluded.mark_text,
			mark_time = excluded.mark_time,
			nofix_setter = excluded.nofix_setter,
			nofix_reason = excluded.nofix_reason,
			nofix_time = excluded.nofix_time
	`, key, c.Name, unixOrZero(c.CreatedAt), unixOrZero(c.LastUpdate),
		unixOrZero(c.FixStarted), boolInt(c.FixRequested),
		markSetter, markText, markTime, nofixSetter, nofixReason, nofixTime)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", c.Name, err)
	}

	if _, err := tx.Exec("DELETE FROM op_records WHERE channel_key = ?", key); err != nil {
		return fmt.Errorf("clear op records %s: %w", c.Name, err)
	}

	for _, r := range c.Identities {
		_, err := tx.Exec(`
			INSERT INTO op_records (channel_key, identity_key, account, ident, host, first_seen, last_event, age)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		`, key, r.Key, r.Account, r.Ident, r.Host,
			unixOrZero(r.FirstSeen), unixOrZero(r.LastEvent), r.Age)
		if err != nil {
			return fmt.Errorf("insert op record %s/%s: %w", c.Name, r.Key, err)
		}
	}
	return nil
}

// LoadChannels returns every persisted channel with its op records.
func (db *DB) LoadChannels() ([]*Channel, error) {
	rows, err := db.Query(`
		SELECT key, name, created_at, last_update, fix_started, fix_requested,
			mark_setter, mark_text, mark_time, nofix_setter, nofix_reason, nofix_time
		FROM channels ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]*Channel)
	var channels []*Channel
	for rows.Next() {
		c, key, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		byKey[key] = c
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recRows, err := db.Query(`
		SELECT channel_key, identity_key, account, ident, host, first_seen, last_event, age
		FROM op_records
	`)
	if err != nil {
		return nil, fmt.Errorf("load op records: %w", err)
	}
	if err := scanOpRecords(recRows, byKey); err != nil {
		return nil, err
	}
	return channels, nil
}

// scanOpRecords attaches each op record row to its channel in byKey and
// closes rows. Rows for unknown channels are dropped.
func scanOpRecords(rows *sql.Rows, byKey map[string]*Channel) error {
	defer rows.Close()
	for rows.Next() {
		var chanKey string
		var r OpRecord
		var account, ident, host sql.NullString
		var firstSeen, lastEvent int64
		if err := rows.Scan(&chanKey, &r.Key, &account, &ident, &host, &firstSeen, &lastEvent, &r.Age); err != nil {
			return fmt.Errorf("scan op record: %w", err)
		}
		c, ok := byKey[chanKey]
		if !ok {
			continue
		}
		r.Account = account.String
		r.Ident = ident.String
		r.Host = host.String
		r.FirstSeen = fromUnix(firstSeen)
		r.LastEvent = fromUnix(lastEvent)
		c.Identities[r.Key] = &r
	}
	return rows.Err()
}

// GetChannel reads one channel and its op records straight from the
// store, or returns nil if the channel was never saved.
func (db *DB) GetChannel(name string) (*Channel, error) {
	key := casemap.Fold(name)
	rows, err := db.Query(`
		SELECT key, name, created_at, last_update, fix_started, fix_requested,
			mark_setter, mark_text, mark_time, nofix_setter, nofix_reason, nofix_time
		FROM channels WHERE key = ?
	`, key)
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", name, err)
	}
	var c *Channel
	if rows.Next() {
		c, _, err = scanChannel(rows)
	}
	if err == nil {
		err = rows.Err()
	}
	rows.Close()
	if err != nil || c == nil {
		return nil, err
	}

	recRows, err := db.Query(`
		SELECT channel_key, identity_key, account, ident, host, first_seen, last_event, age
		FROM op_records WHERE channel_key = ?
	`, key)
	if err != nil {
		return nil, fmt.Errorf("get op records %s: %w", name, err)
	}
	if err := scanOpRecords(recRows, map[string]*Channel{key: c}); err != nil {
		return nil, err
	}
	return c, nil
}

// CountChannels returns the number of persisted channels.
func (db *DB) CountChannels() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM channels").Scan(&count)
	return count, err
}

func scanChannel(rows *sql.Rows) (*Channel, string, error) {
	var c Channel
	var key string
	var createdAt, lastUpdate, fixStarted int64
	var fixRequested int
	var markSetter, markText, nofixSetter, nofixReason sql.NullString
	var markTime, nofixTime sql.NullInt64
	if err := rows.Scan(&key, &c.Name, &createdAt, &lastUpdate, &fixStarted, &fixRequested,
		&markSetter, &markText, &markTime, &nofixSetter, &nofixReason, &nofixTime); err != nil {
		return nil, "", fmt.Errorf("scan channel: %w", err)
	}
	c.CreatedAt = fromUnix(createdAt)
	c.LastUpdate = fromUnix(lastUpdate)
	c.FixStarted = fromUnix(fixStarted)
	c.FixRequested = fixRequested != 0
	if markTime.Valid {
		c.Mark = &Note{Setter: markSetter.String, Text: markText.String, Time: fromUnix(markTime.Int64)}
	}
	if nofixTime.Valid {
		c.NoFix = &Note{Setter: nofixSetter.String, Text: nofixReason.String, Time: fromUnix(nofixTime.Int64)}
	}
	c.Identities = make(map[string]*OpRecord)
	return &c, key, nil
}

func noteColumns(n *Note) (setter, text sql.NullString, at sql.NullInt64) {
	if n == nil {
		return
	}
	return sql.NullString{String: n.Setter, Valid: true},
		sql.NullString{String: n.Text, Valid: true},
		sql.NullInt64{Int64: n.Time.Unix(), Valid: true}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
