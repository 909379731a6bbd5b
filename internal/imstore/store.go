package imstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMessageNotFound is returned when a guid referenced by a query bound does
// not exist in the store.
var ErrMessageNotFound = errors.New("message not found")

// Store is the SQLite-backed historical record store. All reads and writes go
// through context-aware queries so request deadlines propagate.
type Store struct {
	db *DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	raw, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := InitDB(raw); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: NewDB(raw)}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordsForGUIDs fetches the raw records for a set of message guids in one
// batched query. Guids with no backing row are omitted, not an error.
func (s *Store) RecordsForGUIDs(ctx context.Context, guids []string) ([]Record, error) {
	if len(guids) == 0 {
		return nil, nil
	}

	args := make([]any, len(guids))
	for i, g := range guids {
		args[i] = g
	}
	query := `SELECT guid, chat_identifier, service, COALESCE(sender, ''), COALESCE(subject, ''),
			COALESCE(text, ''), time, time_delivered, time_read, time_played, flags,
			COALESCE(thread_identifier, ''), COALESCE(associated_guid, ''), associated_type,
			COALESCE(balloon_bundle_id, ''), balloon_payload
		FROM messages WHERE guid IN (` + placeholders(len(guids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	byGUID := map[string]int{}
	for rows.Next() {
		var rec Record
		var t, td, tr, tp int64
		if err := rows.Scan(&rec.GUID, &rec.ChatIdentifier, &rec.Service, &rec.Sender, &rec.Subject,
			&rec.Text, &t, &td, &tr, &tp, &rec.Flags,
			&rec.ThreadIdentifier, &rec.AssociatedGUID, &rec.AssociatedType,
			&rec.BalloonBundleID, &rec.BalloonPayload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Time = fromNanos(t)
		rec.TimeDelivered = fromNanos(td)
		rec.TimeRead = fromNanos(tr)
		rec.TimePlayed = fromNanos(tp)
		byGUID[rec.GUID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if err := s.attachTransfers(ctx, records, byGUID); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) attachTransfers(ctx context.Context, records []Record, byGUID map[string]int) error {
	if len(records) == 0 {
		return nil
	}
	args := make([]any, len(records))
	for i, rec := range records {
		args[i] = rec.GUID
	}
	query := `SELECT message_guid, transfer_guid, COALESCE(file_name, ''), COALESCE(mime_type, ''), COALESCE(path, '')
		FROM attachments WHERE message_guid IN (` + placeholders(len(records)) + `) ORDER BY message_guid, position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var messageGUID string
		var att Attachment
		if err := rows.Scan(&messageGUID, &att.TransferGUID, &att.FileName, &att.MIMEType, &att.Path); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		if idx, ok := byGUID[messageGUID]; ok {
			records[idx].Attachments = append(records[idx].Attachments, att)
		}
	}
	return rows.Err()
}

// NewestGUIDs runs the newest-message index query: for each requested chat,
// the newest message guids satisfying the bounds, at most q.Limit per chat.
// A guid bound takes precedence over a time bound on the same side.
func (s *Store) NewestGUIDs(ctx context.Context, chatIdentifiers []string, q IndexQuery) ([]GUIDRef, error) {
	if len(chatIdentifiers) == 0 {
		return nil, nil
	}

	after, before := nanos(q.AfterTime), nanos(q.BeforeTime)
	if q.AfterGUID != "" {
		t, err := s.messageTime(ctx, q.AfterGUID)
		if err != nil {
			return nil, err
		}
		after = t
	}
	if q.BeforeGUID != "" {
		t, err := s.messageTime(ctx, q.BeforeGUID)
		if err != nil {
			return nil, err
		}
		before = t
	}

	args := make([]any, 0, len(chatIdentifiers)+4)
	for _, id := range chatIdentifiers {
		args = append(args, id)
	}
	var bounds strings.Builder
	if after != 0 {
		bounds.WriteString(" AND time > ?")
		args = append(args, after)
	}
	if before != 0 {
		bounds.WriteString(" AND time < ?")
		args = append(args, before)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	query := `SELECT guid, chat_identifier FROM (
			SELECT guid, chat_identifier,
				ROW_NUMBER() OVER (PARTITION BY chat_identifier ORDER BY time DESC, rowid DESC) AS rn
			FROM messages
			WHERE chat_identifier IN (` + placeholders(len(chatIdentifiers)) + `)` + bounds.String() + `
		) WHERE ? < 0 OR rn <= ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query newest guids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []GUIDRef
	for rows.Next() {
		var ref GUIDRef
		if err := rows.Scan(&ref.MessageGUID, &ref.ChatIdentifier); err != nil {
			return nil, fmt.Errorf("scan guid ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guid refs: %w", err)
	}
	return refs, nil
}

// Search full-text searches message bodies, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT guid FROM messages WHERE text LIKE '%' || ? || '%' ESCAPE '\' ORDER BY time DESC LIMIT ?`,
		escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var guids []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		guids = append(guids, guid)
	}
	return guids, rows.Err()
}

// Chat returns one chat row with its participants.
func (s *Store) Chat(ctx context.Context, identifier string, service string) (*ChatRow, error) {
	var row ChatRow
	var display sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_identifier, service, style, display_name FROM chats WHERE chat_identifier = ? AND service = ?`,
		identifier, service).Scan(&row.Identifier, &row.Service, &row.Style, &display)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	row.DisplayName = display.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT handle_id FROM chat_participants WHERE chat_identifier = ? AND service = ? ORDER BY position`,
		identifier, service)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		row.Participants = append(row.Participants, handle)
	}
	return &row, rows.Err()
}

// ChatsSince returns the identifiers of chats with a message at or after the
// given time, most recently active first.
func (s *Store) ChatsSince(ctx context.Context, since time.Time) ([]ChatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chat_identifier, c.service, c.style, COALESCE(c.display_name, '')
		FROM chats c
		JOIN (
			SELECT chat_identifier, service, MAX(time) AS last_time
			FROM messages GROUP BY chat_identifier, service
		) m ON m.chat_identifier = c.chat_identifier AND m.service = c.service
		WHERE m.last_time >= ?
		ORDER BY m.last_time DESC`, nanos(since))
	if err != nil {
		return nil, fmt.Errorf("query chats since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []ChatRow
	for rows.Next() {
		var row ChatRow
		if err := rows.Scan(&row.Identifier, &row.Service, &row.Style, &row.DisplayName); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, row)
	}
	return chats, rows.Err()
}

// LastMessageTime returns the newest message time in a chat, or the zero time
// when the chat has no messages.
func (s *Store) LastMessageTime(ctx context.Context, identifier string) (time.Time, error) {
	var t sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(time) FROM messages WHERE chat_identifier = ?`, identifier).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last message time: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return fromNanos(t.Int64), nil
}

// UpsertChat inserts or refreshes a chat row and its participant list.
func (s *Store) UpsertChat(ctx context.Context, row ChatRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (chat_identifier, service, style, display_name) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_identifier, service) DO UPDATE SET style = excluded.style, display_name = excluded.display_name`,
		row.Identifier, row.Service, row.Style, nullable(row.DisplayName)); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_participants WHERE chat_identifier = ? AND service = ?`,
		row.Identifier, row.Service); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for i, handle := range row.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_identifier, service, handle_id, position) VALUES (?, ?, ?, ?)
			ON CONFLICT(chat_identifier, service, handle_id) DO NOTHING`,
			row.Identifier, row.Service, handle, i); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

// InsertMessage writes one message record and its attachments.
func (s *Store) InsertMessage(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (guid, chat_identifier, service, sender, subject, text,
			time, time_delivered, time_read, time_played, flags,
			thread_identifier, associated_guid, associated_type, balloon_bundle_id, balloon_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.GUID, rec.ChatIdentifier, rec.Service, nullable(rec.Sender), nullable(rec.Subject), nullable(rec.Text),
		nanos(rec.Time), nanos(rec.TimeDelivered), nanos(rec.TimeRead), nanos(rec.TimePlayed), rec.Flags,
		nullable(rec.ThreadIdentifier), nullable(rec.AssociatedGUID), rec.AssociatedType,
		nullable(rec.BalloonBundleID), rec.BalloonPayload); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, att := range rec.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (transfer_guid, message_guid, position, file_name, mime_type, path)
			VALUES (?, ?, ?, ?, ?, ?)`,
			att.TransferGUID, rec.GUID, i, nullable(att.FileName), nullable(att.MIMEType), nullable(att.Path)); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return tx.Commit()
}

// MarkRead stamps every unread inbound message in a chat up to (and
// including) the given guid with the read time.
func (s *Store) MarkRead(ctx context.Context, chatIdentifier, upToGUID string, readAt time.Time) error {
	upTo, err := s.messageTime(ctx, upToGUID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET time_read = ?
		WHERE chat_identifier = ? AND time <= ? AND time_read = 0 AND (flags & ?) = 0`,
		nanos(readAt), chatIdentifier, upTo, FlagFromMe)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *Store) messageTime(ctx context.Context, guid string) (int64, error) {
	var t int64
	err := s.db.QueryRowContext(ctx, `SELECT time FROM messages WHERE guid = ?`, guid).Scan(&t)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrMessageNotFound, guid)
	}
	if err != nil {
		return 0, fmt.Errorf("query message time: %w", err)
	}
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
