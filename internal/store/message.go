package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, chat_id, client_id, sender_id, sender_display_name, sender_avatar_ref,
	kind, body, caption, media_refs, reply_to_id, reply_to_snapshot, created_at, status,
	deleted_for_all, hidden_locally, is_edited, edited_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessage inserts the row or fully replaces the row with the same id.
// Local-only state survives the replace: hiddenLocally is kept, a tombstone
// stays a tombstone, status never moves backward, createdAt is never
// overwritten and a newer local edit is not undone by an older copy.
// Reports whether a new row was created.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	var created bool
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		created, err = upsertMessage(tx, m)
		return err
	})
	return created, err
}

func upsertMessage(q querier, m *Message) (bool, error) {
	if m.ID == "" || m.ChatID == "" {
		return false, fmt.Errorf("upsert message: id and chat id are required")
	}
	existing, err := getMessage(q, `id = ?`, m.ID)
	if err != nil {
		return false, fmt.Errorf("load message %q: %w", m.ID, err)
	}

	row := *m
	if row.Kind == "" {
		row.Kind = KindText
	}
	if row.Status == "" {
		row.Status = StatusPending
	}

	if existing != nil {
		row.HiddenLocally = existing.HiddenLocally || row.HiddenLocally
		if existing.CreatedAt != 0 {
			row.CreatedAt = existing.CreatedAt
		}
		if row.ClientID == "" {
			row.ClientID = existing.ClientID
		}
		if !CanAdvance(existing.Status, row.Status) {
			row.Status = existing.Status
		}
		if existing.EditedAt > row.EditedAt {
			copyContent(&row, existing)
			row.IsEdited, row.EditedAt = existing.IsEdited, existing.EditedAt
		}
		switch {
		case existing.DeletedForAll:
			row.DeletedForAll = true
		case existing.HiddenLocally && row.DeletedForAll:
			// A local deletion is not undone by a later global one.
			row.DeletedForAll = false
			copyContent(&row, existing)
		}
	}
	if row.DeletedForAll {
		clearContent(&row)
	}

	media, snapshot, err := encodeStructured(&row)
	if err != nil {
		return false, err
	}

	_, err = q.Exec(`
		INSERT INTO messages (`+messageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			client_id = excluded.client_id,
			sender_id = excluded.sender_id,
			sender_display_name = excluded.sender_display_name,
			sender_avatar_ref = excluded.sender_avatar_ref,
			kind = excluded.kind,
			body = excluded.body,
			caption = excluded.caption,
			media_refs = excluded.media_refs,
			reply_to_id = excluded.reply_to_id,
			reply_to_snapshot = excluded.reply_to_snapshot,
			created_at = excluded.created_at,
			status = excluded.status,
			deleted_for_all = excluded.deleted_for_all,
			hidden_locally = excluded.hidden_locally,
			is_edited = excluded.is_edited,
			edited_at = excluded.edited_at,
			updated_at = excluded.updated_at`,
		row.ID, row.ChatID, row.ClientID, row.SenderID, row.SenderDisplayName, row.SenderAvatarRef,
		row.Kind, row.Body, row.Caption, media, row.ReplyToID, snapshot, row.CreatedAt, row.Status,
		row.DeletedForAll, row.HiddenLocally, row.IsEdited, row.EditedAt, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("upsert message %q: %w", row.ID, err)
	}
	return existing == nil, nil
}

// PatchMessage applies only the fields named in p to the row with the given
// id. It never inserts. Tombstoned rows refuse content changes. Reports
// whether the row was patched.
func (db *DB) PatchMessage(id string, p MessagePatch) (bool, error) {
	var patched bool
	err := db.withTx(func(tx *sql.Tx) error {
		existing, err := getMessage(tx, `id = ?`, id)
		if err != nil {
			return fmt.Errorf("load message %q: %w", id, err)
		}
		if existing == nil || (existing.DeletedForAll && !p.Empty()) {
			return nil
		}

		if p.Body != nil {
			existing.Body = *p.Body
		}
		if p.Caption != nil {
			existing.Caption = *p.Caption
		}
		if p.MediaRefs != nil {
			existing.MediaRefs = *p.MediaRefs
		}
		if p.IsEdited != nil {
			existing.IsEdited = *p.IsEdited
		}
		if p.EditedAt != nil && *p.EditedAt > existing.EditedAt {
			existing.EditedAt = *p.EditedAt
		}

		media, _, err := encodeStructured(existing)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE messages SET body = ?, caption = ?, media_refs = ?, is_edited = ?, edited_at = ?, updated_at = ?
			WHERE id = ?`,
			existing.Body, existing.Caption, media, existing.IsEdited, existing.EditedAt, time.Now().UnixMilli(), id); err != nil {
			return fmt.Errorf("patch message %q: %w", id, err)
		}
		patched = true
		return nil
	})
	return patched, err
}

// ReplaceIdentifier moves the row keyed by tempID to realID in place and sets
// its status to sent. References from replies are migrated with it. If the
// permanent row already exists (its echo arrived before the ack) the two are
// folded into the permanent row. A missing tempID is not an error.
func (db *DB) ReplaceIdentifier(tempID, realID string) (ReplaceResult, error) {
	if tempID == "" || realID == "" {
		return ReplaceMissing, fmt.Errorf("replace identifier: empty id")
	}
	result := ReplaceMissing
	err := db.withTx(func(tx *sql.Tx) error {
		temp, err := getMessage(tx, `id = ?`, tempID)
		if err != nil {
			return fmt.Errorf("load message %q: %w", tempID, err)
		}
		perm, err := getMessage(tx, `id = ?`, realID)
		if err != nil {
			return fmt.Errorf("load message %q: %w", realID, err)
		}

		now := time.Now().UnixMilli()
		switch {
		case temp == nil && perm != nil:
			result = ReplaceDuplicate
			return nil
		case temp == nil:
			return nil
		case tempID == realID:
			result = ReplaceDuplicate
			if CanAdvance(temp.Status, StatusSent) {
				if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, StatusSent, now, tempID); err != nil {
					return fmt.Errorf("mark sent %q: %w", tempID, err)
				}
			}
			return nil
		case perm != nil:
			merged := *perm
			if merged.ClientID == "" {
				merged.ClientID = temp.ClientID
			}
			merged.CreatedAt = temp.CreatedAt
			merged.HiddenLocally = perm.HiddenLocally || temp.HiddenLocally
			merged.Status = higher(perm.Status, StatusSent)
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, tempID); err != nil {
				return fmt.Errorf("fold temp row %q: %w", tempID, err)
			}
			if _, err := tx.Exec(`
				UPDATE messages SET client_id = ?, created_at = ?, hidden_locally = ?, status = ?, updated_at = ?
				WHERE id = ?`,
				merged.ClientID, merged.CreatedAt, merged.HiddenLocally, merged.Status, now, realID); err != nil {
				return fmt.Errorf("fold into %q: %w", realID, err)
			}
		default:
			status := temp.Status
			if CanAdvance(status, StatusSent) {
				status = StatusSent
			}
			if _, err := tx.Exec(`UPDATE messages SET id = ?, status = ?, updated_at = ? WHERE id = ?`,
				realID, status, now, tempID); err != nil {
				return fmt.Errorf("replace id %q -> %q: %w", tempID, realID, err)
			}
		}

		if _, err := tx.Exec(`
			UPDATE messages SET
				reply_to_id = ?,
				reply_to_snapshot = CASE WHEN reply_to_snapshot != '' THEN json_set(reply_to_snapshot, '$.messageId', ?) ELSE '' END
			WHERE reply_to_id = ?`, realID, realID, tempID); err != nil {
			return fmt.Errorf("migrate reply references: %w", err)
		}
		result = Replaced
		return nil
	})
	if err != nil {
		return ReplaceMissing, err
	}
	return result, nil
}

// ListMessages returns the most recent limit messages of a chat in ascending
// createdAt order. Rows hidden locally are left out.
func (db *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM (
			SELECT rowid AS seq, `+messageColumns+`
			FROM messages
			WHERE chat_id = ? AND hidden_locally = 0
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns the row with the given id, or nil if there is none.
func (db *DB) GetMessage(id string) (*Message, error) {
	return getMessage(db, `id = ?`, id)
}

// GetMessageByClientID returns the row created for a client id, whatever its
// current id is, or nil if there is none.
func (db *DB) GetMessageByClientID(clientID string) (*Message, error) {
	if clientID == "" {
		return nil, nil
	}
	return getMessage(db, `client_id = ?`, clientID)
}

// MarkStatus moves a message to status if that is a forward transition.
// Reports whether the row changed.
func (db *DB) MarkStatus(id string, status Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("mark status: unknown status %q", status)
	}
	var changed bool
	err := db.withTx(func(tx *sql.Tx) error {
		var current Status
		err := tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load status %q: %w", id, err)
		}
		if !CanAdvance(current, status) {
			return nil
		}
		if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UnixMilli(), id); err != nil {
			return fmt.Errorf("update status %q: %w", id, err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// MarkDeletedForAll turns the row into a tombstone. Rows hidden locally are
// left untouched. Reports whether the row changed.
func (db *DB) MarkDeletedForAll(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET
			deleted_for_all = 1, body = '', caption = '', media_refs = '[]', reply_to_snapshot = '', updated_at = ?
		WHERE id = ? AND hidden_locally = 0 AND deleted_for_all = 0`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("tombstone %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HideLocally marks a row as deleted for this user only. Reports whether the
// row changed.
func (db *DB) HideLocally(id string) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET hidden_locally = 1, updated_at = ? WHERE id = ? AND hidden_locally = 0`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("hide %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsHiddenLocally reports whether the row was deleted for this user.
func (db *DB) IsHiddenLocally(id string) (bool, error) {
	var hidden bool
	err := db.QueryRow(`SELECT hidden_locally FROM messages WHERE id = ?`, id).Scan(&hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return hidden, err
}

// SearchMessages returns visible messages whose body or caption contains
// query, newest first. An empty chatID searches every chat.
func (db *DB) SearchMessages(query, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(query) + "%"

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE hidden_locally = 0 AND deleted_for_all = 0
		AND (body LIKE ? ESCAPE '\' OR caption LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func getMessage(q querier, where string, arg any) (*Message, error) {
	row := q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+where+` ORDER BY rowid LIMIT 1`, arg)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanMessage(sc scanner) (*Message, error) {
	var (
		m        Message
		media    string
		snapshot string
	)
	if err := sc.Scan(&m.ID, &m.ChatID, &m.ClientID, &m.SenderID, &m.SenderDisplayName, &m.SenderAvatarRef,
		&m.Kind, &m.Body, &m.Caption, &media, &m.ReplyToID, &snapshot, &m.CreatedAt, &m.Status,
		&m.DeletedForAll, &m.HiddenLocally, &m.IsEdited, &m.EditedAt); err != nil {
		return nil, err
	}
	if media != "" && media != "[]" {
		if err := json.Unmarshal([]byte(media), &m.MediaRefs); err != nil {
			return nil, fmt.Errorf("decode media refs of %q: %w", m.ID, err)
		}
	}
	if snapshot != "" {
		m.ReplyTo = &ReplySnapshot{}
		if err := json.Unmarshal([]byte(snapshot), m.ReplyTo); err != nil {
			return nil, fmt.Errorf("decode reply snapshot of %q: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeStructured(m *Message) (media, snapshot string, err error) {
	media = "[]"
	if len(m.MediaRefs) > 0 {
		b, err := json.Marshal(m.MediaRefs)
		if err != nil {
			return "", "", fmt.Errorf("encode media refs: %w", err)
		}
		media = string(b)
	}
	if m.ReplyTo != nil {
		b, err := json.Marshal(m.ReplyTo)
		if err != nil {
			return "", "", fmt.Errorf("encode reply snapshot: %w", err)
		}
		snapshot = string(b)
	}
	return media, snapshot, nil
}

func clearContent(m *Message) {
	m.Body = ""
	m.Caption = ""
	m.MediaRefs = nil
	m.ReplyTo = nil
}

func copyContent(dst, src *Message) {
	dst.Body = src.Body
	dst.Caption = src.Caption
	dst.MediaRefs = src.MediaRefs
	dst.ReplyTo = src.ReplyTo
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
