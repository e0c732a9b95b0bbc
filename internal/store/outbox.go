package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `seq, client_id, chat_id, payload, created_at, attempt_count, last_error, last_attempt_at`

// Enqueue adds a send to the outbox. Enqueuing the same client id again
// replaces the payload but keeps the original position and attempt count.
func (db *DB) Enqueue(chatID, clientID string, payload []byte) error {
	return enqueue(db, chatID, clientID, payload)
}

func enqueue(q querier, chatID, clientID string, payload []byte) error {
	if clientID == "" || chatID == "" {
		return fmt.Errorf("enqueue: chat id and client id are required")
	}
	_, err := q.Exec(`
		INSERT INTO outbox (client_id, chat_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			payload = excluded.payload`,
		clientID, chatID, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", clientID, err)
	}
	return nil
}

// Dequeue removes the outbox entry for a client id. Reports whether an entry
// was removed; a missing entry is not an error.
func (db *DB) Dequeue(clientID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE client_id = ?`, clientID)
	if err != nil {
		return false, fmt.Errorf("dequeue %q: %w", clientID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListPending returns the outbox entries of a chat in enqueue order.
func (db *DB) ListPending(chatID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE chat_id = ? ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetOutbox returns the entry for a client id, or nil if there is none.
func (db *DB) GetOutbox(clientID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListOutboxChats returns the chats with at least one outbox entry, ordered
// by their oldest entry.
func (db *DB) ListOutboxChats() ([]string, error) {
	rows, err := db.Query(`SELECT chat_id FROM outbox GROUP BY chat_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// RecordAttempt counts one emission of the entry.
func (db *DB) RecordAttempt(clientID string) error {
	_, err := db.Exec(`UPDATE outbox SET attempt_count = attempt_count + 1, last_attempt_at = ? WHERE client_id = ?`,
		time.Now().UnixMilli(), clientID)
	if err != nil {
		return fmt.Errorf("record attempt %q: %w", clientID, err)
	}
	return nil
}

// MarkOutboxFailed stores the rejection reason. The entry stays queued.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	if errMsg == "" {
		errMsg = "rejected"
	}
	_, err := db.Exec(`UPDATE outbox SET last_error = ? WHERE client_id = ?`, errMsg, clientID)
	if err != nil {
		return fmt.Errorf("mark outbox failed %q: %w", clientID, err)
	}
	return nil
}

// ClearOutboxError makes a failed entry eligible for replay again.
func (db *DB) ClearOutboxError(clientID string) error {
	_, err := db.Exec(`UPDATE outbox SET last_error = '' WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("clear outbox error %q: %w", clientID, err)
	}
	return nil
}

// SaveOptimisticSend records a new send in one transaction: the outbox
// entry, the pending message row keyed by the client id, and the chat as
// open.
func (db *DB) SaveOptimisticSend(m *Message, payload []byte) error {
	return db.withTx(func(tx *sql.Tx) error {
		if err := enqueue(tx, m.ChatID, m.ClientID, payload); err != nil {
			return err
		}
		if _, err := upsertMessage(tx, m); err != nil {
			return err
		}
		return openChat(tx, m.ChatID)
	})
}

func scanOutbox(sc scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var payload []byte
	if err := sc.Scan(&e.Seq, &e.ClientID, &e.ChatID, &payload, &e.CreatedAt, &e.AttemptCount, &e.LastError, &e.LastAttemptAt); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
