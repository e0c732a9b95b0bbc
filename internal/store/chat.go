package store

import (
	"fmt"
	"time"
)

// OpenChat marks a chat as open so it is rejoined and replayed on reconnect.
func (db *DB) OpenChat(chatID string) error {
	return openChat(db, chatID)
}

func openChat(q querier, chatID string) error {
	_, err := q.Exec(`INSERT INTO chats (chat_id, opened_at) VALUES (?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		chatID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("open chat %q: %w", chatID, err)
	}
	return nil
}

// CloseChat stops rejoining a chat on reconnect. Outbox entries of the chat
// are still replayed.
func (db *DB) CloseChat(chatID string) error {
	if _, err := db.Exec(`DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("close chat %q: %w", chatID, err)
	}
	return nil
}

// ListOpenChats returns open chats in the order they were opened.
func (db *DB) ListOpenChats() ([]string, error) {
	rows, err := db.Query(`SELECT chat_id FROM chats ORDER BY opened_at ASC, rowid ASC`)
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
