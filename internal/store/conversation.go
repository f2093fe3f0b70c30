package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// AddConversation inserts a conversation row. Idempotent on chat_id.
func (db *DB) AddConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (chat_id, contact, is_group, subject, direction, state, reason,
			rejoin_id, reject_next_invite, max_participants, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING`,
		c.ChatID, c.Contact, c.IsGroup, c.Subject, c.Direction, c.State, c.Reason,
		c.RejoinID, c.RejectNextInvite, c.MaxParticipants, c.Timestamp, now)
	return err
}

// GetConversation reads a conversation row by chat id.
func (db *DB) GetConversation(chatID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT chat_id, contact, is_group, subject, direction, state, reason,
			rejoin_id, reject_next_invite, max_participants, timestamp
		FROM conversations WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Contact, &c.IsGroup, &c.Subject, &c.Direction, &c.State, &c.Reason,
			&c.RejoinID, &c.RejectNextInvite, &c.MaxParticipants, &c.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetConversationStateAndReason updates state and reason code. Returns true
// if the row actually changed.
func (db *DB) SetConversationStateAndReason(chatID string, state ConvState, reason ConvReason) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE conversations SET state = ?, reason = ?, updated_at = ?
		WHERE chat_id = ? AND (state <> ? OR reason <> ?)`,
		state, reason, now, chatID, state, reason)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetRejoinID refreshes the rejoin identity obtained from the remote
// conference focus.
func (db *DB) SetRejoinID(chatID, rejoinID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE conversations SET rejoin_id = ?, updated_at = ?
		WHERE chat_id = ? AND rejoin_id <> ?`,
		rejoinID, now, chatID, rejoinID)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetRejectNextInvite flags a group conversation left by the user while no
// live session existed, so the next incoming invitation is auto-declined.
func (db *DB) SetRejectNextInvite(chatID string, reject bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET reject_next_invite = ?, updated_at = ? WHERE chat_id = ?`,
		reject, now, chatID)
	return err
}

// SetParticipantStatus upserts a single participant's status. Returns true
// when the status actually changed.
func (db *DB) SetParticipantStatus(chatID, contact string, status ParticipantStatus) (bool, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current ParticipantStatus
	err = tx.QueryRow(`SELECT status FROM participants WHERE chat_id = ? AND contact = ?`,
		chatID, contact).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`
			INSERT INTO participants (chat_id, contact, status, updated_at) VALUES (?, ?, ?, ?)`,
			chatID, contact, status, now); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case current == status:
		return false, tx.Commit()
	default:
		if _, err := tx.Exec(`
			UPDATE participants SET status = ?, updated_at = ? WHERE chat_id = ? AND contact = ?`,
			status, now, chatID, contact); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// SetParticipants replaces the stored status of every listed participant.
func (db *DB) SetParticipants(chatID string, participants map[string]ParticipantStatus) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for contact, status := range participants {
		if _, err := tx.Exec(`
			INSERT INTO participants (chat_id, contact, status, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(chat_id, contact) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
			chatID, contact, status, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetParticipants returns every participant of a group conversation.
func (db *DB) GetParticipants(chatID string) (map[string]ParticipantStatus, error) {
	rows, err := db.Query(`SELECT contact, status FROM participants WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	participants := make(map[string]ParticipantStatus)
	for rows.Next() {
		var contact string
		var status ParticipantStatus
		if err := rows.Scan(&contact, &status); err != nil {
			return nil, err
		}
		participants[contact] = status
	}
	return participants, rows.Err()
}

// ConnectedParticipants returns the contacts currently connected to a group
// conversation.
func (db *DB) ConnectedParticipants(chatID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT contact FROM participants WHERE chat_id = ? AND status = ?`,
		chatID, ParticipantConnected)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// DeleteConversation removes a conversation with its messages, transfers and
// delivery rows. Only user-initiated deletion goes through here.
func (db *DB) DeleteConversation(chatID string) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	var msgIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		msgIDs = append(msgIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		`DELETE FROM delivery_info WHERE chat_id = ?`,
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM transfers WHERE chat_id = ?`,
		`DELETE FROM conversations WHERE chat_id = ?`,
	} {
		if _, err := tx.Exec(stmt, chatID); err != nil {
			return nil, err
		}
	}
	return msgIDs, tx.Commit()
}
