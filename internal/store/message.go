package store

import (
	"database/sql"
	"errors"
	"time"
)

// AddMessage inserts a message row. Idempotent on id.
func (db *DB) AddMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, chat_id, contact, mime_type, direction, status, reason, body,
			timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ChatID, m.Contact, m.MimeType, m.Direction, m.Status, m.Reason, m.Body,
		m.Timestamp, m.TimestampSent, m.TimestampDelivered, m.TimestampDisplayed,
		m.DeliveryExpiration, m.ExpiredDelivery, m.Read, now)
	return err
}

// GetMessage reads a message row by id.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, contact, mime_type, direction, status, reason, body,
			timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery, read
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.Contact, &m.MimeType, &m.Direction, &m.Status, &m.Reason, &m.Body,
			&m.Timestamp, &m.TimestampSent, &m.TimestampDelivered, &m.TimestampDisplayed,
			&m.DeliveryExpiration, &m.ExpiredDelivery, &m.Read)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMessageStatusAndReason updates status and reason. Returns true if the
// row actually changed.
func (db *DB) SetMessageStatusAndReason(id string, status MsgStatus, reason MsgReason) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, reason = ?
		WHERE id = ? AND (status <> ? OR reason <> ?)`,
		status, reason, id, status, reason)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetMessageDelivered promotes a message to delivered unless it is already
// delivered or displayed. Delivery status never regresses.
func (db *DB) SetMessageDelivered(id string, ts int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, reason = ?, timestamp_delivered = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		MsgDelivered, MsgReasonUnspecified, ts, id, MsgDelivered, MsgDisplayed)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetMessageDisplayed promotes a message to displayed unless it already is.
func (db *DB) SetMessageDisplayed(id string, ts int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, reason = ?, timestamp_displayed = ?
		WHERE id = ? AND status <> ?`,
		MsgDisplayed, MsgReasonUnspecified, ts, id, MsgDisplayed)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetMessageTimestamps updates local and sent timestamps (resend refreshes
// them before a new attempt).
func (db *DB) SetMessageTimestamps(id string, timestamp, timestampSent int64) error {
	_, err := db.Exec(`
		UPDATE messages SET timestamp = ?, timestamp_sent = ? WHERE id = ?`,
		timestamp, timestampSent, id)
	return err
}

// SetMessageRead flags an incoming message as read by the local user.
func (db *DB) SetMessageRead(id string) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET read = 1 WHERE id = ? AND read = 0`, id)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetMessageExpiredDelivery marks a message whose delivery expiration fired.
func (db *DB) SetMessageExpiredDelivery(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET expired_delivery = 1 WHERE id = ? AND expired_delivery = 0`, id)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// QueuedMessages returns queued messages for a chat in creation order.
func (db *DB) QueuedMessages(chatID string) ([]Message, error) {
	return db.queryMessages(`
		SELECT id, chat_id, contact, mime_type, direction, status, reason, body,
			timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery, read
		FROM messages WHERE chat_id = ? AND status = ? ORDER BY created_at ASC`,
		chatID, MsgQueued)
}

// AllQueuedMessages returns every queued message, for the global
// connectivity-regain sweep.
func (db *DB) AllQueuedMessages() ([]Message, error) {
	return db.queryMessages(`
		SELECT id, chat_id, contact, mime_type, direction, status, reason, body,
			timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery, read
		FROM messages WHERE status = ? ORDER BY created_at ASC`,
		MsgQueued)
}

// MarkQueuedMessagesFailed fails every queued message of a chat. Used when a
// group invitation is terminally rejected or failed.
func (db *DB) MarkQueuedMessagesFailed(chatID string) ([]string, error) {
	rows, err := db.Query(`SELECT id FROM messages WHERE chat_id = ? AND status = ?`, chatID, MsgQueued)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		UPDATE messages SET status = ?, reason = ? WHERE chat_id = ? AND status = ?`,
		MsgFailed, MsgReasonFailedSend, chatID, MsgQueued)
	return ids, err
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	return db.queryMessages(`
		SELECT id, chat_id, contact, mime_type, direction, status, reason, body,
			timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery, read
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Contact, &m.MimeType, &m.Direction, &m.Status,
			&m.Reason, &m.Body, &m.Timestamp, &m.TimestampSent, &m.TimestampDelivered,
			&m.TimestampDisplayed, &m.DeliveryExpiration, &m.ExpiredDelivery, &m.Read); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
