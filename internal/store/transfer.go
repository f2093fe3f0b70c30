package store

import (
	"database/sql"
	"errors"
	"time"
)

// AddTransfer inserts a transfer row. Idempotent on id.
func (db *DB) AddTransfer(t *Transfer) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO transfers (id, chat_id, contact, file_name, file_size, mime_type, file_uri,
			icon_uri, icon_expiration, direction, state, reason, progress, file_expiration,
			pause_reason, timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.ChatID, t.Contact, t.FileName, t.FileSize, t.MimeType, t.FileURI,
		t.IconURI, t.IconExpiration, t.Direction, t.State, t.Reason, t.Progress, t.FileExpiration,
		t.PauseReason, t.Timestamp, t.TimestampSent, t.TimestampDelivered, t.TimestampDisplayed,
		t.DeliveryExpiration, t.ExpiredDelivery, now)
	return err
}

// GetTransfer reads a transfer row by id.
func (db *DB) GetTransfer(id string) (*Transfer, error) {
	var t Transfer
	err := db.QueryRow(`
		SELECT id, chat_id, contact, file_name, file_size, mime_type, file_uri,
			icon_uri, icon_expiration, direction, state, reason, progress, file_expiration,
			pause_reason, timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery
		FROM transfers WHERE id = ?`, id).
		Scan(&t.ID, &t.ChatID, &t.Contact, &t.FileName, &t.FileSize, &t.MimeType, &t.FileURI,
			&t.IconURI, &t.IconExpiration, &t.Direction, &t.State, &t.Reason, &t.Progress,
			&t.FileExpiration, &t.PauseReason, &t.Timestamp, &t.TimestampSent,
			&t.TimestampDelivered, &t.TimestampDisplayed, &t.DeliveryExpiration, &t.ExpiredDelivery)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetTransferStateAndReason updates state and reason. Returns true if the
// row actually changed.
func (db *DB) SetTransferStateAndReason(id string, state TransferState, reason TransferReason) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET state = ?, reason = ?
		WHERE id = ? AND (state <> ? OR reason <> ?)`,
		state, reason, id, state, reason)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetTransferPaused records a pause with who caused it.
func (db *DB) SetTransferPaused(id string, pausedBy PauseReason) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET state = ?, pause_reason = ?
		WHERE id = ? AND state = ?`,
		TransferPaused, pausedBy, id, TransferStarted)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetTransferResumed clears a pause.
func (db *DB) SetTransferResumed(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET state = ?, pause_reason = ''
		WHERE id = ? AND state = ?`,
		TransferStarted, id, TransferPaused)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetTransferProgress records transferred bytes. Returns true when the value
// actually advanced, so redundant progress events are suppressed.
func (db *DB) SetTransferProgress(id string, transferred int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET progress = ? WHERE id = ? AND progress <> ?`,
		transferred, id, transferred)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetTransferDelivered promotes a transfer to delivered unless it is already
// delivered or displayed.
func (db *DB) SetTransferDelivered(id string, ts int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET state = ?, reason = ?, timestamp_delivered = ?
		WHERE id = ? AND state NOT IN (?, ?)`,
		TransferDelivered, TransferReasonUnspecified, ts, id, TransferDelivered, TransferDisplayed)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetTransferDisplayed promotes a transfer to displayed unless it already is.
func (db *DB) SetTransferDisplayed(id string, ts int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET state = ?, reason = ?, timestamp_displayed = ?
		WHERE id = ? AND state <> ?`,
		TransferDisplayed, TransferReasonUnspecified, ts, id, TransferDisplayed)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// SetTransferTimestamps updates local and sent timestamps before a new
// attempt.
func (db *DB) SetTransferTimestamps(id string, timestamp, timestampSent int64) error {
	_, err := db.Exec(`
		UPDATE transfers SET timestamp = ?, timestamp_sent = ? WHERE id = ?`,
		timestamp, timestampSent, id)
	return err
}

// SetTransferExpiredDelivery marks a transfer whose delivery expiration
// fired.
func (db *DB) SetTransferExpiredDelivery(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE transfers SET expired_delivery = 1 WHERE id = ? AND expired_delivery = 0`, id)
	if err != nil {
		return false, err
	}
	return changed(res), nil
}

// QueuedTransfers returns queued outgoing transfers for a chat in creation
// order.
func (db *DB) QueuedTransfers(chatID string) ([]Transfer, error) {
	return db.queryTransfers(`
		SELECT id, chat_id, contact, file_name, file_size, mime_type, file_uri,
			icon_uri, icon_expiration, direction, state, reason, progress, file_expiration,
			pause_reason, timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery
		FROM transfers WHERE chat_id = ? AND state = ? AND direction = ?
		ORDER BY created_at ASC`,
		chatID, TransferQueued, Outgoing)
}

// AllQueuedTransfers returns every queued outgoing transfer, for the global
// connectivity-regain sweep.
func (db *DB) AllQueuedTransfers() ([]Transfer, error) {
	return db.queryTransfers(`
		SELECT id, chat_id, contact, file_name, file_size, mime_type, file_uri,
			icon_uri, icon_expiration, direction, state, reason, progress, file_expiration,
			pause_reason, timestamp, timestamp_sent, timestamp_delivered, timestamp_displayed,
			delivery_expiration, expired_delivery
		FROM transfers WHERE state = ? AND direction = ?
		ORDER BY created_at ASC`,
		TransferQueued, Outgoing)
}

// MarkQueuedTransfersFailed fails every queued transfer of a chat.
func (db *DB) MarkQueuedTransfersFailed(chatID string) ([]string, error) {
	rows, err := db.Query(`SELECT id FROM transfers WHERE chat_id = ? AND state = ?`, chatID, TransferQueued)
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
		UPDATE transfers SET state = ?, reason = ? WHERE chat_id = ? AND state = ?`,
		TransferFailed, TransferReasonFailedInitiation, chatID, TransferQueued)
	return ids, err
}

func (db *DB) queryTransfers(query string, args ...any) ([]Transfer, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var transfers []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Contact, &t.FileName, &t.FileSize, &t.MimeType,
			&t.FileURI, &t.IconURI, &t.IconExpiration, &t.Direction, &t.State, &t.Reason,
			&t.Progress, &t.FileExpiration, &t.PauseReason, &t.Timestamp, &t.TimestampSent,
			&t.TimestampDelivered, &t.TimestampDisplayed, &t.DeliveryExpiration,
			&t.ExpiredDelivery); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
