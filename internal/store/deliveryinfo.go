package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetDeliveryInfoDelivered upserts a per-recipient delivered row. Returns
// true when the row changed.
func (db *DB) SetDeliveryInfoDelivered(entityID, chatID, contact string, ts int64) (bool, error) {
	return db.setDeliveryInfo(entityID, chatID, contact, DeliveryDelivered, DeliveryReasonUnspecified, ts, 0)
}

// SetDeliveryInfoDisplayed upserts a per-recipient displayed row.
func (db *DB) SetDeliveryInfoDisplayed(entityID, chatID, contact string, ts int64) (bool, error) {
	return db.setDeliveryInfo(entityID, chatID, contact, DeliveryDisplayed, DeliveryReasonUnspecified, 0, ts)
}

// SetDeliveryInfoFailed upserts a per-recipient failed row. When no row
// exists yet one is inserted with zero timestamps, so renderers always find
// a record for every attempted recipient.
func (db *DB) SetDeliveryInfoFailed(entityID, chatID, contact string, reason DeliveryReason) (bool, error) {
	return db.setDeliveryInfo(entityID, chatID, contact, DeliveryFailed, reason, 0, 0)
}

func (db *DB) setDeliveryInfo(entityID, chatID, contact string, status DeliveryStatus,
	reason DeliveryReason, tsDelivered, tsDisplayed int64) (bool, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current DeliveryStatus
	var currentReason DeliveryReason
	err = tx.QueryRow(`
		SELECT status, reason FROM delivery_info WHERE entity_id = ? AND contact = ?`,
		entityID, contact).Scan(&current, &currentReason)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`
			INSERT INTO delivery_info (entity_id, chat_id, contact, status, reason,
				timestamp_delivered, timestamp_displayed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entityID, chatID, contact, status, reason, tsDelivered, tsDisplayed, now); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case current == status && currentReason == reason:
		return false, tx.Commit()
	case current == DeliveryDisplayed && status == DeliveryDelivered:
		// Displayed already implies delivered; record the timestamp only.
		if _, err := tx.Exec(`
			UPDATE delivery_info SET timestamp_delivered = ?, updated_at = ?
			WHERE entity_id = ? AND contact = ? AND timestamp_delivered = 0`,
			tsDelivered, now, entityID, contact); err != nil {
			return false, err
		}
		return false, tx.Commit()
	default:
		if _, err := tx.Exec(`
			UPDATE delivery_info SET status = ?, reason = ?,
				timestamp_delivered = MAX(timestamp_delivered, ?),
				timestamp_displayed = MAX(timestamp_displayed, ?),
				updated_at = ?
			WHERE entity_id = ? AND contact = ?`,
			status, reason, tsDelivered, tsDisplayed, now, entityID, contact); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// GetDeliveryInfo reads one per-recipient row.
func (db *DB) GetDeliveryInfo(entityID, contact string) (*DeliveryInfo, error) {
	var d DeliveryInfo
	err := db.QueryRow(`
		SELECT entity_id, chat_id, contact, status, reason, timestamp_delivered, timestamp_displayed
		FROM delivery_info WHERE entity_id = ? AND contact = ?`, entityID, contact).
		Scan(&d.EntityID, &d.ChatID, &d.Contact, &d.Status, &d.Reason,
			&d.TimestampDelivered, &d.TimestampDisplayed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// IsDeliveredToAll reports whether every connected recipient of the entity's
// chat has a delivery row at delivered or beyond. False when the chat has no
// connected recipients.
func (db *DB) IsDeliveredToAll(entityID, chatID string) (bool, error) {
	var ok bool
	err := db.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM participants WHERE chat_id = ?1 AND status = ?3)
		AND NOT EXISTS (
			SELECT 1 FROM participants p
			WHERE p.chat_id = ?1 AND p.status = ?3
			AND NOT EXISTS (
				SELECT 1 FROM delivery_info d
				WHERE d.entity_id = ?2 AND d.contact = p.contact
				AND d.status IN (?4, ?5)))`,
		chatID, entityID, ParticipantConnected, DeliveryDelivered, DeliveryDisplayed).Scan(&ok)
	return ok, err
}

// IsDisplayedByAll reports whether every connected recipient has a displayed
// row. Only meaningful once IsDeliveredToAll holds.
func (db *DB) IsDisplayedByAll(entityID, chatID string) (bool, error) {
	var ok bool
	err := db.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM participants WHERE chat_id = ?1 AND status = ?3)
		AND NOT EXISTS (
			SELECT 1 FROM participants p
			WHERE p.chat_id = ?1 AND p.status = ?3
			AND NOT EXISTS (
				SELECT 1 FROM delivery_info d
				WHERE d.entity_id = ?2 AND d.contact = p.contact
				AND d.status = ?4))`,
		chatID, entityID, ParticipantConnected, DeliveryDisplayed).Scan(&ok)
	return ok, err
}
