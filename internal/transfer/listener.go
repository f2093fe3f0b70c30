package transfer

import (
	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/store"
	"go.uber.org/zap"
)

// transferListener adapts protocol callbacks for one transfer onto the
// service.
type transferListener struct {
	svc    *Service
	id     string
	chatID string
}

func (l *transferListener) OnStarted(contact string) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if changed, err := l.svc.db.SetTransferStateAndReason(l.id, store.TransferStarted, store.TransferReasonUnspecified); err == nil && changed {
		l.svc.publishState(l.id, l.chatID, store.TransferStarted, store.TransferReasonUnspecified)
	}
}

func (l *transferListener) OnAccepting() {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if changed, err := l.svc.db.SetTransferStateAndReason(l.id, store.TransferAccepting, store.TransferReasonUnspecified); err == nil && changed {
		l.svc.publishState(l.id, l.chatID, store.TransferAccepting, store.TransferReasonUnspecified)
	}
}

func (l *transferListener) OnRejected(reason imsengine.RejectReason) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	l.svc.markTerminal(l.id, l.chatID, store.TransferRejected, rejectReason(reason))
	l.svc.detach(l.id)
}

func (l *transferListener) OnAborted(reason imsengine.TerminationReason) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	l.svc.markTerminal(l.id, l.chatID, store.TransferAborted, abortReason(reason))
	l.svc.detach(l.id)
}

func (l *transferListener) OnError(code imsengine.ErrorCode) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	l.svc.logger.Warn("transfer session error", zap.String("transfer_id", l.id), zap.String("code", string(code)))
	reason := store.TransferReasonFailedTransfer
	if code == imsengine.CodeInitiationFailed || code == imsengine.CodeDeclined {
		reason = store.TransferReasonFailedInitiation
	}
	l.svc.markTerminal(l.id, l.chatID, store.TransferFailed, reason)
	l.svc.detach(l.id)
}

func (l *transferListener) OnProgress(transferred int64) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	changed, err := l.svc.db.SetTransferProgress(l.id, transferred)
	if err != nil {
		l.svc.logger.Error("failed to record progress", zap.Error(err), zap.String("transfer_id", l.id))
		return
	}
	if !changed {
		// Redundant progress reports are suppressed.
		return
	}
	t, err := l.svc.db.GetTransfer(l.id)
	if err != nil {
		return
	}
	l.svc.bus.Publish(bus.Event{
		Kind:    EventProgress,
		ID:      l.id,
		Payload: ProgressChange{ChatID: l.chatID, Transferred: transferred, Size: t.FileSize},
	})
}

// OnTransferred records completion and frees the concurrency slot; delivery
// acknowledgements keep flowing through this listener afterwards.
func (l *transferListener) OnTransferred() {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if changed, err := l.svc.db.SetTransferStateAndReason(l.id, store.TransferTransferred, store.TransferReasonUnspecified); err == nil && changed {
		l.svc.publishState(l.id, l.chatID, store.TransferTransferred, store.TransferReasonUnspecified)
	}
	l.svc.detach(l.id)
}

func (l *transferListener) OnPaused(by imsengine.TerminationReason) {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	pausedBy := store.PausedBySystem
	if by == imsengine.TerminatedByUser {
		pausedBy = store.PausedByUser
	}
	if changed, err := l.svc.db.SetTransferPaused(l.id, pausedBy); err == nil && changed {
		l.svc.publishState(l.id, l.chatID, store.TransferPaused, store.TransferReasonUnspecified)
	}
}

func (l *transferListener) OnResumed() {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if changed, err := l.svc.db.SetTransferResumed(l.id); err == nil && changed {
		l.svc.publishState(l.id, l.chatID, store.TransferStarted, store.TransferReasonUnspecified)
	}
}

func (l *transferListener) OnDisposition(d imsengine.Disposition) {
	if l.svc.group {
		l.svc.recordDelivery(l.id, l.chatID, d)
		return
	}
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	switch d.Status {
	case imsengine.DispositionDelivered:
		l.svc.expiry.Cancel(l.id)
		if changed, err := l.svc.db.SetTransferDelivered(l.id, d.Timestamp); err == nil && changed {
			l.svc.publishState(l.id, l.chatID, store.TransferDelivered, store.TransferReasonUnspecified)
		}
	case imsengine.DispositionDisplayed:
		l.svc.expiry.Cancel(l.id)
		if changed, err := l.svc.db.SetTransferDisplayed(l.id, d.Timestamp); err == nil && changed {
			l.svc.publishState(l.id, l.chatID, store.TransferDisplayed, store.TransferReasonUnspecified)
		}
	case imsengine.DispositionFailed:
		reason := store.TransferReasonFailedDelivery
		if d.Type == imsengine.DisplayNotification {
			reason = store.TransferReasonFailedDisplay
		}
		l.svc.markTerminal(l.id, l.chatID, store.TransferFailed, reason)
	}
}

// recordDelivery aggregates per-recipient acknowledgements for a group
// transfer; the aggregate advances only when every connected recipient
// agrees, and a recipient failure never fails it.
func (s *Service) recordDelivery(id, chatID string, d imsengine.Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d.Status {
	case imsengine.DispositionDelivered:
		changed, err := s.db.SetDeliveryInfoDelivered(id, chatID, d.Contact, d.Timestamp)
		if err != nil {
			s.logger.Error("failed to record delivery", zap.Error(err), zap.String("transfer_id", id))
			return
		}
		if changed {
			s.publishDelivery(id, chatID, d.Contact, store.DeliveryDelivered, store.DeliveryReasonUnspecified)
		}
		all, err := s.db.IsDeliveredToAll(id, chatID)
		if err != nil || !all {
			return
		}
		s.expiry.Cancel(id)
		if changed, _ := s.db.SetTransferDelivered(id, d.Timestamp); changed {
			s.publishState(id, chatID, store.TransferDelivered, store.TransferReasonUnspecified)
		}

	case imsengine.DispositionDisplayed:
		changed, err := s.db.SetDeliveryInfoDisplayed(id, chatID, d.Contact, d.Timestamp)
		if err != nil {
			s.logger.Error("failed to record display", zap.Error(err), zap.String("transfer_id", id))
			return
		}
		if changed {
			s.publishDelivery(id, chatID, d.Contact, store.DeliveryDisplayed, store.DeliveryReasonUnspecified)
		}
		delivered, err := s.db.IsDeliveredToAll(id, chatID)
		if err != nil || !delivered {
			return
		}
		displayed, err := s.db.IsDisplayedByAll(id, chatID)
		if err != nil || !displayed {
			return
		}
		s.expiry.Cancel(id)
		if changed, _ := s.db.SetTransferDisplayed(id, d.Timestamp); changed {
			s.publishState(id, chatID, store.TransferDisplayed, store.TransferReasonUnspecified)
		}

	case imsengine.DispositionFailed:
		reason := store.DeliveryReasonFailedDelivery
		if d.Type == imsengine.DisplayNotification {
			reason = store.DeliveryReasonFailedDisplay
		}
		changed, err := s.db.SetDeliveryInfoFailed(id, chatID, d.Contact, reason)
		if err != nil {
			s.logger.Error("failed to record delivery failure", zap.Error(err), zap.String("transfer_id", id))
			return
		}
		if changed {
			s.publishDelivery(id, chatID, d.Contact, store.DeliveryFailed, reason)
		}
	}
}

func (s *Service) publishDelivery(id, chatID, contact string, status store.DeliveryStatus, reason store.DeliveryReason) {
	s.bus.Publish(bus.Event{
		Kind:    EventDeliveryInfoChanged,
		ID:      id,
		Payload: DeliveryChange{ChatID: chatID, Contact: contact, Status: status, Reason: reason},
	})
}
