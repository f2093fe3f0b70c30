package api

import (
	"github.com/rcsgo/rcsd/internal/config"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/store"
	"github.com/rcsgo/rcsd/internal/transfer"
)

// supportedMimes lists the transferable content types.
var supportedMimes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"video/mp4":       true,
	"video/3gpp":      true,
	"audio/aac":       true,
	"audio/amr":       true,
	"application/pdf": true,
	"text/vcard":      true,
}

// TransferAPI exposes file transfer commands.
type TransferAPI struct {
	oneToOne *transfer.Service
	group    *transfer.Service
	db       *store.DB
	cfg      *config.Config
}

// NewTransferAPI creates the transfer command boundary.
func NewTransferAPI(oneToOne, group *transfer.Service, db *store.DB, cfg *config.Config) *TransferAPI {
	return &TransferAPI{oneToOne: oneToOne, group: group, db: db, cfg: cfg}
}

func (a *TransferAPI) validateFile(file imsengine.FileDescriptor) error {
	if file.URI == "" {
		return invalidf("empty file uri")
	}
	if file.Size <= 0 {
		return invalidf("file size must be positive")
	}
	if !supportedMimes[file.MimeType] {
		return ErrUnsupported
	}
	if max := a.cfg.Transfer.MaxFileSize; max > 0 && file.Size > max {
		return invalidf("file exceeds %d bytes", max)
	}
	return nil
}

// Send starts a one-to-one file transfer. Returns the transfer id.
func (a *TransferAPI) Send(contact string, file imsengine.FileDescriptor) (string, error) {
	if contact == "" {
		return "", invalidf("empty contact")
	}
	if err := a.validateFile(file); err != nil {
		return "", err
	}
	return a.oneToOne.Send(contact, file)
}

// SendToGroup starts a group file transfer. Returns the transfer id.
func (a *TransferAPI) SendToGroup(chatID string, file imsengine.FileDescriptor) (string, error) {
	if chatID == "" {
		return "", invalidf("empty chat id")
	}
	if err := a.validateFile(file); err != nil {
		return "", err
	}
	conv, err := a.db.GetConversation(chatID)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if !conv.IsGroup {
		return "", invalidf("conversation %s is not a group", chatID)
	}
	return a.group.Send(chatID, file)
}

// Accept accepts an incoming transfer invitation.
func (a *TransferAPI) Accept(id string) error {
	if id == "" {
		return invalidf("empty transfer id")
	}
	return mapStoreErr(a.ownerOf(id).Accept(id))
}

// Reject declines an incoming transfer invitation.
func (a *TransferAPI) Reject(id string) error {
	if id == "" {
		return invalidf("empty transfer id")
	}
	return mapStoreErr(a.ownerOf(id).Reject(id))
}

// Pause suspends an active transfer.
func (a *TransferAPI) Pause(id string) error {
	if id == "" {
		return invalidf("empty transfer id")
	}
	return mapStoreErr(a.ownerOf(id).Pause(id))
}

// Resume continues a paused transfer.
func (a *TransferAPI) Resume(id string) error {
	if id == "" {
		return invalidf("empty transfer id")
	}
	return mapStoreErr(a.ownerOf(id).Resume(id))
}

// Abort requests cooperative termination of a transfer.
func (a *TransferAPI) Abort(id string) error {
	if id == "" {
		return invalidf("empty transfer id")
	}
	return mapStoreErr(a.ownerOf(id).Abort(id))
}

// Resend retries a failed outgoing transfer.
func (a *TransferAPI) Resend(id string) error {
	if id == "" {
		return invalidf("empty transfer id")
	}
	return mapStoreErr(a.ownerOf(id).Resend(id))
}

// Get reads the persisted transfer row.
func (a *TransferAPI) Get(id string) (*store.Transfer, error) {
	if id == "" {
		return nil, invalidf("empty transfer id")
	}
	row, err := a.db.GetTransfer(id)
	return row, mapStoreErr(err)
}

// ownerOf picks the engine owning the transfer's conversation. Unknown ids
// fall through to the one-to-one engine, whose lookup reports not-found.
func (a *TransferAPI) ownerOf(id string) *transfer.Service {
	row, err := a.db.GetTransfer(id)
	if err != nil {
		return a.oneToOne
	}
	conv, err := a.db.GetConversation(row.ChatID)
	if err == nil && conv.IsGroup {
		return a.group
	}
	return a.oneToOne
}
