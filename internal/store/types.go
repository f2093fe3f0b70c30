package store

// Direction of a conversation, message or transfer.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// ConvState is the overall state of a conversation.
type ConvState string

const (
	ConvInitiating ConvState = "initiating"
	ConvInvited    ConvState = "invited"
	ConvAccepting  ConvState = "accepting"
	ConvStarted    ConvState = "started"
	ConvAborted    ConvState = "aborted"
	ConvRejected   ConvState = "rejected"
	ConvFailed     ConvState = "failed"
)

// ConvReason qualifies a terminal conversation state.
type ConvReason string

const (
	ConvReasonUnspecified         ConvReason = "unspecified"
	ConvReasonAbortedByUser       ConvReason = "aborted_by_user"
	ConvReasonAbortedByRemote     ConvReason = "aborted_by_remote"
	ConvReasonAbortedByInactivity ConvReason = "aborted_by_inactivity"
	ConvReasonRejectedByUser      ConvReason = "rejected_by_user"
	ConvReasonRejectedByRemote    ConvReason = "rejected_by_remote"
	ConvReasonRejectedByTimeout   ConvReason = "rejected_by_timeout"
	ConvReasonFailedInitiation    ConvReason = "failed_initiation"
)

// ParticipantStatus is the per-participant status within a group conversation.
type ParticipantStatus string

const (
	ParticipantInviteQueued ParticipantStatus = "invite_queued"
	ParticipantInviting     ParticipantStatus = "inviting"
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDeparted     ParticipantStatus = "departed"
	ParticipantDeclined     ParticipantStatus = "declined"
	ParticipantFailed       ParticipantStatus = "failed"
)

// MsgStatus is the message-level status.
type MsgStatus string

const (
	MsgQueued    MsgStatus = "queued"
	MsgSending   MsgStatus = "sending"
	MsgSent      MsgStatus = "sent"
	MsgDelivered MsgStatus = "delivered"
	MsgDisplayed MsgStatus = "displayed"
	MsgReceived  MsgStatus = "received"
	MsgFailed    MsgStatus = "failed"
)

// MsgReason qualifies a failed message.
type MsgReason string

const (
	MsgReasonUnspecified    MsgReason = "unspecified"
	MsgReasonFailedSend     MsgReason = "failed_send"
	MsgReasonFailedDelivery MsgReason = "failed_delivery"
	MsgReasonFailedDisplay  MsgReason = "failed_display"
)

// TransferState is the file-transfer state.
type TransferState string

const (
	TransferQueued      TransferState = "queued"
	TransferInitiating  TransferState = "initiating"
	TransferAccepting   TransferState = "accepting"
	TransferInvited     TransferState = "invited"
	TransferStarted     TransferState = "started"
	TransferPaused      TransferState = "paused"
	TransferTransferred TransferState = "transferred"
	TransferDelivered   TransferState = "delivered"
	TransferDisplayed   TransferState = "displayed"
	TransferFailed      TransferState = "failed"
	TransferAborted     TransferState = "aborted"
	TransferRejected    TransferState = "rejected"
)

// TransferReason qualifies a terminal transfer state.
type TransferReason string

const (
	TransferReasonUnspecified      TransferReason = "unspecified"
	TransferReasonAbortedByUser    TransferReason = "aborted_by_user"
	TransferReasonAbortedByRemote  TransferReason = "aborted_by_remote"
	TransferReasonAbortedBySystem  TransferReason = "aborted_by_system"
	TransferReasonRejectedByUser   TransferReason = "rejected_by_user"
	TransferReasonRejectedByRemote TransferReason = "rejected_by_remote"
	TransferReasonRejectedTimeout  TransferReason = "rejected_by_timeout"
	TransferReasonFailedInitiation TransferReason = "failed_initiation"
	TransferReasonFailedTransfer   TransferReason = "failed_transfer"
	TransferReasonFailedDelivery   TransferReason = "failed_delivery"
	TransferReasonFailedDisplay    TransferReason = "failed_display"
	TransferReasonFileExpired      TransferReason = "file_expired"
)

// PauseReason records who paused a transfer.
type PauseReason string

const (
	PausedByUser   PauseReason = "by_user"
	PausedBySystem PauseReason = "by_system"
)

// DeliveryStatus is the per-recipient delivery status of a group message or
// transfer.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDisplayed DeliveryStatus = "displayed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryReason qualifies a failed per-recipient delivery.
type DeliveryReason string

const (
	DeliveryReasonUnspecified    DeliveryReason = "unspecified"
	DeliveryReasonFailedDelivery DeliveryReason = "failed_delivery"
	DeliveryReasonFailedDisplay  DeliveryReason = "failed_display"
)

// Conversation is the durable row for a one-to-one or group conversation.
// ChatID is the remote contact identifier for one-to-one conversations and
// the contribution id for groups.
type Conversation struct {
	ChatID           string
	Contact          string // remote contact; empty for group
	IsGroup          bool
	Subject          string
	Direction        Direction
	State            ConvState
	Reason           ConvReason
	RejoinID         string
	RejectNextInvite bool
	MaxParticipants  int
	Timestamp        int64
}

// Participant is the per-participant row of a group conversation.
type Participant struct {
	ChatID  string
	Contact string
	Status  ParticipantStatus
}

// Message is the durable row for a chat message.
type Message struct {
	ID                 string
	ChatID             string
	Contact            string
	MimeType           string
	Direction          Direction
	Status             MsgStatus
	Reason             MsgReason
	Body               string
	Timestamp          int64
	TimestampSent      int64
	TimestampDelivered int64
	TimestampDisplayed int64
	DeliveryExpiration int64 // unix ms; 0 = never expires
	ExpiredDelivery    bool
	Read               bool
}

// Transfer is the durable row for a file, image, video or geoloc share.
type Transfer struct {
	ID                 string
	ChatID             string
	Contact            string
	FileName           string
	FileSize           int64
	MimeType           string
	FileURI            string
	IconURI            string
	IconExpiration     int64
	Direction          Direction
	State              TransferState
	Reason             TransferReason
	Progress           int64
	FileExpiration     int64
	PauseReason        PauseReason
	Timestamp          int64
	TimestampSent      int64
	TimestampDelivered int64
	TimestampDisplayed int64
	DeliveryExpiration int64 // unix ms; 0 = never expires
	ExpiredDelivery    bool
}

// DeliveryInfo is the per-recipient delivery row for a group message or
// transfer, keyed by (entity id, contact).
type DeliveryInfo struct {
	EntityID           string
	ChatID             string
	Contact            string
	Status             DeliveryStatus
	Reason             DeliveryReason
	TimestampDelivered int64
	TimestampDisplayed int64
}
