// Package imsengine defines the contract the reconciliation engine consumes
// from the underlying IMS protocol stack. Sessions are ephemeral objects
// representing one active protocol exchange; all commands are asynchronous
// and their outcomes surface through listener callbacks.
package imsengine

// TerminationReason classifies why a session ended.
type TerminationReason string

const (
	TerminatedByUser           TerminationReason = "user"
	TerminatedBySystem         TerminationReason = "system"
	TerminatedByTimeout        TerminationReason = "timeout"
	TerminatedByInactivity     TerminationReason = "inactivity"
	TerminatedByConnectionLost TerminationReason = "connection_lost"
	TerminatedByRemote         TerminationReason = "remote"
)

// NetworkLoss reports whether a termination was caused by a network drop
// rather than a deliberate action. Network losses must never surface as
// user aborts.
func (r TerminationReason) NetworkLoss() bool {
	return r == TerminatedBySystem || r == TerminatedByConnectionLost
}

// RejectReason classifies a rejected invitation.
type RejectReason string

const (
	RejectedByUser    RejectReason = "by_user"
	RejectedByTimeout RejectReason = "by_timeout"
	RejectedByRemote  RejectReason = "by_remote"
)

// NotificationType distinguishes IMDN delivery from display notifications.
type NotificationType string

const (
	DeliveryNotification NotificationType = "delivery"
	DisplayNotification  NotificationType = "display"
)

// DispositionStatus is the status carried by an IMDN notification.
type DispositionStatus string

const (
	DispositionDelivered DispositionStatus = "delivered"
	DispositionDisplayed DispositionStatus = "displayed"
	DispositionFailed    DispositionStatus = "failed"
)

// Disposition is a received IMDN delivery/display acknowledgement.
type Disposition struct {
	MsgID     string
	Contact   string
	Type      NotificationType
	Status    DispositionStatus
	Timestamp int64
}

// InboundMessage is a message received within a chat session.
type InboundMessage struct {
	ID                  string
	Contact             string
	MimeType            string
	Body                string
	Timestamp           int64
	TimestampSent       int64
	DisplayReportWanted bool
}

// FileDescriptor describes the content of a file transfer.
type FileDescriptor struct {
	Name           string
	Size           int64
	MimeType       string
	URI            string
	IconURI        string
	IconExpiration int64
	Expiration     int64
}

// Session is the common surface of a live protocol exchange.
type Session interface {
	RemoteContact() string
	InitiatedByRemote() bool
	SessionAccepted() bool
	MediaEstablished() bool
	DialogEstablished() bool

	// Start, Accept, Reject and Terminate are asynchronous; outcomes
	// arrive through listener callbacks.
	Start()
	Accept()
	Reject(reason RejectReason)
	Terminate(reason TerminationReason)
}

// ChatListener receives lifecycle and payload events of a chat session.
type ChatListener interface {
	OnStarted(contact string)
	OnAccepting()
	OnRejected(reason RejectReason)
	OnAborted(reason TerminationReason)
	OnError(code ErrorCode)
	OnMessageSent(msgID string)
	OnMessageFailed(msgID string, code ErrorCode)
	OnMessageReceived(msg InboundMessage)
	OnDisposition(d Disposition)
	OnComposing(contact string, active bool)
}

// ChatSession is a live one-to-one or group messaging exchange.
type ChatSession interface {
	Session
	AddListener(l ChatListener)
	SendMessage(msgID, mimeType, body string)
	SendDisplayReport(msgID, contact string, timestamp int64)
	SendComposing(active bool)
	// StoreAndForward reports whether this is a store-and-forward
	// session established by the network to replay queued traffic.
	StoreAndForward() bool
}

// GroupListener extends ChatListener with conference events.
type GroupListener interface {
	ChatListener
	OnParticipantStatus(contact string, connected bool)
	OnParticipantDeparted(contact string)
}

// GroupChatSession is a live group conversation exchange.
type GroupChatSession interface {
	ChatSession
	// ConferenceID is the rejoin identity of the remote conference.
	ConferenceID() string
	Subject() string
	InviteParticipants(contacts []string)
	MaxAdditionalParticipants() int
}

// TransferListener receives lifecycle and progress events of a file session.
type TransferListener interface {
	OnStarted(contact string)
	OnAccepting()
	OnRejected(reason RejectReason)
	OnAborted(reason TerminationReason)
	OnError(code ErrorCode)
	OnProgress(transferred int64)
	OnTransferred()
	OnPaused(by TerminationReason)
	OnResumed()
	OnDisposition(d Disposition)
}

// FileSession is a live file transfer exchange.
type FileSession interface {
	Session
	AddTransferListener(l TransferListener)
	Pause()
	Resume()
	File() FileDescriptor
}

// ConnectivityHandler observes IMS registration changes.
type ConnectivityHandler func(connected bool)

// Engine creates live sessions. It performs no bookkeeping of its own: the
// entity registry above it is the single source of truth for which sessions
// exist.
type Engine interface {
	Connected() bool
	SetConnectivityHandler(h ConnectivityHandler)

	InitiateChat(contact string) (ChatSession, error)
	InitiateGroupChat(subject string, participants []string) (GroupChatSession, error)
	RejoinGroupChat(chatID, rejoinID string) (GroupChatSession, error)
	RestartGroupChat(chatID string, participants []string) (GroupChatSession, error)
	InitiateTransfer(contact string, file FileDescriptor) (FileSession, error)
	InitiateGroupTransfer(chatID string, participants []string, file FileDescriptor) (FileSession, error)
}
