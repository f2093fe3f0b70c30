package imsengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Loopback is an in-memory Engine. Sessions establish immediately and every
// sent message is acknowledged as delivered by each recipient. It backs the
// daemon when no protocol stack is attached and the engine test suites. It
// is not a wire protocol.
type Loopback struct {
	mu        sync.Mutex
	connected bool
	handler   ConnectivityHandler

	// AutoDeliver controls whether sent messages receive a synthetic
	// delivered disposition from each recipient.
	AutoDeliver bool

	initiateErr error
}

// NewLoopback creates a connected loopback engine.
func NewLoopback() *Loopback {
	return &Loopback{connected: true, AutoDeliver: true}
}

func (e *Loopback) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Loopback) SetConnectivityHandler(h ConnectivityHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// SetConnected flips registration state and notifies the handler.
func (e *Loopback) SetConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(connected)
	}
}

// FailNextInitiate makes the next Initiate*/Rejoin/Restart call return err.
func (e *Loopback) FailNextInitiate(err error) {
	e.mu.Lock()
	e.initiateErr = err
	e.mu.Unlock()
}

func (e *Loopback) takeErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return ErrNotConnected
	}
	err := e.initiateErr
	e.initiateErr = nil
	return err
}

func (e *Loopback) InitiateChat(contact string) (ChatSession, error) {
	if err := e.takeErr(); err != nil {
		return nil, err
	}
	return newLoopbackChat(e, contact, []string{contact}), nil
}

func (e *Loopback) InitiateGroupChat(subject string, participants []string) (GroupChatSession, error) {
	if err := e.takeErr(); err != nil {
		return nil, err
	}
	s := newLoopbackChat(e, "", participants)
	s.subject = subject
	s.conferenceID = uuid.NewString()
	return s, nil
}

func (e *Loopback) RejoinGroupChat(chatID, rejoinID string) (GroupChatSession, error) {
	if err := e.takeErr(); err != nil {
		return nil, err
	}
	if rejoinID == "" {
		return nil, &SessionError{Code: CodeNotFound, Msg: "no rejoin identity"}
	}
	s := newLoopbackChat(e, "", nil)
	s.conferenceID = rejoinID
	return s, nil
}

func (e *Loopback) RestartGroupChat(chatID string, participants []string) (GroupChatSession, error) {
	if err := e.takeErr(); err != nil {
		return nil, err
	}
	s := newLoopbackChat(e, "", participants)
	s.conferenceID = uuid.NewString()
	return s, nil
}

func (e *Loopback) InitiateTransfer(contact string, file FileDescriptor) (FileSession, error) {
	if err := e.takeErr(); err != nil {
		return nil, err
	}
	return newLoopbackFile(e, contact, file), nil
}

func (e *Loopback) InitiateGroupTransfer(chatID string, participants []string, file FileDescriptor) (FileSession, error) {
	if err := e.takeErr(); err != nil {
		return nil, err
	}
	s := newLoopbackFile(e, "", file)
	s.participants = participants
	return s, nil
}

// IncomingChat fabricates a remote-initiated one-to-one session awaiting
// local acceptance.
func (e *Loopback) IncomingChat(contact string) ChatSession {
	s := newLoopbackChat(e, contact, []string{contact})
	s.remote = true
	return s
}

// IncomingGroupChat fabricates a remote-initiated group invitation awaiting
// local acceptance.
func (e *Loopback) IncomingGroupChat(subject string, participants []string) GroupChatSession {
	s := newLoopbackChat(e, "", participants)
	s.remote = true
	s.subject = subject
	s.conferenceID = uuid.NewString()
	return s
}

// IncomingTransfer fabricates a remote-initiated transfer invitation
// awaiting local acceptance.
func (e *Loopback) IncomingTransfer(contact string, file FileDescriptor) FileSession {
	s := newLoopbackFile(e, contact, file)
	s.remote = true
	return s
}

type loopbackSession struct {
	engine *Loopback

	mu          sync.Mutex
	contact     string
	remote      bool
	accepted    bool
	established bool
}

func (s *loopbackSession) RemoteContact() string { return s.contact }

func (s *loopbackSession) InitiatedByRemote() bool { return s.remote }

func (s *loopbackSession) SessionAccepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *loopbackSession) MediaEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *loopbackSession) DialogEstablished() bool {
	return s.MediaEstablished()
}

func (s *loopbackSession) establish() {
	s.mu.Lock()
	s.accepted = true
	s.established = true
	s.mu.Unlock()
}

type loopbackChat struct {
	loopbackSession

	subject      string
	conferenceID string
	participants []string

	lmu       sync.Mutex
	listeners []ChatListener
}

func newLoopbackChat(e *Loopback, contact string, participants []string) *loopbackChat {
	return &loopbackChat{
		loopbackSession: loopbackSession{engine: e, contact: contact},
		participants:    participants,
	}
}

func (s *loopbackChat) AddListener(l ChatListener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *loopbackChat) each(f func(ChatListener)) {
	s.lmu.Lock()
	ls := append([]ChatListener(nil), s.listeners...)
	s.lmu.Unlock()
	for _, l := range ls {
		f(l)
	}
}

func (s *loopbackChat) Start() {
	go func() {
		s.establish()
		s.each(func(l ChatListener) { l.OnStarted(s.contact) })
	}()
}

func (s *loopbackChat) Accept() { s.Start() }

func (s *loopbackChat) Reject(reason RejectReason) {
	go s.each(func(l ChatListener) { l.OnRejected(reason) })
}

func (s *loopbackChat) Terminate(reason TerminationReason) {
	go s.each(func(l ChatListener) { l.OnAborted(reason) })
}

func (s *loopbackChat) SendMessage(msgID, mimeType, body string) {
	go func() {
		s.each(func(l ChatListener) { l.OnMessageSent(msgID) })
		if !s.engine.AutoDeliver {
			return
		}
		now := time.Now().UnixMilli()
		recipients := s.participants
		if len(recipients) == 0 && s.contact != "" {
			recipients = []string{s.contact}
		}
		for _, contact := range recipients {
			d := Disposition{
				MsgID:     msgID,
				Contact:   contact,
				Type:      DeliveryNotification,
				Status:    DispositionDelivered,
				Timestamp: now,
			}
			s.each(func(l ChatListener) { l.OnDisposition(d) })
		}
	}()
}

func (s *loopbackChat) SendDisplayReport(msgID, contact string, timestamp int64) {}

func (s *loopbackChat) SendComposing(active bool) {}

func (s *loopbackChat) StoreAndForward() bool { return false }

func (s *loopbackChat) ConferenceID() string { return s.conferenceID }

func (s *loopbackChat) Subject() string { return s.subject }

func (s *loopbackChat) InviteParticipants(contacts []string) {
	s.participants = append(s.participants, contacts...)
}

func (s *loopbackChat) MaxAdditionalParticipants() int { return 10 }

type loopbackFile struct {
	loopbackSession

	file         FileDescriptor
	participants []string

	lmu       sync.Mutex
	listeners []TransferListener
}

func newLoopbackFile(e *Loopback, contact string, file FileDescriptor) *loopbackFile {
	return &loopbackFile{
		loopbackSession: loopbackSession{engine: e, contact: contact},
		file:            file,
	}
}

func (s *loopbackFile) AddTransferListener(l TransferListener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *loopbackFile) each(f func(TransferListener)) {
	s.lmu.Lock()
	ls := append([]TransferListener(nil), s.listeners...)
	s.lmu.Unlock()
	for _, l := range ls {
		f(l)
	}
}

func (s *loopbackFile) Start() {
	go func() {
		s.establish()
		s.each(func(l TransferListener) { l.OnStarted(s.contact) })
		s.each(func(l TransferListener) { l.OnProgress(s.file.Size) })
		s.each(func(l TransferListener) { l.OnTransferred() })
	}()
}

func (s *loopbackFile) Accept() { s.Start() }

func (s *loopbackFile) Reject(reason RejectReason) {
	go s.each(func(l TransferListener) { l.OnRejected(reason) })
}

func (s *loopbackFile) Terminate(reason TerminationReason) {
	go s.each(func(l TransferListener) { l.OnAborted(reason) })
}

func (s *loopbackFile) Pause() {
	go s.each(func(l TransferListener) { l.OnPaused(TerminatedByUser) })
}

func (s *loopbackFile) Resume() {
	go s.each(func(l TransferListener) { l.OnResumed() })
}

func (s *loopbackFile) File() FileDescriptor { return s.file }
