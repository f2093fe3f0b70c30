package chat

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/config"
	"github.com/rcsgo/rcsd/internal/expiry"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/registry"
	"github.com/rcsgo/rcsd/internal/store"
	"github.com/rcsgo/rcsd/internal/worker"
	"go.uber.org/zap"
)

type testEnv struct {
	db       *store.DB
	engine   *imsengine.Loopback
	bus      *bus.Bus
	expiry   *expiry.Manager
	adm      *registry.Admission
	pool     *worker.Pool
	cfg      *config.Config
	oneToOne *OneToOne
	group    *Group
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger := zap.NewNop()
	exp := expiry.New(db, b, logger)
	t.Cleanup(exp.Stop)
	pool := worker.New(4, b, logger)
	t.Cleanup(pool.Stop)
	adm := registry.NewAdmission(5, 3)
	cfg := config.Default()
	engine := imsengine.NewLoopback()

	env := &testEnv{
		db:     db,
		engine: engine,
		bus:    b,
		expiry: exp,
		adm:    adm,
		pool:   pool,
		cfg:    cfg,
	}
	env.oneToOne = NewOneToOne(db, engine, b, exp, adm, pool, cfg, logger)
	env.group = NewGroup(db, engine, b, exp, adm, pool, cfg, logger)
	return env
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (e *testEnv) messageStatus(t *testing.T, msgID string) store.MsgStatus {
	t.Helper()
	m, err := e.db.GetMessage(msgID)
	if err != nil {
		t.Fatal(err)
	}
	return m.Status
}

func (e *testEnv) conversationState(t *testing.T, chatID string) store.ConvState {
	t.Helper()
	c, err := e.db.GetConversation(chatID)
	if err != nil {
		t.Fatal(err)
	}
	return c.State
}

func TestSendTextDeliversOverNewSession(t *testing.T) {
	env := newTestEnv(t)

	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never reached DELIVERED", func() bool {
		return env.messageStatus(t, msgID) == store.MsgDelivered
	})
	if env.oneToOne.sessions.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", env.oneToOne.sessions.Len())
	}
}

func TestSendWhileDisconnectedQueuesThenPromotes(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetConnected(false)

	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got := env.messageStatus(t, msgID); got != store.MsgQueued {
		t.Fatalf("status while offline = %s, want queued", got)
	}
	if env.oneToOne.sessions.Len() != 0 {
		t.Fatalf("live sessions while offline = %d, want 0", env.oneToOne.sessions.Len())
	}

	env.engine.SetConnected(true)
	env.oneToOne.SweepAll()

	waitFor(t, "queued message never promoted after reconnect", func() bool {
		st := env.messageStatus(t, msgID)
		return st == store.MsgSent || st == store.MsgDelivered
	})
}

func TestConcurrentResendCreatesOneSession(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetConnected(false)
	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	env.engine.SetConnected(true)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.oneToOne.Resend(msgID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if env.oneToOne.sessions.Len() != 1 {
		t.Errorf("live sessions = %d, want exactly 1", env.oneToOne.sessions.Len())
	}
}

func TestTransientInitiationFailureKeepsQueued(t *testing.T) {
	env := newTestEnv(t)
	env.engine.FailNextInitiate(imsengine.ErrNotConnected)

	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got := env.messageStatus(t, msgID); got != store.MsgQueued {
		t.Errorf("status after transient failure = %s, want queued", got)
	}
	if env.adm.ChatSessions() != 0 {
		t.Errorf("reserved sessions = %d, want 0 (slot released)", env.adm.ChatSessions())
	}
}

func TestPermanentInitiationFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.engine.FailNextInitiate(&imsengine.SessionError{Code: imsengine.CodePayloadInvalid})

	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	m, err := env.db.GetMessage(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MsgFailed || m.Reason != store.MsgReasonFailedSend {
		t.Errorf("message = %s/%s, want failed/failed_send", m.Status, m.Reason)
	}
}

func TestInboundMessagePersistedBeforePublish(t *testing.T) {
	env := newTestEnv(t)
	events, unsub := env.bus.Subscribe(bus.NSChat, 32)
	defer unsub()

	sess, err := env.engine.InitiateChat("+5511999990001")
	if err != nil {
		t.Fatal(err)
	}
	env.oneToOne.HandleIncomingSession(sess)

	l := &oneToOneListener{svc: env.oneToOne, contact: "+5511999990001"}
	l.OnMessageReceived(imsengine.InboundMessage{
		ID: "in-1", Contact: "+5511999990001", MimeType: MimeText,
		Body: "hi", Timestamp: time.Now().UnixMilli(),
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Kind != EventMessageReceived {
				continue
			}
			// Row must already be visible when the event arrives.
			m, err := env.db.GetMessage(evt.ID)
			if err != nil {
				t.Fatalf("event published before row persisted: %v", err)
			}
			if m.Status != store.MsgReceived {
				t.Errorf("status = %s, want received", m.Status)
			}
			return
		case <-deadline:
			t.Fatal("no message_received event")
		}
	}
}

func TestGroupConnectionLossKeepsStarted(t *testing.T) {
	env := newTestEnv(t)

	chatID, err := env.group.Initiate("trip", []string{"+551", "+552"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "conversation never started", func() bool {
		return env.conversationState(t, chatID) == store.ConvStarted
	})
	w, ok := env.group.sessions.Get(chatID)
	if !ok {
		t.Fatal("no live session after start")
	}

	w.session.Terminate(imsengine.TerminatedByConnectionLost)
	waitFor(t, "wrapper never removed after connection loss", func() bool {
		_, ok := env.group.sessions.Get(chatID)
		return !ok
	})
	if got := env.conversationState(t, chatID); got != store.ConvStarted {
		t.Fatalf("state after connection loss = %s, want started (never aborted)", got)
	}

	// A later rejoin re-attaches with the persisted rejoin identity.
	if err := env.group.Rejoin(chatID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rejoin never re-established the session", func() bool {
		w, ok := env.group.sessions.Get(chatID)
		return ok && w.session.MediaEstablished()
	})
	if got := env.conversationState(t, chatID); got != store.ConvStarted {
		t.Errorf("state after rejoin = %s, want started", got)
	}
}

func TestGroupUserAbortMarksAborted(t *testing.T) {
	env := newTestEnv(t)

	chatID, err := env.group.Initiate("trip", []string{"+551"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "conversation never started", func() bool {
		return env.conversationState(t, chatID) == store.ConvStarted
	})

	if err := env.group.Leave(chatID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "conversation never aborted", func() bool {
		return env.conversationState(t, chatID) == store.ConvAborted
	})
	c, err := env.db.GetConversation(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Reason != store.ConvReasonAbortedByUser {
		t.Errorf("reason = %s, want aborted_by_user", c.Reason)
	}
	if env.adm.ChatSessions() != 0 {
		t.Errorf("reserved sessions = %d, want 0 after teardown", env.adm.ChatSessions())
	}
}

func TestGroupRemoteAbortMapsReason(t *testing.T) {
	env := newTestEnv(t)

	chatID, err := env.group.Initiate("trip", []string{"+551"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "conversation never started", func() bool {
		return env.conversationState(t, chatID) == store.ConvStarted
	})
	w, _ := env.group.sessions.Get(chatID)
	w.session.Terminate(imsengine.TerminatedByRemote)

	waitFor(t, "conversation never aborted", func() bool {
		return env.conversationState(t, chatID) == store.ConvAborted
	})
	c, _ := env.db.GetConversation(chatID)
	if c.Reason != store.ConvReasonAbortedByRemote {
		t.Errorf("reason = %s, want aborted_by_remote", c.Reason)
	}
}

func TestGroupSendRejoinsAndRefreshesIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.engine.AutoDeliver = false

	chatID, err := env.group.Initiate("trip", []string{"+551", "+552"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "conversation never started", func() bool {
		return env.conversationState(t, chatID) == store.ConvStarted
	})
	before, _ := env.db.GetConversation(chatID)
	if before.RejoinID == "" {
		t.Fatal("rejoin id not persisted on session start")
	}

	// Drop the session as a network loss, then send: the send must rejoin
	// with the persisted identity.
	w, _ := env.group.sessions.Get(chatID)
	w.session.Terminate(imsengine.TerminatedByConnectionLost)
	waitFor(t, "wrapper never removed", func() bool {
		_, ok := env.group.sessions.Get(chatID)
		return !ok
	})

	msgID, err := env.group.SendText(chatID, "are we there yet")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "queued message never sent after rejoin", func() bool {
		return env.messageStatus(t, msgID) == store.MsgSent
	})
	after, _ := env.db.GetConversation(chatID)
	if after.RejoinID != before.RejoinID {
		t.Errorf("rejoin id changed on rejoin: %s -> %s", before.RejoinID, after.RejoinID)
	}
}

func TestGroupRejoinNotFoundFallsBackToRestart(t *testing.T) {
	env := newTestEnv(t)
	env.engine.AutoDeliver = false

	// A started conversation with no rejoin identity: the loopback engine
	// answers rejoin attempts with NOT FOUND.
	chatID := "group-lost"
	if err := env.db.AddConversation(&store.Conversation{
		ChatID: chatID, IsGroup: true, Direction: store.Outgoing,
		State: store.ConvStarted, Reason: store.ConvReasonUnspecified,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.db.SetParticipantStatus(chatID, "+551", store.ParticipantConnected); err != nil {
		t.Fatal(err)
	}

	msgID, err := env.group.SendText(chatID, "hello again")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never sent after restart fallback", func() bool {
		return env.messageStatus(t, msgID) == store.MsgSent
	})
	c, _ := env.db.GetConversation(chatID)
	if c.RejoinID == "" {
		t.Error("restart did not refresh the rejoin identity")
	}
	if c.State != store.ConvStarted {
		t.Errorf("state = %s, want started", c.State)
	}
}

func TestGroupAggregationPromotesOnlyWhenAllDelivered(t *testing.T) {
	env := newTestEnv(t)

	chatID := "group-agg"
	if err := env.db.AddConversation(&store.Conversation{
		ChatID: chatID, IsGroup: true, Direction: store.Outgoing,
		State: store.ConvStarted, Reason: store.ConvReasonUnspecified,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"+551", "+552", "+553"} {
		if _, err := env.db.SetParticipantStatus(chatID, c, store.ParticipantConnected); err != nil {
			t.Fatal(err)
		}
	}
	msgID := "m-agg"
	if err := env.db.AddMessage(&store.Message{
		ID: msgID, ChatID: chatID, MimeType: MimeText, Direction: store.Outgoing,
		Status: store.MsgSent, Reason: store.MsgReasonUnspecified, Timestamp: 1,
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UnixMilli()
	disp := func(contact string, status imsengine.DispositionStatus, nt imsengine.NotificationType) {
		env.group.recordDelivery(chatID, imsengine.Disposition{
			MsgID: msgID, Contact: contact, Type: nt, Status: status, Timestamp: now,
		})
	}

	disp("+551", imsengine.DispositionDelivered, imsengine.DeliveryNotification)
	disp("+552", imsengine.DispositionDelivered, imsengine.DeliveryNotification)
	disp("+553", imsengine.DispositionFailed, imsengine.DeliveryNotification)

	// Two delivered plus one failed: the aggregate must not be delivered,
	// and the failure alone must not fail it either.
	if got := env.messageStatus(t, msgID); got != store.MsgSent {
		t.Fatalf("aggregate after 2 delivered + 1 failed = %s, want sent", got)
	}
	info, err := env.db.GetDeliveryInfo(msgID, "+553")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != store.DeliveryFailed || info.Reason != store.DeliveryReasonFailedDelivery {
		t.Errorf("failed recipient row = %s/%s, want failed/failed_delivery", info.Status, info.Reason)
	}

	// The last recipient delivering promotes the aggregate.
	disp("+553", imsengine.DispositionDelivered, imsengine.DeliveryNotification)
	if got := env.messageStatus(t, msgID); got != store.MsgDelivered {
		t.Fatalf("aggregate after all delivered = %s, want delivered", got)
	}

	// Displayed by two of three: aggregate stays delivered.
	disp("+551", imsengine.DispositionDisplayed, imsengine.DisplayNotification)
	disp("+552", imsengine.DispositionDisplayed, imsengine.DisplayNotification)
	if got := env.messageStatus(t, msgID); got != store.MsgDelivered {
		t.Fatalf("aggregate after partial display = %s, want delivered", got)
	}
	disp("+553", imsengine.DispositionDisplayed, imsengine.DisplayNotification)
	if got := env.messageStatus(t, msgID); got != store.MsgDisplayed {
		t.Fatalf("aggregate after all displayed = %s, want displayed", got)
	}
}

func TestGroupLeaveOfflineSetsRejectNextInvite(t *testing.T) {
	env := newTestEnv(t)

	chatID := "group-offline-leave"
	if err := env.db.AddConversation(&store.Conversation{
		ChatID: chatID, IsGroup: true, Direction: store.Incoming,
		State: store.ConvStarted, Reason: store.ConvReasonUnspecified,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	env.engine.SetConnected(false)

	if err := env.group.Leave(chatID); err != nil {
		t.Fatal(err)
	}
	c, err := env.db.GetConversation(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.RejectNextInvite {
		t.Error("reject-next-invitation flag not set on offline leave")
	}
	if c.State != store.ConvAborted || c.Reason != store.ConvReasonAbortedByUser {
		t.Errorf("conversation = %s/%s, want aborted/aborted_by_user", c.State, c.Reason)
	}

	// The next incoming invitation for this conversation is declined.
	env.engine.SetConnected(true)
	sess, err := env.engine.InitiateGroupChat("trip", []string{"+551"})
	if err != nil {
		t.Fatal(err)
	}
	env.group.HandleIncomingSession(chatID, sess)
	if _, ok := env.group.sessions.Get(chatID); ok {
		t.Error("declined invitation still registered a live wrapper")
	}
	c, _ = env.db.GetConversation(chatID)
	if c.RejectNextInvite {
		t.Error("reject-next-invitation flag not cleared after decline")
	}
}

func TestSendAcceptsPendingRemoteSession(t *testing.T) {
	env := newTestEnv(t)

	sess := env.engine.IncomingChat("+5511999990001")
	env.oneToOne.HandleIncomingSession(sess)
	if sess.SessionAccepted() {
		t.Fatal("invitation accepted before any outbound traffic")
	}

	// Sending onto the pending invitation accepts it; the message rides the
	// established session.
	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never delivered over accepted session", func() bool {
		return env.messageStatus(t, msgID) == store.MsgDelivered
	})
	if env.oneToOne.sessions.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", env.oneToOne.sessions.Len())
	}
}

func TestGroupSendAcceptsPendingInvitation(t *testing.T) {
	env := newTestEnv(t)

	chatID := "group-pending-send"
	sess := env.engine.IncomingGroupChat("plans", []string{"+551", "+552"})
	env.group.HandleIncomingSession(chatID, sess)
	if got := env.conversationState(t, chatID); got != store.ConvInvited {
		t.Fatalf("conversation = %s, want invited", got)
	}

	msgID, err := env.group.SendText(chatID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never sent over accepted invitation", func() bool {
		return env.messageStatus(t, msgID) == store.MsgSent
	})
	waitFor(t, "conversation never reached STARTED", func() bool {
		return env.conversationState(t, chatID) == store.ConvStarted
	})
}

func TestGroupSweepAcceptsPendingInvitation(t *testing.T) {
	env := newTestEnv(t)

	chatID := "group-pending-sweep"
	if err := env.db.AddConversation(&store.Conversation{
		ChatID: chatID, IsGroup: true, Direction: store.Outgoing,
		State: store.ConvStarted, Reason: store.ConvReasonUnspecified,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	env.engine.SetConnected(false)
	msgID, err := env.group.SendText(chatID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got := env.messageStatus(t, msgID); got != store.MsgQueued {
		t.Fatalf("status while offline = %s, want queued", got)
	}

	// The remote re-invites while the queue is non-empty; the sweep accepts
	// instead of rejoining.
	sess := env.engine.IncomingGroupChat("plans", []string{"+551"})
	env.group.HandleIncomingSession(chatID, sess)
	env.engine.SetConnected(true)
	env.group.SweepChat(chatID)

	waitFor(t, "queued message never promoted after sweep accept", func() bool {
		return env.messageStatus(t, msgID) == store.MsgSent
	})
}

func TestGroupInvitationAccept(t *testing.T) {
	env := newTestEnv(t)

	chatID := "group-invite-accept"
	sess := env.engine.IncomingGroupChat("plans", []string{"+551"})
	env.group.HandleIncomingSession(chatID, sess)

	if err := env.group.AcceptInvitation(chatID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "accepted invitation never reached STARTED", func() bool {
		return env.conversationState(t, chatID) == store.ConvStarted
	})
}

func TestGroupInvitationReject(t *testing.T) {
	env := newTestEnv(t)

	chatID := "group-invite-reject"
	sess := env.engine.IncomingGroupChat("plans", []string{"+551"})
	env.group.HandleIncomingSession(chatID, sess)

	if err := env.group.RejectInvitation(chatID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rejected invitation never reached REJECTED", func() bool {
		return env.conversationState(t, chatID) == store.ConvRejected
	})
	c, err := env.db.GetConversation(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Reason != store.ConvReasonRejectedByUser {
		t.Errorf("reason = %s, want rejected_by_user", c.Reason)
	}
	if _, ok := env.group.sessions.Get(chatID); ok {
		t.Error("rejected invitation still registered a live wrapper")
	}

	if err := env.group.AcceptInvitation(chatID); err == nil {
		t.Error("accept after reject should fail")
	}
}

func TestExpiryCanceledOnDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Messaging.DeliveryTimeoutSec = 1

	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never delivered", func() bool {
		return env.messageStatus(t, msgID) == store.MsgDelivered
	})

	// The expiration deadline passes; the canceled timer must not fire.
	time.Sleep(1200 * time.Millisecond)
	m, err := env.db.GetMessage(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if m.ExpiredDelivery {
		t.Error("delivery expired despite acknowledged delivery")
	}
}

func TestAlwaysOnDisablesExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Messaging.AlwaysOn = true
	env.engine.SetConnected(false)

	msgID, err := env.oneToOne.SendText("+5511999990001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	m, err := env.db.GetMessage(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryExpiration != 0 {
		t.Errorf("delivery expiration = %d, want 0 in always-on mode", m.DeliveryExpiration)
	}
}
