package api

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/chat"
	"github.com/rcsgo/rcsd/internal/config"
	"github.com/rcsgo/rcsd/internal/dequeue"
	"github.com/rcsgo/rcsd/internal/expiry"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/registry"
	"github.com/rcsgo/rcsd/internal/store"
	"github.com/rcsgo/rcsd/internal/transfer"
	"github.com/rcsgo/rcsd/internal/worker"
	"go.uber.org/zap"
)

type testEnv struct {
	db       *store.DB
	engine   *imsengine.Loopback
	chats    *ChatAPI
	files    *TransferAPI
	cfg      *config.Config
	oneToOne *chat.OneToOne
	group    *chat.Group
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

	oneToOne := chat.NewOneToOne(db, engine, b, exp, adm, pool, cfg, logger)
	group := chat.NewGroup(db, engine, b, exp, adm, pool, cfg, logger)
	xfer := transfer.NewOneToOne(db, engine, b, exp, adm, pool, cfg, logger)
	groupXfer := transfer.NewGroup(db, engine, b, exp, adm, pool, cfg, logger)
	sched := dequeue.New(logger, oneToOne, group, xfer, groupXfer)

	return &testEnv{
		db:       db,
		engine:   engine,
		chats:    NewChatAPI(oneToOne, group, db, cfg, sched),
		files:    NewTransferAPI(xfer, groupXfer, db, cfg),
		cfg:      cfg,
		oneToOne: oneToOne,
		group:    group,
	}
}

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

func TestSendTextValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.chats.SendText("", "hi"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty contact: got %v", err)
	}
	if _, err := env.chats.SendText("+5511000000001", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty body: got %v", err)
	}
	long := strings.Repeat("a", env.cfg.Messaging.MaxMessageLength+1)
	if _, err := env.chats.SendText("+5511000000001", long); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("oversize body: got %v", err)
	}
}

func TestSendTextRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.chats.SendText("+5511000000001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never delivered", func() bool {
		m, err := env.db.GetMessage(id)
		return err == nil && m.Status == store.MsgDelivered
	})
}

func TestResendUnknownMessage(t *testing.T) {
	env := newTestEnv(t)

	err := env.chats.Resend("no-such-message")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestInitiateGroupValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.chats.InitiateGroup("friends", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty participants: got %v", err)
	}
	long := strings.Repeat("s", env.cfg.Group.SubjectMaxLength+1)
	if _, err := env.chats.InitiateGroup(long, []string{"+5511000000002"}); err == nil {
		t.Fatal("oversize subject accepted")
	}
}

func TestGroupStateUnknownChat(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.chats.GroupState("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListMessagesDefaultsLimit(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.chats.SendText("+5511000000001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never sent", func() bool {
		m, err := env.db.GetMessage(id)
		return err == nil && m.Status != store.MsgQueued
	})
	msgs, err := env.chats.ListMessages("+5511000000001", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestTransferMimeGate(t *testing.T) {
	env := newTestEnv(t)

	file := imsengine.FileDescriptor{
		Name:     "malware.exe",
		Size:     100,
		MimeType: "application/x-msdownload",
		URI:      "file:///tmp/malware.exe",
	}
	if _, err := env.files.Send("+5511000000001", file); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}

func TestTransferSizeGate(t *testing.T) {
	env := newTestEnv(t)

	file := imsengine.FileDescriptor{
		Name:     "big.jpg",
		Size:     env.cfg.Transfer.MaxFileSize + 1,
		MimeType: "image/jpeg",
		URI:      "file:///tmp/big.jpg",
	}
	if _, err := env.files.Send("+5511000000001", file); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestTransferRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	file := imsengine.FileDescriptor{
		Name:     "photo.jpg",
		Size:     2048,
		MimeType: "image/jpeg",
		URI:      "file:///tmp/photo.jpg",
	}
	id, err := env.files.Send("+5511000000001", file)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transfer never completed", func() bool {
		row, err := env.files.Get(id)
		return err == nil && row.State == store.TransferTransferred
	})
}

func TestSendToGroupRequiresGroupConversation(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.chats.SendText("+5511000000001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message never left queue", func() bool {
		m, err := env.db.GetMessage(id)
		return err == nil && m.Status != store.MsgQueued
	})

	file := imsengine.FileDescriptor{
		Name:     "photo.jpg",
		Size:     2048,
		MimeType: "image/jpeg",
		URI:      "file:///tmp/photo.jpg",
	}
	if _, err := env.files.SendToGroup("+5511000000001", file); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
	if _, err := env.files.SendToGroup("missing", file); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown chat: got %v, want ErrNotFound", err)
	}
}

func TestTransferControlValidation(t *testing.T) {
	env := newTestEnv(t)

	for name, fn := range map[string]func(string) error{
		"accept": env.files.Accept,
		"reject": env.files.Reject,
		"pause":  env.files.Pause,
		"resume": env.files.Resume,
		"abort":  env.files.Abort,
		"resend": env.files.Resend,
	} {
		if err := fn(""); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s with empty id: got %v", name, err)
		}
	}
	if err := env.files.Accept("no-such-transfer"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("accept unknown id: got %v", err)
	}
}
