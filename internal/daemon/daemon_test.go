package daemon

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rcsgo/rcsd/internal/api"
	"github.com/rcsgo/rcsd/internal/status"
	"github.com/rcsgo/rcsd/internal/store"
	"go.uber.org/fx"
)

// startApp builds the full fx graph against a throwaway profile directory
// and returns the populated targets.
func startApp(t *testing.T, p Params, populate ...any) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	app := fx.New(
		Module(p),
		fx.Populate(populate...),
		fx.NopLogger,
	)
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("app start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			t.Errorf("app stop: %v", err)
		}
	})
}

func TestDaemonLifecycle(t *testing.T) {
	var (
		chats   *api.ChatAPI
		machine *status.Machine
		db      *store.DB
	)
	startApp(t, Params{ProfileName: "test"}, &chats, &machine, &db)

	if got := machine.Current(); got != status.Registered {
		t.Fatalf("state after start = %v, want Registered", got)
	}

	// Drive a message through the whole stack: api, chat engine, loopback
	// protocol, store.
	id, err := chats.SendText("+5511000000001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		m, err := db.GetMessage(id)
		if err == nil && m.Status == store.MsgDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMetricsServer(t *testing.T) {
	var srv *Server
	startApp(t, Params{ProfileName: "test", MetricsAddr: "127.0.0.1:0"}, &srv)

	if srv.Addr() == "" {
		t.Fatal("metrics listener not bound")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), string(status.Registered)) {
		t.Fatalf("healthz body = %q, want registration state", body)
	}

	resp, err = http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "rcsd_live_sessions") {
		t.Fatal("metrics output missing engine collectors")
	}
}

func TestSecondDaemonRejected(t *testing.T) {
	var db *store.DB
	startApp(t, Params{ProfileName: "test"}, &db)

	app := fx.New(Module(Params{ProfileName: "test"}), fx.NopLogger)
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err == nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
		t.Fatal("second daemon acquired the profile lock")
	}
}
