package handlers_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/jobq/backend/memory"
	"github.com/xraph/jobq/config"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/handlers"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/worker"
)

func devEmail(t *testing.T) config.EmailConfig {
	t.Helper()
	return config.EmailConfig{
		From:       "jobq@example.com",
		DevMode:    true,
		OutputPath: filepath.Join(t.TempDir(), "email"),
	}
}

func TestSearchIndex_Validates(t *testing.T) {
	def := handlers.SearchIndex(slog.Default())
	ctx := context.Background()

	if err := def.Handler(ctx, handlers.SearchIndexPayload{Index: "posts", DocumentID: "42"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := def.Handler(ctx, handlers.SearchIndexPayload{Index: "posts", DocumentID: "42", Op: handlers.IndexDelete}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := def.Handler(ctx, handlers.SearchIndexPayload{Index: "posts"}); err == nil {
		t.Error("expected error for missing document id")
	}
	if err := def.Handler(ctx, handlers.SearchIndexPayload{Index: "posts", DocumentID: "1", Op: "merge"}); err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestAssetProcess_RequiresKey(t *testing.T) {
	def := handlers.AssetProcess(nil)
	if err := def.Handler(context.Background(), handlers.AssetPayload{}); err == nil {
		t.Error("expected error for empty key")
	}
	if err := def.Handler(context.Background(), handlers.AssetPayload{Key: "uploads/a.png"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMailer_DevModeWritesEML(t *testing.T) {
	cfg := devEmail(t)
	m := handlers.NewMailer(cfg, slog.Default())

	j, err := job.New(handlers.QueueSendEmail, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := job.WithContext(context.Background(), j)

	err = m.Send(ctx, handlers.EmailPayload{
		To:      []string{"alice@example.com"},
		Subject: "Welcome\r\nBcc: evil@example.com",
		Text:    "hello",
		HTML:    "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.OutputPath, j.ID.String()+".eml"))
	if err != nil {
		t.Fatalf("read eml: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, "alice@example.com") {
		t.Error("eml has no recipient")
	}
	for _, line := range strings.Split(body, "\r\n") {
		if strings.HasPrefix(line, "Bcc:") {
			t.Errorf("subject header injection was not stripped: %q", line)
		}
	}
}

func TestMailer_RejectsBadPayloads(t *testing.T) {
	m := handlers.NewMailer(devEmail(t), nil)
	ctx := context.Background()

	if err := m.Send(ctx, handlers.EmailPayload{Text: "x"}); err == nil {
		t.Error("expected error for no recipients")
	}
	if err := m.Send(ctx, handlers.EmailPayload{To: []string{"a@example.com"}}); err == nil {
		t.Error("expected error for empty body")
	}
	if err := m.Send(ctx, handlers.EmailPayload{To: []string{"not an address"}, Text: "x"}); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestMailer_UnreachableSMTPFails(t *testing.T) {
	m := handlers.NewMailer(config.EmailConfig{
		SMTPHost: "127.0.0.1",
		SMTPPort: 1,
		From:     "jobq@example.com",
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Send(ctx, handlers.EmailPayload{To: []string{"a@example.com"}, Text: "x"})
	if err == nil {
		t.Fatal("expected error for unreachable SMTP host")
	}
}

func TestRegisterAll_ProcessesEmailEndToEnd(t *testing.T) {
	cfg := devEmail(t)
	b := memory.New()
	eng, err := engine.New(b, engine.WithPoolOptions(worker.WithPollInterval(10*time.Millisecond)))
	if err != nil {
		t.Fatal(err)
	}
	handlers.RegisterAll(eng, cfg, slog.Default())

	for _, q := range []string{handlers.QueueSearchIndex, handlers.QueueSendEmail, handlers.QueueAssetProcess} {
		if _, ok := eng.Registry().Get(q); !ok {
			t.Fatalf("no handler for %s", q)
		}
	}

	ctx := context.Background()
	jobID, err := engine.EnqueueDefinition(ctx, eng, handlers.SendEmail(handlers.NewMailer(cfg, nil)),
		handlers.EmailPayload{To: []string{"bob@example.com"}, Subject: "Hi", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := eng.Inspect(ctx, jobID)
		if err != nil {
			t.Fatal(err)
		}
		if j.State == job.StateCompleted {
			break
		}
		if j.State == job.StateDead || time.Now().After(deadline) {
			t.Fatalf("job state = %s, last error %q", j.State, j.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(cfg.OutputPath, jobID.String()+".eml")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.Fatal("dev mode wrote no .eml for the job")
		}
		t.Fatal(err)
	}
}
