package mailer

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"portability/internal/db"
	"portability/internal/domain"
	"portability/internal/events"
	"portability/internal/lifecycle"
	"portability/internal/migrate"
	"portability/internal/repo"
)

func TestOutboxRecordsNotice(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var buf bytes.Buffer
	o := Outbox{DB: conn, Logger: log.New(&buf, "", 0)}
	req := domain.Request{ID: "req-1", Owner: domain.Owner{Type: "user", ID: "u1"}, State: lifecycle.StateDenied}

	if err := o.SendMail(ctx, KindDenied, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := repo.Repo{DB: conn}.CountEvents(ctx, "req-1", events.Mail(KindDenied))
	if err != nil || n != 1 {
		t.Fatalf("mail events = %d, err=%v", n, err)
	}
	if !strings.Contains(buf.String(), "denied notice for request req-1") {
		t.Fatalf("unexpected log %q", buf.String())
	}
	if err := o.SendMail(ctx, "newsletter", req); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
