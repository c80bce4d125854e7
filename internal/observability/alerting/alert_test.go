package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutFiltersBySeverity(t *testing.T) {
	rec := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(rec, failing, nil).WithMinSeverity(xerrors.SeverityWarning)

	if err := d.Notify(context.Background(), Event{Code: "X", Severity: xerrors.SeverityInfo}); err != nil {
		t.Fatalf("info event should be dropped: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("info event delivered")
	}

	err := d.Notify(context.Background(), Event{Code: "Y", Severity: xerrors.SeverityCritical})
	if err == nil {
		t.Fatal("expected webhook failure to surface")
	}
	if len(rec.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("expected delivery to both channels")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	n.Headers = map[string]string{"X-Token": "secret"}
	event := Event{Code: "TASK_RETRIES_EXHAUSTED", Severity: xerrors.SeverityCritical, TaskID: "t1", Attempts: 3, MaxRetries: 3}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.TaskID != "t1" || got.Code != "TASK_RETRIES_EXHAUSTED" {
		t.Fatalf("unexpected payload %+v", got)
	}

	n.Headers = nil
	if err := n.Notify(context.Background(), event); err == nil {
		t.Fatal("expected non-2xx to fail")
	}
}
