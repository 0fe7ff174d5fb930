package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/patrol/internal/event"
)

func testAlert() *event.AlertMessage {
	return &event.AlertMessage{
		Severity:          event.SeverityCritical,
		Title:             "payment-api: OOMKilled",
		RootCause:         "The payment-api pods are being OOM-killed under load.",
		Confidence:        0.91,
		AffectedCount:     14,
		Evidence:          []string{"container_memory_working_set_bytes near limit", "restart count climbing"},
		SuggestedFix:      "Raise the memory limit to 512Mi.",
		EscalationTargets: []string{"@payments-oncall"},
		DetectedAt:        time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		DedupKey:          "payment-api/OOMKilled/deadbeef01234567",
		Text:              "🔴 CRITICAL: payment-api: OOMKilled",
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	if err := n.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, body, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "payment-api: OOMKilled") {
		t.Errorf("header text = %q, want to contain the alert title", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Error("header should contain red circle for critical severity")
	}
	if !strings.Contains(headerText, "CRITICAL") {
		t.Errorf("header text = %q, want to contain CRITICAL", headerText)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", "")
	if err := n.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongRootCause(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	msg := testAlert()
	msg.RootCause = strings.Repeat("x", 4000)

	n := New(srv.URL, "")
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	body := blocks[4].(map[string]any)
	text := body["text"].(map[string]any)["text"].(string)

	if len(text) > maxBodyLen {
		t.Errorf("body text length = %d, expected <= %d", len(text), maxBodyLen)
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated body to end with ...")
	}
}

func TestNotifyOperator_UsesOperatorURL(t *testing.T) {
	t.Parallel()

	var alertHits, operatorHits int
	var got map[string]any
	alertSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		alertHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer alertSrv.Close()
	opSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operatorHits++
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer opSrv.Close()

	n := New(alertSrv.URL, opSrv.URL)
	err := n.NotifyOperator(context.Background(), "Monitoring paused", "Circuit breaker opened after 10 consecutive failures.")
	if err != nil {
		t.Fatalf("NotifyOperator: %v", err)
	}

	if alertHits != 0 {
		t.Errorf("alert webhook hits = %d, want 0", alertHits)
	}
	if operatorHits != 1 {
		t.Errorf("operator webhook hits = %d, want 1", operatorHits)
	}
	if got["text"] != "Monitoring paused" {
		t.Errorf("fallback text = %v, want subject", got["text"])
	}
}

func TestNotifyOperator_FallsBackToAlertURL(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	if err := n.NotifyOperator(context.Background(), "subject", "body"); err != nil {
		t.Fatalf("NotifyOperator: %v", err)
	}
	if hits != 1 {
		t.Errorf("alert webhook hits = %d, want 1", hits)
	}
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	err := n.Send(context.Background(), testAlert())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("payment-api: OOMKilled", "pods are OOM-killed", "raise the limit", 0.91)
	f.Add("", "", "", 0.0)
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "fix", 1.0)
	f.Add("title\x00\x01\x02", "cause\nline", "fix\ttab", -3.5)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), "fix", 0.5)

	f.Fuzz(func(t *testing.T, title, rootCause, fix string, confidence float64) {
		msg := &event.AlertMessage{
			Severity:      event.SeverityWarning,
			Title:         title,
			RootCause:     rootCause,
			SuggestedFix:  fix,
			Confidence:    confidence,
			AffectedCount: 3,
			DetectedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			DedupKey:      "svc/Type/abcd",
		}

		// Must not panic
		built := buildMessage(msg)

		data, err := json.Marshal(built)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}
