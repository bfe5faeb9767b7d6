package notify

import (
	"io"
	"log/slog"
	"testing"

	"github.com/praetor-ai/praetor/internal/config"
)

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://hooks.example.com/notify",
		"http://webhooks.partner.io/praetor",
	}
	for _, u := range valid {
		if err := ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"ftp://example.com/hook",
		"https://127.0.0.1/hook",
		"https://10.0.0.5/hook",
		"https://192.168.1.1/hook",
		"https://169.254.169.254/latest/meta-data",
		"https://[::1]/hook",
		"https://0x7f000001/hook",
		"https://0177.0.0.1/hook",
		"https://2130706433/hook",
	}
	for _, u := range invalid {
		if err := ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}

func TestNewSkipsInvalidWebhooks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := New([]config.Webhook{
		{URL: "https://hooks.example.com/a", Events: []string{EventBlocked}},
		{URL: "https://127.0.0.1/evil"},
	}, logger)
	if len(n.webhooks) != 1 {
		t.Errorf("kept %d webhooks, want 1", len(n.webhooks))
	}
}

func TestSubscribed(t *testing.T) {
	if !subscribed(nil, EventBlocked) {
		t.Error("empty filter should match all events")
	}
	if !subscribed([]string{EventBlocked, EventInconclusive}, EventInconclusive) {
		t.Error("listed event should match")
	}
	if subscribed([]string{EventBlocked}, EventAuditWriteFailed) {
		t.Error("unlisted event should not match")
	}
}
