// Package notify delivers guardrail events to configured webhook
// endpoints. Delivery is fire-and-forget: a slow or broken endpoint must
// never delay or fail an evaluation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/praetor-ai/praetor/internal/config"
)

// Event names.
const (
	EventBlocked          = "blocked"
	EventInconclusive     = "inconclusive"
	EventAuditWriteFailed = "audit_write_failed"
)

// Event is the JSON payload posted to webhook endpoints.
type Event struct {
	Event      string   `json:"event"`
	RequestID  string   `json:"request_id"`
	AgentID    string   `json:"agent_id"`
	Department string   `json:"department,omitempty"`
	CheckType  string   `json:"check_type,omitempty"`
	Status     string   `json:"status,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// reservedCIDRs lists RFC special-use ranges that must never be webhook
// destinations. Blocking them prevents SSRF via attacker-supplied config.
var reservedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"2001:db8::/32",
		"2001::/32", // Teredo, embeds IPv4
		"2002::/16", // 6to4, embeds IPv4
		"64:ff9b::/96",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}()

func isReservedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range reservedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// guardedDialContext validates resolved addresses at connection time and
// then connects to the validated IP, closing the DNS rebinding window
// between URL validation and dialing.
func guardedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if isReservedIP(ip.IP) {
			return nil, fmt.Errorf("blocked: %s resolves to %s", host, ip.IP)
		}
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// ValidateURL performs pre-DNS validation on a webhook URL: scheme,
// alternative IP encodings, and the reserved-range blocklist.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	host := u.Hostname()
	if looksLikeAlternativeIP(host) {
		return errors.New("webhook URL contains alternative IP encoding")
	}
	if ip := net.ParseIP(host); ip != nil && isReservedIP(ip) {
		return errors.New("webhook URL points to a reserved IP range")
	}
	return nil
}

// looksLikeAlternativeIP detects hex, octal, and packed-decimal hostnames
// that bypass net.ParseIP but some HTTP stacks still interpret as IPs.
func looksLikeAlternativeIP(host string) bool {
	if len(host) > 2 && (host[:2] == "0x" || host[:2] == "0X") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		for _, p := range parts {
			if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
				return true
			}
			if len(p) > 1 && p[0] == '0' && isAllDigits(p) {
				return true
			}
		}
	}
	return isAllDigits(host)
}

func isAllDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Notifier posts events to configured webhooks.
type Notifier struct {
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
}

// New validates the configured webhook URLs and returns a notifier.
// Invalid URLs are logged and skipped.
func New(webhooks []config.Webhook, logger *slog.Logger) *Notifier {
	var valid []config.Webhook
	for _, wh := range webhooks {
		if err := ValidateURL(wh.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		valid = append(valid, wh)
	}
	return &Notifier{
		webhooks: valid,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: guardedDialContext,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 2 {
					return errors.New("too many redirects")
				}
				if err := ValidateURL(req.URL.String()); err != nil {
					return fmt.Errorf("redirect to blocked URL: %w", err)
				}
				return nil
			},
		},
		logger: logger,
	}
}

// Notify sends the event to every webhook subscribed to it, each in its
// own goroutine.
func (n *Notifier) Notify(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	for _, wh := range n.webhooks {
		if !subscribed(wh.Events, event.Event) {
			continue
		}
		go n.send(wh.URL, event)
	}
}

func (n *Notifier) send(url string, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("webhook marshal failed", "error", err)
		return
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

func subscribed(configured []string, event string) bool {
	if len(configured) == 0 {
		return true // no filter means all events
	}
	for _, e := range configured {
		if e == event {
			return true
		}
	}
	return false
}
