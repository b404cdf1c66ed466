// Package mail reads the test mail catcher: pruning it between scenarios and
// polling it for verification codes.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/obs"
)

// VerificationSubject is the subject of the identity service's verification-code mail.
const VerificationSubject = "Please verify your email address"

// Message is one captured mail.
type Message struct {
	ID          string    `json:"id"`
	DateSent    Timestamp `json:"dateSent"`
	FromAddress string    `json:"fromAddress"`
	ToAddresses []string  `json:"toAddresses"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ContentType string    `json:"contentType"`
}

// sentLayouts are the dateSent formats catchers are known to emit.
var sentLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 -0700",
}

// Timestamp is a catcher dateSent value. A string in none of the known
// layouts, or a non-string, decodes to the zero time instead of failing the
// whole listing.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON parses the known layouts, reading zone-less values as UTC.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	ts.Time = time.Time{}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range sentLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			ts.Time = t
			return nil
		}
	}
	return nil
}

// MarshalJSON writes RFC 3339.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

type listResponse struct {
	MailItems    []Message `json:"mailItems"`
	TotalRecords int       `json:"totalRecords"`
}

// Match selects messages.
type Match func(Message) bool

// ToAddress matches messages addressed to email (case-insensitive, whitespace-trimmed).
func ToAddress(email string) Match {
	want := strings.ToLower(strings.TrimSpace(email))
	return func(m Message) bool {
		for _, to := range m.ToAddresses {
			if strings.ToLower(strings.TrimSpace(to)) == want {
				return true
			}
		}
		return false
	}
}

// SubjectIs matches an exact subject.
func SubjectIs(subject string) Match {
	return func(m Message) bool {
		return strings.TrimSpace(m.Subject) == subject
	}
}

// All matches when every matcher does.
func All(matchers ...Match) Match {
	return func(m Message) bool {
		for _, match := range matchers {
			if !match(m) {
				return false
			}
		}
		return true
	}
}

// Mailbox is a client for the mail catcher's HTTP API.
type Mailbox struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
	timeout  time.Duration
}

// New creates a mailbox client. Polls run every interval and never longer than timeout.
func New(baseURL string, interval, timeout time.Duration, httpClient *http.Client) *Mailbox {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Mailbox{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		interval: interval,
		timeout:  timeout,
	}
}

// Delete prunes every captured message.
func (m *Mailbox) Delete(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"pruneCode": "all"})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.baseURL+"/mail", bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "mail: build delete request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	obs.Propagate(ctx, req)

	resp, err := m.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "mail: delete", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return errs.New(errs.FromHTTPStatus(resp.StatusCode), fmt.Sprintf("mail: delete returned %d", resp.StatusCode))
	}
	obs.From(ctx).Debug("mail_pruned")
	return nil
}

// List returns captured messages, newest first. When any message lacks a
// readable timestamp the catcher's own order is kept.
func (m *Mailbox) List(ctx context.Context) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/mail", nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "mail: build list request", err)
	}
	req.Header.Set("Accept", "application/json")
	obs.Propagate(ctx, req)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "mail: list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.FromHTTPStatus(resp.StatusCode), fmt.Sprintf("mail: list returned %d", resp.StatusCode))
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.Internal, "mail: decode list", err)
	}
	for _, msg := range out.MailItems {
		if msg.DateSent.IsZero() {
			obs.From(ctx).Debug("mail_timestamp_unreadable", "mail_id", msg.ID)
			return out.MailItems, nil
		}
	}
	sort.SliceStable(out.MailItems, func(i, j int) bool {
		return out.MailItems[i].DateSent.After(out.MailItems[j].DateSent.Time)
	})
	return out.MailItems, nil
}

// WaitFor polls until the newest message satisfying match arrives.
// The wait ends with errs.DeadlineExceeded at ctx's deadline, or after the
// mailbox timeout when ctx has none.
func (m *Mailbox) WaitFor(ctx context.Context, match Match) (Message, error) {
	if _, ok := ctx.Deadline(); !ok && m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(m.interval), 1)
	log := obs.From(ctx)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return Message{}, errs.Wrap(errs.DeadlineExceeded, "mail: no matching message before deadline", lastErr)
			}
			return Message{}, errs.Wrap(errs.DeadlineExceeded, "mail: no matching message before deadline", err)
		}

		messages, err := m.List(ctx)
		if err != nil {
			lastErr = err
			log.Debug("mail_poll_failed", "attempt", attempt, "error", err)
			continue
		}
		for _, msg := range messages {
			if match(msg) {
				log.Debug("mail_poll_matched", "attempt", attempt, "mail_id", msg.ID)
				return msg, nil
			}
		}
	}
}

// VerificationCode waits for the verification mail to email and extracts its code.
func (m *Mailbox) VerificationCode(ctx context.Context, email string) (string, error) {
	msg, err := m.WaitFor(ctx, All(ToAddress(email), SubjectIs(VerificationSubject)))
	if err != nil {
		return "", fmt.Errorf("verification mail for %s: %w", email, err)
	}
	code := ExtractCode(msg.Body)
	if code == "" {
		return "", errs.New(errs.FailedPrecondition, "mail: verification mail "+msg.ID+" has no code")
	}
	return code, nil
}
