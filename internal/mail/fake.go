package mail

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kuitang/settings-e2e/internal/obs"
)

// FakeServer is an in-memory mail catcher speaking the same HTTP API as the
// real one. It backs unit tests and `settingsctl mail fake-serve`.
type FakeServer struct {
	mu       sync.Mutex
	messages []Message
	seq      uint64
	now      func() time.Time
}

// NewFakeServer creates an empty fake mail catcher.
func NewFakeServer() *FakeServer {
	return &FakeServer{now: time.Now}
}

// Deliver captures a message as if the identity service had sent it.
func (f *FakeServer) Deliver(to, subject, body string) Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	msg := Message{
		ID:          strconv.FormatUint(f.seq, 10),
		DateSent:    Timestamp{f.now().UTC()},
		FromAddress: "no-reply@ory.kratos.sh",
		ToAddresses: []string{to},
		Subject:     subject,
		Body:        body,
		ContentType: "text/html; charset=UTF-8",
	}
	f.messages = append(f.messages, msg)
	obs.Pkg("mail").Debug("fake_mail_delivered", "to", to, "subject", subject, "mail_id", msg.ID)
	return msg
}

// Count returns the number of captured messages.
func (f *FakeServer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// Clear removes all captured messages.
func (f *FakeServer) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}

// ServeHTTP implements GET /mail and DELETE /mail. POST /mail with
// {"to","subject","body"} seeds a message for manual runs.
func (f *FakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/mail" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		f.mu.Lock()
		items := append([]Message(nil), f.messages...)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(listResponse{MailItems: items, TotalRecords: len(items)})
	case http.MethodDelete:
		var in struct {
			PruneCode string `json:"pruneCode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.PruneCode != "all" {
			http.Error(w, "pruneCode must be \"all\"", http.StatusBadRequest)
			return
		}
		f.Clear()
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		var in struct {
			To      string `json:"to"`
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.To == "" {
			http.Error(w, "to is required", http.StatusBadRequest)
			return
		}
		msg := f.Deliver(in.To, in.Subject, in.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(msg)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
