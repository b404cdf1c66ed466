package mail

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/settings-e2e/internal/errs"
)

const verificationBody = `<html><head><style>td { width: 600px; color: #123456; }</style></head>
<body><table><tr><td>2024</td><td>Hi, please verify your account by entering the following code:</td></tr>
<tr><td><strong>482913</strong></td></tr></table></body></html>`

func newFakeMailbox(t *testing.T, interval, timeout time.Duration) (*FakeServer, *Mailbox) {
	t.Helper()
	fake := NewFakeServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, New(srv.URL, interval, timeout, nil)
}

func TestExtractCode(t *testing.T) {
	assert.Equal(t, "482913", ExtractCode(verificationBody))
	assert.Equal(t, "000123", ExtractCode("code: 000123."))
	assert.Equal(t, "", ExtractCode("order 1234567 shipped"))
	assert.Equal(t, "", ExtractCode("<p style=\"color:#654321\">no code here</p>"))
}

func TestExtractCode_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := rapid.StringMatching(`[0-9]{6}`).Draw(rt, "code")
		prefix := rapid.StringMatching(`[a-zA-Z ,:]{0,40}`).Draw(rt, "prefix")
		tag := rapid.SampledFrom([]string{"p", "td", "strong", "span", "div"}).Draw(rt, "tag")
		body := fmt.Sprintf("<%s>%s</%s><%s>%s</%s>", tag, prefix, tag, tag, code, tag)
		if got := ExtractCode(body); got != code {
			rt.Fatalf("ExtractCode(%q) = %q, want %q", body, got, code)
		}
	})
}

func TestMailbox_DeleteClears(t *testing.T) {
	fake, box := newFakeMailbox(t, 10*time.Millisecond, time.Second)
	fake.Deliver("a@example.com", "hello", "body")
	fake.Deliver("b@example.com", "hello", "body")

	ctx := context.Background()
	msgs, err := box.List(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, box.Delete(ctx))
	assert.Equal(t, 0, fake.Count())
}

func TestMailbox_VerificationCodeArrivesLate(t *testing.T) {
	fake, box := newFakeMailbox(t, 10*time.Millisecond, 2*time.Second)
	fake.Deliver("other@example.com", VerificationSubject, "<p>111111</p>")

	go func() {
		time.Sleep(50 * time.Millisecond)
		fake.Deliver(" Target@Example.com ", VerificationSubject, verificationBody)
	}()

	code, err := box.VerificationCode(context.Background(), "target@example.com")
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
}

func TestMailbox_PicksNewestMatch(t *testing.T) {
	fake, box := newFakeMailbox(t, 10*time.Millisecond, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	fake.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	fake.Deliver("a@example.com", VerificationSubject, "<p>111111</p>")
	fake.Deliver("a@example.com", VerificationSubject, "<p>222222</p>")

	code, err := box.VerificationCode(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", code)
}

func TestMailbox_WaitForIsBounded(t *testing.T) {
	_, box := newFakeMailbox(t, 10*time.Millisecond, 100*time.Millisecond)

	start := time.Now()
	_, err := box.VerificationCode(context.Background(), "nobody@example.com")
	require.Error(t, err)
	assert.Equal(t, errs.DeadlineExceeded, errs.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMailbox_UnreachableCatcherStillBounded(t *testing.T) {
	srv := httptest.NewServer(NewFakeServer())
	url := srv.URL
	srv.Close()

	box := New(url, 10*time.Millisecond, 100*time.Millisecond, nil)
	_, err := box.WaitFor(context.Background(), ToAddress("a@example.com"))
	require.Error(t, err)
	assert.Equal(t, errs.DeadlineExceeded, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "mail: list")
}

func TestMailbox_MailWithoutCode(t *testing.T) {
	fake, box := newFakeMailbox(t, 10*time.Millisecond, time.Second)
	fake.Deliver("a@example.com", VerificationSubject, "<p>click the link</p>")

	_, err := box.VerificationCode(context.Background(), "a@example.com")
	require.Error(t, err)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
}

func TestFakeServer_RejectsBadPrune(t *testing.T) {
	fake := NewFakeServer()
	fake.Deliver("a@example.com", "s", "b")
	rec := httptest.NewRecorder()
	fake.ServeHTTP(rec, httptest.NewRequest("DELETE", "/mail", nil))
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, 1, fake.Count())
}

func TestFakeServer_SeedsOverHTTP(t *testing.T) {
	fake, box := newFakeMailbox(t, 10*time.Millisecond, time.Second)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mail", "application/json",
		strings.NewReader(`{"to":"seed@example.com","subject":"`+VerificationSubject+`","body":"<p>code 246810</p>"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	code, err := box.VerificationCode(context.Background(), "seed@example.com")
	require.NoError(t, err)
	assert.Equal(t, "246810", code)

	resp, err = http.Post(srv.URL+"/mail", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// slurperCatcher serves a fixed listing in the catcher's space-separated
// timestamp format.
func slurperCatcher(t *testing.T, listing string) *Mailbox {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listing))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, 10*time.Millisecond, time.Second, nil)
}

func TestMailbox_ReadsSpaceSeparatedTimestamps(t *testing.T) {
	box := slurperCatcher(t, `{"mailItems":[
		{"id":"1","dateSent":"2026-10-18 12:00:00","toAddresses":["a@example.com"],"subject":"`+VerificationSubject+`","body":"<p>111111</p>"},
		{"id":"2","dateSent":"2026-10-18 12:00:05","toAddresses":["a@example.com"],"subject":"`+VerificationSubject+`","body":"<p>222222</p>"}
	],"totalRecords":2}`)

	messages, err := box.List(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "2", messages[0].ID)
	assert.Equal(t, time.Date(2026, 10, 18, 12, 0, 5, 0, time.UTC), messages[0].DateSent.Time)

	code, err := box.VerificationCode(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", code)
}

func TestMailbox_UnreadableTimestampKeepsCatcherOrder(t *testing.T) {
	box := slurperCatcher(t, `{"mailItems":[
		{"id":"9","dateSent":"yesterday","toAddresses":["a@example.com"],"subject":"`+VerificationSubject+`","body":"<p>999999</p>"},
		{"id":"8","dateSent":1760788800,"toAddresses":["a@example.com"],"subject":"`+VerificationSubject+`","body":"<p>888888</p>"}
	],"totalRecords":2}`)

	messages, err := box.List(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.True(t, messages[0].DateSent.IsZero())
	assert.Equal(t, []string{"9", "8"}, []string{messages[0].ID, messages[1].ID})

	code, err := box.VerificationCode(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "999999", code)
}

func TestTimestamp_Layouts(t *testing.T) {
	want := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	for _, raw := range []string{`"2026-10-18T12:00:00Z"`, `"2026-10-18 12:00:00"`, `"2026-10-18T12:00:00"`, `"2026-10-18 14:00:00 +0200"`} {
		var ts Timestamp
		require.NoError(t, ts.UnmarshalJSON([]byte(raw)))
		assert.True(t, want.Equal(ts.Time), raw)
	}

	out, err := Timestamp{want}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2026-10-18T12:00:00Z"`, string(out))
}
