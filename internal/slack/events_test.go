package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/orchestrator"
)

type postedMessage struct {
	channel string
	text    string
}

type fakeAPI struct {
	mu       sync.Mutex
	posted   []postedMessage
	updated  []postedMessage
	uploads  []slackapi.UploadFileParameters
	uploaded [][]byte
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, postedMessage{channel: channelID, text: renderOptions(options)})
	return channelID, "1700000000.000100", nil
}

func (f *fakeAPI) UpdateMessageContext(_ context.Context, channelID, ts string, options ...slackapi.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, postedMessage{channel: channelID, text: renderOptions(options)})
	return channelID, ts, "", nil
}

func (f *fakeAPI) UploadFileContext(_ context.Context, params slackapi.UploadFileParameters) (*slackapi.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, params)
	if params.Reader != nil {
		content, _ := io.ReadAll(params.Reader)
		f.uploaded = append(f.uploaded, content)
	}
	return &slackapi.FileSummary{ID: "F1"}, nil
}

// renderOptions extracts the text/blocks payload of message options by
// applying them to a throwaway request form.
func renderOptions(options []slackapi.MsgOption) string {
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C0", "https://slack.test/api/", options...)
	if err != nil {
		return ""
	}
	if text := values.Get("text"); text != "" {
		return text
	}
	return values.Get("blocks")
}

type fakeProcessor struct {
	reply orchestrator.Reply
	keys  []domain.SessionKey
	texts []string
}

func (f *fakeProcessor) ProcessMessage(_ context.Context, key domain.SessionKey, message string) orchestrator.Reply {
	f.keys = append(f.keys, key)
	f.texts = append(f.texts, message)
	return f.reply
}

type ratedPattern struct {
	id       int64
	feedback int16
}

type fakeFeedback struct {
	mu     sync.Mutex
	latest *domain.QueryPattern
	rated  []ratedPattern
}

func (f *fakeFeedback) LatestBy(_ context.Context, _ string) (*domain.QueryPattern, error) {
	if f.latest == nil {
		return nil, domain.ErrPatternNotFound
	}
	return f.latest, nil
}

func (f *fakeFeedback) MarkFeedback(_ context.Context, id int64, feedback int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rated = append(f.rated, ratedPattern{id: id, feedback: feedback})
	return nil
}

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func newTestServer(reply orchestrator.Reply) (*Server, *fakeAPI, *fakeProcessor, *fakeFeedback) {
	api := &fakeAPI{}
	proc := &fakeProcessor{reply: reply}
	feedback := &fakeFeedback{}
	server := NewServer(newClientWithAPI(api), proc, feedback, nil, testSigningSecret)
	return server, api, proc, feedback
}

// signedRequest builds an events request carrying a valid Slack signature
// over the body, the way Slack itself signs deliveries.
func signedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestURLVerificationChallenge(t *testing.T) {
	server, _, _, _ := newTestServer(orchestrator.Reply{})
	router := server.Router()

	body := `{"type":"url_verification","challenge":"ch-42","token":"t"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ch-42", rec.Body.String())
}

func TestUnsignedRequestRejected(t *testing.T) {
	server, _, proc, _ := newTestServer(orchestrator.Reply{})
	router := server.Router()

	body := `{"type":"url_verification","challenge":"ch-42","token":"t"}`
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, proc.keys)
}

func TestForgedSignatureRejected(t *testing.T) {
	server, _, proc, _ := newTestServer(orchestrator.Reply{})
	router := server.Router()

	body := `{
		"type": "event_callback",
		"event": {"type": "message", "user": "U1", "channel": "C1", "text": "привет"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Slack-Signature", "v0="+strings.Repeat("ab", 32))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, proc.keys)
}

func TestDeliverTextReplyEditsTypingIndicator(t *testing.T) {
	server, api, _, _ := newTestServer(orchestrator.Reply{})

	err := server.deliver(context.Background(), "C1", "1700000000.000100",
		orchestrator.Reply{Text: "Всего 42 клиента."})
	require.NoError(t, err)

	require.Len(t, api.updated, 1)
	assert.Equal(t, "Всего 42 клиента.", api.updated[0].text)
	assert.Empty(t, api.posted)
}

func TestDeliverExportUploadsWorkbook(t *testing.T) {
	server, api, _, _ := newTestServer(orchestrator.Reply{})

	reply := orchestrator.Reply{
		Export: true,
		ExportTable: &domain.Table{
			Columns: []string{"Клуб", "Продажи"},
			Rows:    [][]any{{"Алматы", int64(120)}},
		},
		ExportSQL:        "SELECT * FROM olap_schema.sales",
		OriginalQuestion: "продажи по клубам",
	}
	err := server.deliver(context.Background(), "C1", "1700000000.000100", reply)
	require.NoError(t, err)

	// Typing indicator replaced, SQL block posted, file uploaded.
	require.Len(t, api.updated, 1)
	assert.Contains(t, api.updated[0].text, "продажи по клубам")
	require.Len(t, api.posted, 1)
	assert.Contains(t, api.posted[0].text, "SELECT * FROM olap_schema.sales")
	require.Len(t, api.uploads, 1)
	assert.Equal(t, "query_result.xlsx", api.uploads[0].Filename)
	assert.True(t, bytes.HasPrefix(api.uploaded[0], []byte("PK")), "xlsx is a zip archive")
}

func TestDeliverEmptyExportExplains(t *testing.T) {
	server, api, _, _ := newTestServer(orchestrator.Reply{})

	reply := orchestrator.Reply{
		Export:      true,
		ExportTable: &domain.Table{Columns: []string{"n"}},
	}
	err := server.deliver(context.Background(), "C1", "1700000000.000100", reply)
	require.NoError(t, err)

	require.Len(t, api.updated, 1)
	assert.Contains(t, api.updated[0].text, "не вернул данных")
	assert.Empty(t, api.uploads)
}

func TestHandleMessageRoutesToProcessor(t *testing.T) {
	server, api, proc, _ := newTestServer(orchestrator.Reply{Text: "ответ"})

	server.handleMessage("U1", "C1", "сколько клиентов?")

	require.Len(t, proc.keys, 1)
	assert.Equal(t, domain.SessionKey{UserID: "U1", ChannelID: "C1"}, proc.keys[0])
	assert.Equal(t, "сколько клиентов?", proc.texts[0])

	// Typing indicator went out first, then was replaced by the answer.
	require.Len(t, api.posted, 1)
	assert.Contains(t, api.posted[0].text, "анализирует данные")
	require.Len(t, api.updated, 1)
	assert.Equal(t, "ответ", api.updated[0].text)
}

func TestReactionRecordsFeedback(t *testing.T) {
	server, _, _, feedback := newTestServer(orchestrator.Reply{})
	feedback.latest = &domain.QueryPattern{ID: 7}

	router := server.Router()
	body := `{
		"type": "event_callback",
		"event": {"type": "reaction_added", "user": "U1", "reaction": "+1",
			"item": {"type": "message", "channel": "C1", "ts": "1.2"}}
	}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The reaction is handled asynchronously.
	require.Eventually(t, func() bool {
		feedback.mu.Lock()
		defer feedback.mu.Unlock()
		return len(feedback.rated) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ratedPattern{id: 7, feedback: domain.FeedbackPositive}, feedback.rated[0])
}

func TestBotMessagesAreIgnored(t *testing.T) {
	server, _, proc, _ := newTestServer(orchestrator.Reply{})
	router := server.Router()

	body := `{
		"type": "event_callback",
		"event": {"type": "message", "user": "U1", "channel": "C1",
			"text": "echo", "bot_id": "B1"}
	}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, proc.keys)
}
