package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/dauletk/insightbot/internal/config"
	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/orchestrator"
	"github.com/dauletk/insightbot/internal/service"
)

const typingIndicator = "🤖 _AI Data Analyst анализирует данные..._"

// processor is the orchestrator surface the transport needs.
type processor interface {
	ProcessMessage(ctx context.Context, key domain.SessionKey, message string) orchestrator.Reply
}

// feedbackSink records thumbs-up/down reactions against cached query
// patterns.
type feedbackSink interface {
	LatestBy(ctx context.Context, createdBy string) (*domain.QueryPattern, error)
	MarkFeedback(ctx context.Context, id int64, feedback int16) error
}

// Server is the HTTP side of the bot.
type Server struct {
	client        *Client
	processor     processor
	feedback      feedbackSink
	db            *pgxpool.Pool
	signingSecret string
}

func NewServer(client *Client, proc processor, feedback feedbackSink, db *pgxpool.Pool, signingSecret string) *Server {
	return &Server{client: client, processor: proc, feedback: feedback, db: db, signingSecret: signingSecret}
}

// Router builds the gin engine with the events endpoint and health check.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/slack/events", s.handleEvents)
	r.GET("/health", s.handleHealth)
	return r
}

// handleEvents verifies the request signature, acknowledges Slack within its
// 3-second deadline and does the actual work in a goroutine.
func (s *Server) handleEvents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if err := s.verifySignature(c.Request.Header, body); err != nil {
		slog.Warn("slack signature rejected", "error", err)
		c.Status(http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		slog.Error("event parse failed", "error", err)
		c.Status(http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, challenge.Challenge)
		return
	case slackevents.CallbackEvent:
		s.dispatchCallback(event.InnerEvent)
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusOK)
}

// verifySignature checks the X-Slack-Signature HMAC against the signing
// secret. The timestamp check inside the verifier rejects replayed requests.
func (s *Server) verifySignature(header http.Header, body []byte) error {
	verifier, err := slackapi.NewSecretsVerifier(header, s.signingSecret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}

func (s *Server) dispatchCallback(inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		// Skip our own and any other bot's messages.
		if ev.BotID != "" || ev.SubType == "bot_message" || ev.Text == "" {
			return
		}
		go s.handleMessage(ev.User, ev.Channel, ev.Text)
	case *slackevents.ReactionAddedEvent:
		go s.handleReaction(ev)
	}
}

// handleMessage runs one full turn: typing indicator, orchestrator, final
// reply, optional Excel upload.
func (s *Server) handleMessage(userID, channelID, text string) {
	ctx := context.Background()

	ts, err := s.client.PostMessage(ctx, channelID, typingIndicator)
	if err != nil {
		slog.Error("typing indicator failed", "channel", channelID, "error", err)
	}

	key := domain.SessionKey{UserID: userID, ChannelID: channelID}
	reply := s.processor.ProcessMessage(ctx, key, text)

	if err := s.deliver(ctx, channelID, ts, reply); err != nil {
		slog.Error("reply delivery failed", "channel", channelID, "error", err)
	}
}

func (s *Server) deliver(ctx context.Context, channelID, ts string, reply orchestrator.Reply) error {
	sendCtx, cancel := context.WithTimeout(ctx, config.SlackTimeout)
	defer cancel()

	if !reply.Export {
		return s.replace(sendCtx, channelID, ts, reply.Text)
	}

	if reply.ExportTable.IsEmpty() {
		return s.replace(sendCtx, channelID, ts,
			"Запрос выполнен успешно, но не вернул данных (результат пуст).")
	}

	content, err := service.RenderExcel(reply.ExportTable)
	if err != nil {
		slog.Error("excel render failed", "error", err)
		return s.replace(sendCtx, channelID, ts,
			"Не удалось сформировать Excel-файл 😔 Попробуйте ещё раз.")
	}

	if err := s.replace(sendCtx, channelID, ts,
		fmt.Sprintf("📊 Таблица по запросу: %s", reply.OriginalQuestion)); err != nil {
		return err
	}
	if err := s.client.PostSQLBlock(sendCtx, channelID, reply.ExportSQL); err != nil {
		slog.Warn("sql block post failed", "error", err)
	}
	return s.client.UploadTable(sendCtx, channelID, config.ExportFilename, content,
		"*✅ Результат запроса в прикрепленном Excel-файле!*")
}

// replace edits the typing indicator when we have its timestamp, otherwise
// posts a new message.
func (s *Server) replace(ctx context.Context, channelID, ts, text string) error {
	if ts == "" {
		_, err := s.client.PostMessage(ctx, channelID, text)
		return err
	}
	return s.client.UpdateMessage(ctx, channelID, ts, text)
}

// handleReaction maps thumbs reactions to feedback on the reacting user's
// latest cached query pattern.
func (s *Server) handleReaction(ev *slackevents.ReactionAddedEvent) {
	if s.feedback == nil {
		return
	}

	var feedback int16
	switch ev.Reaction {
	case "+1", "thumbsup":
		feedback = domain.FeedbackPositive
	case "-1", "thumbsdown":
		feedback = domain.FeedbackNegative
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pattern, err := s.feedback.LatestBy(ctx, ev.User)
	if err != nil {
		slog.Warn("no pattern to rate", "user", ev.User, "error", err)
		return
	}
	if err := s.feedback.MarkFeedback(ctx, pattern.ID, feedback); err != nil {
		slog.Error("feedback save failed", "pattern_id", pattern.ID, "error", err)
		return
	}
	slog.Info("pattern feedback recorded", "pattern_id", pattern.ID, "feedback", feedback)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}

	var tables int
	if err := s.db.QueryRow(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'analytics'").Scan(&tables); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "analytics_tables": tables})
}
