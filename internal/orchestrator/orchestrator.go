// Package orchestrator routes each incoming message through intent
// classification, SQL generation with self-correction, execution and
// narration, tracking per-conversation state across turns.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/service"
)

// The orchestrator talks to its collaborators through narrow interfaces so
// tests can substitute scripted fakes.

type IntentClassifier interface {
	Classify(ctx context.Context, message string, conv *service.ConversationContext) domain.Intent
}

type SQLGenerator interface {
	Generate(ctx context.Context, question string, conv *service.GenerationContext) (string, error)
	GenerateWithError(ctx context.Context, question, failedSQL, signal string, conv *service.GenerationContext, tried map[string]struct{}) (string, error)
}

type SQLRefiner interface {
	Refine(ctx context.Context, originalSQL, originalQuestion, request string) (string, string, error)
}

type ResultAnalyst interface {
	Narrate(ctx context.Context, question string, table *domain.Table) (string, error)
	NarrateRefinement(ctx context.Context, explanation string, table *domain.Table) (string, error)
	AnswerFollowUp(ctx context.Context, question string, table *domain.Table, history []domain.Interaction) (string, error)
	AnswerInformational(ctx context.Context, question string) string
}

type QueryExecutor interface {
	Execute(ctx context.Context, sql string) (*domain.Table, error)
	ColumnsOf(ctx context.Context, schemaName, table string) ([]string, error)
}

type Store interface {
	Upsert(ctx context.Context, rec *domain.SessionRecord) error
	Load(ctx context.Context, key domain.SessionKey, maxIdle time.Duration) (*domain.SessionRecord, error)
}

type Log interface {
	Append(ctx context.Context, in *domain.Interaction) error
	Recent(ctx context.Context, key domain.SessionKey, limit int, window time.Duration) ([]domain.Interaction, error)
}

type Patterns interface {
	Save(ctx context.Context, question, sql string, rowCount int, createdBy string) error
}

type Enricher interface {
	Enrich(ctx context.Context, table *domain.Table)
}

// Reply is what goes back to the transport layer. When Export is set, the
// transport renders ExportTable to a file and posts ExportSQL alongside it.
type Reply struct {
	Text             string
	Export           bool
	ExportTable      *domain.Table
	ExportSQL        string
	OriginalQuestion string
	QueryType        domain.Intent

	// Failure details for the interaction log. Never shown to the user.
	errText   string
	failedSQL string
}

// Opts wires a Manager.
type Opts struct {
	Classifier IntentClassifier
	Generator  SQLGenerator
	Refiner    SQLRefiner
	Analyst    ResultAnalyst
	Executor   QueryExecutor
	Store      Store
	Log        Log
	Patterns   Patterns
	Enricher   Enricher

	SessionTimeout time.Duration
	MaxRetries     int
	HistoryLimit   int
	HistoryWindow  time.Duration
}

// Manager owns every conversation.
type Manager struct {
	classifier IntentClassifier
	generator  SQLGenerator
	refiner    SQLRefiner
	analyst    ResultAnalyst
	executor   QueryExecutor
	log        Log
	patterns   Patterns
	enricher   Enricher

	sessions      *sessions
	maxRetries    int
	historyLimit  int
	historyWindow time.Duration
}

func NewManager(opts Opts) *Manager {
	return &Manager{
		classifier:    opts.Classifier,
		generator:     opts.Generator,
		refiner:       opts.Refiner,
		analyst:       opts.Analyst,
		executor:      opts.Executor,
		log:           opts.Log,
		patterns:      opts.Patterns,
		enricher:      opts.Enricher,
		sessions:      newSessions(opts.Store, opts.SessionTimeout),
		maxRetries:    opts.MaxRetries,
		historyLimit:  opts.HistoryLimit,
		historyWindow: opts.HistoryWindow,
	}
}

// ProcessMessage handles one user message end to end and returns the reply.
// It never returns an error to the transport; failures become apology texts
// so the user is never left without an answer.
func (m *Manager) ProcessMessage(ctx context.Context, key domain.SessionKey, message string) Reply {
	sess := m.sessions.acquire(ctx, key)
	defer sess.mu.Unlock()

	now := time.Now()
	if !sess.rec.LastActivityAt.IsZero() && now.Sub(sess.rec.LastActivityAt) > m.sessions.timeout {
		slog.Info("session expired, starting fresh", "key", key.String())
		sess.reset(now)
	}

	reply := m.dispatch(ctx, sess, message, now)

	sess.rec.LastActivityAt = now
	m.persist(ctx, sess, key, message, reply, time.Since(now).Milliseconds())
	return reply
}

func (m *Manager) dispatch(ctx context.Context, sess *Session, message string, now time.Time) Reply {
	// Bare confirmations and rejections are resolved without the classifier.
	switch service.DetectConfirmation(message) {
	case service.Confirm:
		if sess.hasData() {
			reply := Reply{
				Text:             "✅ Результат запроса в прикрепленном Excel-файле!",
				Export:           true,
				ExportTable:      sess.table,
				ExportSQL:        sess.rec.LastSQL,
				OriginalQuestion: sess.rec.LastUserQuery,
				QueryType:        domain.IntentTableRequest,
			}
			sess.rec.State = domain.StateInitial
			return reply
		}
		return Reply{
			Text:      "Мне нечего подтверждать — у меня нет данных в памяти. Задайте вопрос о данных, и я подготовлю ответ 🙂",
			QueryType: domain.IntentInformational,
		}
	case service.Reject:
		sess.reset(now)
		return Reply{
			Text:      "Хорошо, не буду. Чем ещё могу помочь?",
			QueryType: domain.IntentInformational,
		}
	}

	// Explicit export wording with pending data also skips classification.
	if sess.hasData() && service.WantsExport(message) {
		return m.handleTableRequest(ctx, sess)
	}

	history := m.recentHistory(ctx, sess)
	conv := m.conversationContext(sess, history)
	intent := m.classifier.Classify(ctx, message, conv)

	switch intent {
	case domain.IntentInformational:
		return Reply{
			Text:      m.analyst.AnswerInformational(ctx, message),
			QueryType: domain.IntentInformational,
		}
	case domain.IntentTableRequest:
		return m.handleTableRequest(ctx, sess)
	case domain.IntentContinuation:
		return m.handleContinuation(ctx, sess, message, history)
	case domain.IntentQueryRefinement:
		return m.handleRefinement(ctx, sess, message, history)
	default:
		return m.handleNewQuery(ctx, sess, message, history)
	}
}

func (m *Manager) handleTableRequest(ctx context.Context, sess *Session) Reply {
	if sess.hasData() {
		reply := Reply{
			Text:             "✅ Результат запроса в прикрепленном Excel-файле!",
			Export:           true,
			ExportTable:      sess.table,
			ExportSQL:        sess.rec.LastSQL,
			OriginalQuestion: sess.rec.LastUserQuery,
			QueryType:        domain.IntentTableRequest,
		}
		sess.rec.State = domain.StateInitial
		return reply
	}

	// The rows may be gone (restart, expiry) while the SQL survived.
	if sess.rec.LastSQL != "" {
		table, err := m.executor.Execute(ctx, sess.rec.LastSQL)
		if err == nil && !table.IsEmpty() {
			if m.enricher != nil {
				m.enricher.Enrich(ctx, table)
			}
			reply := Reply{
				Text:             "✅ Результат запроса в прикрепленном Excel-файле!",
				Export:           true,
				ExportTable:      table,
				ExportSQL:        sess.rec.LastSQL,
				OriginalQuestion: sess.rec.LastUserQuery,
				QueryType:        domain.IntentTableRequest,
			}
			sess.rec.State = domain.StateInitial
			return reply
		}
		if err != nil {
			slog.Warn("re-execution for table request failed", "error", err)
		}
	}

	return Reply{
		Text:      "У меня нет данных для выгрузки. Сначала задайте вопрос о данных, и после ответа я смогу подготовить Excel-файл 📊",
		QueryType: domain.IntentTableRequest,
	}
}

func (m *Manager) handleContinuation(ctx context.Context, sess *Session, message string, history []domain.Interaction) Reply {
	if !sess.hasData() {
		return Reply{
			Text:      "У меня нет данных в памяти для этого вопроса. Сформулируйте, пожалуйста, полный запрос, и я получу свежие данные.",
			QueryType: domain.IntentContinuation,
		}
	}

	answer, err := m.analyst.AnswerFollowUp(ctx, message, sess.table, history)
	if err != nil {
		slog.Error("follow-up answer failed", "error", err)
		return Reply{
			Text:      "Не получилось обработать уточнение 😔 Попробуйте переформулировать вопрос.",
			QueryType: domain.IntentContinuation,
			errText:   err.Error(),
		}
	}
	return Reply{Text: answer, QueryType: domain.IntentContinuation}
}

func (m *Manager) handleRefinement(ctx context.Context, sess *Session, message string, history []domain.Interaction) Reply {
	if sess.rec.LastSQL == "" {
		// Nothing to modify, treat the message as a standalone question.
		return m.handleNewQuery(ctx, sess, message, history)
	}

	sql, explanation, err := m.refiner.Refine(ctx, sess.rec.LastSQL, sess.rec.LastUserQuery, message)
	if err != nil {
		slog.Error("refinement failed", "error", err)
		return Reply{
			Text:      "Не удалось изменить запрос 😔 Попробуйте сформулировать вопрос заново.",
			QueryType: domain.IntentQueryRefinement,
			errText:   err.Error(),
		}
	}

	table, err := m.executor.Execute(ctx, sql)
	if err != nil {
		slog.Error("refined query failed", "error", err)
		return Reply{
			Text:      "Изменённый запрос не выполнился 😔 Попробуйте сформулировать вопрос заново.",
			QueryType: domain.IntentQueryRefinement,
			errText:   err.Error(),
			failedSQL: sql,
		}
	}
	if m.enricher != nil {
		m.enricher.Enrich(ctx, table)
	}

	text, err := m.analyst.NarrateRefinement(ctx, explanation, table)
	if err != nil {
		slog.Error("refinement narration failed", "error", err)
		text = fmt.Sprintf("🔄 %s\n\nЗапрос выполнен, строк: %d.\n\n%s", explanation, table.RowCount(), service.OfferSuffix)
	}

	m.rememberResult(sess, message, sql, table, text)
	return Reply{Text: text, QueryType: domain.IntentQueryRefinement}
}

func (m *Manager) handleNewQuery(ctx context.Context, sess *Session, message string, history []domain.Interaction) Reply {
	conv := m.generationContext(sess, history)

	table, sql, err := m.generateAndExecute(ctx, message, conv)
	if err != nil {
		slog.Error("query attempts exhausted", "question", message, "error", err)
		return Reply{
			Text:      "Не удалось найти данные по вашему запросу 😔 Попробуйте переформулировать вопрос или уточнить, о каких данных идёт речь.",
			QueryType: domain.IntentNewDataQuery,
			errText:   err.Error(),
			failedSQL: sql,
		}
	}

	if m.enricher != nil {
		m.enricher.Enrich(ctx, table)
	}

	text, err := m.analyst.Narrate(ctx, message, table)
	if err != nil {
		slog.Error("narration failed", "error", err)
		text = fmt.Sprintf("Запрос выполнен, строк: %d.\n\n%s\n\n%s",
			table.RowCount(), table.Preview(10), service.OfferSuffix)
	}

	if m.patterns != nil {
		if err := m.patterns.Save(ctx, message, sql, table.RowCount(), sess.rec.Key.UserID); err != nil {
			slog.Warn("pattern save failed", "error", err)
		}
	}

	m.rememberResult(sess, message, sql, table, text)
	return Reply{Text: text, QueryType: domain.IntentNewDataQuery}
}

// generateAndExecute runs the generate/execute/self-correct loop: the first
// attempt uses the plain prompt, every retry feeds the database's signal and
// the accumulated set of tried tables back to the model.
func (m *Manager) generateAndExecute(ctx context.Context, question string, conv *service.GenerationContext) (*domain.Table, string, error) {
	tried := make(map[string]struct{})
	var lastSQL, lastSignal string

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		var sql string
		var err error
		if attempt == 0 {
			sql, err = m.generator.Generate(ctx, question, conv)
		} else {
			sql, err = m.generator.GenerateWithError(ctx, question, lastSQL, lastSignal, conv, tried)
		}
		if err != nil {
			// A generation failure burns an attempt like an execution failure
			// does; the next iteration retries with whatever signal we had.
			slog.Warn("sql generation failed", "attempt", attempt+1, "error", err)
			if lastSignal == "" {
				lastSignal = "Предыдущая попытка генерации не удалась: " + err.Error()
			}
			continue
		}

		for _, ref := range service.TableRefs(sql) {
			tried[ref] = struct{}{}
		}

		table, err := m.executor.Execute(ctx, sql)
		if err != nil {
			lastSQL = sql
			lastSignal = m.errorSignal(ctx, sql, err)
			slog.Warn("query attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if table.IsEmpty() {
			lastSQL = sql
			lastSignal = "Запрос выполнился без ошибок, но вернул 0 строк. Вероятно, данные лежат в другой таблице или фильтры слишком строгие. Выбери другую таблицу или схему."
			slog.Info("query returned no rows, retrying", "attempt", attempt+1)
			continue
		}
		return table, sql, nil
	}

	return nil, lastSQL, fmt.Errorf("%w after %d attempts", domain.ErrRetryExhausted, m.maxRetries+1)
}

// errorSignal enriches a column-does-not-exist error with the table's real
// columns so the model can correct itself instead of guessing.
func (m *Manager) errorSignal(ctx context.Context, sql string, execErr error) string {
	signal := execErr.Error()
	if !strings.Contains(signal, "does not exist") {
		return signal
	}

	var listings []string
	for _, ref := range service.TableRefs(sql) {
		parts := strings.SplitN(ref, ".", 2)
		if len(parts) != 2 {
			continue
		}
		cols, err := m.executor.ColumnsOf(ctx, parts[0], parts[1])
		if err != nil || len(cols) == 0 {
			continue
		}
		listings = append(listings, fmt.Sprintf("Реальные колонки таблицы %s: %s", ref, strings.Join(cols, ", ")))
	}
	if len(listings) == 0 {
		return signal
	}
	sort.Strings(listings)
	return signal + "\n" + strings.Join(listings, "\n")
}

func (m *Manager) rememberResult(sess *Session, question, sql string, table *domain.Table, analysis string) {
	n := table.RowCount()
	sess.rec.State = domain.StateHasData
	sess.rec.LastUserQuery = question
	sess.rec.LastSQL = sql
	sess.rec.LastRowCount = &n
	sess.rec.LastAnalysis = analysis
	sess.table = table
}

// recentHistory returns this conversation's recent turns in chronological
// order, excluding anything before the session's history floor.
func (m *Manager) recentHistory(ctx context.Context, sess *Session) []domain.Interaction {
	if m.log == nil {
		return nil
	}
	rows, err := m.log.Recent(ctx, sess.rec.Key, m.historyLimit, m.historyWindow)
	if err != nil {
		slog.Warn("history lookup failed", "error", err)
		return nil
	}

	// Recent returns newest first; prompts want oldest first.
	out := make([]domain.Interaction, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].CreatedAt.After(sess.historyFloor) {
			out = append(out, rows[i])
		}
	}
	return out
}

func (m *Manager) conversationContext(sess *Session, history []domain.Interaction) *service.ConversationContext {
	if sess.rec.LastSQL == "" && len(history) == 0 {
		return nil
	}
	return &service.ConversationContext{
		History:          history,
		PreviousQuestion: sess.rec.LastUserQuery,
		PreviousSQL:      sess.rec.LastSQL,
		HasPendingData:   sess.hasData(),
	}
}

func (m *Manager) generationContext(sess *Session, history []domain.Interaction) *service.GenerationContext {
	if sess.rec.LastSQL == "" && len(history) == 0 {
		return nil
	}
	return &service.GenerationContext{
		PreviousQuestion: sess.rec.LastUserQuery,
		PreviousSQL:      sess.rec.LastSQL,
		History:          history,
	}
}

// persist writes the session record and the interaction row. Failures are
// logged, never surfaced: the user already has their reply.
func (m *Manager) persist(ctx context.Context, sess *Session, key domain.SessionKey, message string, reply Reply, elapsedMs int64) {
	if m.sessions.store != nil {
		if err := m.sessions.store.Upsert(ctx, &sess.rec); err != nil {
			slog.Error("session persist failed", "key", key.String(), "error", err)
		}
	}

	if m.log == nil {
		return
	}
	in := domain.Interaction{
		UserID:          key.UserID,
		ChannelID:       key.ChannelID,
		UserMessage:     message,
		BotResponse:     reply.Text,
		QueryType:       reply.QueryType,
		TableGenerated:  reply.Export,
		ErrorMessage:    reply.errText,
		ExecutionTimeMs: &elapsedMs,
	}
	if reply.Export {
		in.SQLQuery = reply.ExportSQL
		in.SQLExecuted = true
	} else if reply.QueryType == domain.IntentNewDataQuery || reply.QueryType == domain.IntentQueryRefinement {
		if reply.errText != "" {
			// The session record was not touched by a failed turn; log the
			// statement that actually failed, if any got as far as running.
			in.SQLQuery = reply.failedSQL
			in.SQLExecuted = reply.failedSQL != ""
		} else {
			in.SQLQuery = sess.rec.LastSQL
			in.SQLExecuted = sess.rec.LastSQL != ""
			if sess.rec.LastRowCount != nil {
				in.RowsReturned = sess.rec.LastRowCount
			}
		}
	}
	if err := m.log.Append(ctx, &in); err != nil {
		slog.Error("interaction log failed", "key", key.String(), "error", err)
	}
}
