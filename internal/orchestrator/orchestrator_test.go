package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/service"
)

type fakeClassifier struct {
	intent domain.Intent
	calls  int
	convs  []*service.ConversationContext
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, conv *service.ConversationContext) domain.Intent {
	f.calls++
	f.convs = append(f.convs, conv)
	return f.intent
}

type genCall struct {
	failedSQL string
	signal    string
	tried     map[string]struct{}
}

// fakeGenerator hands out scripted statements: first Generate, then one
// GenerateWithError per retry. The first failures calls error out before the
// scripted statements are consulted.
type fakeGenerator struct {
	sqls       []string
	failures   int
	calls      int
	next       int
	retryCalls []genCall
}

func (f *fakeGenerator) take() (string, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("model unavailable")
	}
	if f.next >= len(f.sqls) {
		return "", errors.New("fakeGenerator: out of scripted sql")
	}
	sql := f.sqls[f.next]
	f.next++
	return sql, nil
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, _ *service.GenerationContext) (string, error) {
	return f.take()
}

func (f *fakeGenerator) GenerateWithError(_ context.Context, _, failedSQL, signal string, _ *service.GenerationContext, tried map[string]struct{}) (string, error) {
	snapshot := make(map[string]struct{}, len(tried))
	for k := range tried {
		snapshot[k] = struct{}{}
	}
	f.retryCalls = append(f.retryCalls, genCall{failedSQL: failedSQL, signal: signal, tried: snapshot})
	return f.take()
}

type fakeRefiner struct {
	sql         string
	explanation string
	err         error
	gotSQL      string
	gotRequest  string
}

func (f *fakeRefiner) Refine(_ context.Context, originalSQL, _, request string) (string, string, error) {
	f.gotSQL = originalSQL
	f.gotRequest = request
	return f.sql, f.explanation, f.err
}

type fakeAnalyst struct {
	followUpCalls int
}

func (f *fakeAnalyst) Narrate(_ context.Context, question string, table *domain.Table) (string, error) {
	return fmt.Sprintf("Анализ %q, строк: %d. %s", question, table.RowCount(), service.OfferSuffix), nil
}

func (f *fakeAnalyst) NarrateRefinement(_ context.Context, explanation string, table *domain.Table) (string, error) {
	return fmt.Sprintf("🔄 %s, строк: %d", explanation, table.RowCount()), nil
}

func (f *fakeAnalyst) AnswerFollowUp(_ context.Context, question string, _ *domain.Table, _ []domain.Interaction) (string, error) {
	f.followUpCalls++
	return "Ответ из памяти на: " + question, nil
}

func (f *fakeAnalyst) AnswerInformational(_ context.Context, _ string) string {
	return "Я аналитик данных."
}

// fakeExecutor resolves statements against a scripted outcome table.
type fakeExecutor struct {
	results  map[string]*domain.Table
	errs     map[string]error
	executed []string
}

func (f *fakeExecutor) Execute(_ context.Context, sql string) (*domain.Table, error) {
	f.executed = append(f.executed, sql)
	if err, ok := f.errs[sql]; ok {
		return nil, err
	}
	if table, ok := f.results[sql]; ok {
		return table, nil
	}
	return &domain.Table{Columns: []string{"n"}}, nil // empty result
}

func (f *fakeExecutor) ColumnsOf(_ context.Context, _, _ string) ([]string, error) {
	return nil, errors.New("not scripted")
}

type fakeStore struct {
	upserts []domain.SessionRecord
	loaded  *domain.SessionRecord
}

func (f *fakeStore) Upsert(_ context.Context, rec *domain.SessionRecord) error {
	f.upserts = append(f.upserts, *rec)
	return nil
}

func (f *fakeStore) Load(_ context.Context, _ domain.SessionKey, _ time.Duration) (*domain.SessionRecord, error) {
	if f.loaded == nil {
		return nil, domain.ErrSessionNotFound
	}
	return f.loaded, nil
}

type fakeLog struct {
	appended []domain.Interaction
	recent   []domain.Interaction // newest first, as the real store returns
}

func (f *fakeLog) Append(_ context.Context, in *domain.Interaction) error {
	f.appended = append(f.appended, *in)
	return nil
}

func (f *fakeLog) Recent(_ context.Context, _ domain.SessionKey, _ int, _ time.Duration) ([]domain.Interaction, error) {
	return f.recent, nil
}

type savedPattern struct {
	question string
	sql      string
	rowCount int
}

type fakePatterns struct {
	saved []savedPattern
}

func (f *fakePatterns) Save(_ context.Context, question, sql string, rowCount int, _ string) error {
	f.saved = append(f.saved, savedPattern{question, sql, rowCount})
	return nil
}

type fixture struct {
	classifier *fakeClassifier
	generator  *fakeGenerator
	refiner    *fakeRefiner
	analyst    *fakeAnalyst
	executor   *fakeExecutor
	store      *fakeStore
	log        *fakeLog
	patterns   *fakePatterns
	manager    *Manager
}

func newFixture(intent domain.Intent) *fixture {
	f := &fixture{
		classifier: &fakeClassifier{intent: intent},
		generator:  &fakeGenerator{},
		refiner:    &fakeRefiner{},
		analyst:    &fakeAnalyst{},
		executor: &fakeExecutor{
			results: map[string]*domain.Table{},
			errs:    map[string]error{},
		},
		store:    &fakeStore{},
		log:      &fakeLog{},
		patterns: &fakePatterns{},
	}
	f.manager = NewManager(Opts{
		Classifier:     f.classifier,
		Generator:      f.generator,
		Refiner:        f.refiner,
		Analyst:        f.analyst,
		Executor:       f.executor,
		Store:          f.store,
		Log:            f.log,
		Patterns:       f.patterns,
		SessionTimeout: 30 * time.Minute,
		MaxRetries:     3,
		HistoryLimit:   5,
		HistoryWindow:  30 * time.Minute,
	})
	return f
}

var testKey = domain.SessionKey{UserID: "U1", ChannelID: "C1"}

func rows(n int) *domain.Table {
	t := &domain.Table{Columns: []string{"n"}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, []any{int64(i)})
	}
	return t
}

func TestNewQueryHappyPath(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT count(*) FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(3)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "сколько продаж?")

	assert.Contains(t, reply.Text, service.OfferSuffix)
	assert.False(t, reply.Export)

	// Result cached, session advanced and persisted.
	require.Len(t, f.store.upserts, 1)
	assert.Equal(t, domain.StateHasData, f.store.upserts[0].State)
	assert.Equal(t, sql, f.store.upserts[0].LastSQL)

	// Pattern saved for future few-shot retrieval.
	require.Len(t, f.patterns.saved, 1)
	assert.Equal(t, "сколько продаж?", f.patterns.saved[0].question)
	assert.Equal(t, 3, f.patterns.saved[0].rowCount)

	// Interaction logged with the SQL that ran.
	require.Len(t, f.log.appended, 1)
	assert.Equal(t, domain.IntentNewDataQuery, f.log.appended[0].QueryType)
	assert.Equal(t, sql, f.log.appended[0].SQLQuery)
	assert.True(t, f.log.appended[0].SQLExecuted)
}

func TestConfirmationExportsWithoutClassifier(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")
	require.Equal(t, 1, f.classifier.calls)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "Да!")

	// The fast path never reaches the classifier.
	assert.Equal(t, 1, f.classifier.calls)
	assert.True(t, reply.Export)
	assert.Equal(t, sql, reply.ExportSQL)
	assert.Equal(t, 2, reply.ExportTable.RowCount())
	assert.Equal(t, "покажи продажи", reply.OriginalQuestion)

	// Export returns the session to the initial state.
	assert.Equal(t, domain.StateInitial, f.store.upserts[1].State)
	assert.True(t, f.log.appended[1].TableGenerated)
}

func TestConfirmationWithoutDataApologizes(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "да")

	assert.Equal(t, 0, f.classifier.calls)
	assert.False(t, reply.Export)
	assert.Contains(t, reply.Text, "нет данных")
}

func TestRejectionResetsWithoutClassifier(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")
	reply := f.manager.ProcessMessage(context.Background(), testKey, "нет")

	assert.Equal(t, 1, f.classifier.calls)
	assert.False(t, reply.Export)
	assert.Equal(t, domain.StateInitial, f.store.upserts[1].State)
	assert.Empty(t, f.store.upserts[1].LastSQL)

	// A later bare confirmation finds nothing to export.
	after := f.manager.ProcessMessage(context.Background(), testKey, "да")
	assert.False(t, after.Export)
}

func TestRetryLoopFeedsSignalAndTriedTables(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	first := "SELECT * FROM olap_schema.sales"
	second := "SELECT * FROM raw.orders"
	third := "SELECT * FROM raw.payments"
	f.generator.sqls = []string{first, second, third}

	f.executor.errs[first] = errors.New(`relation "olap_schema.sales" missing`)
	// second returns the default empty table
	f.executor.results[third] = rows(1)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "покажи платежи")

	assert.NotContains(t, reply.Text, "Не удалось")
	require.Len(t, f.generator.retryCalls, 2)

	// First retry carries the database error verbatim.
	assert.Equal(t, first, f.generator.retryCalls[0].failedSQL)
	assert.Contains(t, f.generator.retryCalls[0].signal, "missing")
	assert.Equal(t, map[string]struct{}{"olap_schema.sales": {}}, f.generator.retryCalls[0].tried)

	// Second retry reports the empty result and the grown tried set.
	assert.Equal(t, second, f.generator.retryCalls[1].failedSQL)
	assert.Contains(t, f.generator.retryCalls[1].signal, "0 строк")
	assert.Equal(t, map[string]struct{}{
		"olap_schema.sales": {},
		"raw.orders":        {},
	}, f.generator.retryCalls[1].tried)
}

func TestGenerationFailureBurnsOneAttempt(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.failures = 1
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")

	// The failed first generation is retried like a failed execution.
	assert.NotContains(t, reply.Text, "Не удалось")
	require.Len(t, f.generator.retryCalls, 1)
	assert.Contains(t, f.generator.retryCalls[0].signal, "не удалась")
	assert.Equal(t, []string{sql}, f.executor.executed)
}

func TestGenerationFailuresRunAllAttempts(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	// Every generation call errors; with MaxRetries 3 the loop must still run
	// all 4 attempts before giving up.
	f.generator.failures = 10

	reply := f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")

	assert.Contains(t, reply.Text, "Не удалось")
	assert.Equal(t, 4, f.generator.calls)
	assert.Len(t, f.generator.retryCalls, 3)
	assert.Empty(t, f.executor.executed)
}

func TestRetryLoopExhausts(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	// MaxRetries is 3, so exactly 4 attempts run, all returning empty tables.
	f.generator.sqls = []string{
		"SELECT * FROM a.t1", "SELECT * FROM a.t2", "SELECT * FROM a.t3", "SELECT * FROM a.t4",
		"SELECT * FROM a.never",
	}

	reply := f.manager.ProcessMessage(context.Background(), testKey, "вопрос")

	assert.Contains(t, reply.Text, "Не удалось")
	assert.Len(t, f.executor.executed, 4)
	assert.Len(t, f.generator.retryCalls, 3)

	// The failed turn leaves the session without pending data.
	assert.Equal(t, domain.StateInitial, f.store.upserts[0].State)
}

func TestInteractionLogCarriesErrorAndTiming(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	f.generator.sqls = []string{
		"SELECT * FROM a.t1", "SELECT * FROM a.t2", "SELECT * FROM a.t3", "SELECT * FROM a.t4",
	}

	f.manager.ProcessMessage(context.Background(), testKey, "вопрос")

	// Every attempt came back empty, so the turn failed: the log keeps the
	// last statement that ran, the failure text and the turn's duration.
	require.Len(t, f.log.appended, 1)
	in := f.log.appended[0]
	assert.Equal(t, "SELECT * FROM a.t4", in.SQLQuery)
	assert.True(t, in.SQLExecuted)
	assert.Contains(t, in.ErrorMessage, "attempts")
	require.NotNil(t, in.ExecutionTimeMs)
	assert.GreaterOrEqual(t, *in.ExecutionTimeMs, int64(0))

	// A successful turn logs timing with no error.
	sql := "SELECT count(*) FROM olap_schema.sales"
	f.generator.sqls = append(f.generator.sqls, sql)
	f.executor.results[sql] = rows(3)
	f.manager.ProcessMessage(context.Background(), testKey, "сколько продаж?")

	require.Len(t, f.log.appended, 2)
	assert.Empty(t, f.log.appended[1].ErrorMessage)
	assert.Equal(t, sql, f.log.appended[1].SQLQuery)
	require.NotNil(t, f.log.appended[1].ExecutionTimeMs)
}

func TestContinuationAnswersFromMemory(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")

	f.classifier.intent = domain.IntentContinuation
	reply := f.manager.ProcessMessage(context.Background(), testKey, "а сколько их всего?")

	assert.Equal(t, 1, f.analyst.followUpCalls)
	assert.Contains(t, reply.Text, "Ответ из памяти")
	// No second query ran.
	assert.Len(t, f.executor.executed, 1)
	// The cached result survives a continuation turn.
	assert.Equal(t, domain.StateHasData, f.store.upserts[1].State)
}

func TestContinuationWithoutDataApologizes(t *testing.T) {
	f := newFixture(domain.IntentContinuation)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "а сколько их?")

	assert.Equal(t, 0, f.analyst.followUpCalls)
	assert.Contains(t, reply.Text, "нет данных")
}

func TestRefinementModifiesPreviousSQL(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM raw.clients"
	refined := "SELECT * FROM raw.clients WHERE city = 'Алматы'"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(10)
	f.executor.results[refined] = rows(4)
	f.refiner.sql = refined
	f.refiner.explanation = "Добавлен фильтр по городу"

	f.manager.ProcessMessage(context.Background(), testKey, "покажи клиентов")

	f.classifier.intent = domain.IntentQueryRefinement
	reply := f.manager.ProcessMessage(context.Background(), testKey, "только из Алматы")

	assert.Equal(t, sql, f.refiner.gotSQL)
	assert.Equal(t, "только из Алматы", f.refiner.gotRequest)
	assert.Contains(t, reply.Text, "Добавлен фильтр")

	// The refined statement replaced the previous one in the session.
	assert.Equal(t, refined, f.store.upserts[1].LastSQL)
	assert.Equal(t, domain.StateHasData, f.store.upserts[1].State)
}

func TestRefinementWithoutPreviousSQLFallsBackToNewQuery(t *testing.T) {
	f := newFixture(domain.IntentQueryRefinement)
	sql := "SELECT * FROM raw.clients"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(1)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "только из Алматы")

	assert.Contains(t, reply.Text, service.OfferSuffix)
	assert.Equal(t, sql, f.store.upserts[0].LastSQL)
}

func TestTableRequestReExecutesWhenRowsAreGone(t *testing.T) {
	f := newFixture(domain.IntentTableRequest)
	sql := "SELECT * FROM olap_schema.sales"
	f.executor.results[sql] = rows(5)
	// A previous process persisted the session; this one restored it without
	// the in-memory rows.
	f.store.loaded = &domain.SessionRecord{
		Key:            testKey,
		State:          domain.StateHasData,
		LastUserQuery:  "покажи продажи",
		LastSQL:        sql,
		LastActivityAt: time.Now(),
	}

	reply := f.manager.ProcessMessage(context.Background(), testKey, "выгрузи в excel")

	assert.True(t, reply.Export)
	assert.Equal(t, 5, reply.ExportTable.RowCount())
	assert.Equal(t, []string{sql}, f.executor.executed)
}

func TestExportKeywordsSkipClassifierWhenDataPending(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")
	require.Equal(t, 1, f.classifier.calls)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "выгрузи это в excel")

	assert.Equal(t, 1, f.classifier.calls)
	assert.True(t, reply.Export)
	assert.Equal(t, sql, reply.ExportSQL)
}

func TestTableRequestWithoutAnythingApologizes(t *testing.T) {
	f := newFixture(domain.IntentTableRequest)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "выгрузи в excel")

	assert.False(t, reply.Export)
	assert.Contains(t, reply.Text, "нет данных")
}

func TestInformationalIntent(t *testing.T) {
	f := newFixture(domain.IntentInformational)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "что ты умеешь?")

	assert.Equal(t, "Я аналитик данных.", reply.Text)
	assert.Len(t, f.executor.executed, 0)
}

func TestExpiredSessionStartsFresh(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")

	// Age the session past the timeout.
	sess := f.manager.sessions.byKey[testKey]
	sess.rec.LastActivityAt = time.Now().Add(-time.Hour)

	// Old turns are still in the audit log.
	f.log.recent = []domain.Interaction{
		{UserMessage: "покажи продажи", CreatedAt: time.Now().Add(-time.Hour)},
	}

	reply := f.manager.ProcessMessage(context.Background(), testKey, "да")

	// The confirmation finds nothing: the expiry wiped the pending data.
	assert.False(t, reply.Export)
	assert.Equal(t, domain.StateInitial, f.store.upserts[1].State)
	assert.Empty(t, f.store.upserts[1].LastSQL)

	// And history from before the reset no longer feeds classification.
	f.classifier.intent = domain.IntentNewDataQuery
	f.generator.sqls = append(f.generator.sqls, sql)
	f.manager.ProcessMessage(context.Background(), testKey, "новый вопрос")
	conv := f.classifier.convs[len(f.classifier.convs)-1]
	if conv != nil {
		assert.Empty(t, conv.History)
	}
}

func TestClassifierSeesChronologicalHistory(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT 1"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(1)

	now := time.Now()
	// The log returns newest first.
	f.log.recent = []domain.Interaction{
		{UserMessage: "C", CreatedAt: now.Add(-1 * time.Minute)},
		{UserMessage: "B", CreatedAt: now.Add(-2 * time.Minute)},
		{UserMessage: "A", CreatedAt: now.Add(-3 * time.Minute)},
	}

	f.manager.ProcessMessage(context.Background(), testKey, "вопрос")

	require.Len(t, f.classifier.convs, 1)
	conv := f.classifier.convs[0]
	require.NotNil(t, conv)
	require.Len(t, conv.History, 3)
	assert.Equal(t, "A", conv.History[0].UserMessage)
	assert.Equal(t, "B", conv.History[1].UserMessage)
	assert.Equal(t, "C", conv.History[2].UserMessage)
}

func TestRestoredRecordPersistsWithoutDrift(t *testing.T) {
	f := newFixture(domain.IntentInformational)
	created := time.Now().Add(-10 * time.Minute)
	f.store.loaded = &domain.SessionRecord{
		Key:            testKey,
		State:          domain.StateHasData,
		LastUserQuery:  "покажи продажи",
		LastSQL:        "SELECT * FROM olap_schema.sales",
		CreatedAt:      created,
		LastActivityAt: time.Now(),
	}

	f.manager.ProcessMessage(context.Background(), testKey, "что ты умеешь?")

	// An informational turn touches only the activity timestamp; every other
	// durable field round-trips unchanged.
	require.Len(t, f.store.upserts, 1)
	rec := f.store.upserts[0]
	assert.Equal(t, "покажи продажи", rec.LastUserQuery)
	assert.Equal(t, "SELECT * FROM olap_schema.sales", rec.LastSQL)
	assert.Equal(t, created, rec.CreatedAt)
}

func TestStaleRestoreNeverClobbersCompletedTurn(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	sql := "SELECT * FROM olap_schema.sales"
	f.generator.sqls = []string{sql}
	f.executor.results[sql] = rows(2)

	f.manager.ProcessMessage(context.Background(), testKey, "покажи продажи")

	// The persisted record only ever loads for the first holder of the
	// session lock. Once a turn has run, a late acquire must not pull the
	// stale record over the turn's writes.
	f.store.loaded = &domain.SessionRecord{
		Key:            testKey,
		State:          domain.StateHasData,
		LastSQL:        "SELECT 0",
		LastActivityAt: time.Now(),
	}

	sess := f.manager.sessions.acquire(context.Background(), testKey)
	got := sess.rec.LastSQL
	sess.mu.Unlock()
	assert.Equal(t, sql, got)

	reply := f.manager.ProcessMessage(context.Background(), testKey, "да")
	assert.True(t, reply.Export)
	assert.Equal(t, sql, reply.ExportSQL)
}

func TestRestoredSessionDropsToInitial(t *testing.T) {
	f := newFixture(domain.IntentNewDataQuery)
	f.store.loaded = &domain.SessionRecord{
		Key:            testKey,
		State:          domain.StateHasData,
		LastSQL:        "SELECT 1",
		LastActivityAt: time.Now(),
	}

	// A bare confirmation right after a restart cannot export: the rows died
	// with the previous process.
	reply := f.manager.ProcessMessage(context.Background(), testKey, "да")
	assert.False(t, reply.Export)
}
