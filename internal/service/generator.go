package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/dauletk/insightbot/internal/config"
	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/llm"
	"github.com/dauletk/insightbot/internal/schema"
)

// PatternFinder retrieves similar past successful queries for few-shot use.
type PatternFinder interface {
	FindSimilar(ctx context.Context, question string, limit int) ([]domain.QueryPattern, error)
}

// Sampler is the slice of the execution provider the discovery phase needs.
type Sampler interface {
	ListTables(ctx context.Context, schemas []string) (map[string][]string, error)
	Sample(ctx context.Context, schemaName, table string, limit int) (*domain.Table, error)
}

// GenerationContext carries prior-turn material into the generation prompt.
// History is chronological, oldest first.
type GenerationContext struct {
	PreviousQuestion string
	PreviousSQL      string
	History          []domain.Interaction
}

// GeneratorOpts configures a Generator.
type GeneratorOpts struct {
	LLM      llm.Client
	Docs     *schema.Docs
	Patterns PatternFinder // optional
	Sampler  Sampler       // optional, required when Discovery is true

	Discovery          bool
	DiscoveryMaxTables int
	Schemas            []string
}

// Generator turns natural-language questions into single read-only SQL
// statements, with an error-feedback retry mode for self-correction.
type Generator struct {
	llm                llm.Client
	patterns           PatternFinder
	sampler            Sampler
	systemPrompt       string
	discovery          bool
	discoveryMaxTables int
	schemas            []string
}

func NewGenerator(opts GeneratorOpts) *Generator {
	return &Generator{
		llm:                opts.LLM,
		patterns:           opts.Patterns,
		sampler:            opts.Sampler,
		systemPrompt:       buildSystemPrompt(opts.Docs),
		discovery:          opts.Discovery,
		discoveryMaxTables: opts.DiscoveryMaxTables,
		schemas:            opts.Schemas,
	}
}

// Generate produces SQL for a fresh question.
func (g *Generator) Generate(ctx context.Context, question string, conv *GenerationContext) (string, error) {
	system := g.systemPrompt

	if conv != nil {
		system += "\n\n" + buildGenerationContext(conv)
	}
	if block := g.similarPatternsBlock(ctx, question); block != "" {
		system += "\n\n" + block
	}
	if g.discovery && g.sampler != nil {
		if block, err := g.discoverySample(ctx, question); err != nil {
			slog.Warn("discovery phase failed, generating without samples", "error", err)
		} else if block != "" {
			system += "\n\n" + block
		}
	}

	raw, err := g.llm.Complete(ctx, llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: question}},
		Temperature: config.GenerateTemperature,
		MaxTokens:   config.GenerateMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}

	sql := ExtractSQL(raw)
	if strings.TrimSpace(sql) == "" {
		return "", domain.ErrEmptySQL
	}
	return sql, nil
}

// GenerateWithError retries generation with the failing SQL, the database's
// literal error text or empty-result signal, and the set of schema.table
// pairs already tried this turn, so the model stops revisiting dead ends.
func (g *Generator) GenerateWithError(ctx context.Context, question, failedSQL, signal string, conv *GenerationContext, tried map[string]struct{}) (string, error) {
	system := g.systemPrompt
	if conv != nil {
		system += "\n\n" + buildGenerationContext(conv)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Запрос пользователя: %s\n\n", question)
	fmt.Fprintf(&b, "Предыдущий SQL запрос не дал результата:\nSQL:\n%s\n\n", failedSQL)
	fmt.Fprintf(&b, "Сигнал от базы данных:\n%s\n\n", signal)
	if len(tried) > 0 {
		b.WriteString("Уже испробованные таблицы (НЕ возвращайся к ним, выбери другую таблицу или схему):\n")
		for _, t := range sortedKeys(tried) {
			fmt.Fprintf(&b, "  - %s\n", t)
		}
		b.WriteString("\n")
	}
	b.WriteString("Исправь SQL запрос с учётом сигнала. Используй ТОЛЬКО реальные колонки из документации схемы.\n")
	b.WriteString("Если ошибка про несуществующую колонку — удали её или замени правильной.\n")
	b.WriteString("Верни ТОЛЬКО исправленный SQL без объяснений.")

	raw, err := g.llm.Complete(ctx, llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature: config.GenerateTemperature,
		MaxTokens:   config.GenerateMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate corrected sql: %w", err)
	}

	sql := ExtractSQL(raw)
	if strings.TrimSpace(sql) == "" {
		return "", domain.ErrEmptySQL
	}
	return sql, nil
}

func (g *Generator) similarPatternsBlock(ctx context.Context, question string) string {
	if g.patterns == nil {
		return ""
	}
	cached, err := g.patterns.FindSimilar(ctx, question, config.SimilarPatterns)
	if err != nil {
		slog.Warn("similar pattern lookup failed", "error", err)
		return ""
	}
	if len(cached) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== ПОХОЖИЕ УСПЕШНЫЕ ЗАПРОСЫ ИЗ ИСТОРИИ ===\n")
	b.WriteString("Эти запросы уже успешно выполнялись — используй их как образец:\n\n")
	for _, p := range cached {
		fmt.Fprintf(&b, "Вопрос: %s\nSQL:\n%s\n\n", p.Question, p.SQL)
	}
	return b.String()
}

// discoverySample asks the model to nominate candidate tables from the live
// catalog, samples a few rows from each, and returns a prompt block with the
// real column names and values.
func (g *Generator) discoverySample(ctx context.Context, question string) (string, error) {
	catalog, err := g.sampler.ListTables(ctx, g.schemas)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}

	var names []string
	for schemaName, tables := range catalog {
		for _, t := range tables {
			names = append(names, schemaName+"."+t)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)

	prompt := fmt.Sprintf(
		"Вопрос пользователя: %s\n\nДоступные таблицы:\n%s\n\nНазови до %d таблиц, которые скорее всего содержат ответ. Отвечай ТОЛЬКО списком schema.table, по одной на строку.",
		question, strings.Join(names, "\n"), g.discoveryMaxTables,
	)
	raw, err := g.llm.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: config.GenerateTemperature,
		MaxTokens:   config.DiscoveryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("nominate tables: %w", err)
	}

	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}

	var b strings.Builder
	count := 0
	for _, line := range strings.Split(raw, "\n") {
		ref := strings.Trim(strings.TrimSpace(line), "-* `")
		if _, ok := known[ref]; !ok {
			continue
		}
		if count >= g.discoveryMaxTables {
			break
		}
		parts := strings.SplitN(ref, ".", 2)
		sample, err := g.sampler.Sample(ctx, parts[0], parts[1], 5)
		if err != nil {
			slog.Warn("table sample failed", "table", ref, "error", err)
			continue
		}
		fmt.Fprintf(&b, "Таблица %s, примеры строк:\n%s\n", ref, sample.Preview(5))
		count++
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "=== ЖИВЫЕ ПРИМЕРЫ ДАННЫХ ===\n" + b.String(), nil
}

func buildGenerationContext(ctx *GenerationContext) string {
	parts := []string{"КОНТЕКСТ ПРЕДЫДУЩЕГО РАЗГОВОРА:"}

	if ctx.PreviousQuestion != "" {
		parts = append(parts, "Предыдущий вопрос пользователя: "+ctx.PreviousQuestion)
	}
	if ctx.PreviousSQL != "" {
		parts = append(parts, "Предыдущий SQL запрос:\n"+ctx.PreviousSQL)
	}

	history := ctx.History
	if len(history) > config.GenerationHistoryTurns {
		history = history[len(history)-config.GenerationHistoryTurns:]
	}
	if len(history) > 0 {
		parts = append(parts, "\nПоследние сообщения:")
		for _, turn := range history {
			parts = append(parts, "  Пользователь: "+turn.UserMessage)
			if turn.SQLQuery != "" {
				parts = append(parts, "  SQL: "+truncate(turn.SQLQuery, 300))
			}
		}
	}

	parts = append(parts,
		"\nЕсли текущий запрос является уточнением или продолжением предыдущего, "+
			"модифицируй предыдущий SQL соответственно. "+
			"Если это новый независимый запрос, игнорируй контекст и генерируй SQL с нуля.")

	return strings.Join(parts, "\n")
}

var fencedSQLRe = regexp.MustCompile("(?is)```sql\\s*\\n(.*?)\\n```")

// ExtractSQL pulls the statement out of a fenced code block if the model
// wrapped it in one, otherwise strips stray fence markers defensively.
func ExtractSQL(raw string) string {
	raw = strings.TrimSpace(raw)

	if m := fencedSQLRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}

	raw = strings.TrimPrefix(raw, "```sql")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}

// WrapSQL is the inverse of ExtractSQL for statements without fences.
func WrapSQL(sql string) string {
	return "```sql\n" + sql + "\n```"
}

var tableRefRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+("[^"]+"|[A-Za-z_][\w$]*)(?:\s*\.\s*("[^"]+"|[A-Za-z_][\w$]*))?`)

// TableRefs extracts every schema.table (or bare table) referenced by FROM
// and JOIN clauses, normalized to lower case with identifier quotes removed.
func TableRefs(sql string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range tableRefRe.FindAllStringSubmatch(sql, -1) {
		ref := unquoteIdent(m[1])
		if m[2] != "" {
			ref += "." + unquoteIdent(m[2])
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func unquoteIdent(s string) string {
	s = strings.Trim(s, `"`)
	return strings.ToLower(s)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
