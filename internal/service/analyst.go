package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dauletk/insightbot/internal/config"
	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/llm"
)

// OfferSuffix closes every fresh analysis so the user knows a confirmation
// will produce an export.
const OfferSuffix = "Желаете чтобы я сгенерировал для вас таблицу с этими данными? 📊"

const analystSystemPrompt = `Ты — AI Data Analyst, дружелюбный аналитик данных.
Пользователь задал вопрос, и запрос к базе уже выполнен. Твоя задача — кратко и по делу рассказать, что показывают данные.

ПРАВИЛА:
1. Отвечай на русском языке.
2. Выдели ключевые цифры и закономерности, не пересказывай таблицу построчно.
3. Не выдумывай данных, которых нет в результате.
4. Будь кратким: 2-5 предложений.`

const followUpSystemPrompt = `Ты — AI Data Analyst. Пользователь задаёт уточняющий вопрос по данным, которые уже получены ранее.

ПРАВИЛА:
1. Отвечай ТОЛЬКО на основе приведённых данных. Новых запросов к базе не будет.
2. Если в данных нет ответа на вопрос, честно скажи об этом и предложи сформулировать новый запрос.
3. Отвечай на русском языке, кратко.`

const helpText = `Привет! Я AI Data Analyst 🤖

Я отвечаю на вопросы о данных компании на обычном языке. Например:
• "Сколько клиентов пришло в июле?"
• "Покажи выручку по клубам за 2025 год"
• "Какие программы самые популярные?"

После ответа можно:
• задать уточняющий вопрос по полученным данным
• попросить изменить запрос ("а теперь только по Алматы")
• ответить "да" или попросить таблицу, чтобы получить Excel-файл 📊`

// Analyst narrates query results and answers follow-up questions from
// already retrieved data.
type Analyst struct {
	llm llm.Client
}

func NewAnalyst(client llm.Client) *Analyst {
	return &Analyst{llm: client}
}

// Narrate produces the insight text for a fresh result set. The export offer
// suffix is always appended, even when the model forgets it.
func (a *Analyst) Narrate(ctx context.Context, question string, table *domain.Table) (string, error) {
	input := fmt.Sprintf("Вопрос: %s\n\nРезультат запроса (%d строк):\n%s",
		question, table.RowCount(), table.Preview(config.PreviewRowsAnalysis))

	text, err := a.llm.Complete(ctx, llm.Request{
		System:      analystSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: input}},
		Temperature: config.AnalysisTemperature,
		MaxTokens:   config.AnalysisMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("narrate result: %w", err)
	}

	text = strings.TrimSpace(text)
	if !strings.Contains(text, "📊") {
		text += "\n\n" + OfferSuffix
	}
	return text, nil
}

// NarrateRefinement reports a successful query modification.
func (a *Analyst) NarrateRefinement(ctx context.Context, explanation string, table *domain.Table) (string, error) {
	narration, err := a.Narrate(ctx, "Запрос был изменён: "+explanation, table)
	if err != nil {
		return "", err
	}
	if explanation == "" {
		return narration, nil
	}
	return fmt.Sprintf("🔄 %s\n\n%s", explanation, narration), nil
}

// AnswerFollowUp answers from the cached table only; it never triggers a new
// database query.
func (a *Analyst) AnswerFollowUp(ctx context.Context, question string, table *domain.Table, history []domain.Interaction) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Данные (%d строк):\n%s\n\n", table.RowCount(), table.Preview(config.PreviewRowsContinuation))

	if len(history) > 0 {
		b.WriteString("Предыдущие сообщения:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "  Пользователь: %s\n", truncate(turn.UserMessage, 150))
			if turn.BotResponse != "" {
				fmt.Fprintf(&b, "  Ассистент: %s\n", truncate(turn.BotResponse, 150))
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Вопрос пользователя: %s", question)

	text, err := a.llm.Complete(ctx, llm.Request{
		System:      followUpSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature: config.AnalysisTemperature,
		MaxTokens:   config.FollowUpMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("answer follow-up: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// AnswerInformational handles capability questions and greetings. On LLM
// failure it falls back to the static help text so the user always gets a
// reply.
func (a *Analyst) AnswerInformational(ctx context.Context, question string) string {
	text, err := a.llm.Complete(ctx, llm.Request{
		System: "Ты — AI Data Analyst, бот для аналитики данных компании. Пользователь спрашивает о твоих возможностях или просто здоровается. Ответь дружелюбно на русском, кратко опиши что умеешь: отвечать на вопросы о данных, уточнять запросы, выгружать результаты в Excel.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: question},
		},
		Temperature: config.AnalysisTemperature,
		MaxTokens:   config.FollowUpMaxTokens,
	})
	if err != nil {
		slog.Warn("informational response failed, using fallback", "error", err)
		return helpText
	}
	return strings.TrimSpace(text)
}
