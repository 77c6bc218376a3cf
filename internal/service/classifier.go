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

// ConversationContext is what the classifier and generator know about the
// dialogue so far. History is chronological, oldest first.
type ConversationContext struct {
	History          []domain.Interaction
	PreviousQuestion string
	PreviousSQL      string
	HasPendingData   bool
}

const classifierSystemPrompt = `Ты классификатор интентов с контекстом разговора для SQL-ассистента.

Определи интент нового сообщения пользователя с учётом контекста. Возможные интенты:

1. continuation — уточняющий вопрос о УЖЕ полученных данных, БЕЗ изменения SQL.
   Ответ должен дословно существовать в текущих данных.
   Примеры: "Как зовут этого юзера?", "А сколько ей лет?", "Покажи подробнее о первом".

2. query_refinement — уточнение, требующее МОДИФИКАЦИИ предыдущего SQL
   (новый фильтр, JOIN, другая агрегация).
   Примеры: "из них сколько имеют подписку?", "только женщины", "старше 25 лет", "из Алматы".

3. table_request — просьба выгрузить текущие данные в таблицу/файл.
   Примеры: "да", "давай сгенерируй", "выгрузи это в Excel".

4. new_data_query — новый независимый запрос данных, смена темы.
   Примеры: "Покажи пользователей с подпиской", "Сколько покупок на этой неделе?".

5. informational — вопросы о боте и его возможностях.
   Примеры: "Что ты умеешь?", "Помощь", "Какие данные ты можешь показать?".

Правило различия continuation и query_refinement: если ответ уже есть в полученных
данных — continuation; если нужен новый или изменённый SQL — query_refinement.

Отвечай ТОЛЬКО одним словом: continuation, query_refinement, table_request,
new_data_query или informational. Без объяснений.`

// Classifier maps a user message plus recent context to one intent from the
// closed set. Any provider failure or out-of-vocabulary output degrades to
// new_data_query: an unnecessary query is cheaper than an understated intent.
type Classifier struct {
	llm llm.Client
}

func NewClassifier(client llm.Client) *Classifier {
	return &Classifier{llm: client}
}

func (c *Classifier) Classify(ctx context.Context, message string, conv *ConversationContext) domain.Intent {
	raw, err := c.llm.Complete(ctx, llm.Request{
		System: classifierSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildClassifierInput(message, conv)},
		},
		Temperature: config.ClassifyTemperature,
		MaxTokens:   config.ClassifyMaxTokens,
	})
	if err != nil {
		slog.Error("intent classification failed, using fallback", "error", err)
		return domain.IntentNewDataQuery
	}

	intent, err := domain.ParseIntent(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		slog.Warn("unexpected classification output, using fallback", "raw", raw)
		return domain.IntentNewDataQuery
	}

	// Follow-up intents are meaningless without context.
	if conv == nil && (intent == domain.IntentContinuation || intent == domain.IntentQueryRefinement) {
		return domain.IntentNewDataQuery
	}
	return intent
}

func buildClassifierInput(message string, conv *ConversationContext) string {
	var b strings.Builder
	b.WriteString("Контекст разговора:\n")

	if conv == nil || len(conv.History) == 0 {
		b.WriteString("Это первое сообщение пользователя.\nДанных в памяти: нет\n")
	} else {
		history := conv.History
		if len(history) > config.ClassifierHistoryTurns {
			history = history[len(history)-config.ClassifierHistoryTurns:]
		}
		for _, turn := range history {
			fmt.Fprintf(&b, "Пользователь: %s\n", truncate(turn.UserMessage, 150))
			if turn.BotResponse != "" {
				fmt.Fprintf(&b, "Бот: %s\n", truncate(turn.BotResponse, 150))
			}
		}
		if conv.HasPendingData {
			b.WriteString("Данных в памяти: ЕСТЬ (можно отвечать на уточняющие вопросы)\n")
		} else {
			b.WriteString("Данных в памяти: НЕТ\n")
		}
	}

	fmt.Fprintf(&b, "\nНовое сообщение пользователя: %q\n\nОпредели интент:", message)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
