package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dauletk/insightbot/internal/config"
	"github.com/dauletk/insightbot/internal/domain"
	"github.com/dauletk/insightbot/internal/llm"
	"github.com/dauletk/insightbot/internal/schema"
)

const refinerSystemPrompt = `Ты — эксперт по SQL. Пользователь хочет МОДИФИЦИРОВАТЬ существующий запрос, а не написать новый.

ПРАВИЛА:
1. Бери предыдущий SQL за основу и вноси МИНИМАЛЬНЫЕ изменения по просьбе пользователя.
2. Сохраняй агрегации, группировки и фильтры предыдущего запроса, если пользователь явно не просит их убрать.
3. Генерируй ТОЛЬКО SELECT. Никогда не используй DROP, DELETE, UPDATE, INSERT, ALTER, TRUNCATE.
4. Отвечай строго JSON объектом вида:
{"refined_sql": "<модифицированный SQL>", "explanation": "<короткое объяснение изменений на русском>"}`

// Refiner rewrites a prior SQL statement per a user refinement request,
// preserving the original query's structure.
type Refiner struct {
	llm  llm.Client
	docs *schema.Docs
}

func NewRefiner(client llm.Client, docs *schema.Docs) *Refiner {
	return &Refiner{llm: client, docs: docs}
}

type refinement struct {
	RefinedSQL  string `json:"refined_sql"`
	Explanation string `json:"explanation"`
}

// Refine returns the modified SQL and a short Russian explanation of what
// changed.
func (r *Refiner) Refine(ctx context.Context, originalSQL, originalQuestion, request string) (string, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Исходный вопрос: %s\n\n", originalQuestion)
	fmt.Fprintf(&b, "Предыдущий SQL:\n%s\n\n", originalSQL)
	fmt.Fprintf(&b, "Просьба пользователя: %s", request)

	raw, err := r.llm.Complete(ctx, llm.Request{
		System:      refinerSystemPrompt + "\n\n" + schemaReference(r.docs),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature: config.GenerateTemperature,
		MaxTokens:   config.RefineMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return "", "", fmt.Errorf("refine sql: %w", err)
	}

	var parsed refinement
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", "", fmt.Errorf("parse refinement response: %w", err)
	}

	sql := ExtractSQL(parsed.RefinedSQL)
	if strings.TrimSpace(sql) == "" {
		return "", "", domain.ErrEmptySQL
	}
	return sql, strings.TrimSpace(parsed.Explanation), nil
}

// schemaReference renders a compact table/column listing for prompts that
// need the schema but not the full rule set.
func schemaReference(docs *schema.Docs) string {
	if docs == nil || len(docs.Tables) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("СХЕМА БАЗЫ ДАННЫХ:\n")
	for _, name := range docs.TableNames() {
		t := docs.Tables[name]
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, c.Name)
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Name, strings.Join(cols, ", "))
	}
	return b.String()
}
