package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dauletk/insightbot/internal/schema"
)

// Identifiers that collide with SQL keywords in the warehouse and must
// always be double-quoted.
var reservedIdentifiers = []string{
	"user", "event", "group", "level", "status", "type", "comment", "name", "cost", "program",
}

// buildSystemPrompt renders the full generation prompt from the schema
// documentation: rules, table catalog, business glossary, canonical name
// mappings and worked examples. Built once at startup.
func buildSystemPrompt(docs *schema.Docs) string {
	var b strings.Builder

	b.WriteString("Ты — эксперт по SQL для аналитической базы данных PostgreSQL.\n")
	b.WriteString("Твоя задача — преобразовать вопрос пользователя на естественном языке в ОДИН SQL запрос.\n\n")

	b.WriteString("ПРАВИЛА:\n")
	b.WriteString("1. Генерируй ТОЛЬКО SELECT запросы. Никогда не используй DROP, DELETE, UPDATE, INSERT, ALTER, TRUNCATE.\n")
	fmt.Fprintf(&b, "2. Зарезервированные имена колонок ВСЕГДА заключай в двойные кавычки: %s.\n", quotedList(reservedIdentifiers))
	b.WriteString("3. Если пользователь не указал год, используй 2025.\n")
	b.WriteString("4. Используй ТОЛЬКО таблицы и колонки из документации ниже. Не выдумывай колонки.\n")
	b.WriteString("5. Всегда указывай схему перед именем таблицы.\n")
	b.WriteString("6. Отвечай SQL запросом в блоке ```sql ... ```.\n\n")

	writeTables(&b, docs)
	writeGlossary(&b, docs)
	writeMappings(&b, "НАЗВАНИЯ ПРОГРАММ (канонические формы)", docs.Glossary.ProgramNameMappings)
	writeMappings(&b, "НАЗВАНИЯ КЛУБОВ (канонические формы)", docs.Glossary.ClubNameMappings.Mappings)
	writeExamples(&b, docs)

	return strings.TrimRight(b.String(), "\n")
}

func writeTables(b *strings.Builder, docs *schema.Docs) {
	if len(docs.Tables) == 0 {
		return
	}
	b.WriteString("=== СХЕМА БАЗЫ ДАННЫХ ===\n\n")
	for _, name := range docs.TableNames() {
		t := docs.Tables[name]
		fmt.Fprintf(b, "Таблица %s: %s\n", t.Name, t.Description)
		for _, c := range t.Columns {
			fmt.Fprintf(b, "  - %s (%s): %s", c.Name, c.Type, c.Description)
			if len(c.Synonyms) > 0 {
				fmt.Fprintf(b, " [синонимы: %s]", strings.Join(c.Synonyms, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

func writeGlossary(b *strings.Builder, docs *schema.Docs) {
	if len(docs.Glossary.BusinessTerms) == 0 {
		return
	}
	b.WriteString("=== БИЗНЕС-ТЕРМИНЫ ===\n")
	for _, term := range docs.Glossary.BusinessTerms {
		fmt.Fprintf(b, "%s: %s", term.Canonical, term.Definition)
		if len(term.Synonyms) > 0 {
			fmt.Fprintf(b, " (синонимы: %s)", strings.Join(term.Synonyms, ", "))
		}
		b.WriteString("\n")
		if term.SQLLogic != "" {
			fmt.Fprintf(b, "  SQL логика: %s\n", term.SQLLogic)
		}
	}
	b.WriteString("\n")
}

func writeMappings(b *strings.Builder, title string, mappings []schema.Mapping) {
	if len(mappings) == 0 {
		return
	}
	fmt.Fprintf(b, "=== %s ===\n", title)
	b.WriteString("В базе хранятся ТОЛЬКО канонические формы. Любой синоним пользователя преобразуй в каноническую форму:\n")
	for _, m := range mappings {
		fmt.Fprintf(b, "  %s <- %s\n", m.Canonical, strings.Join(m.Synonyms, ", "))
	}
	b.WriteString("\n")
}

func writeExamples(b *strings.Builder, docs *schema.Docs) {
	if len(docs.Examples) == 0 {
		return
	}
	b.WriteString("=== ПРИМЕРЫ ===\n\n")
	for _, ex := range docs.Examples {
		fmt.Fprintf(b, "Вопрос: %s\nSQL:\n%s\n\n", ex.Question, ex.SQL.Statement)
	}
}

func quotedList(idents []string) string {
	sorted := make([]string, len(idents))
	copy(sorted, idents)
	sort.Strings(sorted)
	for i, s := range sorted {
		sorted[i] = `"` + s + `"`
	}
	return strings.Join(sorted, ", ")
}
