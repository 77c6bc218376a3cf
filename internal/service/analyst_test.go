package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dauletk/insightbot/internal/domain"
)

func salesTable() *domain.Table {
	return &domain.Table{
		Columns: []string{"Клуб", "Продажи"},
		Rows: [][]any{
			{"Алматы", int64(120)},
			{"Астана", int64(80)},
		},
	}
}

func TestNarrateAppendsExportOffer(t *testing.T) {
	f := &fakeLLM{responses: []string{"В июле лидирует Алматы со 120 продажами."}}
	a := NewAnalyst(f)

	text, err := a.Narrate(context.Background(), "продажи по клубам", salesTable())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(text, OfferSuffix))
}

func TestNarrateKeepsModelOwnOffer(t *testing.T) {
	withOffer := "Лидирует Алматы. " + OfferSuffix
	f := &fakeLLM{responses: []string{withOffer}}
	a := NewAnalyst(f)

	text, err := a.Narrate(context.Background(), "продажи", salesTable())
	require.NoError(t, err)
	assert.Equal(t, withOffer, text)
	assert.Equal(t, 1, strings.Count(text, "📊"))
}

func TestAnswerFollowUpUsesCachedDataOnly(t *testing.T) {
	f := &fakeLLM{responses: []string{"В Астане 80 продаж."}}
	a := NewAnalyst(f)

	history := []domain.Interaction{
		{UserMessage: "продажи по клубам", BotResponse: "Лидирует Алматы."},
	}
	answer, err := a.AnswerFollowUp(context.Background(), "а в Астане?", salesTable(), history)
	require.NoError(t, err)
	assert.Equal(t, "В Астане 80 продаж.", answer)

	input := f.requests[0].Messages[0].Content
	assert.Contains(t, input, "Астана")
	assert.Contains(t, input, "продажи по клубам")
	assert.Contains(t, input, "а в Астане?")
}

func TestAnswerInformationalFallsBackToHelp(t *testing.T) {
	a := NewAnalyst(&fakeLLM{err: errors.New("provider down")})
	text := a.AnswerInformational(context.Background(), "что ты умеешь?")
	assert.Equal(t, helpText, text)
}

func TestNarrateRefinementPrefixesExplanation(t *testing.T) {
	f := &fakeLLM{responses: []string{"Теперь видно только Алматы."}}
	a := NewAnalyst(f)

	text, err := a.NarrateRefinement(context.Background(), "Добавлен фильтр по городу", salesTable())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "🔄 Добавлен фильтр по городу"))
	assert.Contains(t, text, "Теперь видно только Алматы.")
}
