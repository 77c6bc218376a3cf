package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectConfirmation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Tristate
	}{
		{"bare yes", "да", Confirm},
		{"yes with punctuation", "Да!", Confirm},
		{"english ok", "ok", Confirm},
		{"emoji thumbs up", "👍", Confirm},
		{"plus sign", "+", Confirm},
		{"uppercase with spaces", "  ДАВАЙ  ", Confirm},
		{"bare no", "нет", Reject},
		{"polite no", "не надо", Reject},
		{"cancel", "cancel", Reject},
		{"no with ellipsis", "нет...", Reject},
		{"real question", "сколько клиентов пришло в июле?", Undetermined},
		{"yes embedded in sentence", "да, и покажи ещё выручку", Undetermined},
		{"empty", "", Undetermined},
		{"only punctuation", "?!", Undetermined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectConfirmation(tt.text))
		})
	}
}

func TestWantsExport(t *testing.T) {
	assert.True(t, WantsExport("выгрузи это в Excel"))
	assert.True(t, WantsExport("сделай таблицу пожалуйста"))
	assert.True(t, WantsExport("нужен xlsx файл"))
	assert.False(t, WantsExport("сколько пользователей зарегистрировалось?"))
	assert.False(t, WantsExport("да"))
}
