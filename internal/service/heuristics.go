package service

import "strings"

// Tristate is the outcome of the deterministic confirmation pre-check.
type Tristate int

const (
	Undetermined Tristate = iota
	Confirm
	Reject
)

var positiveWords = map[string]struct{}{
	"да": {}, "yes": {}, "ага": {}, "давай": {}, "ок": {}, "ok": {},
	"okay": {}, "конечно": {}, "согласен": {}, "+": {}, "👍": {},
}

var negativeWords = map[string]struct{}{
	"нет": {}, "no": {}, "не": {}, "не надо": {}, "не нужно": {},
	"отмена": {}, "cancel": {}, "-": {}, "👎": {},
}

var exportKeywords = []string{
	"выгрузи", "скачать", "таблица", "таблицу", "excel",
	"эксель", "файл", "экспорт", "xlsx", "выгрузка",
	"сгенерируй таблицу", "сделай таблицу", "скачай",
}

// DetectConfirmation maps normalized text to {confirm, reject, undetermined}
// without any language-model call. Only bare confirmations and rejections
// match; anything longer falls through to full classification.
func DetectConfirmation(text string) Tristate {
	norm := normalize(text)
	if norm == "" {
		return Undetermined
	}
	if _, ok := positiveWords[norm]; ok {
		return Confirm
	}
	if _, ok := negativeWords[norm]; ok {
		return Reject
	}
	return Undetermined
}

// WantsExport reports whether the message explicitly asks for a spreadsheet.
func WantsExport(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range exportKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, ".,!?…")
	return strings.TrimSpace(s)
}
