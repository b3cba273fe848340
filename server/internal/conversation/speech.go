package conversation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "…"

// truncateWords 把播报限制在 max 个词以内，超出时在最后一个词后追加省略号。
func truncateWords(s string, max int) string {
	fields := strings.Fields(s)
	if max <= 0 || len(fields) <= max {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:max], " ") + ellipsis
}

// WordCount 按空白切分统计词数。
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func joinList(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}

func joinChoices(choices []string) string {
	titled := append([]string(nil), choices...)
	if len(titled) > 0 && titled[0] != "" {
		r, size := utf8.DecodeRuneInString(titled[0])
		titled[0] = string(unicode.ToUpper(r)) + titled[0][size:]
	}
	switch len(titled) {
	case 1:
		return titled[0]
	case 2:
		return titled[0] + " or " + titled[1]
	default:
		return strings.Join(titled[:len(titled)-1], ", ") + ", or " + titled[len(titled)-1]
	}
}

var completionPhrases = []string{
	"no",
	"nope",
	"no thanks",
	"no thank you",
	"nothing",
	"nothing else",
	"that's all",
	"that is all",
	"that's it",
	"that is it",
	"done",
	"i'm done",
	"im done",
	"all set",
	"i'm good",
	"that'll be all",
}

// isCompletion 判断用户是否表示“不要别的了”。
func isCompletion(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.Trim(norm, " .!?,")
	norm = strings.ReplaceAll(norm, "’", "'")
	if norm == "" {
		return false
	}
	for _, p := range completionPhrases {
		if norm == p {
			return true
		}
	}
	for _, p := range []string{"that's all", "that is all", "that's it", "nothing else", "no thanks", "no thank you", "i'm done"} {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return strings.HasPrefix(norm, "no,") || strings.HasPrefix(norm, "nope")
}
