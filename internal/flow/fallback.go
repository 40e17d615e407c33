package flow

import (
	"regexp"
	"strconv"
	"strings"
)

var weeksRe = regexp.MustCompile(`(\d+)\s*weeks?`)

// AddChildParser is the offline stand-in for the add-child conversation.
// It only needs to recover the minimum record: pregnancy status and, for a
// pregnancy, the current week.
type AddChildParser struct{}

func (AddChildParser) Parse(text string) (string, map[string]any, bool) {
	lower := strings.ToLower(text)

	if m := weeksRe.FindStringSubmatch(lower); m != nil {
		weeks, _ := strconv.Atoi(m[1])
		return "Great, " + m[1] + " weeks along. I'll set that up for you now.",
			map[string]any{
				"status":                "pregnant",
				"weeks_at_registration": weeks,
			}, true
	}

	if strings.Contains(lower, "pregnant") {
		return "Wonderful! How many weeks along are you?", nil, false
	}

	if strings.Contains(lower, "born") || strings.Contains(lower, "baby") {
		return "Congratulations! What's your baby's name, and when were they born?", nil, false
	}

	return "Sorry, I didn't catch that. Are you adding a pregnancy or a baby that's already been born?", nil, false
}
