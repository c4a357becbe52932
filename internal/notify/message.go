package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"slackcal/internal/model"
)

// Mentions renders the member list as Slack mentions, sorted and without
// the bot. An empty result falls back to <!channel>.
func Mentions(members []string, botUserID string) string {
	uniq := make(map[string]struct{}, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || m == botUserID {
			continue
		}
		uniq["<@"+m+">"] = struct{}{}
	}
	if len(uniq) == 0 {
		return "<!channel>"
	}
	out := make([]string, 0, len(uniq))
	for m := range uniq {
		out = append(out, m)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// Compose builds the reminder text for rec starting at start (already in
// loc).
func Compose(rec model.ScheduleRecord, start, now time.Time, mentions string, loc *time.Location) string {
	heading := "*Upcoming Meeting Reminder*"
	closing := "Don't forget to join!"
	if rec.Kind == model.KindTask {
		heading = "*Upcoming Task Reminder*"
		closing = "Don't forget to wrap it up!"
	}

	description := rec.Description
	if strings.TrimSpace(description) == "" {
		description = "No description provided."
	}

	minutes := int(start.Sub(now) / time.Minute)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n", mentions, heading)
	fmt.Fprintf(&b, "*Title:* %s\n", rec.Title)
	fmt.Fprintf(&b, "*Time:* %s %s\n", start.Format("2006-01-02 15:04"), start.Format("MST"))
	fmt.Fprintf(&b, "*Starts in:* %d minute(s)\n", minutes)
	fmt.Fprintf(&b, "*Description:* %s", description)
	if !rec.CreatedAt.IsZero() {
		created := rec.CreatedAt.In(loc)
		fmt.Fprintf(&b, "\n*Created:* %s", created.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "\n\n%s", closing)
	return b.String()
}
