package timeres

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var spelled = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"a": 1, "an": 1, "half": 0.5, "quarter": 0.25,
}

var (
	// The leading group stands in for \b so "1.5" is not read as "5".
	quantityRe = regexp.MustCompile(`(?i)(?:^|[^\w.])(\d+(?:\.\d+)?|zero|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|half|quarter|an|a)(?:\s+and\s+an?\s+(half|quarter))?\s+(?:of\s+)?(?:an?\s+)?(hours?|hrs?|minutes?|mins?)\b(?:\s+and\s+an?\s+(half|quarter))?`)
	forwardRe  = regexp.MustCompile(`(?i)\b(later|after|forward)\b`)
	backwardRe = regexp.MustCompile(`(?i)\b(earlier|before|sooner|back)\b`)
)

// ParseOffset finds a relative time shift such as "two hours later" or
// "push it back half an hour". Every quantity in text is summed; the first
// direction word decides the sign. Without a direction word there is no
// offset.
func ParseOffset(text string) (time.Duration, bool) {
	sign := direction(text)
	if sign == 0 {
		return 0, false
	}

	matches := quantityRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}

	var minutes float64
	for _, m := range matches {
		q, ok := quantity(m[1])
		if !ok {
			continue
		}
		// "two and a half hours", "an hour and a half"
		for _, frac := range []string{m[2], m[4]} {
			if frac != "" {
				q += spelled[strings.ToLower(frac)]
			}
		}
		if strings.HasPrefix(strings.ToLower(m[3]), "h") {
			q *= 60
		}
		minutes += q
	}
	return time.Duration(sign*math.Round(minutes)) * time.Minute, true
}

func quantity(s string) (float64, bool) {
	s = strings.ToLower(s)
	if v, ok := spelled[s]; ok {
		return v, true
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func direction(text string) float64 {
	fwd := forwardRe.FindStringIndex(text)
	back := backwardRe.FindStringIndex(text)
	switch {
	case fwd == nil && back == nil:
		return 0
	case back == nil:
		return 1
	case fwd == nil:
		return -1
	case fwd[0] < back[0]:
		return 1
	default:
		return -1
	}
}
