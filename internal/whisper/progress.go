package whisper

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// whisper_print_progress_callback: progress =  45%
	progressRe = regexp.MustCompile(`progress\s*=\s*(\d+)%`)
	// [00:01:23.456 --> 00:01:27.890]  segment text
	timestampRe = regexp.MustCompile(`^\[(\d{2}):(\d{2}):(\d{2})[.,](\d{3})\s+-->`)
	// whisper_full_with_state: auto-detected language: en (p = 0.976)
	languageRe = regexp.MustCompile(`auto-detected language:\s*([a-zA-Z]{2,3})`)
	// [BLANK_AUDIO], [ Music ], (silence) and friends
	noiseRe = regexp.MustCompile(`(?i)^[\[(][\s_]*(blank[\s_]*audio|music|noise|silence|applause|inaudible)[\s_]*[\])]$`)
)

// ParseProgressLine extracts a progress percentage from one line of
// engine output. Explicit progress markers win; otherwise segment
// timestamps are scaled against the audio duration. Either way the
// value is capped at 99 so only a finished run reports completion.
func ParseProgressLine(line string, duration float64) (float64, bool) {
	if m := progressRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return capPercent(pct), true
	}
	if m := timestampRe.FindStringSubmatch(line); m != nil && duration > 0 {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		ms, _ := strconv.Atoi(m[4])
		sec := float64(h)*3600 + float64(mm)*60 + float64(s) + float64(ms)/1000
		return capPercent(sec / duration * 100), true
	}
	return 0, false
}

func capPercent(pct float64) float64 {
	if pct > 99 {
		return 99
	}
	if pct < 0 {
		return 0
	}
	return pct
}

func parseDetectedLanguage(line string) (string, bool) {
	if m := languageRe.FindStringSubmatch(line); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

// CleanTranscript strips engine noise markers like [BLANK_AUDIO] and
// trims the result. Silence-only recordings therefore come back as an
// empty string.
func CleanTranscript(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if noiseRe.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
