package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

const analysisPrompt = `You analyze posts from public messaging channels together with reader comments.

Read the post and the comments below and produce:
1. "summary": two or three sentences on what the post says and how readers reacted.
2. "sentiment": the share of the reaction that is positive, negative and neutral, as integer percentages that add up to 100.
3. "key_topics": up to 10 short topic labels, most important first.

%s

Respond with a JSON object only, no other text:
{"summary": "...", "sentiment": {"positive": 60, "negative": 10, "neutral": 30}, "key_topics": ["...", "..."]}`

// MaxTopics caps the number of key topics kept per analysis.
const MaxTopics = 10

// BuildPrompt renders the analysis prompt. The post and comment block is cut
// to maxChars runes.
func BuildPrompt(postText string, comments []string, maxChars int) string {
	var b strings.Builder
	b.WriteString("POST:\n")
	b.WriteString(strings.TrimSpace(postText))
	if len(comments) > 0 {
		b.WriteString("\n\nCOMMENTS:\n")
		for _, c := range comments {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(strings.ReplaceAll(c, "\n", " "))
			b.WriteString("\n")
		}
	}
	return fmt.Sprintf(analysisPrompt, truncateRunes(b.String(), maxChars))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Result is a parsed and normalized model reply.
type Result struct {
	Summary   string
	Positive  int
	Negative  int
	Neutral   int
	KeyTopics []string
}

type rawReply struct {
	Summary   string `json:"summary"`
	Sentiment struct {
		Positive float64 `json:"positive"`
		Negative float64 `json:"negative"`
		Neutral  float64 `json:"neutral"`
	} `json:"sentiment"`
	KeyTopics []string `json:"key_topics"`
}

// ParseReply decodes a model reply, tolerating markdown fences and text
// around the JSON object.
func ParseReply(raw string) (Result, error) {
	raw = stripFences(raw)
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}

	var r rawReply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, fmt.Errorf("parse analysis reply: %w\nraw: %s", err, truncateRunes(raw, 500))
	}
	summary := strings.TrimSpace(r.Summary)
	if summary == "" {
		return Result{}, fmt.Errorf("parse analysis reply: empty summary")
	}

	pos, neg, neu := NormalizeSentiment(r.Sentiment.Positive, r.Sentiment.Negative, r.Sentiment.Neutral)
	return Result{
		Summary:   summary,
		Positive:  pos,
		Negative:  neg,
		Neutral:   neu,
		KeyTopics: NormalizeTopics(r.KeyTopics),
	}, nil
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	return raw
}

// NormalizeSentiment scales three shares to whole percentages summing to
// exactly 100, using largest remainders. Negative inputs count as zero; an
// all-zero input is fully neutral.
func NormalizeSentiment(pos, neg, neu float64) (int, int, int) {
	vals := []float64{math.Max(pos, 0), math.Max(neg, 0), math.Max(neu, 0)}
	sum := vals[0] + vals[1] + vals[2]
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, 0, 100
	}

	out := make([]int, 3)
	rem := make([]float64, 3)
	total := 0
	for i, v := range vals {
		scaled := v * 100 / sum
		out[i] = int(math.Floor(scaled))
		rem[i] = scaled - float64(out[i])
		total += out[i]
	}
	order := []int{0, 1, 2}
	sort.SliceStable(order, func(a, b int) bool { return rem[order[a]] > rem[order[b]] })
	for i := 0; total < 100; i++ {
		out[order[i%3]]++
		total++
	}
	return out[0], out[1], out[2]
}

// NormalizeTopics trims labels, drops empties and case-insensitive
// duplicates, and keeps at most MaxTopics in their original order.
func NormalizeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) == MaxTopics {
			break
		}
	}
	return out
}
