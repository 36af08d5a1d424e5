// Package content holds the blog and academy text helpers: reading time
// estimates and pt-BR relative dates.
package content

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const WordsPerMinute = 200

var strictPolicy = bluemonday.StrictPolicy()

// CalculateReadingTime estimates minutes to read an HTML body, at least 1.
func CalculateReadingTime(body string) int {
	// Tags are stripped without leaving whitespace, so pad them first.
	text := strictPolicy.Sanitize(strings.ReplaceAll(body, "<", " <"))
	words := len(strings.Fields(html.UnescapeString(text)))
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	return max(minutes, 1)
}

// CalculateReadingTimeMarkdown renders markdown to HTML and estimates it.
func CalculateReadingTimeMarkdown(md string) (int, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return 0, fmt.Errorf("render markdown: %w", err)
	}
	return CalculateReadingTime(buf.String()), nil
}

func FormatReadingTime(minutes int) string {
	return fmt.Sprintf("%d min de leitura", max(minutes, 1))
}

// FormatRelativeDate describes t relative to now in whole elapsed days.
// Dates in the future read as today.
func FormatRelativeDate(t, now time.Time) string {
	days := int(now.Sub(t) / (24 * time.Hour))
	switch {
	case days <= 0:
		return "Hoje"
	case days == 1:
		return "Ontem"
	case days < 7:
		return fmt.Sprintf("%d dias atrás", days)
	case days < 30:
		return plural(days/7, "semana", "semanas")
	case days < 365:
		return plural(days/30, "mês", "meses")
	default:
		return plural(days/365, "ano", "anos")
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s atrás", one)
	}
	return fmt.Sprintf("%d %s atrás", n, many)
}

// PostMeta is the derived metadata shown on a post card.
type PostMeta struct {
	ReadingTime  string `json:"reading_time"`
	PublishedAgo string `json:"published_ago"`
}

// DescribePost derives card metadata for a post body published at publishedAt.
func DescribePost(body string, markdown bool, publishedAt, now time.Time) (PostMeta, error) {
	minutes := CalculateReadingTime(body)
	if markdown {
		var err error
		if minutes, err = CalculateReadingTimeMarkdown(body); err != nil {
			return PostMeta{}, err
		}
	}
	return PostMeta{
		ReadingTime:  FormatReadingTime(minutes),
		PublishedAgo: FormatRelativeDate(publishedAt, now),
	}, nil
}
