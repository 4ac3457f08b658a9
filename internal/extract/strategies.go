package extract

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

const maxGenreLen = 50

var (
	chapterLine      = regexp.MustCompile(`(?i)Chapter\s+(\d+)\s*[: ]\s*([^\n]*)`)
	leadingDigits    = regexp.MustCompile(`^[^0-9]*([0-9]+)`)
	metaChapterTitle = regexp.MustCompile(`(?i)Chapter\s+\d+\s*[:\-]\s*(.+)$`)
	chapterHref      = regexp.MustCompile(`(?i)chapter-(\d+)`)
	latestChapter    = regexp.MustCompile(`(?i)latest[^>]*chapter[^>]*?:\s*Chapter\s+(\d+)`)
	authorText       = regexp.MustCompile(`(?i)Author:\s*([^<,\n]+)`)
	genresLabel      = regexp.MustCompile(`(?i)^Genres?:?$`)
	authorLabel      = regexp.MustCompile(`(?i)^Authors?:?$`)
	timeAgo          = regexp.MustCompile(`(?i)(\d+)\s*(second|minute|hour|day|month|year)s?\s*ago`)
)

var timeAgoUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

var metaTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123,
}

func chapterFromLatestBlock(doc *Document, facts *updater.PageFacts) bool {
	found := false
	doc.DOM.Find(".l-chapter").EachWithBreak(func(_ int, block *goquery.Selection) bool {
		// Prefer the chapter link text; the block itself may carry timestamps.
		texts := block.Find(".chapter-title, a").Map(func(_ int, s *goquery.Selection) string {
			return s.Text()
		})
		texts = append(texts, block.Text())
		for _, text := range texts {
			if chapterFromLine(text, facts) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func chapterFromLine(text string, facts *updater.PageFacts) bool {
	m := chapterLine.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	facts.ChapterNum = &n
	facts.ChapterTitle = optionalString(strings.TrimLeft(strings.TrimSpace(m[2]), ":- "))
	return true
}

func chapterFromMeta(doc *Document, facts *updater.PageFacts) bool {
	content, ok := metaContent(doc, "og:novel:latest_chapter_name")
	if !ok {
		return false
	}
	m := leadingDigits.FindStringSubmatch(content)
	if m == nil {
		return false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	facts.ChapterNum = &n
	if t := metaChapterTitle.FindStringSubmatch(content); t != nil {
		facts.ChapterTitle = optionalString(t[1])
	}
	return true
}

func chapterFromLinks(doc *Document, facts *updater.PageFacts) bool {
	highest := -1
	doc.DOM.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		for _, m := range chapterHref.FindAllStringSubmatch(href, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
				highest = n
			}
		}
	})
	if highest < 0 {
		return false
	}
	facts.ChapterNum = &highest
	titlePattern := regexp.MustCompile(fmt.Sprintf(`(?i)Chapter\s+%d\s*:\s*([^<>"]+)`, highest))
	if m := titlePattern.FindStringSubmatch(doc.Raw); m != nil {
		facts.ChapterTitle = optionalString(m[1])
	}
	return true
}

func chapterFromLatestText(doc *Document, facts *updater.PageFacts) bool {
	m := latestChapter.FindStringSubmatch(doc.Raw)
	if m == nil {
		return false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	facts.ChapterNum = &n
	return true
}

func genresFromMeta(doc *Document, facts *updater.PageFacts) bool {
	content, ok := metaContent(doc, "og:novel:genre")
	if !ok {
		return false
	}
	facts.Genres = splitGenres(content)
	return len(facts.Genres) > 0
}

func genresFromDefinition(doc *Document, facts *updater.PageFacts) bool {
	text, ok := definitionFor(doc, genresLabel)
	if !ok {
		return false
	}
	facts.Genres = splitGenres(text)
	return len(facts.Genres) > 0
}

func authorFromMeta(doc *Document, facts *updater.PageFacts) bool {
	content, ok := metaContent(doc, "og:novel:author")
	if !ok {
		return false
	}
	facts.Author = optionalString(content)
	return facts.Author != nil
}

func authorFromDefinition(doc *Document, facts *updater.PageFacts) bool {
	text, ok := definitionFor(doc, authorLabel)
	if !ok {
		return false
	}
	facts.Author = optionalString(text)
	return facts.Author != nil
}

func authorFromText(doc *Document, facts *updater.PageFacts) bool {
	m := authorText.FindStringSubmatch(doc.Raw)
	if m == nil {
		return false
	}
	facts.Author = optionalString(html.UnescapeString(m[1]))
	return facts.Author != nil
}

func updateTimeFromItemTime(doc *Document, facts *updater.PageFacts) bool {
	raw := strings.TrimSpace(doc.DOM.Find("div.item-time").First().Text())
	if raw == "" {
		return false
	}
	facts.UpdateTimeRaw = &raw
	facts.UpdateTime = ParseTimeAgo(raw, doc.Now)
	return true
}

func updateTimeFromMeta(doc *Document, facts *updater.PageFacts) bool {
	content, ok := metaContent(doc, "og:novel:update_time")
	if !ok {
		return false
	}
	facts.UpdateTimeRaw = &content
	facts.UpdateTime = parseMetaTime(content)
	return true
}

// ParseTimeAgo turns "3 days ago" into an absolute time relative to now.
// Months count as 30 days and years as 365.
func ParseTimeAgo(raw string, now time.Time) *time.Time {
	m := timeAgo.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	unit := timeAgoUnits[strings.ToLower(m[2])]
	t := now.Add(-time.Duration(n) * unit)
	return &t
}

func parseMetaTime(raw string) *time.Time {
	for _, layout := range metaTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func metaContent(doc *Document, property string) (string, bool) {
	sel := doc.DOM.Find(fmt.Sprintf(`meta[property="%s"]`, property)).First()
	content, ok := sel.Attr("content")
	if !ok {
		return "", false
	}
	content = strings.TrimSpace(content)
	return content, content != ""
}

// definitionFor finds a <dt> whose label matches and returns the text of the
// <dd> right after it.
func definitionFor(doc *Document, label *regexp.Regexp) (string, bool) {
	var (
		text  string
		found bool
	)
	doc.DOM.Find("dt").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !label.MatchString(strings.TrimSpace(s.Text())) {
			return true
		}
		dd := s.Next()
		if goquery.NodeName(dd) != "dd" {
			return true
		}
		text = strings.TrimSpace(dd.Text())
		found = text != ""
		return !found
	})
	return text, found
}

func splitGenres(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		g := strings.TrimSpace(part)
		if n := utf8.RuneCountInString(g); n > 0 && n < maxGenreLen {
			out = append(out, g)
		}
	}
	return out
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
