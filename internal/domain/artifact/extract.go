package artifact

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// DefaultMinLength is the shortest trimmed content, in runes, kept as an artifact.
const DefaultMinLength = 5

// Warning is a non-fatal problem with one candidate block. Extraction of the
// remaining candidates continues.
type Warning struct {
	Matcher string `json:"matcher"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Reason  string `json:"reason"`
}

func (w Warning) Error() string {
	return fmt.Sprintf("artifact %s [%d:%d]: %s", w.Matcher, w.Start, w.End, w.Reason)
}

// Result is the cached outcome of one extraction.
type Result struct {
	Artifacts []Artifact
	Warnings  []Warning
}

// ParseCache memoizes extraction results by Fingerprint. A zero ttl means the
// cache default.
type ParseCache interface {
	Get(key string) (Result, bool)
	Set(key string, value Result, ttl time.Duration)
}

// ExtractorOptions configures an Extractor.
type ExtractorOptions struct {
	Cache     ParseCache // optional
	MinLength int        // defaults to DefaultMinLength
	Logger    *slog.Logger
}

// Extractor runs an ordered battery of matchers over text. The first matcher
// to claim a byte range wins; later matchers skip overlapping candidates.
// Output is ordered by source position.
type Extractor struct {
	cache     ParseCache
	minLength int
	log       *slog.Logger
	matchers  []matcher
}

// NewExtractor returns an Extractor with the default matcher battery.
func NewExtractor(opts ExtractorOptions) *Extractor {
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		cache:     opts.Cache,
		minLength: opts.MinLength,
		log:       opts.Logger,
		matchers: []matcher{
			fenceMatcher{name: "component", langs: componentLangs, typ: TypeStructuredCode},
			jsonMatcher{},
			fenceMatcher{name: "markup", langs: markupLangs, typ: TypeMarkupBlock},
			tagMatcher{},
			fenceMatcher{name: "code", typ: TypeGenericCodeBlock},
		},
	}
}

// Extract returns the artifacts in complete text.
func (e *Extractor) Extract(text string) []Artifact {
	return e.ExtractPartial(text, true)
}

// ExtractPartial is Extract for text that may still be streaming.
func (e *Extractor) ExtractPartial(text string, complete bool) []Artifact {
	arts, _ := e.ExtractDetailed(text, complete)
	return arts
}

// ExtractDetailed returns the artifacts and per-candidate warnings. It never
// fails; malformed input yields no artifacts.
func (e *Extractor) ExtractDetailed(text string, complete bool) ([]Artifact, []Warning) {
	if text == "" {
		return nil, nil
	}

	var key string
	if e.cache != nil {
		key = Fingerprint(text, complete)
		if res, ok := e.cache.Get(key); ok {
			return slices.Clone(res.Artifacts), slices.Clone(res.Warnings)
		}
	}

	res := e.run(text)
	for _, w := range res.Warnings {
		e.log.Warn("artifact candidate discarded",
			"matcher", w.Matcher, "start", w.Start, "end", w.End, "reason", w.Reason)
	}

	if e.cache != nil {
		e.cache.Set(key, res, 0)
	}
	return slices.Clone(res.Artifacts), slices.Clone(res.Warnings)
}

func (e *Extractor) run(text string) Result {
	fences := scanFences(text)

	var (
		claimed  []span
		out      []Artifact
		warnings []Warning
	)

	for _, m := range e.matchers {
		for _, c := range m.match(text, fences) {
			if overlaps(claimed, c.span) {
				continue
			}
			claimed = append(claimed, c.span)

			if c.warning != "" {
				warnings = append(warnings, Warning{Matcher: m.kind(), Start: c.start, End: c.end, Reason: c.warning})
				continue
			}
			if utf8.RuneCountInString(strings.TrimSpace(c.content)) < e.minLength {
				continue
			}
			out = append(out, Artifact{
				ID:       artifactID(c.typ, c.start, c.content),
				Type:     c.typ,
				Content:  c.content,
				Language: c.language,
				Title:    c.title,
				Start:    c.start,
				End:      c.end,
				Data:     c.data,
			})
		}
	}

	slices.SortFunc(out, func(a, b Artifact) int { return a.Start - b.Start })
	return Result{Artifacts: out, Warnings: warnings}
}

// span is a half-open byte range [start, end).
type span struct {
	start, end int
}

func overlaps(claimed []span, s span) bool {
	for _, c := range claimed {
		if s.start < c.end && c.start < s.end {
			return true
		}
	}
	return false
}

type candidate struct {
	span
	typ      Type
	content  string
	language string
	title    string
	data     any
	warning  string
}

type matcher interface {
	kind() string
	match(text string, fences []fence) []candidate
}

// fence is one closed fenced block. Unclosed fences are never reported.
type fence struct {
	span
	lang string
	info string
	body string
}

var fenceOpen = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})[ \t]*([^\\s`{]*)[ \t]*(.*)$")

// scanFences pairs opening and closing fence lines. A closing line uses the
// same fence character at least as many times as the opener and nothing else.
func scanFences(text string) []fence {
	var out []fence

	var (
		open     bool
		marker   string
		lang     string
		info     string
		start    int
		bodyFrom int
	)

	pos := 0
	for pos <= len(text) {
		end := strings.IndexByte(text[pos:], '\n')
		lineEnd := len(text)
		next := len(text) + 1
		if end >= 0 {
			lineEnd = pos + end
			next = lineEnd + 1
		}
		line := strings.TrimRight(text[pos:lineEnd], "\r")

		if !open {
			if m := fenceOpen.FindStringSubmatch(line); m != nil {
				open = true
				marker = m[1]
				lang = strings.ToLower(m[2])
				info = strings.TrimSpace(m[3])
				start = pos + strings.Index(line, marker)
				bodyFrom = next
			}
		} else if isClosingFence(line, marker) {
			body := ""
			if bodyFrom <= pos {
				body = text[bodyFrom:pos]
			}
			out = append(out, fence{
				span: span{start: start, end: lineEnd},
				lang: lang,
				info: info,
				body: trimBody(body),
			})
			open = false
		}

		pos = next
	}
	return out
}

func isClosingFence(line, marker string) bool {
	t := strings.TrimSpace(line)
	if len(t) < len(marker) {
		return false
	}
	return strings.Trim(t, marker[:1]) == ""
}

func trimBody(body string) string {
	body = strings.TrimLeft(body, "\r\n")
	return strings.TrimRight(body, " \t\r\n")
}

var (
	componentLangs = langSet("jsx", "tsx", "vue", "svelte", "react", "component")
	markupLangs    = langSet("html", "xml", "svg", "xhtml")
)

func langSet(langs ...string) map[string]bool {
	m := make(map[string]bool, len(langs))
	for _, l := range langs {
		m[l] = true
	}
	return m
}

// fenceMatcher claims fences whose language is in langs. A nil langs claims
// every fence.
type fenceMatcher struct {
	name  string
	langs map[string]bool
	typ   Type
}

func (m fenceMatcher) kind() string { return m.name }

func (m fenceMatcher) match(_ string, fences []fence) []candidate {
	var out []candidate
	for _, f := range fences {
		if m.langs != nil && !m.langs[f.lang] {
			continue
		}
		out = append(out, candidate{
			span:     f.span,
			typ:      m.typ,
			content:  f.body,
			language: f.lang,
			title:    titleFromInfo(f.info),
		})
	}
	return out
}

// jsonMatcher claims json fences. Bodies that do not parse stay claimed and
// are reported as warnings.
type jsonMatcher struct{}

func (jsonMatcher) kind() string { return "json" }

func (jsonMatcher) match(_ string, fences []fence) []candidate {
	var out []candidate
	for _, f := range fences {
		if f.lang != "json" {
			continue
		}
		c := candidate{span: f.span, typ: TypeDataPayload, content: f.body, language: f.lang, title: titleFromInfo(f.info)}
		var v any
		if err := sonic.UnmarshalString(f.body, &v); err != nil {
			c.warning = "invalid json: " + err.Error()
		} else {
			c.data = v
		}
		out = append(out, c)
	}
	return out
}

var (
	artifactTag  = regexp.MustCompile(`(?s)<artifact\b([^>]*)>(.*?)</artifact>`)
	tagAttribute = regexp.MustCompile(`([a-zA-Z_][\w-]*)\s*=\s*"([^"]*)"`)
)

// tagMatcher claims <artifact type="..." language="..." title="...">…</artifact>.
type tagMatcher struct{}

func (tagMatcher) kind() string { return "tag" }

func (tagMatcher) match(text string, _ []fence) []candidate {
	var out []candidate
	for _, loc := range artifactTag.FindAllStringSubmatchIndex(text, -1) {
		attrs := map[string]string{}
		for _, a := range tagAttribute.FindAllStringSubmatch(text[loc[2]:loc[3]], -1) {
			attrs[strings.ToLower(a[1])] = a[2]
		}

		c := candidate{
			span:     span{start: loc[0], end: loc[1]},
			typ:      TypeStructuredCode,
			content:  trimBody(text[loc[4]:loc[5]]),
			language: strings.ToLower(attrs["language"]),
			title:    attrs["title"],
		}
		if t := attrs["type"]; t != "" {
			if !IsKnownType(t) {
				c.warning = fmt.Sprintf("unknown artifact type %q", t)
			} else {
				c.typ = Type(t)
			}
		}
		if c.typ == TypeDataPayload && c.warning == "" {
			var v any
			if err := sonic.UnmarshalString(c.content, &v); err != nil {
				c.warning = "invalid json: " + err.Error()
			} else {
				c.data = v
			}
		}
		out = append(out, c)
	}
	return out
}

var titleAttr = regexp.MustCompile(`title\s*=\s*"([^"]*)"`)

// titleFromInfo reads an optional title="..." from a fence info string.
func titleFromInfo(info string) string {
	if m := titleAttr.FindStringSubmatch(info); m != nil {
		return m[1]
	}
	return ""
}
