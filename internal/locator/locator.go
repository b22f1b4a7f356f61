// Package locator maps rendered content back to the source lines that most
// likely produced it. It scans a session's source files line by line and
// ranks files by a weighted score; results are best-effort candidates, never
// a unique answer.
package locator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
)

// ErrEmptyQuery is returned for a query with no searchable field.
var ErrEmptyQuery = errors.NewValidationError(errors.ErrCodeEmptyQuery,
	"content query needs text, alt text, class tokens or attributes")

// maxFileSize bounds the files scanned; anything larger is generated code.
const maxFileSize = 1 << 20

// MatchType says which query field produced a match.
type MatchType int

const (
	MatchText MatchType = iota
	MatchAltText
	MatchClass
	MatchAttribute
)

// String returns the string representation of the MatchType
func (m MatchType) String() string {
	switch m {
	case MatchText:
		return "text"
	case MatchAltText:
		return "altText"
	case MatchClass:
		return "class"
	case MatchAttribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// MarshalText encodes the match type by name.
func (m MatchType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Query describes on-screen content. At least one field must be set.
type Query struct {
	Text        string            `json:"text,omitempty"`
	AltText     string            `json:"alt_text,omitempty"`
	ClassTokens []string          `json:"class_tokens,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Validate reports ErrEmptyQuery when no field carries anything to search.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) != "" || strings.TrimSpace(q.AltText) != "" {
		return nil
	}
	for _, token := range q.ClassTokens {
		if strings.TrimSpace(token) != "" {
			return nil
		}
	}
	for name, value := range q.Attributes {
		if name != "" && strings.TrimSpace(value) != "" {
			return nil
		}
	}
	return ErrEmptyQuery
}

// Match is one candidate source line.
type Match struct {
	File          string    `json:"file"`
	Line          int       `json:"line"`
	Column        int       `json:"column"`
	LineText      string    `json:"line_text"`
	ContextBefore []string  `json:"context_before"`
	ContextAfter  []string  `json:"context_after"`
	Type          MatchType `json:"match_type"`
	Confidence    float64   `json:"confidence"`
}

// FileResult groups the matches found in one file.
type FileResult struct {
	File    string  `json:"file"`
	Matches []Match `json:"matches"`
	Score   float64 `json:"score"`
}

// Weights are the heuristic constants behind confidences and file scores.
type Weights struct {
	TextBase       float64
	ExactCaseBoost float64
	MarkupBoost    float64
	QuotedBoost    float64
	Class          float64
	Attribute      float64
	// File score = TextMatch*text matches + AnyMatch*all matches +
	// Confidence*average confidence.
	TextMatch  float64
	AnyMatch   float64
	Confidence float64
}

// DefaultWeights are the weights used unless Options override them.
var DefaultWeights = Weights{
	TextBase:       0.5,
	ExactCaseBoost: 0.3,
	MarkupBoost:    0.1,
	QuotedBoost:    0.1,
	Class:          0.8,
	Attribute:      0.9,
	TextMatch:      10,
	AnyMatch:       2,
	Confidence:     5,
}

// DefaultIgnoreDirs are directory names never scanned.
var DefaultIgnoreDirs = []string{"node_modules", ".git", "dist", "build", ".next", ".expo", "coverage"}

// DefaultExtensions are the file extensions scanned.
var DefaultExtensions = []string{".tsx", ".ts", ".jsx", ".js"}

// Options configure a Locator.
type Options struct {
	Workers      int
	ContextLines int
	Weights      Weights
	Extensions   []string
	IgnoreDirs   []string
}

// DefaultOptions returns the standard locator settings.
func DefaultOptions() Options {
	return Options{
		Workers:      runtime.GOMAXPROCS(0),
		ContextLines: 2,
		Weights:      DefaultWeights,
		Extensions:   DefaultExtensions,
		IgnoreDirs:   DefaultIgnoreDirs,
	}
}

// Locator searches session sources for rendered content.
type Locator struct {
	opts   Options
	logger logging.Logger
}

// New creates a Locator. Zero fields in opts take their defaults.
func New(opts Options, logger logging.Logger) *Locator {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.ContextLines < 0 {
		opts.ContextLines = 0
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = defaults.Weights
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = defaults.Extensions
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = defaults.IgnoreDirs
	}
	return &Locator{opts: opts, logger: logging.OrDiscard(logger).WithComponent("locator")}
}

// Locate scans every source file under root and returns the files with
// matches, most relevant first.
func (l *Locator) Locate(ctx context.Context, root string, q Query) ([]FileResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	perf := logging.StartOperation(l.logger, "locate", "root", root)

	files, err := l.sourceFiles(root)
	if err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	search := compileQuery(q)
	results := make([]FileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(l.opts.Workers, len(files))))

	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			content, err := readSource(path)
			if err != nil {
				l.logger.Warn(gctx, err, "Skipping unreadable file", "path", path)
				return nil
			}
			rel, err := session.Relative(root, path)
			if err != nil {
				return nil
			}
			results[i] = FileResult{File: rel, Matches: l.searchContent(rel, content, search)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		perf.EndWithError(ctx, err)
		return nil, err
	}

	ranked := make([]FileResult, 0, len(results))
	for _, r := range results {
		if len(r.Matches) == 0 {
			continue
		}
		r.Score = Score(r.Matches, l.opts.Weights)
		ranked = append(ranked, r)
	}
	Rank(ranked)

	perf.End(ctx, "files_scanned", len(files), "files_matched", len(ranked))
	return ranked, nil
}

// Score computes a file's composite relevance from its matches.
func Score(matches []Match, w Weights) float64 {
	if len(matches) == 0 {
		return 0
	}

	textMatches := 0
	total := 0.0
	for _, m := range matches {
		if m.Type == MatchText || m.Type == MatchAltText {
			textMatches++
		}
		total += m.Confidence
	}
	average := total / float64(len(matches))

	return w.TextMatch*float64(textMatches) + w.AnyMatch*float64(len(matches)) + w.Confidence*average
}

// Rank sorts results by score, highest first, breaking ties by path.
func Rank(results []FileResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].File < results[j].File
	})
}

func (l *Locator) sourceFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeInvalidPath, "locator root is not accessible")
	}
	if !info.IsDir() {
		return nil, errors.ErrInvalidPath(root).WithContext("reason", "not a directory")
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && l.ignoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && l.scannable(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeFileUnreadable, "walking session root")
	}
	return files, nil
}

func (l *Locator) ignoredDir(name string) bool {
	for _, ignored := range l.opts.IgnoreDirs {
		if name == ignored {
			return true
		}
	}
	return false
}

func (l *Locator) scannable(name string) bool {
	if strings.Contains(name, ".test.") || strings.Contains(name, ".spec.") {
		return false
	}
	ext := filepath.Ext(name)
	for _, allowed := range l.opts.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func readSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFailed, "file too large to scan").
			WithLocation(path, 0, 0)
	}
	return os.ReadFile(path)
}

// compiledQuery is a Query prepared for line scanning.
type compiledQuery struct {
	text       string
	altText    string
	classes    []string
	attributes []*regexp.Regexp
}

var (
	classAssignment = regexp.MustCompile(`\b(?:class|className)\s*=\s*\{?\s*(?:"([^"]*)"|'([^']*)'|` + "`([^`]*)`" + `)`)
	quotedString    = regexp.MustCompile(`"[^"]*"|'[^']*'|` + "`[^`]*`")
)

func compileQuery(q Query) compiledQuery {
	c := compiledQuery{
		text:    strings.TrimSpace(q.Text),
		altText: strings.TrimSpace(q.AltText),
	}

	seen := make(map[string]bool)
	for _, raw := range q.ClassTokens {
		for _, token := range strings.Fields(raw) {
			if utf8.RuneCountInString(token) > 3 && !seen[token] {
				seen[token] = true
				c.classes = append(c.classes, token)
			}
		}
	}

	names := make([]string, 0, len(q.Attributes))
	for name := range q.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := strings.TrimSpace(q.Attributes[name])
		if name == "" || utf8.RuneCountInString(value) <= 2 {
			continue
		}
		v := regexp.QuoteMeta(value)
		pattern := `(?:^|[^\w-])(` + regexp.QuoteMeta(name) + `\s*=\s*\{?\s*(?:"` + v + `"|'` + v + `'|` + "`" + v + "`" + `))`
		c.attributes = append(c.attributes, regexp.MustCompile(pattern))
	}
	return c
}

func (l *Locator) searchContent(file string, content []byte, q compiledQuery) []Match {
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	folder := cases.Fold()
	w := l.opts.Weights

	foldedText := folder.String(q.text)
	foldedAlt := folder.String(q.altText)

	var matches []Match
	for i, line := range lines {
		newMatch := func(col int, t MatchType, confidence float64) Match {
			return Match{
				File:          file,
				Line:          i + 1,
				Column:        col,
				LineText:      strings.TrimSpace(line),
				ContextBefore: contextLines(lines, i-l.opts.ContextLines, i),
				ContextAfter:  contextLines(lines, i+1, i+1+l.opts.ContextLines),
				Type:          t,
				Confidence:    confidence,
			}
		}

		foldedLine := ""
		if q.text != "" || q.altText != "" {
			foldedLine = folder.String(line)
		}

		if q.text != "" && strings.Contains(foldedLine, foldedText) {
			col := foldedColumn(folder, line, foldedText)
			matches = append(matches, newMatch(col, MatchText, textConfidence(line, q.text, w)))
		}
		if q.altText != "" && strings.Contains(foldedLine, foldedAlt) {
			col := foldedColumn(folder, line, foldedAlt)
			matches = append(matches, newMatch(col, MatchAltText, textConfidence(line, q.altText, w)))
		}

		for _, col := range classColumns(line, q.classes) {
			matches = append(matches, newMatch(col, MatchClass, w.Class))
		}

		for _, re := range q.attributes {
			// Group 1 starts at the attribute name, after any separator.
			if loc := re.FindStringSubmatchIndex(line); loc != nil {
				matches = append(matches, newMatch(runeColumn(line, loc[2]), MatchAttribute, w.Attribute))
			}
		}
	}
	return matches
}

func textConfidence(line, needle string, w Weights) float64 {
	confidence := w.TextBase
	if strings.Contains(line, needle) {
		confidence += w.ExactCaseBoost
	}
	if strings.Contains(line, "<") && strings.Contains(line, ">") {
		confidence += w.MarkupBoost
	}
	if quotedString.MatchString(line) {
		confidence += w.QuotedBoost
	}
	return min(confidence, 1.0)
}

// foldedColumn returns the 1-based rune column where the folded needle
// starts in line.
func foldedColumn(folder cases.Caser, line, foldedNeedle string) int {
	for i := range line {
		if strings.HasPrefix(folder.String(line[i:]), foldedNeedle) {
			return runeColumn(line, i)
		}
	}
	return 1
}

// classColumns reports one column per token found in a class assignment
// on line: the column of the first assignment whose value contains it.
func classColumns(line string, tokens []string) []int {
	if len(tokens) == 0 {
		return nil
	}
	assignments := classAssignment.FindAllStringSubmatchIndex(line, -1)
	if len(assignments) == 0 {
		return nil
	}

	var cols []int
	for _, token := range tokens {
	search:
		for _, loc := range assignments {
			for g := 1; g <= 3; g++ {
				start, end := loc[2*g], loc[2*g+1]
				if start >= 0 && strings.Contains(line[start:end], token) {
					cols = append(cols, runeColumn(line, loc[0]))
					break search
				}
			}
		}
	}
	return cols
}

func runeColumn(line string, byteOffset int) int {
	return utf8.RuneCountInString(line[:byteOffset]) + 1
}

func contextLines(lines []string, from, to int) []string {
	from = max(from, 0)
	to = min(to, len(lines))
	if from >= to {
		return []string{}
	}
	out := make([]string, 0, to-from)
	for _, line := range lines[from:to] {
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return out
}
