package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// ElementType classifies a structured element produced by parsing.
type ElementType string

const (
	ElementHeading   ElementType = "heading"
	ElementParagraph ElementType = "paragraph"
	ElementTable     ElementType = "table"
	ElementList      ElementType = "list"
	ElementImage     ElementType = "image"
	ElementText      ElementType = "text"
)

// StructuredElement is one unit of parsed document structure, in document
// order. Level applies to headings only; Page is zero when the source format
// has no pages.
type StructuredElement struct {
	Type     ElementType
	Level    int
	Text     string
	Markdown string
	Page     int

	// Set by the section pass, not the parser.
	SectionPath   []string
	ParentHeading string
}

// Parser turns raw file bytes into an ordered element sequence.
type Parser interface {
	Parse(ctx context.Context, fileName string, content []byte) ([]StructuredElement, error)
}

// ─── parse service client ───

const (
	parseMaxAttempts  = 3
	parseBackoffBase  = time.Second
	parseBackoffCap   = 10 * time.Second
	parsePollInterval = time.Second
)

// ServiceParser submits files to a structured-parse HTTP service and polls
// the job until it completes. On service failure it falls back to the local
// per-extension parser, so parsing degrades rather than fails outright.
type ServiceParser struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *slog.Logger

	// pollTimeout bounds one job from submission to result.
	pollTimeout time.Duration
}

// NewServiceParser builds a parser client for the service at baseURL. An
// empty baseURL disables the service; every parse goes through the fallback.
func NewServiceParser(baseURL, apiKey string, pollTimeout time.Duration, log *slog.Logger) *ServiceParser {
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &ServiceParser{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 30 * time.Second},
		pollTimeout: pollTimeout,
		log:         log,
	}
}

// Parse tries the parse service first, retrying transient failures, then
// falls back to local extraction for the formats it can read directly.
func (p *ServiceParser) Parse(ctx context.Context, fileName string, content []byte) ([]StructuredElement, error) {
	if p.baseURL != "" {
		elements, err := p.parseRemote(ctx, fileName, content)
		if err == nil {
			return elements, nil
		}
		p.log.Warn("parse service failed, using fallback",
			"file", fileName, "error", err)
	}
	return FallbackParse(fileName, content)
}

func (p *ServiceParser) parseRemote(ctx context.Context, fileName string, content []byte) ([]StructuredElement, error) {
	var lastErr error
	for attempt := 0; attempt < parseMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := parseBackoffBase << (attempt - 1)
			if backoff > parseBackoffCap {
				backoff = parseBackoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		elements, err := p.runJob(ctx, fileName, content)
		if err == nil {
			return elements, nil
		}
		lastErr = err
		if !retryableParseErr(err) {
			break
		}
	}
	return nil, lastErr
}

// runJob submits one parse job and polls it until done or pollTimeout.
func (p *ServiceParser) runJob(ctx context.Context, fileName string, content []byte) ([]StructuredElement, error) {
	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	jobID, err := p.submit(ctx, fileName, content)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(parsePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("parse job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		status, elements, err := p.poll(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch status {
		case "completed":
			return elements, nil
		case "failed":
			return nil, apperr.Errorf(apperr.Pipeline, "parse job %s failed remotely", jobID)
		}
	}
}

func (p *ServiceParser) submit(ctx context.Context, fileName string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("parse submit: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("parse submit: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("parse submit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/parse", &body)
	if err != nil {
		return "", fmt.Errorf("parse submit: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", apperr.Errorf(apperr.Transport, "parse submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", apperr.Errorf(apperr.Transport, "parse submit: status %d", resp.StatusCode)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse submit: decode: %w", err)
	}
	if out.JobID == "" {
		return "", apperr.New(apperr.Pipeline, "parse submit: empty job id")
	}
	return out.JobID, nil
}

func (p *ServiceParser) poll(ctx context.Context, jobID string) (string, []StructuredElement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/parse/"+jobID, nil)
	if err != nil {
		return "", nil, fmt.Errorf("parse poll: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, apperr.Errorf(apperr.Transport, "parse poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, apperr.Errorf(apperr.Transport, "parse poll: status %d", resp.StatusCode)
	}

	var out struct {
		Status   string `json:"status"`
		Elements []struct {
			Type     string `json:"type"`
			Level    int    `json:"level"`
			Text     string `json:"text"`
			Markdown string `json:"markdown"`
			Page     int    `json:"page"`
		} `json:"elements"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("parse poll: decode: %w", err)
	}

	elements := make([]StructuredElement, 0, len(out.Elements))
	for _, e := range out.Elements {
		elements = append(elements, StructuredElement{
			Type:     ElementType(e.Type),
			Level:    e.Level,
			Text:     e.Text,
			Markdown: e.Markdown,
			Page:     e.Page,
		})
	}
	return out.Status, elements, nil
}

// retryableParseErr reports whether the error is worth another attempt.
// Only network and timeout failures qualify; remote semantic failures are
// final.
func retryableParseErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return apperr.KindOf(err) == apperr.Transport
}

// ─── local fallback ───

var (
	mdHeadingRe  = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlHeaderRe = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	listMarkerRe = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)
)

// FallbackParse extracts structure locally for the text-based formats. The
// binary office formats need the parse service; without it they fail with a
// pipeline error.
func FallbackParse(fileName string, content []byte) ([]StructuredElement, error) {
	switch ext := fileExtension(fileName); ext {
	case "txt":
		return parsePlainText(string(content)), nil
	case "md":
		return parseMarkdown(string(content)), nil
	case "csv":
		return parseCSV(content)
	case "json":
		return parseJSON(content)
	case "html", "htm":
		return parseHTML(string(content)), nil
	default:
		return nil, apperr.Errorf(apperr.Pipeline,
			"no local parser for .%s, parse service required", ext)
	}
}

func parsePlainText(text string) []StructuredElement {
	var elements []StructuredElement
	for _, block := range splitBlocks(text) {
		elements = append(elements, StructuredElement{
			Type: ElementParagraph,
			Text: block,
		})
	}
	return elements
}

func parseMarkdown(text string) []StructuredElement {
	var elements []StructuredElement
	for _, block := range splitBlocks(text) {
		lines := strings.Split(block, "\n")
		if m := mdHeadingRe.FindStringSubmatch(lines[0]); m != nil {
			elements = append(elements, StructuredElement{
				Type:     ElementHeading,
				Level:    len(m[1]),
				Text:     strings.TrimSpace(m[2]),
				Markdown: lines[0],
			})
			if rest := strings.TrimSpace(strings.Join(lines[1:], "\n")); rest != "" {
				elements = append(elements, classifyBlock(rest))
			}
			continue
		}
		elements = append(elements, classifyBlock(block))
	}
	return elements
}

func classifyBlock(block string) StructuredElement {
	if strings.Contains(block, "|") && strings.Count(block, "\n") >= 1 {
		return StructuredElement{Type: ElementTable, Text: block, Markdown: block}
	}
	if listMarkerRe.MatchString(block) {
		return StructuredElement{Type: ElementList, Text: block, Markdown: block}
	}
	return StructuredElement{Type: ElementParagraph, Text: block}
}

func parseCSV(content []byte) ([]StructuredElement, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, apperr.Errorf(apperr.Pipeline, "csv parse: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(strings.Join(rec, " | "))
		b.WriteByte('\n')
	}
	return []StructuredElement{{Type: ElementTable, Text: strings.TrimSpace(b.String())}}, nil
}

func parseJSON(content []byte) ([]StructuredElement, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, apperr.Errorf(apperr.Pipeline, "json parse: %w", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, apperr.Errorf(apperr.Pipeline, "json parse: %w", err)
	}
	return []StructuredElement{{Type: ElementText, Text: string(pretty)}}, nil
}

// parseHTML extracts headings by tag level, then strips remaining markup.
func parseHTML(markup string) []StructuredElement {
	var elements []StructuredElement

	// Replace each heading tag with a markdown-style marker so the block
	// split below keeps heading and body ordering.
	normalized := htmlHeaderRe.ReplaceAllStringFunc(markup, func(m string) string {
		sub := htmlHeaderRe.FindStringSubmatch(m)
		level := int(sub[1][0] - '0')
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(sub[2], ""))
		return "\n\n" + strings.Repeat("#", level) + " " + title + "\n\n"
	})
	normalized = htmlTagRe.ReplaceAllString(normalized, " ")

	for _, block := range splitBlocks(normalized) {
		if m := mdHeadingRe.FindStringSubmatch(strings.SplitN(block, "\n", 2)[0]); m != nil {
			elements = append(elements, StructuredElement{
				Type:  ElementHeading,
				Level: len(m[1]),
				Text:  strings.TrimSpace(m[2]),
			})
			continue
		}
		elements = append(elements, StructuredElement{
			Type: ElementParagraph,
			Text: collapseSpaces(block),
		})
	}
	return elements
}

// splitBlocks breaks text into blank-line separated blocks.
func splitBlocks(text string) []string {
	var blocks []string
	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if b := strings.TrimSpace(raw); b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fileExtension(fileName string) string {
	if i := strings.LastIndexByte(fileName, '.'); i >= 0 {
		return strings.ToLower(fileName[i+1:])
	}
	return ""
}
