package ingestion

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"encoding/xml"
	"html"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// ElementKind classifies an extracted document element.
type ElementKind string

const (
	// KindTitle marks a heading or section title. Titles start new chunks.
	KindTitle ElementKind = "title"
	// KindNarrative marks body text.
	KindNarrative ElementKind = "narrative"
)

// Element is one structural piece of an extracted document, in reading order.
type Element struct {
	// Kind classifies the element.
	Kind ElementKind
	// Text is the normalised element text.
	Text string
}

// MediaTypeFromPath maps a file extension to the media type used for
// extractor dispatch. Unknown extensions default to plain text.
func MediaTypeFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".html", ".htm":
		return "text/html"
	case ".md", ".markdown":
		return "text/markdown"
	default:
		return "text/plain"
	}
}

// Extract converts raw document bytes into ordered elements, dispatching on
// the declared media type. Failures are returned as *ExtractionError, which
// callers treat as permanent.
func Extract(mediaType string, data []byte) ([]Element, error) {
	base := mediaType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	var (
		elements []Element
		err      error
	)
	switch base {
	case "text/plain", "":
		elements = extractPlainText(string(data))
	case "text/markdown":
		elements = extractMarkdown(string(data))
	case "text/html", "application/xhtml+xml":
		elements = extractHTML(string(data))
	case "application/pdf":
		elements, err = extractPDF(data)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		elements, err = extractDOCX(data)
	default:
		return nil, &ExtractionError{MediaType: mediaType, Reason: "unsupported media type"}
	}
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, &ExtractionError{MediaType: mediaType, Reason: "no textual content found"}
	}
	return elements, nil
}

// ContentText joins element texts into the canonical normalised form used
// for content hashing. Equal element sequences always produce equal text.
func ContentText(elements []Element) string {
	parts := make([]string, 0, len(elements))
	for _, e := range elements {
		parts = append(parts, e.Text)
	}
	return strings.Join(parts, "\n\n")
}

// extractPlainText splits text into blank-line separated paragraphs and
// classifies short heading-like lines as titles.
func extractPlainText(text string) []Element {
	var elements []Element
	for _, para := range splitParagraphs(text) {
		kind := KindNarrative
		if looksLikeTitle(para) {
			kind = KindTitle
		}
		elements = append(elements, Element{Kind: kind, Text: para})
	}
	return elements
}

// extractMarkdown treats ATX headings as titles and everything else as
// blank-line separated narrative paragraphs. Fenced code blocks are kept
// verbatim as narrative.
func extractMarkdown(text string) []Element {
	var elements []Element
	var para []string
	inFence := false

	flush := func() {
		if len(para) == 0 {
			return
		}
		joined := normalizeWhitespace(strings.Join(para, "\n"))
		if joined != "" {
			elements = append(elements, Element{Kind: KindNarrative, Text: joined})
		}
		para = para[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			para = append(para, line)
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		if heading := markdownHeading(trimmed); heading != "" {
			flush()
			elements = append(elements, Element{Kind: KindTitle, Text: heading})
			continue
		}
		para = append(para, trimmed)
	}
	flush()
	return elements
}

// markdownHeading returns the heading text for an ATX heading line, or "".
func markdownHeading(line string) string {
	if !strings.HasPrefix(line, "#") {
		return ""
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level > 6 || level >= len(line) || line[level] != ' ' {
		return ""
	}
	return strings.TrimSpace(strings.Trim(line[level:], "# "))
}

// Pre-compiled regular expressions for HTML parsing performance.
var (
	scriptTag     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	noscriptTag   = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	svgTag        = regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`)
	headTag       = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlComments  = regexp.MustCompile(`(?s)<!--.*?-->`)
	headingOpen   = regexp.MustCompile(`(?i)<h[1-6][^>]*>`)
	headingClose  = regexp.MustCompile(`(?i)</h[1-6]>`)
	blockClose    = regexp.MustCompile(`(?i)</(p|div|br|hr|li|tr|blockquote|pre|table|section|article)>`)
	blockOpen     = regexp.MustCompile(`(?i)<(p|div|li|tr|blockquote|pre|table|section|article)[^>]*>`)
	brTags        = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
	allTags       = regexp.MustCompile(`<[^>]+>`)
	multiSpaces   = regexp.MustCompile(`[ \t]+`)
	multiNewlines = regexp.MustCompile(`\n{3,}`)
)

// headingMark is an interim sentinel prefix for heading lines during HTML
// stripping. Control characters cannot survive normalisation, so real
// content can never collide with it.
const headingMark = "\x00"

// extractHTML strips markup and yields headings as titles and remaining
// block-level text as narrative paragraphs.
func extractHTML(content string) []Element {
	content = scriptTag.ReplaceAllString(content, "")
	content = styleTag.ReplaceAllString(content, "")
	content = noscriptTag.ReplaceAllString(content, "")
	content = headTag.ReplaceAllString(content, "")
	content = svgTag.ReplaceAllString(content, "")
	content = htmlComments.ReplaceAllString(content, "")

	content = headingOpen.ReplaceAllString(content, "\n"+headingMark)
	content = headingClose.ReplaceAllString(content, "\n")
	content = blockOpen.ReplaceAllString(content, "\n")
	content = blockClose.ReplaceAllString(content, "\n")
	content = brTags.ReplaceAllString(content, "\n")
	content = allTags.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = multiSpaces.ReplaceAllString(content, " ")
	content = multiNewlines.ReplaceAllString(content, "\n\n")

	var elements []Element
	for _, line := range strings.Split(content, "\n") {
		isHeading := strings.HasPrefix(line, headingMark)
		text := normalizeWhitespace(strings.TrimPrefix(line, headingMark))
		if text == "" {
			continue
		}
		if isHeading {
			elements = append(elements, Element{Kind: KindTitle, Text: text})
		} else {
			elements = append(elements, Element{Kind: KindNarrative, Text: text})
		}
	}
	return elements
}

// docxDocument mirrors the subset of word/document.xml we read.
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Props struct {
		Style struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
	} `xml:"pPr"`
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

// extractDOCX opens the document as a ZIP archive and reads paragraph text
// from word/document.xml. Paragraphs styled as headings become titles.
func extractDOCX(data []byte) ([]Element, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractionError{MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Reason: "not a valid ZIP archive", Err: err}
	}

	var raw []byte
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, &ExtractionError{MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Reason: "cannot open word/document.xml", Err: err}
		}
		raw, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, &ExtractionError{MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Reason: "cannot read word/document.xml", Err: err}
		}
		break
	}
	if raw == nil {
		return nil, &ExtractionError{MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Reason: "word/document.xml not found"}
	}

	var doc docxDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ExtractionError{MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Reason: "malformed document XML", Err: err}
	}

	var elements []Element
	for _, para := range doc.Body.Paragraphs {
		var sb strings.Builder
		for _, run := range para.Runs {
			for _, t := range run.Text {
				sb.WriteString(t.Content)
			}
		}
		text := normalizeWhitespace(sb.String())
		if text == "" {
			continue
		}
		style := strings.ToLower(para.Props.Style.Val)
		if strings.HasPrefix(style, "heading") || style == "title" {
			elements = append(elements, Element{Kind: KindTitle, Text: text})
		} else {
			elements = append(elements, Element{Kind: KindNarrative, Text: text})
		}
	}
	return elements, nil
}

// extractPDF pulls text from PDF content streams. It inflates FlateDecode
// streams and collects the literal strings of text-showing operators. This
// handles the common text-based PDF; scanned or exotically encoded files
// yield an extraction error rather than garbage.
func extractPDF(data []byte) ([]Element, error) {
	var sb strings.Builder
	rest := data
	for {
		i := bytes.Index(rest, []byte("stream"))
		if i < 0 {
			break
		}
		start := i + len("stream")
		for start < len(rest) && (rest[start] == '\r' || rest[start] == '\n') {
			start++
		}
		j := bytes.Index(rest[start:], []byte("endstream"))
		if j < 0 {
			break
		}
		raw := rest[start : start+j]
		rest = rest[start+j+len("endstream"):]

		content := raw
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			if decoded, err := io.ReadAll(zr); err == nil {
				content = decoded
			}
			zr.Close()
		}
		sb.WriteString(pdfStreamText(content))
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, &ExtractionError{MediaType: "application/pdf", Reason: "no extractable text (scanned or unsupported encoding)"}
	}

	var elements []Element
	for _, para := range splitParagraphs(text) {
		kind := KindNarrative
		if looksLikeTitle(para) {
			kind = KindTitle
		}
		elements = append(elements, Element{Kind: kind, Text: para})
	}
	return elements, nil
}

// pdfStreamText scans one content stream for BT/ET text blocks and collects
// the literal strings shown by Tj, TJ, ' and " operators. Positioning
// operators become line breaks.
func pdfStreamText(content []byte) string {
	var sb strings.Builder
	inText := false
	i := 0
	for i < len(content) {
		if !inText {
			if hasToken(content, i, "BT") {
				inText = true
				i += 2
				continue
			}
			i++
			continue
		}
		switch {
		case hasToken(content, i, "ET"):
			inText = false
			sb.WriteByte('\n')
			i += 2
		case content[i] == '(':
			s, next := pdfLiteralString(content, i)
			sb.WriteString(s)
			sb.WriteByte(' ')
			i = next
		case hasToken(content, i, "Td") || hasToken(content, i, "TD") || hasToken(content, i, "T*"):
			sb.WriteByte('\n')
			i += 2
		default:
			i++
		}
	}
	return sb.String()
}

// hasToken reports whether an operator token starts at position i with a
// delimiter on both sides.
func hasToken(content []byte, i int, tok string) bool {
	if i+len(tok) > len(content) || string(content[i:i+len(tok)]) != tok {
		return false
	}
	if i > 0 && !isPDFDelim(content[i-1]) {
		return false
	}
	return i+len(tok) == len(content) || isPDFDelim(content[i+len(tok)])
}

// isPDFDelim reports whether b separates tokens in a PDF content stream.
func isPDFDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '(', ')', '[', ']', '<', '>', '/':
		return true
	}
	return false
}

// pdfLiteralString decodes a parenthesised PDF string starting at i and
// returns the decoded text and the index just past the closing paren.
func pdfLiteralString(content []byte, i int) (string, int) {
	var sb strings.Builder
	depth := 0
	for ; i < len(content); i++ {
		b := content[i]
		switch {
		case b == '\\' && i+1 < len(content):
			i++
			switch content[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r', 't', 'b', 'f':
				sb.WriteByte(' ')
			case '(', ')', '\\':
				sb.WriteByte(content[i])
			}
		case b == '(':
			depth++
			if depth > 1 {
				sb.WriteByte(b)
			}
		case b == ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(b)
		default:
			if depth > 0 {
				sb.WriteByte(b)
			}
		}
	}
	return sb.String(), i
}

// splitParagraphs splits text on blank lines into normalised paragraphs.
func splitParagraphs(text string) []string {
	var paras []string
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := normalizeWhitespace(strings.Join(current, " "))
		if joined != "" {
			paras = append(paras, joined)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, strings.TrimSpace(line))
	}
	flush()
	return paras
}

// looksLikeTitle reports whether a paragraph resembles a section heading:
// short, without terminal punctuation, and mostly capitalised words.
func looksLikeTitle(para string) bool {
	words := strings.Fields(para)
	if len(words) == 0 || len(words) > 12 {
		return false
	}
	last := para[len(para)-1]
	if last == '.' || last == ',' || last == ';' || last == ':' {
		return false
	}
	capitalised := 0
	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			capitalised++
		}
	}
	return capitalised*2 > len(words)
}

// normalizeWhitespace collapses runs of whitespace to single spaces and
// drops control characters, producing stable text for hashing and chunking.
func normalizeWhitespace(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				sb.WriteByte(' ')
				space = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		sb.WriteRune(r)
		space = false
	}
	return strings.TrimRight(sb.String(), " ")
}
