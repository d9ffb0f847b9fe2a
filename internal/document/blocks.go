package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Block types produced by Segment.
const (
	BlockHeading   = "heading"
	BlockParagraph = "paragraph"
)

// Block is an addressable sub-unit of a document body. IDs are stable
// per body content: heading blocks use a slug of the heading text,
// paragraph blocks a hash of their content. Blocks are derived state and
// are re-segmented whenever the body changes.
type Block struct {
	ID       string
	Heading  string
	Content  string
	Position int
	Type     string
}

// Segment splits a markdown body into ordered blocks. Top-level headings
// become heading blocks; every other top-level node becomes a paragraph
// block tagged with the nearest preceding heading.
func Segment(body string) []Block {
	src := []byte(body)
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []Block
	seen := make(map[string]int)
	currentHeading := ""

	for child := root.FirstChild(); child != nil; child = child.NextSibling() {
		content := strings.TrimSpace(nodeText(child, src))
		if content == "" {
			continue
		}

		var b Block
		if _, ok := child.(*ast.Heading); ok {
			currentHeading = content
			b = Block{
				ID:      slugify(content),
				Heading: content,
				Content: content,
				Type:    BlockHeading,
			}
		} else {
			b = Block{
				ID:      contentHash(content),
				Heading: currentHeading,
				Content: content,
				Type:    BlockParagraph,
			}
		}

		// Duplicate content within one document gets a numeric suffix so
		// block ids stay unique per (document, collection).
		seen[b.ID]++
		if n := seen[b.ID]; n > 1 {
			b.ID = fmt.Sprintf("%s-%d", b.ID, n)
		}

		b.Position = len(blocks)
		blocks = append(blocks, b)
	}

	return blocks
}

// nodeText collects the source text covered by a node, descending into
// containers (lists, quotes) that carry no line spans themselves.
func nodeText(n ast.Node, src []byte) string {
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		var sb strings.Builder
		for i := 0; i < n.Lines().Len(); i++ {
			seg := n.Lines().At(i)
			sb.Write(seg.Value(src))
		}
		return sb.String()
	}

	var sb strings.Builder
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		part := nodeText(child, src)
		if part == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func slugify(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}
