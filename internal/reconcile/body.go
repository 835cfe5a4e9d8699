package reconcile

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

var (
	textKeys = []string{"text", "body_text", "bodyText", "text_body", "plain"}
	htmlKeys = []string{"html", "body_html", "bodyHtml", "html_body"}
	rawKeys  = []string{"raw", "source", "mime"}
)

// NormalizeBody maps a body record onto a MessageBody. The record carries
// either pre-parsed text/html or a raw RFC 822 message, plain or base64.
func NormalizeBody(account, folder string, raw json.RawMessage) (domain.MessageBody, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return domain.MessageBody{}, fmt.Errorf("%w: %v", ErrUnnormalizable, err)
	}
	id := r.str(idKeys...)
	if id == "" {
		return domain.MessageBody{}, fmt.Errorf("%w: body without id", ErrUnnormalizable)
	}

	body := domain.MessageBody{
		AccountID: account,
		ID:        id,
		Folder:    folder,
		Timestamp: timestamp(r),
		Text:      r.str(textKeys...),
		HTML:      r.str(htmlKeys...),
		FetchedAt: time.Now().Unix(),
	}
	if body.Folder == "" {
		body.Folder = r.str(folderKeys...)
	}

	if src := r.str(rawKeys...); src != "" && body.Text == "" && body.HTML == "" {
		env, err := enmime.ReadEnvelope(bytes.NewReader(decodeRaw(src)))
		if err != nil {
			return domain.MessageBody{}, fmt.Errorf("%w: failed to parse mime body %s: %v", ErrUnnormalizable, id, err)
		}
		body.Text = env.Text
		body.HTML = env.HTML
		for _, p := range append(env.Attachments, env.Inlines...) {
			if p.FileName == "" {
				continue
			}
			body.Attachments = append(body.Attachments, domain.Attachment{
				ID:       p.ContentID,
				Filename: p.FileName,
				MIMEType: p.ContentType,
				Size:     int64(len(p.Content)),
			})
		}
		if body.Timestamp == 0 {
			if t := parseDate(env.GetHeader("Date")); !t.IsZero() {
				body.Timestamp = t.Unix()
			}
		}
	}
	if list, ok := r["attachments"].([]any); ok && body.Attachments == nil {
		body.Attachments = attachments(list)
	}

	body.HTML = SanitizeHTML(body.HTML)
	if body.Text == "" && body.HTML != "" {
		if text, err := html2text.FromString(body.HTML, html2text.Options{OmitLinks: true}); err == nil {
			body.Text = text
		}
	}
	body.Size = int64(len(body.Text) + len(body.HTML))
	return body, nil
}

func attachments(list []any) []domain.Attachment {
	var out []domain.Attachment
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := record(m)
		size, _ := a.int64("size", "length")
		out = append(out, domain.Attachment{
			ID:       a.str("id", "attachmentId", "content_id"),
			Filename: decodeHeader(a.str("filename", "fileName", "name")),
			MIMEType: a.str("mime_type", "mimeType", "contentType", "content_type"),
			Size:     size,
		})
	}
	return out
}

// decodeRaw returns src unchanged when it already looks like a message,
// otherwise the first base64 variant that decodes.
func decodeRaw(src string) []byte {
	if head, _, ok := strings.Cut(src, "\n"); ok && strings.Contains(head, ":") {
		return []byte(src)
	}
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, src)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(compact); err == nil {
			return data
		}
	}
	return []byte(src)
}

var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Noscript: true,
}

// SanitizeHTML removes script and style blocks, embedded frames, inline
// event handlers and javascript: URLs.
func SanitizeHTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), context)
	if err != nil {
		return html.EscapeString(s)
	}
	var b bytes.Buffer
	for _, n := range nodes {
		if sanitizeNode(n) {
			continue
		}
		if err := html.Render(&b, n); err != nil {
			return html.EscapeString(s)
		}
	}
	return b.String()
}

// sanitizeNode cleans n in place and reports whether n itself must go.
func sanitizeNode(n *html.Node) bool {
	if n.Type == html.ElementNode && droppedElements[n.DataAtom] {
		return true
	}
	if n.Type == html.CommentNode {
		return true
	}
	if n.Type == html.ElementNode {
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") {
				continue
			}
			if (key == "href" || key == "src" || key == "action") &&
				strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
				continue
			}
			attrs = append(attrs, a)
		}
		n.Attr = attrs
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if sanitizeNode(c) {
			n.RemoveChild(c)
		}
		c = next
	}
	return false
}
