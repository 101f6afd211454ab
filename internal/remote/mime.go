package remote

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// ParseMessage builds a part tree from raw RFC 822 bytes. Leaf bodies are
// decoded. Truncated input yields whatever could be read.
func ParseMessage(raw []byte) (*Part, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	if entity.MultipartReader() == nil {
		return parseEntity(entity, "1")
	}
	return parseEntity(entity, "")
}

func parseEntity(entity *message.Entity, path string) (*Part, error) {
	part := partFromHeader(entity.Header)
	part.Path = path

	if mr := entity.MultipartReader(); mr != nil {
		for i := 1; ; i++ {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				// A truncated multipart ends here.
				break
			}
			childPath := strconv.Itoa(i)
			if path != "" {
				childPath = path + "." + childPath
			}
			p, err := parseEntity(child, childPath)
			if err != nil {
				return nil, err
			}
			part.Children = append(part.Children, p)
		}
		return part, nil
	}

	// Truncated bodies keep what was read.
	body, _ := io.ReadAll(entity.Body)
	if body == nil {
		body = []byte{}
	}
	part.Body = body
	part.Size = int64(len(body))
	return part, nil
}

func partFromHeader(h message.Header) *Part {
	part := &Part{
		ContentType: "text/plain",
		Charset:     "us-ascii",
		Encoding:    strings.ToLower(h.Get("Content-Transfer-Encoding")),
		ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
	}
	if ct, params, err := h.ContentType(); err == nil && ct != "" {
		part.ContentType = strings.ToLower(ct)
		if cs := params["charset"]; cs != "" {
			part.Charset = cs
		}
		part.Filename = params["name"]
	}
	if disp, params, err := h.ContentDisposition(); err == nil {
		part.Disposition = strings.ToLower(disp)
		if fn := params["filename"]; fn != "" {
			part.Filename = fn
		}
	}
	return part
}

// DecodePart decodes the raw content of a single part fetched on its own,
// applying its transfer encoding and charset.
func DecodePart(p *Part, raw []byte) ([]byte, error) {
	var h message.Header
	if p.Encoding != "" {
		h.Set("Content-Transfer-Encoding", p.Encoding)
	}
	params := map[string]string{}
	if p.Charset != "" && strings.HasPrefix(p.ContentType, "text/") {
		params["charset"] = p.Charset
	}
	h.SetContentType(p.ContentType, params)

	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("decoding part %s: %w", p.Path, err)
	}
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("reading part %s: %w", p.Path, err)
	}
	return body, nil
}

// IsViewable reports whether a leaf part is shown inline as message text.
func IsViewable(p *Part) bool {
	if p.Disposition == "attachment" {
		return false
	}
	return p.ContentType == "text/plain" || p.ContentType == "text/html"
}

// CollectParts walks a part tree and splits its leaves into viewable parts
// and attachments.
func CollectParts(root *Part) (viewables, attachments []*Part) {
	if root == nil {
		return nil, nil
	}
	var walk func(p *Part)
	walk = func(p *Part) {
		if p.IsMultipart() {
			for _, c := range p.Children {
				walk(c)
			}
			return
		}
		if strings.HasPrefix(p.ContentType, "multipart/") {
			return
		}
		if IsViewable(p) {
			viewables = append(viewables, p)
		} else {
			attachments = append(attachments, p)
		}
	}
	walk(root)
	return viewables, attachments
}
