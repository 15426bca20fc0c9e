package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/gif"
	_ "image/png"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/draw"

	"github.com/duskpetrel/duskpetrel/internal/bus"
)

// maxImageDim is the longest image side providers accept without
// server-side downscaling.
const maxImageDim = 1568

// buildUserContent turns text plus attachments into provider-ready message
// content: a plain string when there is nothing to attach, otherwise a
// block list. Attachments that cannot be handled yield a textual
// placeholder instead of failing the message.
func buildUserContent(text string, attachments []bus.Attachment, vision bool, docMaxBytes int64) any {
	if len(attachments) == 0 {
		return text
	}

	var blocks []map[string]any
	var notes []string

	for _, att := range attachments {
		data, err := attachmentBytes(att)
		if err != nil {
			notes = append(notes, fmt.Sprintf("[attachment %s unavailable: %v]", att.Filename, err))
			continue
		}

		switch att.Kind {
		case bus.AttachmentImage:
			if !vision {
				notes = append(notes, fmt.Sprintf("[image %s omitted: current model has no vision]", att.Filename))
				continue
			}
			fitted, mimeType, err := fitImage(data)
			if err != nil {
				notes = append(notes, fmt.Sprintf("[image %s unreadable: %v]", att.Filename, err))
				continue
			}
			b64 := base64.StdEncoding.EncodeToString(fitted)
			blocks = append(blocks, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": fmt.Sprintf("data:%s;base64,%s", mimeType, b64)},
			})

		case bus.AttachmentDocument:
			extracted := extractDocumentText(data, docMaxBytes)
			if extracted == "" {
				notes = append(notes, fmt.Sprintf("[document %s could not be read as text]", att.Filename))
				continue
			}
			notes = append(notes, fmt.Sprintf("[document %s]\n%s", att.Filename, extracted))

		case bus.AttachmentAudio:
			notes = append(notes, fmt.Sprintf("[audio attachment %s: transcription not configured]", att.Filename))

		default:
			notes = append(notes, fmt.Sprintf("[unsupported attachment %s]", att.Filename))
		}
	}

	if len(notes) > 0 {
		if text != "" {
			text += "\n\n"
		}
		text += strings.Join(notes, "\n\n")
	}
	if len(blocks) == 0 {
		return text
	}
	return append(blocks, map[string]any{"type": "text", "text": text})
}

func attachmentBytes(att bus.Attachment) ([]byte, error) {
	if len(att.Data) > 0 {
		return att.Data, nil
	}
	if att.Path != "" {
		return os.ReadFile(att.Path)
	}
	return nil, fmt.Errorf("no data or path")
}

// fitImage decodes an image and downscales it so its longest side is at
// most maxImageDim pixels. Images already within the limit pass through
// unchanged; resized images are re-encoded as JPEG.
func fitImage(data []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxImageDim && h <= maxImageDim {
		return data, "image/" + format, nil
	}

	scale := float64(maxImageDim) / float64(w)
	if h > w {
		scale = float64(maxImageDim) / float64(h)
	}
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return out.Bytes(), "image/jpeg", nil
}

// extractDocumentText returns the document content as text, or "" when it
// is not valid UTF-8. Content over the size cap is cut at a rune boundary
// and marked, so the model knows it is looking at a prefix.
func extractDocumentText(data []byte, maxBytes int64) string {
	truncated := false
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
		data = data[:cut]
		truncated = true
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return ""
	}
	if !utf8.Valid(data) {
		return ""
	}
	text := string(data)
	if truncated {
		text += fmt.Sprintf("\n[document truncated at %d bytes]", maxBytes)
	}
	return text
}
