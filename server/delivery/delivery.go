// Package delivery contains Deliverer implementations for the SMTP server.
package delivery

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"

	"github.com/migadu/submitd/logger"
	"github.com/migadu/submitd/pkg/metrics"
	"github.com/migadu/submitd/server/smtp"
)

const (
	DefaultPreviewLength = 120

	// maxPartRead caps how much of a single part is decoded for the preview.
	maxPartRead = 64 * 1024

	mediaTypeUnknown = "unknown"
)

// Summary describes one accepted message.
type Summary struct {
	ID         string
	Sender     string
	Recipients []string
	Size       int
	Hash       string // hex BLAKE3-256 of the body

	// Header fields; empty when the body is not a parseable RFC 5322 message.
	Subject   string
	MessageID string
	From      []string
	MediaType string

	Preview string
}

// Summarize parses env.Body and builds its Summary. A body that does not
// parse as a message still yields a summary, with the raw text as preview
// and the parse error returned alongside.
func Summarize(env *smtp.Envelope, previewLength int) (*Summary, error) {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}

	hash := blake3.Sum256([]byte(env.Body))
	sum := &Summary{
		ID:         env.ID,
		Sender:     env.Sender,
		Recipients: env.Recipients,
		Size:       env.Size(),
		Hash:       hex.EncodeToString(hash[:]),
		MediaType:  mediaTypeUnknown,
	}

	entity, err := message.Read(strings.NewReader(env.Body))
	if entity == nil {
		sum.Preview = truncate(collapse(env.Body), previewLength)
		return sum, fmt.Errorf("parse message: %w", err)
	}
	// Unknown charset or transfer encoding is not fatal; the entity is still usable.
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return sum, fmt.Errorf("parse message: %w", err)
	}

	mailHeader := mail.Header{Header: entity.Header}
	sum.Subject, _ = mailHeader.Subject()
	sum.MessageID, _ = mailHeader.MessageID()
	if from, err := mailHeader.AddressList("From"); err == nil {
		for _, addr := range from {
			sum.From = append(sum.From, addr.Address)
		}
	}
	if mediaType, _, err := entity.Header.ContentType(); err == nil && mediaType != "" {
		sum.MediaType = mediaType
	} else if entity.Header.Get("Content-Type") == "" {
		sum.MediaType = "text/plain"
	}

	text, err := extractText(entity)
	if err != nil {
		return sum, fmt.Errorf("extract text: %w", err)
	}
	sum.Preview = truncate(collapse(text), previewLength)
	return sum, nil
}

// extractText returns the first text/plain part, or the first text/html
// part converted to plain text when no text/plain part exists.
func extractText(entity *message.Entity) (string, error) {
	var plain, html *string

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()
		if mr := e.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil && part == nil {
					return err
				}
				if err := walk(part); err != nil {
					return err
				}
				if plain != nil {
					return nil
				}
			}
		}

		if mediaType == "" {
			mediaType = "text/plain"
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			return nil
		}
		content, err := io.ReadAll(io.LimitReader(e.Body, maxPartRead))
		if err != nil {
			return err
		}
		s := string(bytes.ToValidUTF8(content, []byte("?")))
		switch {
		case mediaType == "text/plain" && plain == nil:
			plain = &s
		case mediaType == "text/html" && html == nil:
			html = &s
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", err
	}
	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return html2text.HTML2Text(*html), nil
	default:
		return "", nil
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// LogDeliverer accepts every message and logs its summary. Nothing is stored.
type LogDeliverer struct {
	previewLength int
}

// NewLogDeliverer returns a LogDeliverer. previewLength <= 0 selects
// DefaultPreviewLength.
func NewLogDeliverer(previewLength int) *LogDeliverer {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &LogDeliverer{previewLength: previewLength}
}

func (d *LogDeliverer) Name() string {
	return "log"
}

// Deliver implements smtp.Deliverer. Bodies that are not valid MIME are
// still accepted; only a cancelled context fails delivery.
func (d *LogDeliverer) Deliver(ctx context.Context, env *smtp.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sum, err := Summarize(env, d.previewLength)
	if err != nil {
		logger.Debug("Delivery: body is not a well-formed message", "id", env.ID, "error", err)
	}

	metrics.DeliveredContentTypes.WithLabelValues(sum.MediaType).Inc()
	logger.Info("Delivery: message received",
		"id", sum.ID,
		"from", sum.Sender,
		"rcpts", strings.Join(sum.Recipients, ","),
		"size", sum.Size,
		"blake3", sum.Hash,
		"subject", sum.Subject,
		"message_id", sum.MessageID,
		"header_from", strings.Join(sum.From, ","),
		"media_type", sum.MediaType,
		"preview", sum.Preview,
		"helo", env.Helo,
		"remote", env.RemoteAddr)
	return nil
}
