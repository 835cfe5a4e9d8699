package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
)

// folderRecord is the folder payload built from a Gmail label.
type folderRecord struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	TotalCount  int64  `json:"total_count"`
	UnreadCount int64  `json:"unread_count"`
}

type bodyRecord struct {
	ID           string `json:"id"`
	Folder       string `json:"folder"`
	Raw          string `json:"raw"`
	InternalDate int64  `json:"internalDate,omitempty"`
}

func labelRecord(l *gmailapi.Label) (json.RawMessage, error) {
	data, err := json.Marshal(folderRecord{
		Path:        l.Id,
		Name:        l.Name,
		Type:        l.Type,
		TotalCount:  l.MessagesTotal,
		UnreadCount: l.MessagesUnread,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode label %s: %w", l.Id, err)
	}
	return data, nil
}

// classify maps Gmail API failures onto the provider error model.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &provider.HTTPError{StatusCode: gerr.Code, Message: gerr.Message}
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return fmt.Errorf("%w: %v", provider.ErrOffline, err)
	}
	return err
}

func toMailAddresses(list []domain.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

// buildRawMessage renders msg as a multipart RFC 5322 message.
func buildRawMessage(msg domain.OutgoingMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if !msg.From.IsZero() {
		h.SetAddressList("From", toMailAddresses([]domain.Address{msg.From}))
	}
	h.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.CC) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.CC))
	}
	if len(msg.BCC) > 0 {
		h.SetAddressList("Bcc", toMailAddresses(msg.BCC))
	}
	h.SetSubject(msg.Subject)
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeInline(tw, "text/plain", msg.Body); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writeInline(tw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		contentType := att.MIMEType
		if contentType == "" {
			contentType = mimetype.Detect(att.Data).String()
		}
		ah.Set("Content-Type", contentType)
		ah.SetFilename(att.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInline(tw *mail.InlineWriter, contentType, content string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ih)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, content); err != nil {
		return err
	}
	return w.Close()
}
