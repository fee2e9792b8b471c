package foldersync

import (
	"context"
	"log/slog"
	"math"
	"net/mail"
	"strings"

	"github.com/joshsymonds/ewssync/internal/ews"
	"github.com/joshsymonds/ewssync/internal/store"
)

var importancePriority = map[ews.Importance]store.Priority{
	ews.ImportanceLow:    store.PriorityLow,
	ews.ImportanceNormal: store.PriorityNormal,
	ews.ImportanceHigh:   store.PriorityHigh,
}

// populate copies every property present on msg into hdr. Missing properties
// leave the header untouched; values that do not fit the header are logged
// and skipped.
func (o *Operation) populate(ctx context.Context, log *slog.Logger, hdr *store.Header, msg *ews.Message) {
	if id := messageID(msg); id != "" {
		hdr.MessageID = id
	} else if hdr.MessageID == "" {
		hdr.MessageID = o.newMessageID()
	}

	if msg.IsRead != nil {
		hdr.IsRead = *msg.IsRead
	}

	if msg.DateTimeSent != nil {
		if us, ok := unixMicro(msg.DateTimeSent.Unix()); ok {
			hdr.Date = us
		} else {
			log.WarnContext(ctx, "sent time out of range, leaving date unset",
				slog.String("item", hdr.ItemID), slog.Time("sent", *msg.DateTimeSent))
		}
	}

	switch {
	case msg.From != nil:
		hdr.Author = formatMailbox(*msg.From)
	case msg.Sender != nil:
		hdr.Author = formatMailbox(*msg.Sender)
	}

	if msg.ReplyTo != nil {
		hdr.ReplyTo = formatMailboxes(msg.ReplyTo)
	}
	if msg.ToRecipients != nil {
		hdr.Recipients = formatMailboxes(msg.ToRecipients)
	}
	if msg.CcRecipients != nil {
		hdr.CcList = formatMailboxes(msg.CcRecipients)
	}
	if msg.BccRecipients != nil {
		hdr.BccList = formatMailboxes(msg.BccRecipients)
	}

	if msg.Subject != nil {
		hdr.Subject = *msg.Subject
	}
	if msg.Importance != nil {
		if p, ok := importancePriority[*msg.Importance]; ok {
			hdr.Priority = p
		} else {
			hdr.Priority = store.PriorityNone
		}
	}
	if msg.References != nil {
		hdr.References = *msg.References
	}

	if msg.Size != nil {
		if *msg.Size >= 0 && *msg.Size <= math.MaxUint32 {
			hdr.Size = uint32(*msg.Size)
		} else {
			log.WarnContext(ctx, "message size out of range, leaving size unset",
				slog.String("item", hdr.ItemID), slog.Int64("size", *msg.Size))
		}
	}

	if msg.Preview != nil {
		hdr.Preview = *msg.Preview
	}
	if msg.HasAttachments != nil {
		hdr.HasAttachments = *msg.HasAttachments
	}
}

func (o *Operation) newMessageID() string {
	if o.NewMessageID != nil {
		return o.NewMessageID()
	}
	return placeholderMessageID()
}

// messageID prefers the InternetMessageId property and falls back to the raw
// Message-ID header.
func messageID(msg *ews.Message) string {
	if msg.InternetMessageID != nil {
		if id := strings.TrimSpace(*msg.InternetMessageID); id != "" {
			return id
		}
	}
	for _, h := range msg.InternetMessageHeaders {
		if strings.EqualFold(h.Name, "Message-ID") {
			if id := strings.TrimSpace(h.Value); id != "" {
				return id
			}
		}
	}
	return ""
}

func unixMicro(sec int64) (int64, bool) {
	const scale = 1_000_000
	if sec > math.MaxInt64/scale || sec < math.MinInt64/scale {
		return 0, false
	}
	return sec * scale, true
}

// formatMailbox renders an SMTP mailbox as an RFC 5322 address. Mailboxes
// without an SMTP address (e.g. Exchange legacy DNs) render as their name.
func formatMailbox(m ews.Mailbox) string {
	addr := strings.TrimSpace(m.EmailAddress)
	if !strings.Contains(addr, "@") {
		if m.Name != "" {
			return m.Name
		}
		return addr
	}
	return (&mail.Address{Name: m.Name, Address: addr}).String()
}

func formatMailboxes(ms []ews.Mailbox) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		if s := formatMailbox(m); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
