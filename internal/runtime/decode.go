package runtime

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/joshsymonds/ewssync/internal/ews"
)

type responseEnvelope struct {
	Header struct {
		ServerVersionInfo *serverVersionInfo `xml:"ServerVersionInfo"`
	} `xml:"Header"`
	Body responseBody `xml:"Body"`
}

type serverVersionInfo struct {
	MajorVersion int    `xml:"MajorVersion,attr"`
	MinorVersion int    `xml:"MinorVersion,attr"`
	Version      string `xml:"Version,attr"`
}

func (s *serverVersionInfo) version() (ews.ServerVersion, bool) {
	if v, ok := ews.ParseServerVersion(s.Version); ok {
		return v, true
	}
	if s.MajorVersion == 0 {
		return 0, false
	}
	return ews.ServerVersionFromBuild(s.MajorVersion, s.MinorVersion), true
}

type responseBody struct {
	Fault           *soapFault               `xml:"Fault"`
	SyncFolderItems *syncFolderItemsResponse `xml:"SyncFolderItemsResponse"`
	GetItem         *getItemResponse         `xml:"GetItemResponse"`
}

// busy returns the first ErrorServerBusy response message so it can be
// retried like a busy fault.
func (b *responseBody) busy() error {
	var headers []*responseMessageHeader
	if b.SyncFolderItems != nil {
		for i := range b.SyncFolderItems.Messages {
			headers = append(headers, &b.SyncFolderItems.Messages[i].responseMessageHeader)
		}
	}
	if b.GetItem != nil {
		for i := range b.GetItem.Messages {
			headers = append(headers, &b.GetItem.Messages[i].responseMessageHeader)
		}
	}
	for _, h := range headers {
		if err := h.err(); err != nil {
			if _, ok := ews.IsServerBusy(err); ok {
				return err
			}
		}
	}
	return nil
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		ResponseCode string     `xml:"ResponseCode"`
		Message      string     `xml:"Message"`
		MessageXML   messageXML `xml:"MessageXml"`
	} `xml:"detail"`
}

func (f *soapFault) err() error {
	code := f.Detail.ResponseCode
	if code == "" {
		code = f.Code
	}
	msg := f.Detail.Message
	if msg == "" {
		msg = f.String
	}
	return &ews.ResponseError{
		Code:                code,
		Message:             strings.TrimSpace(msg),
		BackOffMilliseconds: backOffFromMessageXML(f.Detail.MessageXML.Values),
	}
}

type messageXML struct {
	Values []messageXMLValue `xml:"Value"`
}

type messageXMLValue struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

type responseMessageHeader struct {
	ResponseClass string     `xml:"ResponseClass,attr"`
	ResponseCode  string     `xml:"ResponseCode"`
	MessageText   string     `xml:"MessageText"`
	MessageXML    messageXML `xml:"MessageXml"`
}

func (h *responseMessageHeader) err() error {
	if h.ResponseClass != "Error" {
		return nil
	}
	return &ews.ResponseError{
		Code:                h.ResponseCode,
		Message:             h.MessageText,
		BackOffMilliseconds: backOffFromMessageXML(h.MessageXML.Values),
	}
}

type syncFolderItemsResponse struct {
	Messages []syncFolderItemsMessage `xml:"ResponseMessages>SyncFolderItemsResponseMessage"`
}

type syncFolderItemsMessage struct {
	responseMessageHeader
	SyncState               string     `xml:"SyncState"`
	IncludesLastItemInRange bool       `xml:"IncludesLastItemInRange"`
	Changes                 changeList `xml:"Changes"`
}

func (r *syncFolderItemsResponse) toResponse() *ews.SyncFolderItemsResponse {
	out := &ews.SyncFolderItemsResponse{
		ResponseMessages: make([]ews.SyncFolderItemsResponseMessage, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		out.ResponseMessages = append(out.ResponseMessages, ews.SyncFolderItemsResponseMessage{
			ResponseClass:           m.ResponseClass,
			ResponseCode:            m.ResponseCode,
			MessageText:             m.MessageText,
			SyncState:               m.SyncState,
			IncludesLastItemInRange: m.IncludesLastItemInRange,
			Changes:                 []ews.Change(m.Changes),
		})
	}
	return out
}

// changeList decodes the mixed Create/Update/Delete/ReadFlagChange children
// of a Changes element in document order.
type changeList []ews.Change

func (c *changeList) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			change, err := decodeChange(d, t)
			if err != nil {
				return err
			}
			if change != nil {
				*c = append(*c, change)
			}
		}
	}
}

func decodeChange(d *xml.Decoder, start xml.StartElement) (ews.Change, error) {
	switch start.Name.Local {
	case "Create", "Update":
		var w itemList
		if err := d.DecodeElement(&w, &start); err != nil {
			return nil, err
		}
		var msg ews.Message
		if len(w.Items) > 0 {
			var err error
			if msg, err = w.Items[0].toMessage(); err != nil {
				return nil, err
			}
		}
		if start.Name.Local == "Create" {
			return ews.Create{Item: msg}, nil
		}
		return ews.Update{Item: msg}, nil
	case "Delete":
		var del struct {
			ItemID *idAttrs `xml:"ItemId"`
		}
		if err := d.DecodeElement(&del, &start); err != nil {
			return nil, err
		}
		return ews.Delete{ItemID: toItemID(del.ItemID)}, nil
	case "ReadFlagChange":
		var rf struct {
			ItemID *idAttrs `xml:"ItemId"`
			IsRead bool     `xml:"IsRead"`
		}
		if err := d.DecodeElement(&rf, &start); err != nil {
			return nil, err
		}
		return ews.ReadFlagChange{ItemID: toItemID(rf.ItemID), IsRead: rf.IsRead}, nil
	default:
		return nil, d.Skip()
	}
}

func toItemID(id *idAttrs) ews.ItemID {
	if id == nil {
		return ews.ItemID{}
	}
	return ews.ItemID{ID: id.ID, ChangeKey: id.ChangeKey}
}

type getItemResponse struct {
	Messages []getItemMessage `xml:"ResponseMessages>GetItemResponseMessage"`
}

type getItemMessage struct {
	responseMessageHeader
	Items itemList `xml:"Items"`
}

// itemList accepts any item element (Message, Item, MeetingRequest, ...).
type itemList struct {
	Items []xmlItem `xml:",any"`
}

type xmlItem struct {
	ItemID                 *idAttrs       `xml:"ItemId"`
	MimeContent            *string        `xml:"MimeContent"`
	Subject                *string        `xml:"Subject"`
	DateTimeSent           *string        `xml:"DateTimeSent"`
	Size                   *int64         `xml:"Size"`
	HasAttachments         *bool          `xml:"HasAttachments"`
	Importance             *string        `xml:"Importance"`
	InternetMessageHeaders *xmlHeaders    `xml:"InternetMessageHeaders"`
	Preview                *string        `xml:"Preview"`
	Sender                 *singleMailbox `xml:"Sender"`
	ToRecipients           *mailboxList   `xml:"ToRecipients"`
	CcRecipients           *mailboxList   `xml:"CcRecipients"`
	BccRecipients          *mailboxList   `xml:"BccRecipients"`
	IsRead                 *bool          `xml:"IsRead"`
	From                   *singleMailbox `xml:"From"`
	InternetMessageID      *string        `xml:"InternetMessageId"`
	References             *string        `xml:"References"`
	ReplyTo                *mailboxList   `xml:"ReplyTo"`
}

type xmlHeaders struct {
	Headers []xmlHeader `xml:"InternetMessageHeader"`
}

type xmlHeader struct {
	Name  string `xml:"HeaderName,attr"`
	Value string `xml:",chardata"`
}

type singleMailbox struct {
	Mailbox xmlMailbox `xml:"Mailbox"`
}

type mailboxList struct {
	Mailboxes []xmlMailbox `xml:"Mailbox"`
}

type xmlMailbox struct {
	Name         string `xml:"Name"`
	EmailAddress string `xml:"EmailAddress"`
	RoutingType  string `xml:"RoutingType"`
}

func (m xmlMailbox) toMailbox() ews.Mailbox {
	return ews.Mailbox{Name: m.Name, EmailAddress: m.EmailAddress, RoutingType: m.RoutingType}
}

func (l *mailboxList) toMailboxes() []ews.Mailbox {
	if l == nil {
		return nil
	}
	out := make([]ews.Mailbox, 0, len(l.Mailboxes))
	for _, m := range l.Mailboxes {
		out = append(out, m.toMailbox())
	}
	return out
}

func (it *xmlItem) toMessage() (ews.Message, error) {
	msg := ews.Message{
		IsRead:            it.IsRead,
		InternetMessageID: it.InternetMessageID,
		Subject:           it.Subject,
		HasAttachments:    it.HasAttachments,
		References:        it.References,
		Size:              it.Size,
		Preview:           it.Preview,
		ToRecipients:      it.ToRecipients.toMailboxes(),
		CcRecipients:      it.CcRecipients.toMailboxes(),
		BccRecipients:     it.BccRecipients.toMailboxes(),
		ReplyTo:           it.ReplyTo.toMailboxes(),
	}
	if it.ItemID != nil {
		id := toItemID(it.ItemID)
		msg.ItemID = &id
	}
	if it.DateTimeSent != nil {
		// unparseable timestamps are treated as absent
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(*it.DateTimeSent)); err == nil {
			msg.DateTimeSent = &ts
		}
	}
	if it.Importance != nil {
		imp := ews.Importance(strings.TrimSpace(*it.Importance))
		msg.Importance = &imp
	}
	if it.InternetMessageHeaders != nil {
		msg.InternetMessageHeaders = make([]ews.Header, 0, len(it.InternetMessageHeaders.Headers))
		for _, h := range it.InternetMessageHeaders.Headers {
			msg.InternetMessageHeaders = append(msg.InternetMessageHeaders, ews.Header{Name: h.Name, Value: h.Value})
		}
	}
	if it.From != nil {
		from := it.From.Mailbox.toMailbox()
		msg.From = &from
	}
	if it.Sender != nil {
		sender := it.Sender.Mailbox.toMailbox()
		msg.Sender = &sender
	}
	if it.MimeContent != nil {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*it.MimeContent))
		if err != nil {
			return ews.Message{}, fmt.Errorf("decode mime content: %w", err)
		}
		msg.MimeContent = raw
	}
	return msg, nil
}
