package ews

import "time"

// ItemID identifies an item in a mailbox. ChangeKey pins a specific version.
type ItemID struct {
	ID        string
	ChangeKey string
}

// FolderID identifies a folder in a mailbox.
type FolderID struct {
	ID        string
	ChangeKey string
}

type BaseShape string

const (
	BaseShapeIDOnly        BaseShape = "IdOnly"
	BaseShapeDefault       BaseShape = "Default"
	BaseShapeAllProperties BaseShape = "AllProperties"
)

// FieldURI names a single item property, e.g. "message:IsRead".
type FieldURI string

const (
	FieldIsRead                 FieldURI = "message:IsRead"
	FieldInternetMessageID      FieldURI = "message:InternetMessageId"
	FieldInternetMessageHeaders FieldURI = "item:InternetMessageHeaders"
	FieldDateTimeSent           FieldURI = "item:DateTimeSent"
	FieldFrom                   FieldURI = "message:From"
	FieldReplyTo                FieldURI = "message:ReplyTo"
	FieldSender                 FieldURI = "message:Sender"
	FieldSubject                FieldURI = "item:Subject"
	FieldToRecipients           FieldURI = "message:ToRecipients"
	FieldCcRecipients           FieldURI = "message:CcRecipients"
	FieldBccRecipients          FieldURI = "message:BccRecipients"
	FieldHasAttachments         FieldURI = "item:HasAttachments"
	FieldImportance             FieldURI = "item:Importance"
	FieldReferences             FieldURI = "message:References"
	FieldSize                   FieldURI = "item:Size"
	FieldPreview                FieldURI = "item:Preview"
)

// ItemShape selects which properties the server returns for each item.
type ItemShape struct {
	BaseShape            BaseShape
	IncludeMimeContent   bool
	AdditionalProperties []FieldURI
}

// SyncScope restricts which items a folder sync reports. The zero value
// leaves the element out so the server default applies.
type SyncScope string

const (
	SyncScopeNormalItems              SyncScope = "NormalItems"
	SyncScopeNormalAndAssociatedItems SyncScope = "NormalAndAssociatedItems"
)

// SyncFolderItems requests the changes made to a folder since SyncState.
type SyncFolderItems struct {
	ItemShape          ItemShape
	SyncFolderID       FolderID
	SyncState          string
	Ignore             []ItemID
	MaxChangesReturned int
	SyncScope          SyncScope
}

// SyncFolderItemsResponse is the envelope returned for a SyncFolderItems
// request. A well-formed reply carries exactly one response message.
type SyncFolderItemsResponse struct {
	ResponseMessages []SyncFolderItemsResponseMessage
}

type SyncFolderItemsResponseMessage struct {
	ResponseClass           string
	ResponseCode            string
	MessageText             string
	SyncState               string
	IncludesLastItemInRange bool
	Changes                 []Change
}

// Err returns the message's error, if its ResponseClass is Error.
func (m *SyncFolderItemsResponseMessage) Err() error {
	if m.ResponseClass != "Error" {
		return nil
	}
	return &ResponseError{Code: m.ResponseCode, Message: m.MessageText}
}

// Change is one entry of a SyncFolderItems change list. The concrete types
// are Create, Update, Delete and ReadFlagChange.
type Change interface {
	isChange()
}

// Create reports an item added to the folder.
type Create struct {
	Item Message
}

// Update reports an item modified in the folder.
type Update struct {
	Item Message
}

// Delete reports an item removed from the folder.
type Delete struct {
	ItemID ItemID
}

// ReadFlagChange reports that only the read state of an item changed.
type ReadFlagChange struct {
	ItemID ItemID
	IsRead bool
}

func (Create) isChange()         {}
func (Update) isChange()         {}
func (Delete) isChange()         {}
func (ReadFlagChange) isChange() {}

// Mailbox is a single addressee.
type Mailbox struct {
	Name         string
	EmailAddress string
	RoutingType  string
}

type Importance string

const (
	ImportanceLow    Importance = "Low"
	ImportanceNormal Importance = "Normal"
	ImportanceHigh   Importance = "High"
)

// Header is one raw internet message header.
type Header struct {
	Name  string
	Value string
}

// Message holds the properties of a mail item. Pointer and slice fields are
// nil when the server did not return them.
type Message struct {
	ItemID                 *ItemID
	IsRead                 *bool
	InternetMessageID      *string
	InternetMessageHeaders []Header
	DateTimeSent           *time.Time
	From                   *Mailbox
	Sender                 *Mailbox
	ReplyTo                []Mailbox
	Subject                *string
	ToRecipients           []Mailbox
	CcRecipients           []Mailbox
	BccRecipients          []Mailbox
	HasAttachments         *bool
	Importance             *Importance
	References             *string
	Size                   *int64
	Preview                *string
	MimeContent            []byte
}

// ServerVersion is the Exchange schema version negotiated with the server.
type ServerVersion int

const (
	Exchange2007 ServerVersion = iota
	Exchange2007SP1
	Exchange2010
	Exchange2010SP1
	Exchange2010SP2
	Exchange2013
	Exchange2013SP1
)

var serverVersionNames = map[ServerVersion]string{
	Exchange2007:    "Exchange2007",
	Exchange2007SP1: "Exchange2007_SP1",
	Exchange2010:    "Exchange2010",
	Exchange2010SP1: "Exchange2010_SP1",
	Exchange2010SP2: "Exchange2010_SP2",
	Exchange2013:    "Exchange2013",
	Exchange2013SP1: "Exchange2013_SP1",
}

func (v ServerVersion) String() string {
	if s, ok := serverVersionNames[v]; ok {
		return s
	}
	return "Exchange2007_SP1"
}

// ParseServerVersion maps a schema version name to a ServerVersion.
func ParseServerVersion(name string) (ServerVersion, bool) {
	for v, s := range serverVersionNames {
		if s == name {
			return v, true
		}
	}
	return Exchange2007SP1, false
}

// ServerVersionFromBuild maps the MajorVersion/MinorVersion pair reported in
// ServerVersionInfo to the closest schema version.
func ServerVersionFromBuild(major, minor int) ServerVersion {
	switch {
	case major >= 15:
		if major == 15 && minor == 0 {
			return Exchange2013
		}
		return Exchange2013SP1
	case major == 14:
		switch {
		case minor >= 2:
			return Exchange2010SP2
		case minor == 1:
			return Exchange2010SP1
		default:
			return Exchange2010
		}
	case major == 8 && minor >= 1:
		return Exchange2007SP1
	default:
		return Exchange2007
	}
}

// SupportsPreview reports whether item:Preview may be requested.
func (v ServerVersion) SupportsPreview() bool {
	return v >= Exchange2013
}
