package runtime

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/joshsymonds/ewssync/internal/ews"
)

const (
	nsSoap     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"
)

// Well-known folder names that must be addressed as DistinguishedFolderId.
var distinguishedFolders = map[string]bool{
	"inbox":         true,
	"drafts":        true,
	"sentitems":     true,
	"deleteditems":  true,
	"junkemail":     true,
	"outbox":        true,
	"archive":       true,
	"msgfolderroot": true,
}

type envelope struct {
	XMLName   xml.Name `xml:"soap:Envelope"`
	XMLNSSoap string   `xml:"xmlns:soap,attr"`
	XMLNST    string   `xml:"xmlns:t,attr"`
	XMLNSM    string   `xml:"xmlns:m,attr"`
	Header    header   `xml:"soap:Header"`
	Body      body     `xml:"soap:Body"`
}

type header struct {
	RequestServerVersion requestServerVersion `xml:"t:RequestServerVersion"`
}

type requestServerVersion struct {
	Version string `xml:"Version,attr"`
}

type body struct {
	Content any
}

type itemShape struct {
	BaseShape            string                `xml:"t:BaseShape"`
	IncludeMimeContent   *bool                 `xml:"t:IncludeMimeContent,omitempty"`
	AdditionalProperties *additionalProperties `xml:"t:AdditionalProperties,omitempty"`
}

type additionalProperties struct {
	FieldURIs []fieldURI `xml:"t:FieldURI"`
}

type fieldURI struct {
	FieldURI string `xml:"FieldURI,attr"`
}

type folderRef struct {
	FolderID            *idAttrs `xml:"t:FolderId,omitempty"`
	DistinguishedFolder *idAttrs `xml:"t:DistinguishedFolderId,omitempty"`
}

type idAttrs struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

type itemIDs struct {
	ItemIDs []idAttrs `xml:"t:ItemId"`
}

type syncFolderItemsRequest struct {
	XMLName            xml.Name  `xml:"m:SyncFolderItems"`
	ItemShape          itemShape `xml:"m:ItemShape"`
	SyncFolderID       folderRef `xml:"m:SyncFolderId"`
	SyncState          string    `xml:"m:SyncState,omitempty"`
	Ignore             *itemIDs  `xml:"m:Ignore,omitempty"`
	MaxChangesReturned int       `xml:"m:MaxChangesReturned"`
	SyncScope          string    `xml:"m:SyncScope,omitempty"`
}

type getItemRequest struct {
	XMLName   xml.Name  `xml:"m:GetItem"`
	ItemShape itemShape `xml:"m:ItemShape"`
	ItemIDs   itemIDs   `xml:"m:ItemIds"`
}

func encodeEnvelope(version ews.ServerVersion, content any) ([]byte, error) {
	env := envelope{
		XMLNSSoap: nsSoap,
		XMLNST:    nsTypes,
		XMLNSM:    nsMessages,
		Header:    header{RequestServerVersion: requestServerVersion{Version: version.String()}},
		Body:      body{Content: content},
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("encode soap envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeItemShape(s ews.ItemShape) itemShape {
	out := itemShape{BaseShape: string(s.BaseShape)}
	if out.BaseShape == "" {
		out.BaseShape = string(ews.BaseShapeIDOnly)
	}
	if s.IncludeMimeContent {
		v := true
		out.IncludeMimeContent = &v
	}
	if len(s.AdditionalProperties) > 0 {
		props := &additionalProperties{}
		for _, f := range s.AdditionalProperties {
			props.FieldURIs = append(props.FieldURIs, fieldURI{FieldURI: string(f)})
		}
		out.AdditionalProperties = props
	}
	return out
}

func encodeFolder(id ews.FolderID) folderRef {
	ref := &idAttrs{ID: id.ID, ChangeKey: id.ChangeKey}
	if distinguishedFolders[strings.ToLower(id.ID)] {
		ref.ID = strings.ToLower(id.ID)
		return folderRef{DistinguishedFolder: ref}
	}
	return folderRef{FolderID: ref}
}

func encodeItemIDs(ids []ews.ItemID) itemIDs {
	out := itemIDs{ItemIDs: make([]idAttrs, 0, len(ids))}
	for _, id := range ids {
		out.ItemIDs = append(out.ItemIDs, idAttrs{ID: id.ID, ChangeKey: id.ChangeKey})
	}
	return out
}

func newSyncFolderItemsRequest(req *ews.SyncFolderItems) *syncFolderItemsRequest {
	out := &syncFolderItemsRequest{
		ItemShape:          encodeItemShape(req.ItemShape),
		SyncFolderID:       encodeFolder(req.SyncFolderID),
		SyncState:          req.SyncState,
		MaxChangesReturned: req.MaxChangesReturned,
		SyncScope:          string(req.SyncScope),
	}
	if len(req.Ignore) > 0 {
		ignore := encodeItemIDs(req.Ignore)
		out.Ignore = &ignore
	}
	return out
}

func newGetItemRequest(ids []ews.ItemID, fields []ews.FieldURI, includeMime bool) *getItemRequest {
	return &getItemRequest{
		ItemShape: encodeItemShape(ews.ItemShape{
			BaseShape:            ews.BaseShapeIDOnly,
			IncludeMimeContent:   includeMime,
			AdditionalProperties: fields,
		}),
		ItemIDs: encodeItemIDs(ids),
	}
}

// backOffFromMessageXML extracts BackOffMilliseconds from a MessageXml block.
func backOffFromMessageXML(values []messageXMLValue) int {
	for _, v := range values {
		if v.Name == "BackOffMilliseconds" {
			if ms, err := strconv.Atoi(strings.TrimSpace(v.Value)); err == nil {
				return ms
			}
		}
	}
	return 0
}
