package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/joshsymonds/ewssync/internal/auth"
	"github.com/joshsymonds/ewssync/internal/ews"
)

const syncResponse = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Header>
    <h:ServerVersionInfo MajorVersion="15" MinorVersion="20" MajorBuildNumber="7" MinorBuildNumber="1" Version="V2018_01_08"
      xmlns:h="http://schemas.microsoft.com/exchange/services/2006/types"/>
  </s:Header>
  <s:Body>
    <m:SyncFolderItemsResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages"
      xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
      <m:ResponseMessages>
        <m:SyncFolderItemsResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:SyncState>H4sIAAA=</m:SyncState>
          <m:IncludesLastItemInRange>false</m:IncludesLastItemInRange>
          <m:Changes>
            <t:Create><t:Message><t:ItemId Id="AAA" ChangeKey="ck1"/></t:Message></t:Create>
            <t:ReadFlagChange><t:ItemId Id="BBB" ChangeKey="ck2"/><t:IsRead>true</t:IsRead></t:ReadFlagChange>
            <t:Update><t:Message><t:ItemId Id="CCC" ChangeKey="ck3"/></t:Message></t:Update>
            <t:Delete><t:ItemId Id="DDD" ChangeKey="ck4"/></t:Delete>
            <t:Create><t:MeetingRequest><t:ItemId Id="EEE" ChangeKey="ck5"/></t:MeetingRequest></t:Create>
          </m:Changes>
        </m:SyncFolderItemsResponseMessage>
      </m:ResponseMessages>
    </m:SyncFolderItemsResponse>
  </s:Body>
</s:Envelope>`

const getItemResponseXML = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Header>
    <h:ServerVersionInfo MajorVersion="15" MinorVersion="0" Version="Exchange2013"
      xmlns:h="http://schemas.microsoft.com/exchange/services/2006/types"/>
  </s:Header>
  <s:Body>
    <m:GetItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages"
      xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
      <m:ResponseMessages>
        <m:GetItemResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:Items>
            <t:Message>
              <t:ItemId Id="AAA" ChangeKey="ck1"/>
              <t:MimeContent CharacterSet="UTF-8">U3ViamVjdDogaGkNCg0KYm9keQ==</t:MimeContent>
              <t:Subject>Quarterly numbers</t:Subject>
              <t:DateTimeSent>2024-03-01T12:00:00Z</t:DateTimeSent>
              <t:Size>2048</t:Size>
              <t:Importance>High</t:Importance>
              <t:HasAttachments>true</t:HasAttachments>
              <t:InternetMessageHeaders>
                <t:InternetMessageHeader HeaderName="Message-ID">&lt;hdr@example.com&gt;</t:InternetMessageHeader>
              </t:InternetMessageHeaders>
              <t:Preview>Numbers attached</t:Preview>
              <t:Sender><t:Mailbox><t:Name>List</t:Name><t:EmailAddress>list@example.com</t:EmailAddress></t:Mailbox></t:Sender>
              <t:ToRecipients>
                <t:Mailbox><t:Name>Bob</t:Name><t:EmailAddress>bob@example.com</t:EmailAddress><t:RoutingType>SMTP</t:RoutingType></t:Mailbox>
                <t:Mailbox><t:Name>Carol</t:Name><t:EmailAddress>carol@example.com</t:EmailAddress></t:Mailbox>
              </t:ToRecipients>
              <t:IsRead>false</t:IsRead>
              <t:From><t:Mailbox><t:Name>Alice</t:Name><t:EmailAddress>alice@example.com</t:EmailAddress></t:Mailbox></t:From>
              <t:InternetMessageId>&lt;id@example.com&gt;</t:InternetMessageId>
              <t:References>&lt;parent@example.com&gt;</t:References>
            </t:Message>
          </m:Items>
        </m:GetItemResponseMessage>
      </m:ResponseMessages>
    </m:GetItemResponse>
  </s:Body>
</s:Envelope>`

const busyFault = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode xmlns:a="http://schemas.microsoft.com/exchange/services/2006/types">a:ErrorServerBusy</faultcode>
      <faultstring xml:lang="en-US">The server cannot service this request right now. Try again later.</faultstring>
      <detail>
        <e:ResponseCode xmlns:e="http://schemas.microsoft.com/exchange/services/2006/errors">ErrorServerBusy</e:ResponseCode>
        <e:Message xmlns:e="http://schemas.microsoft.com/exchange/services/2006/errors">The server cannot service this request right now. Try again later.</e:Message>
        <t:MessageXml xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
          <t:Value Name="BackOffMilliseconds">5</t:Value>
        </t:MessageXml>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`

// busyFaultNoHint is a throttling fault without a MessageXml back-off value.
const busyFaultNoHint = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode xmlns:a="http://schemas.microsoft.com/exchange/services/2006/types">a:ErrorServerBusy</faultcode>
      <faultstring xml:lang="en-US">The server cannot service this request right now. Try again later.</faultstring>
      <detail>
        <e:ResponseCode xmlns:e="http://schemas.microsoft.com/exchange/services/2006/errors">ErrorServerBusy</e:ResponseCode>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`

const itemNotFound = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:GetItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
      <m:ResponseMessages>
        <m:GetItemResponseMessage ResponseClass="Error">
          <m:MessageText>The specified object was not found in the store.</m:MessageText>
          <m:ResponseCode>ErrorItemNotFound</m:ResponseCode>
          <m:Items/>
        </m:GetItemResponseMessage>
      </m:ResponseMessages>
    </m:GetItemResponse>
  </s:Body>
</s:Envelope>`

type capture struct {
	mu     sync.Mutex
	bodies []string
	auth   []string
}

func (c *capture) record(r *http.Request) string {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, string(body))
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	return string(body)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestClient(t *testing.T, srv *httptest.Server, creds auth.Credentials) *Client {
	t.Helper()
	c, err := NewEWSClient(srv.URL, creds, nil, discardLogger(), ews.Exchange2010SP2)
	require.NoError(t, err)
	c.InitialBusyInterval = time.Millisecond
	return c
}

func TestSyncFolderItemsDecodesChangesInOrder(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		fmt.Fprint(w, syncResponse)
	}))
	defer srv.Close()
	client := newTestClient(t, srv, &auth.Basic{Username: "user", Password: "pass", Endpoint: srv.URL})

	resp, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{
		ItemShape:          ews.ItemShape{BaseShape: ews.BaseShapeIDOnly},
		SyncFolderID:       ews.FolderID{ID: "Inbox"},
		SyncState:          "prev",
		MaxChangesReturned: 100,
	}, ews.OperationOptions{})
	require.NoError(t, err)

	require.Len(t, rec.bodies, 1)
	body := rec.bodies[0]
	require.Contains(t, body, `<t:RequestServerVersion Version="Exchange2010_SP2">`)
	require.Contains(t, body, `<t:DistinguishedFolderId Id="inbox">`)
	require.Contains(t, body, `<m:SyncState>prev</m:SyncState>`)
	require.Contains(t, body, `<m:MaxChangesReturned>100</m:MaxChangesReturned>`)
	require.Contains(t, body, `<t:BaseShape>IdOnly</t:BaseShape>`)
	require.NotContains(t, body, "SyncScope")
	require.Equal(t, "Basic dXNlcjpwYXNz", rec.auth[0])

	require.Len(t, resp.ResponseMessages, 1)
	msg := resp.ResponseMessages[0]
	require.NoError(t, msg.Err())
	require.Equal(t, "H4sIAAA=", msg.SyncState)
	require.False(t, msg.IncludesLastItemInRange)
	require.Len(t, msg.Changes, 5)

	create, ok := msg.Changes[0].(ews.Create)
	require.True(t, ok)
	require.Equal(t, &ews.ItemID{ID: "AAA", ChangeKey: "ck1"}, create.Item.ItemID)
	require.Equal(t, ews.ReadFlagChange{ItemID: ews.ItemID{ID: "BBB", ChangeKey: "ck2"}, IsRead: true}, msg.Changes[1])
	update, ok := msg.Changes[2].(ews.Update)
	require.True(t, ok)
	require.Equal(t, "CCC", update.Item.ItemID.ID)
	require.Equal(t, ews.Delete{ItemID: ews.ItemID{ID: "DDD", ChangeKey: "ck4"}}, msg.Changes[3])
	meeting, ok := msg.Changes[4].(ews.Create)
	require.True(t, ok)
	require.Equal(t, "EEE", meeting.Item.ItemID.ID)

	require.Equal(t, ews.Exchange2013SP1, client.ServerVersion(), "version taken from ServerVersionInfo")
}

func TestGetItemsDecodesMessage(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, getItemResponseXML)
	}))
	defer srv.Close()
	client := newTestClient(t, srv, &auth.Basic{Username: "u", Password: "p", Endpoint: srv.URL})

	msgs, err := client.GetItems(context.Background(),
		[]ews.ItemID{{ID: "AAA"}}, []ews.FieldURI{ews.FieldSubject, ews.FieldPreview}, true)
	require.NoError(t, err)

	body := rec.bodies[0]
	require.Contains(t, body, `<t:IncludeMimeContent>true</t:IncludeMimeContent>`)
	require.Contains(t, body, `<t:FieldURI FieldURI="item:Subject"></t:FieldURI>`)
	require.Contains(t, body, `<t:ItemId Id="AAA"></t:ItemId>`)

	require.Len(t, msgs, 1)
	m := msgs[0]
	require.Equal(t, "AAA", m.ItemID.ID)
	require.Equal(t, "Subject: hi\r\n\r\nbody", string(m.MimeContent))
	require.Equal(t, "Quarterly numbers", *m.Subject)
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), m.DateTimeSent.UTC())
	require.Equal(t, int64(2048), *m.Size)
	require.Equal(t, ews.ImportanceHigh, *m.Importance)
	require.True(t, *m.HasAttachments)
	require.False(t, *m.IsRead)
	require.Equal(t, []ews.Header{{Name: "Message-ID", Value: "<hdr@example.com>"}}, m.InternetMessageHeaders)
	require.Equal(t, "Numbers attached", *m.Preview)
	require.Equal(t, &ews.Mailbox{Name: "Alice", EmailAddress: "alice@example.com"}, m.From)
	require.Equal(t, &ews.Mailbox{Name: "List", EmailAddress: "list@example.com"}, m.Sender)
	require.Equal(t, []ews.Mailbox{
		{Name: "Bob", EmailAddress: "bob@example.com", RoutingType: "SMTP"},
		{Name: "Carol", EmailAddress: "carol@example.com"},
	}, m.ToRecipients)
	require.Nil(t, m.CcRecipients)
	require.Equal(t, "<id@example.com>", *m.InternetMessageID)
	require.Equal(t, "<parent@example.com>", *m.References)
	require.Equal(t, ews.Exchange2013, client.ServerVersion())
}

func TestGetItemsErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, itemNotFound)
	}))
	defer srv.Close()
	client := newTestClient(t, srv, &auth.Basic{Endpoint: srv.URL})

	_, err := client.GetItems(context.Background(), []ews.ItemID{{ID: "gone"}}, nil, false)
	var rerr *ews.ResponseError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "ErrorItemNotFound", rerr.Code)
}

type recordingLimiter struct {
	mu        sync.Mutex
	waits     int
	penalties []time.Duration
}

func (l *recordingLimiter) Wait(ctx context.Context) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return nil
}

func (l *recordingLimiter) Penalize(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties = append(l.penalties, d)
}

func TestServerBusyIsRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, busyFault)
			return
		}
		fmt.Fprint(w, syncResponse)
	}))
	defer srv.Close()
	limiter := &recordingLimiter{}
	client := newTestClient(t, srv, &auth.Basic{Endpoint: srv.URL})
	client.Limiter = limiter

	resp, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{SyncFolderID: ews.FolderID{ID: "AQMk"}}, ews.OperationOptions{})
	require.NoError(t, err)
	require.Len(t, resp.ResponseMessages, 1)
	mu.Lock()
	require.Equal(t, 3, calls)
	mu.Unlock()
	require.Equal(t, 3, limiter.waits)
	require.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}, limiter.penalties)
}

func TestServerBusyGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, busyFault)
	}))
	defer srv.Close()
	client := newTestClient(t, srv, &auth.Basic{Endpoint: srv.URL})
	client.MaxBusyRetries = 2

	_, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{}, ews.OperationOptions{})
	busy, ok := ews.IsServerBusy(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, 5, busy.BackOffMilliseconds)
}

func TestServerBusyHintIsNotCarriedOver(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, busyFault)
		case 2:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, busyFaultNoHint)
		default:
			fmt.Fprint(w, syncResponse)
		}
	}))
	defer srv.Close()
	limiter := &recordingLimiter{}
	client := newTestClient(t, srv, &auth.Basic{Endpoint: srv.URL})
	client.Limiter = limiter

	_, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{}, ews.OperationOptions{})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{5 * time.Millisecond}, limiter.penalties)
}

func TestHintedBackOff(t *testing.T) {
	h := &hintedBackOff{BackOff: backoff.NewConstantBackOff(time.Millisecond)}
	require.Equal(t, time.Millisecond, h.NextBackOff())

	h.hint = 50 * time.Millisecond
	require.Equal(t, 50*time.Millisecond, h.NextBackOff())

	h.hint = 0
	require.Equal(t, time.Millisecond, h.NextBackOff())

	h.hint = time.Microsecond
	require.Equal(t, time.Millisecond, h.NextBackOff())
}

type countingSource struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &oauth2.Token{
		AccessToken: fmt.Sprintf("tok-%d", s.calls),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func TestOAuth2ReAuthOnce(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, syncResponse)
	}))
	defer srv.Close()
	src := &countingSource{}
	client := newTestClient(t, srv, auth.NewOAuth2(src, srv.URL))

	_, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{}, ews.OperationOptions{AuthFailure: ews.ReAuth})
	require.NoError(t, err)
	require.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, rec.auth)
}

func TestOAuth2SilentDoesNotRetry(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	client := newTestClient(t, srv, auth.NewOAuth2(&countingSource{}, srv.URL))

	_, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{}, ews.OperationOptions{AuthFailure: ews.Silent})
	require.ErrorIs(t, err, auth.ErrAuthentication)
	require.Len(t, rec.auth, 1)

	_, err = client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{}, ews.OperationOptions{AuthFailure: ews.ReAuth})
	require.ErrorIs(t, err, auth.ErrAuthentication)
	require.Len(t, rec.auth, 3, "ReAuth resends exactly once")
}

func TestCredentialsMustMatchEndpoint(t *testing.T) {
	_, err := NewEWSClient("https://evil.example.net/EWS/Exchange.asmx",
		&auth.Basic{Endpoint: "https://mail.example.com/EWS/Exchange.asmx"}, nil, discardLogger(), ews.Exchange2013)
	require.ErrorIs(t, err, auth.ErrURLMismatch)
}

func TestUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>bad gateway</html>")
	}))
	defer srv.Close()
	client := newTestClient(t, srv, &auth.Basic{Endpoint: srv.URL})

	_, err := client.SyncFolderItems(context.Background(), &ews.SyncFolderItems{}, ews.OperationOptions{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "502"), err.Error())
}
