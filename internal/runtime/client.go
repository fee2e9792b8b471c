// Package runtime adapts an Exchange Web Services endpoint to ews.Client and
// builds the process-wide logger and credentials.
package runtime

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Azure/go-ntlmssp"
	"github.com/cenkalti/backoff/v4"

	"github.com/joshsymonds/ewssync/internal/auth"
	"github.com/joshsymonds/ewssync/internal/ews"
	"github.com/joshsymonds/ewssync/internal/rate"
)

// maxResponseBytes bounds a single SOAP response body.
const maxResponseBytes = 64 << 20

// penalizer is implemented by limiters that can be paused after the server
// reports it is busy.
type penalizer interface {
	Penalize(d time.Duration)
}

// Client posts SOAP requests to a single EWS endpoint.
type Client struct {
	Endpoint    string
	HTTP        *http.Client
	Credentials auth.Credentials
	Limiter     rate.Limiter
	Logger      *slog.Logger
	// MaxBusyRetries bounds resends after ErrorServerBusy.
	MaxBusyRetries uint64
	// InitialBusyInterval is the first delay when the server gives no hint.
	InitialBusyInterval time.Duration

	version atomic.Int32
}

// NewEWSClient validates creds against endpoint and returns a client that
// requests version until the server reports its own.
func NewEWSClient(
	endpoint string,
	creds auth.Credentials,
	limiter rate.Limiter,
	logger *slog.Logger,
	version ews.ServerVersion,
) (*Client, error) {
	if err := creds.Validate(endpoint); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	var transport http.RoundTripper = base
	if _, ok := creds.(*auth.NTLM); ok {
		transport = ntlmssp.Negotiator{RoundTripper: base}
	}
	c := &Client{
		Endpoint:            endpoint,
		HTTP:                &http.Client{Transport: transport, Timeout: 2 * time.Minute},
		Credentials:         creds,
		Limiter:             limiter,
		Logger:              logger,
		MaxBusyRetries:      5,
		InitialBusyInterval: time.Second,
	}
	c.version.Store(int32(version))
	return c, nil
}

func (c *Client) ServerVersion() ews.ServerVersion {
	return ews.ServerVersion(c.version.Load())
}

func (c *Client) SyncFolderItems(
	ctx context.Context,
	req *ews.SyncFolderItems,
	opts ews.OperationOptions,
) (*ews.SyncFolderItemsResponse, error) {
	env, err := c.call(ctx, "SyncFolderItems", newSyncFolderItemsRequest(req), opts)
	if err != nil {
		return nil, err
	}
	if env.Body.SyncFolderItems == nil {
		return nil, &ews.ProcessingError{Message: "SyncFolderItemsResponse missing from body"}
	}
	return env.Body.SyncFolderItems.toResponse(), nil
}

// GetItems fetches ids with the listed properties. A response message with
// ResponseClass Error fails the whole call.
func (c *Client) GetItems(
	ctx context.Context,
	ids []ews.ItemID,
	fields []ews.FieldURI,
	includeMime bool,
) ([]ews.Message, error) {
	env, err := c.call(ctx, "GetItem", newGetItemRequest(ids, fields, includeMime), ews.OperationOptions{})
	if err != nil {
		return nil, err
	}
	if env.Body.GetItem == nil {
		return nil, &ews.ProcessingError{Message: "GetItemResponse missing from body"}
	}
	var out []ews.Message
	for i := range env.Body.GetItem.Messages {
		m := &env.Body.GetItem.Messages[i]
		if err := m.err(); err != nil {
			return nil, fmt.Errorf("get item: %w", err)
		}
		for j := range m.Items.Items {
			msg, err := m.Items.Items[j].toMessage()
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// call sends one request, resending while the server reports ErrorServerBusy.
// Busy delays honor the server's BackOffMilliseconds hint and also pause the
// shared limiter so other runners back off too.
func (c *Client) call(ctx context.Context, action string, content any, opts ews.OperationOptions) (*responseEnvelope, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialBusyInterval
	hinted := &hintedBackOff{BackOff: exp}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, c.MaxBusyRetries), ctx)

	var env *responseEnvelope
	err := backoff.RetryNotify(func() error {
		out, err := c.roundTrip(ctx, action, content, opts)
		if busy, ok := ews.IsServerBusy(err); ok {
			hinted.hint = time.Duration(busy.BackOffMilliseconds) * time.Millisecond
			if p, ok := c.Limiter.(penalizer); ok && hinted.hint > 0 {
				p.Penalize(hinted.hint)
			}
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		env = out
		return nil
	}, policy, func(err error, d time.Duration) {
		c.Logger.WarnContext(ctx, "server busy, retrying", slog.String("action", action),
			slog.Duration("delay", d), slog.Any("error", err))
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Client) roundTrip(
	ctx context.Context,
	action string,
	content any,
	opts ews.OperationOptions,
) (*responseEnvelope, error) {
	payload, err := encodeEnvelope(c.ServerVersion(), content)
	if err != nil {
		return nil, err
	}
	reauthed := false
	for {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := c.post(ctx, action, payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if o, ok := c.Credentials.(*auth.OAuth2); ok && opts.AuthFailure == ews.ReAuth && !reauthed {
				c.Logger.InfoContext(ctx, "credentials rejected, refreshing token", slog.String("action", action))
				o.Invalidate()
				reauthed = true
				continue
			}
			return nil, fmt.Errorf("%w: %s rejected with HTTP 401", auth.ErrAuthentication, action)
		}
		return c.decode(resp, action)
	}
}

func (c *Client) post(ctx context.Context, action string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", nsMessages+"/"+action)
	if n, ok := c.Credentials.(*auth.NTLM); ok {
		// the negotiator reads these to run the handshake
		req.SetBasicAuth(n.Username, n.Password)
	} else {
		value, ok, err := c.Credentials.AuthorizationHeader(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			req.Header.Set("Authorization", value)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return resp, nil
}

func (c *Client) decode(resp *http.Response, action string) (*responseEnvelope, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}
	var env responseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: unexpected HTTP status %s", action, resp.Status)
		}
		return nil, fmt.Errorf("decode %s response: %w", action, err)
	}
	if info := env.Header.ServerVersionInfo; info != nil {
		if v, ok := info.version(); ok {
			if old := ews.ServerVersion(c.version.Swap(int32(v))); old != v {
				c.Logger.Debug("server version negotiated", slog.String("version", v.String()))
			}
		}
	}
	if env.Body.Fault != nil {
		return nil, fmt.Errorf("%s: %w", action, env.Body.Fault.err())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected HTTP status %s", action, resp.Status)
	}
	if err := env.Body.busy(); err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return &env, nil
}

// hintedBackOff never waits less than the server's last BackOffMilliseconds
// hint.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
	}
	return d
}

var _ ews.Client = (*Client)(nil)
