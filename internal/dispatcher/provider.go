package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/treesync/internal/model"
)

// Provider is one remote endpoint set guarded by a circuit breaker.
type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Apply(ctx context.Context, entry model.QueueEntry) error
}

// HTTPProvider speaks the per-collection REST contract of the remote service:
//
//	create -> POST   {base}/{collection}
//	update -> PUT    {base}/{collection}/{documentId}
//	delete -> DELETE {base}/{collection}/{documentId}
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
	br      *MicroBreaker
}

// requestBody is the wire shape accepted by every collection endpoint.
type requestBody struct {
	Action     model.Action    `json:"action"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func NewHTTPProvider(name, baseURL string, timeoutMs, failThreshold, openForMs int) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:      NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string         { return p.name }
func (p *HTTPProvider) Ready() bool          { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool        { return p.br.TryAcquire() }
func (p *HTTPProvider) BreakerState() string { return p.br.State() }

// Apply sends entry and classifies the result. Only transient failures feed the breaker.
func (p *HTTPProvider) Apply(ctx context.Context, entry model.QueueEntry) error {
	err := p.do(ctx, entry)
	if err != nil && IsTransient(err) {
		p.br.OnFailure()
		return err
	}
	p.br.OnSuccess()
	return err
}

func (p *HTTPProvider) do(ctx context.Context, entry model.QueueEntry) error {
	method, target, err := p.route(entry)
	if err != nil {
		return &SyncError{Kind: KindPermanent, Provider: p.name, Err: err}
	}

	b, err := json.Marshal(requestBody{Action: entry.Action, DocumentID: entry.DocumentID, Payload: entry.Data})
	if err != nil {
		return &SyncError{Kind: KindPermanent, Provider: p.name, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(b))
	if err != nil {
		return &SyncError{Kind: KindPermanent, Provider: p.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.ID)

	res, err := p.client.Do(req)
	if err != nil {
		return classifyTransport(p.name, err)
	}
	defer res.Body.Close()

	ok, kind := classifyStatus(res.StatusCode)
	if ok {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return &SyncError{
		Kind:       kind,
		StatusCode: res.StatusCode,
		Provider:   p.name,
		Err:        fmt.Errorf("%s %s: %s", method, req.URL.Path, strings.TrimSpace(string(detail))),
	}
}

func (p *HTTPProvider) route(entry model.QueueEntry) (method, target string, err error) {
	collection := url.PathEscape(entry.Collection)
	doc := url.PathEscape(entry.DocumentID)

	switch entry.Action {
	case model.ActionCreate:
		return http.MethodPost, p.baseURL + "/" + collection, nil
	case model.ActionUpdate:
		return http.MethodPut, p.baseURL + "/" + collection + "/" + doc, nil
	case model.ActionDelete:
		return http.MethodDelete, p.baseURL + "/" + collection + "/" + doc, nil
	default:
		return "", "", fmt.Errorf("%w: %q", model.ErrInvalidAction, entry.Action)
	}
}
