package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/treesync/internal/model"
)

func entry(action model.Action) model.QueueEntry {
	return model.QueueEntry{
		ID:         "01HZX0ENTRY",
		Action:     action,
		Collection: "people",
		DocumentID: "p-1",
		Timestamp:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:     model.StatusSyncing,
		Data:       json.RawMessage(`{"name":"Ada"}`),
	}
}

func TestHTTPProvider_Routes(t *testing.T) {
	tests := []struct {
		action     model.Action
		wantMethod string
		wantPath   string
	}{
		{model.ActionCreate, http.MethodPost, "/api/people"},
		{model.ActionUpdate, http.MethodPut, "/api/people/p-1"},
		{model.ActionDelete, http.MethodDelete, "/api/people/p-1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			var got *http.Request
			var body requestBody
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r
				raw, _ := io.ReadAll(r.Body)
				require.NoError(t, json.Unmarshal(raw, &body))
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			p := NewHTTPProvider("primary", srv.URL+"/api/", 1000, 3, 1000)
			require.NoError(t, p.Apply(context.Background(), entry(tt.action)))

			require.Equal(t, tt.wantMethod, got.Method)
			require.Equal(t, tt.wantPath, got.URL.Path)
			require.Equal(t, "01HZX0ENTRY", got.Header.Get("Idempotency-Key"))
			require.Equal(t, tt.action, body.Action)
			require.Equal(t, "p-1", body.DocumentID)
			require.JSONEq(t, `{"name":"Ada"}`, string(body.Payload))
		})
	}
}

func TestHTTPProvider_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		action model.Action
		want   error // nil, ErrTransient or ErrPermanent
	}{
		{"ok", http.StatusCreated, model.ActionCreate, nil},
		{"server error", http.StatusBadGateway, model.ActionUpdate, ErrTransient},
		{"rate limited", http.StatusTooManyRequests, model.ActionCreate, ErrTransient},
		{"request timeout", http.StatusRequestTimeout, model.ActionCreate, ErrTransient},
		{"validation", http.StatusUnprocessableEntity, model.ActionCreate, ErrPermanent},
		{"conflict", http.StatusConflict, model.ActionUpdate, ErrPermanent},
		{"unauthorized", http.StatusUnauthorized, model.ActionUpdate, ErrPermanent},
		{"missing on update", http.StatusNotFound, model.ActionUpdate, ErrPermanent},
		{"missing on delete", http.StatusNotFound, model.ActionDelete, ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			err := NewHTTPProvider("primary", srv.URL, 1000, 3, 1000).Apply(context.Background(), entry(tt.action))
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)

			var se *SyncError
			require.True(t, errors.As(err, &se))
			require.Equal(t, tt.status, se.StatusCode)
			require.Contains(t, se.Error(), "nope")
		})
	}
}

func TestHTTPProvider_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPProvider("primary", url, 500, 3, 1000).Apply(context.Background(), entry(model.ActionCreate))
	require.True(t, IsTransient(err))
}

func TestHTTPProvider_BreakerIgnoresPermanent(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusConflict)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProvider("primary", srv.URL, 1000, 2, 60_000)
	for i := 0; i < 3; i++ {
		require.True(t, IsPermanent(p.Apply(context.Background(), entry(model.ActionCreate))))
	}
	require.Equal(t, "closed", p.BreakerState())

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		require.True(t, IsTransient(p.Apply(context.Background(), entry(model.ActionCreate))))
	}
	require.Equal(t, "open", p.BreakerState())
	require.False(t, p.Ready())
}

func TestMicroBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewMicroBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	b.OnFailure()
	require.False(t, b.TryAcquire())

	now = now.Add(2 * time.Second)
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire(), "only one probe at a time")

	b.OnFailure()
	require.Equal(t, "open", b.State())

	now = now.Add(2 * time.Second)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	require.Equal(t, "closed", b.State())
}

type fakeProvider struct {
	name  string
	ready bool
	calls atomic.Int32
	err   error
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Ready() bool   { return f.ready }
func (f *fakeProvider) Acquire() bool { return true }
func (f *fakeProvider) Apply(context.Context, model.QueueEntry) error {
	f.calls.Add(1)
	return f.err
}

func TestDispatcher_FailsOverOnTransient(t *testing.T) {
	bad := &fakeProvider{name: "a", ready: true, err: Transient(errors.New("503"))}
	good := &fakeProvider{name: "b", ready: true}

	d := NewDispatcher([]Provider{bad, good}, 2)
	require.NoError(t, d.Apply(context.Background(), entry(model.ActionCreate)))
	require.EqualValues(t, 1, bad.calls.Load())
	require.EqualValues(t, 1, good.calls.Load())
}

func TestDispatcher_StopsOnPermanent(t *testing.T) {
	a := &fakeProvider{name: "a", ready: true, err: Permanent(errors.New("422"))}
	b := &fakeProvider{name: "b", ready: true}

	d := NewDispatcher([]Provider{a, b}, 3)
	err := d.Apply(context.Background(), entry(model.ActionCreate))
	require.ErrorIs(t, err, ErrPermanent)
	require.EqualValues(t, 1, a.calls.Load())
	require.Zero(t, b.calls.Load())
}

func TestDispatcher_NoHealthyIsTransient(t *testing.T) {
	d := NewDispatcher([]Provider{&fakeProvider{name: "a"}}, 2)
	err := d.Apply(context.Background(), entry(model.ActionCreate))
	require.ErrorIs(t, err, ErrNoHealthy)
	require.True(t, IsTransient(err))
}

func TestClassify_UnknownIsTransient(t *testing.T) {
	require.Equal(t, KindTransient, Classify(errors.New("boom")))
	require.Equal(t, KindPermanent, Classify(Permanent(errors.New("bad"))))
	require.False(t, IsTransient(nil))
}

func TestDispatcher_NeverRetriesSameProvider(t *testing.T) {
	only := &fakeProvider{name: "a", ready: true, err: Transient(errors.New("503"))}

	d := NewDispatcher([]Provider{only}, 3)
	err := d.Apply(context.Background(), entry(model.ActionCreate))
	require.True(t, IsTransient(err))
	require.Contains(t, err.Error(), "503")
	require.EqualValues(t, 1, only.calls.Load())
}

func TestDispatcher_TriesEachProviderOnce(t *testing.T) {
	a := &fakeProvider{name: "a", ready: true, err: Transient(errors.New("503"))}
	b := &fakeProvider{name: "b", ready: true, err: Transient(errors.New("502"))}

	d := NewDispatcher([]Provider{a, b}, 5)
	require.True(t, IsTransient(d.Apply(context.Background(), entry(model.ActionCreate))))
	require.EqualValues(t, 1, a.calls.Load())
	require.EqualValues(t, 1, b.calls.Load())
}
