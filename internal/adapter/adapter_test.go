package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name      string
	responses []string
	errs      []error
	calls     int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) ValidatePromptLength(string) (bool, int) { return true, 0 }
func (f *fakeAdapter) Invoke(ctx context.Context, modelID, promptText string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}

func TestFactoryGetUnknownIsInvalidModel(t *testing.T) {
	f := NewFactory()
	_, err := f.Get("nonexistent")
	require.Error(t, err)
	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ErrInvalidModel, ie.Kind)
}

func TestFactoryGetResolvesByName(t *testing.T) {
	fa := &fakeAdapter{name: "stub"}
	f := NewFactory(fa)
	got, err := f.Get("stub")
	require.NoError(t, err)
	require.Equal(t, "stub", got.Name())
}

func TestWithRetryRetriesTransientThenSucceeds(t *testing.T) {
	fa := &fakeAdapter{
		name:      "flaky",
		errs:      []error{&InvokeError{Kind: ErrTransport}, nil},
		responses: []string{"", "final answer"},
	}
	wrapped := WithRetry(fa, RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: time.Second})
	out, err := wrapped.Invoke(context.Background(), "m1", "hi")
	require.NoError(t, err)
	require.Equal(t, "final answer", out)
	require.Equal(t, 2, fa.calls)
}

func TestWithRetryFailsFastOnPermanentError(t *testing.T) {
	fa := &fakeAdapter{
		name: "bad-auth",
		errs: []error{&InvokeError{Kind: ErrAuth}},
	}
	wrapped := WithRetry(fa, RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: time.Second})
	_, err := wrapped.Invoke(context.Background(), "m1", "hi")
	require.Error(t, err)
	require.Equal(t, 1, fa.calls)
}

func TestHTTPAdapterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{Name: "http1", BaseURL: srv.URL})
	out, err := a.Invoke(context.Background(), "model-x", "hi")
	require.NoError(t, err)
	require.Equal(t, "hello there", out)
}

func TestHTTPAdapterRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{Name: "http1", BaseURL: srv.URL})
	_, err := a.Invoke(context.Background(), "model-x", "hi")
	require.Error(t, err)
	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ErrRateLimited, ie.Kind)
}

func TestHTTPAdapterAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{Name: "http1", BaseURL: srv.URL})
	_, err := a.Invoke(context.Background(), "model-x", "hi")
	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ErrAuth, ie.Kind)
}

func TestHTTPAdapterBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{Name: "http1", BaseURL: srv.URL})
	_, err := a.Invoke(context.Background(), "model-x", "hi")
	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ErrInvalidModel, ie.Kind)
}

func TestHTTPAdapterHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{Name: "http1", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Invoke(ctx, "model-x", "hi")
	require.Error(t, err)
	var ie *InvokeError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ErrTimeout, ie.Kind)
}

func TestCLIAdapterSuccess(t *testing.T) {
	// The model id is appended as the final argument; sh -c "cat" takes it
	// as $0 and ignores it, so stdin is echoed back unchanged.
	a := NewCLIAdapter(CLIConfig{Name: "cli1", Command: "sh", Args: []string{"-c", "cat"}})
	out, err := a.Invoke(context.Background(), "model-x", "echoed text")
	require.NoError(t, err)
	require.Equal(t, "echoed text", out)
}

func TestCLIAdapterNonZeroExit(t *testing.T) {
	a := NewCLIAdapter(CLIConfig{Name: "cli1", Command: "false"})
	_, err := a.Invoke(context.Background(), "model-x", "hi")
	require.Error(t, err)
}

func TestCLIAdapterMissingCommand(t *testing.T) {
	a := NewCLIAdapter(CLIConfig{Name: "cli1", Command: "this-binary-does-not-exist-xyz"})
	_, err := a.Invoke(context.Background(), "model-x", "hi")
	require.Error(t, err)
}
