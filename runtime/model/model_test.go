package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		kind      ProviderErrorKind
		transient bool
		fatal     bool
	}{
		{401, ProviderErrorKindAuth, false, true},
		{403, ProviderErrorKindAuth, false, true},
		{400, ProviderErrorKindInvalidRequest, false, true},
		{429, ProviderErrorKindRateLimited, true, false},
		{503, ProviderErrorKindUnavailable, true, false},
		{408, ProviderErrorKindUnavailable, true, false},
		{0, ProviderErrorKindUnknown, false, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			kind := KindForStatus(tc.status)
			require.Equal(t, tc.kind, kind)
			err := fmt.Errorf("stage: %w", NewProviderError("anthropic", "messages.new", tc.status, kind, "boom", nil))
			require.Equal(t, tc.transient, IsTransient(err))
			require.Equal(t, tc.fatal, IsFatal(err))
		})
	}
}

func TestProviderErrorMatchesRateLimited(t *testing.T) {
	err := NewProviderError("openai", "", 429, ProviderErrorKindRateLimited, "", nil)
	require.ErrorIs(t, err, ErrRateLimited)
	require.NotErrorIs(t, Transient("openai", errors.New("reset")), ErrRateLimited)
}

func TestContextErrorsClassification(t *testing.T) {
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(errors.New("plain")))
	require.True(t, IsTransient(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	require.True(t, IsTransient(io.ErrUnexpectedEOF))
}

func TestProvidersLookup(t *testing.T) {
	echo := InvokerFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Output: req.Input}, nil
	})
	p, err := NewProviders(map[string]Invoker{"b": echo, "a": echo})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, p.Names())

	inv, err := p.Lookup("a")
	require.NoError(t, err)
	resp, err := inv.Invoke(context.Background(), &Request{Input: []byte(`{"x":1}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(resp.Output))

	_, err = p.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewProviders(map[string]Invoker{"nil": nil})
	require.Error(t, err)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return InvokerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next.Invoke(ctx, req)
			})
		}
	}
	base := InvokerFunc(func(context.Context, *Request) (*Response, error) {
		order = append(order, "base")
		return &Response{}, nil
	})
	_, err := Chain(base, mw("outer"), mw("inner")).Invoke(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "base"}, order)
}
