package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/iotlink/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, payload []byte) bool {
	args := m.Called(ctx, payload)
	return args.Bool(0)
}

func TestInterceptorChain(t *testing.T) {
	ctx := context.Background()

	t.Run("empty chain calls the handler directly", func(t *testing.T) {
		handler := &mockHandler{}
		handler.On("Handle", ctx, []byte("cmd")).Return(true)

		chain := NewInterceptorChain()
		assert.True(t, chain.Execute(ctx, []byte("cmd"), handler.Handle))
		handler.AssertExpectations(t)
	})

	t.Run("nil handler stays nil", func(t *testing.T) {
		chain := NewInterceptorChain(NewLoggingInterceptor(nil))
		assert.Nil(t, chain.Wrap(nil))
	})

	t.Run("runs in insertion order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
				order = append(order, name+":before")
				ok := next(ctx, payload)
				order = append(order, name+":after")
				return ok
			})
		}

		chain := NewInterceptorChain(record("first")).Add(record("second"))
		assert.Equal(t, 2, chain.Len())

		ok := chain.Execute(ctx, []byte("cmd"), func(ctx context.Context, payload []byte) bool {
			order = append(order, "handler")
			return false
		})

		assert.False(t, ok)
		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
	})

	t.Run("interceptor can override the verdict", func(t *testing.T) {
		handler := &mockHandler{}
		veto := NewInterceptorFunc("veto", func(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
			return false
		})
		assert.Equal(t, "veto", veto.Name())

		assert.False(t, NewInterceptorChain(veto).Execute(ctx, []byte("cmd"), handler.Handle))
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	ctx := context.Background()
	interceptor := NewLoggingInterceptor(nil)
	assert.Equal(t, "LoggingInterceptor", interceptor.Name())

	handler := &mockHandler{}
	handler.On("Handle", ctx, []byte("ok")).Return(true)
	handler.On("Handle", ctx, []byte("bad")).Return(false)

	assert.True(t, interceptor.Intercept(ctx, []byte("ok"), handler.Handle))
	assert.False(t, interceptor.Intercept(ctx, []byte("bad"), handler.Handle))
	handler.AssertExpectations(t)
}

func TestTimeoutInterceptor(t *testing.T) {
	ctx := context.Background()
	interceptor := NewTimeoutInterceptor(20 * time.Millisecond)

	t.Run("fast handler keeps its verdict", func(t *testing.T) {
		assert.True(t, interceptor.Intercept(ctx, nil, func(ctx context.Context, payload []byte) bool {
			return true
		}))
	})

	t.Run("slow handler is abandoned", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		ok := interceptor.Intercept(ctx, nil, func(ctx context.Context, payload []byte) bool {
			<-release
			return true
		})
		assert.False(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("handler sees the deadline", func(t *testing.T) {
		interceptor.Intercept(ctx, nil, func(ctx context.Context, payload []byte) bool {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return true
		})
	})
}

func TestFilteringInterceptor(t *testing.T) {
	ctx := context.Background()
	onlyJSON := func(ctx context.Context, payload []byte) bool {
		return len(payload) > 0 && payload[0] == '{'
	}

	tests := []struct {
		name        string
		skip        SkipBehavior
		payload     string
		wantVerdict bool
		wantCalled  bool
	}{
		{"accepted payload reaches handler", SkipComplete, `{"a":1}`, false, true},
		{"filtered payload is completed", SkipComplete, "text", true, false},
		{"filtered payload is abandoned", SkipAbandon, "text", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			interceptor := NewFilteringInterceptor(onlyJSON, tt.skip, nil)

			ok := interceptor.Intercept(ctx, []byte(tt.payload), func(ctx context.Context, payload []byte) bool {
				called = true
				return false
			})
			assert.Equal(t, tt.wantVerdict, ok)
			assert.Equal(t, tt.wantCalled, called)
		})
	}
}
