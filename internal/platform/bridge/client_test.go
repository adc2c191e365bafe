package bridge

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"notifications/internal/platform/config"
)

const (
	testBaseURL      = "https://bridge.test"
	testProcessorURL = testBaseURL + "/api/smartevents_mgmt/v1/bridges/br-1/processors/p-1"
)

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	c, err := NewClient(config.BridgeConfig{BaseURL: testBaseURL + "/"}, &http.Client{Transport: transport})
	require.NoError(t, err)
	return c, transport
}

func TestClient_GetProcessor(t *testing.T) {
	c, transport := newTestClient(t)

	transport.RegisterResponder(http.MethodGet, testProcessorURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{"id":"p-1","name":"slack-p-1","status":"ready"}`), nil
		})

	p, err := c.GetProcessor(context.Background(), "br-1", "p-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, ProcessorStatusReady, p.Status)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestClient_GetProcessor_HTTPError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"not_found", http.StatusNotFound},
		{"unauthorized", http.StatusUnauthorized},
		{"internal_server_error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, transport := newTestClient(t)
			transport.RegisterResponder(http.MethodGet, testProcessorURL,
				httpmock.NewStringResponder(tt.statusCode, `{"kind":"Error"}`))

			p, err := c.GetProcessor(context.Background(), "br-1", "p-1", "tok")
			assert.Nil(t, p)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.statusCode, statusErr.Code)
		})
	}
}

func TestClient_GetProcessor_TransportError(t *testing.T) {
	c, transport := newTestClient(t)
	transport.RegisterResponder(http.MethodGet, testProcessorURL,
		httpmock.NewErrorResponder(errors.New("connection reset")))

	_, err := c.GetProcessor(context.Background(), "br-1", "p-1", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestClient_GetProcessor_InvalidBody(t *testing.T) {
	c, transport := newTestClient(t)
	transport.RegisterResponder(http.MethodGet, testProcessorURL,
		httpmock.NewStringResponder(http.StatusOK, `not json`))

	_, err := c.GetProcessor(context.Background(), "br-1", "p-1", "tok")
	assert.Error(t, err)
}

func TestClient_GetProcessor_RespectsContextWhileRateLimited(t *testing.T) {
	transport := httpmock.NewMockTransport()
	c, err := NewClient(config.BridgeConfig{BaseURL: testBaseURL, RequestsPerSecond: 0.001, Burst: 1},
		&http.Client{Transport: transport})
	require.NoError(t, err)
	transport.RegisterResponder(http.MethodGet, testProcessorURL,
		httpmock.NewStringResponder(http.StatusOK, `{"id":"p-1","status":"provisioning"}`))

	_, err = c.GetProcessor(context.Background(), "br-1", "p-1", "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetProcessor(ctx, "br-1", "p-1", "tok")
	assert.Error(t, err)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(config.BridgeConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
