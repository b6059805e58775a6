package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/sessionbroker/pkg/metrics"
)

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	metrics.RecordLeaseRenewal("ok")
	metrics.RecordSlowSubscriberEviction()
	metrics.SetSessionsResident(3)

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
