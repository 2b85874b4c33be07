package nodeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/hopsec/hopsec/forwarder"
	"github.com/TheusHen/hopsec/hopsec/metrics"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

type fakeSource struct {
	channels []ChannelInfo
}

func (fakeSource) NodeInfo() NodeInfo {
	return NodeInfo{Name: "relay", Identifier: "Iabc", Listen: []string{"127.0.0.1:4000"}, Uptime: "1s"}
}

func (fakeSource) Workers() []routing.WorkerInfo {
	return []routing.WorkerInfo{{Addresses: []routing.Address{routing.LocalAddress("echo")}}}
}

func (f fakeSource) SecureChannels() []ChannelInfo { return f.channels }

func (fakeSource) Forwarders() []forwarder.Info {
	return []forwarder.Info{{Address: routing.LocalAddress("edge"), Static: true}}
}

func serve(t *testing.T, src Source, m *metrics.Metrics, path string) *httptest.ResponseRecorder {
	t.Helper()
	var h *Handler
	if m != nil {
		h = New(src, m.Registry, nil)
	} else {
		h = New(src, nil, nil)
	}
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestNodeEndpoint(t *testing.T) {
	w := serve(t, fakeSource{}, nil, "/v0/node")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var info NodeInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "relay", info.Name)
	assert.Equal(t, []string{"127.0.0.1:4000"}, info.Listen)
}

func TestWorkersAndForwarders(t *testing.T) {
	w := serve(t, fakeSource{}, nil, "/v0/workers")
	require.Equal(t, http.StatusOK, w.Code)
	var workers []routing.WorkerInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&workers))
	require.Len(t, workers, 1)
	assert.Equal(t, routing.LocalAddress("echo"), workers[0].Addresses[0])

	w = serve(t, fakeSource{}, nil, "/v0/forwarders")
	require.Equal(t, http.StatusOK, w.Code)
	var fwds []forwarder.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&fwds))
	require.Len(t, fwds, 1)
	assert.True(t, fwds[0].Static)
}

func TestSecureChannelLookup(t *testing.T) {
	src := fakeSource{channels: []ChannelInfo{{
		Encryptor: routing.LocalAddress("enc_1"),
		Decryptor: routing.LocalAddress("dec_1"),
		Role:      "initiator",
		State:     "established",
		Peer:      "Ipeer",
	}}}

	w := serve(t, src, nil, "/v0/secure_channels")
	require.Equal(t, http.StatusOK, w.Code)
	var all []ChannelInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&all))
	require.Len(t, all, 1)

	w = serve(t, src, nil, "/v0/secure_channels/enc_1")
	require.Equal(t, http.StatusOK, w.Code)
	var one ChannelInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&one))
	assert.Equal(t, "Ipeer", one.Peer)

	w = serve(t, src, nil, "/v0/secure_channels/enc_2")
	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "not_found", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.IncrementRouted()
	w := serve(t, fakeSource{}, m, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "hopsec_"))

	w = serve(t, fakeSource{}, nil, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
