package pairing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/cryptox"
)

// fakeRelay implements just enough of the relay's pairing-code API for the
// client flows: one code slot, challenge/ack mailboxes.
type fakeRelay struct {
	mu        sync.Mutex
	code      string
	creator   PeerDescriptor
	challenge []byte
	ack       []byte
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pair/code", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.code = "483920"
		_ = json.NewDecoder(r.Body).Decode(&f.creator)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": f.code})
	})
	mux.HandleFunc("POST /pair/claim", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if req.Code != f.code {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(f.creator)
	})
	mux.HandleFunc("/pair/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		code, box := parts[1], parts[2]
		f.mu.Lock()
		defer f.mu.Unlock()
		if code != f.code {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var slot *[]byte
		switch box {
		case "challenge":
			slot = &f.challenge
		case "ack":
			slot = &f.ack
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			*slot = body
		case http.MethodGet:
			if *slot == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(*slot)
		}
	})
	return mux
}

func TestCodePairingEndToEnd(t *testing.T) {
	relay := &fakeRelay{}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	creator := newTestDevice(t, "11111111-aaaa-aaaa-aaaa-aaaaaaaaaaaa", clock.New(), true)
	claimer := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clock.New(), true)

	creatorClient := NewCodeClient(srv.URL, nil, clock.New())
	claimerClient := NewCodeClient(srv.URL, nil, clock.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	codeCh := make(chan string, 1)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- creator.mgr.ServeCode(ctx, creatorClient, func(code string) { codeCh <- code })
	}()

	var code string
	select {
	case code = <-codeCh:
	case <-time.After(5 * time.Second):
		t.Fatal("code was never issued")
	}

	peer, err := claimer.mgr.PairByCode(ctx, claimerClient, code)
	require.NoError(t, err)
	require.NoError(t, <-serveErr)

	assert.Equal(t, creator.desc.DeviceID, peer.ID)
	assert.Len(t, peer.Key, cryptox.KeySize)

	stored, err := creator.repo.Get(ctx, claimer.desc.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, peer.Key, stored.Key, "both sides must hold the same key")
}

func TestClaimUnknownCode(t *testing.T) {
	relay := &fakeRelay{}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	claimer := newTestDevice(t, "22222222-bbbb-bbbb-bbbb-bbbbbbbbbbbb", clock.New(), true)
	cc := NewCodeClient(srv.URL, nil, clock.New())

	_, err := claimer.mgr.PairByCode(context.Background(), cc, "000000")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
