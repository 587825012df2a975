package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/snfs/pkg/crypt"
	"github.com/sidkik/snfs/pkg/errors"
	"github.com/sidkik/snfs/pkg/store"
)

func testKeys() crypt.KeySet {
	return crypt.KeySet{
		Version:        crypt.Version003,
		Cost:           110000,
		ServerPassword: strings.Repeat("00", 32),
		MasterKey:      strings.Repeat("ab", 32),
		AuthKey:        strings.Repeat("cd", 32),
	}
}

func newTestClient(baseURL string) *client {
	return &client{
		baseURL:    baseURL,
		email:      "user@example.com",
		keys:       testKeys(),
		httpClient: http.DefaultClient,
		clock:      clockwork.NewRealClock(),
	}
}

// encryptedItem builds a wire item the way the server would store it.
func encryptedItem(t *testing.T, uuid, title, text string) Item {
	content, err := json.Marshal(noteContent{Title: title, Text: text})
	require.NoError(t, err)
	payload, err := crypt.EncryptItem(uuid, content, testKeys())
	require.NoError(t, err)

	return Item{
		UUID:        uuid,
		ContentType: contentTypeNote,
		Content:     payload.Content,
		EncItemKey:  payload.EncItemKey,
		UpdatedAt:   time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchAuthParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/auth/params", r.URL.Path)
			assert.Equal(t, "user@example.com", r.URL.Query().Get("email"))
			json.NewEncoder(w).Encode(authParamsResponse{
				Version: "003", Cost: 110000, Nonce: "nonce"})
		}))
	defer srv.Close()

	params, err := FetchAuthParams(srv.URL, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, crypt.AuthParams{
		Version: "003", Cost: 110000, Nonce: "nonce"}, params)
}

func TestFetchAuthParamsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(authParamsResponse{
				Error: &apiError{Message: "oops"}})
		}))
	defer srv.Close()

	_, err := FetchAuthParams(srv.URL, "user@example.com")
	assert.IsType(t, errors.AuthParamsUnavailable{}, err)

	// Unreachable server: same taxonomy, wrapped network error.
	srv.Close()
	_, err = FetchAuthParams(srv.URL, "user@example.com")
	require.IsType(t, errors.AuthParamsUnavailable{}, err)
	assert.IsType(t, errors.NetworkError{},
		err.(errors.AuthParamsUnavailable).Err)
}

func TestSignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/auth/sign_in", r.URL.Path)

			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "user@example.com", req["email"])
			assert.Equal(t, testKeys().ServerPassword, req["password"])

			json.NewEncoder(w).Encode(signInResponse{Token: "session-token"})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.SignIn(context.Background()))
	assert.Equal(t, "session-token", c.token)
}

func TestSignInRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(signInResponse{
				Error: &apiError{Message: "Invalid email or password."}})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.SignIn(context.Background())
	assert.Equal(t, errors.AuthError{Message: "Invalid email or password."}, err)
}

func TestSyncPushPull(t *testing.T) {
	var gotRequest map[string]interface{}
	remote := encryptedItem(t, "remote-uuid", "From server", "server text")

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/items/sync", r.URL.Path)
			assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

			var req syncRequest
			raw, _ := json.Marshal(gotRequest)
			require.NoError(t, json.Unmarshal(raw, &req))

			json.NewEncoder(w).Encode(syncResponse{
				RetrievedItems: []Item{remote},
				SavedItems:     req.Items,
				SyncToken:      "cursor-1",
			})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.token = "session-token"

	dirty := []store.Note{{
		ID:    "local-uuid",
		Title: "todo",
		Text:  "buy milk",
		Seq:   3,
	}}
	result, err := c.Sync(context.Background(), dirty)
	require.NoError(t, err)

	// The request carries the protocol's exact field names.
	items := gotRequest["items"].([]interface{})
	require.Len(t, items, 1)
	pushed := items[0].(map[string]interface{})
	assert.Equal(t, "local-uuid", pushed["uuid"])
	assert.Equal(t, "Note", pushed["content_type"])
	assert.Contains(t, pushed, "content")
	assert.Contains(t, pushed, "enc_item_key")

	// The pushed content is encrypted: the plaintext never appears on the
	// wire.
	assert.NotContains(t, pushed["content"].(string), "buy milk")
	assert.NotContains(t, pushed["content"].(string), "todo")

	assert.Equal(t, []store.Confirm{{ID: "local-uuid", Seq: 3}}, result.Confirmed)
	require.Len(t, result.Changes, 1)
	assert.Equal(t, "From server", result.Changes[0].Title)
	assert.Equal(t, "server text", result.Changes[0].Text)
	assert.Equal(t, "cursor-1", c.syncToken)
}

func TestSyncPagination(t *testing.T) {
	first := encryptedItem(t, "uuid-1", "one", "1")
	second := encryptedItem(t, "uuid-2", "two", "2")

	var requests []syncRequest
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req syncRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			requests = append(requests, req)

			if req.CursorToken == "" {
				json.NewEncoder(w).Encode(syncResponse{
					RetrievedItems: []Item{first},
					SyncToken:      "sync-1",
					CursorToken:    "page-2",
				})
				return
			}
			assert.Equal(t, "page-2", req.CursorToken)
			json.NewEncoder(w).Encode(syncResponse{
				RetrievedItems: []Item{second},
				SyncToken:      "sync-2",
			})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	changes, err := c.FullSync(context.Background())
	require.NoError(t, err)

	require.Len(t, requests, 2)
	require.Len(t, changes, 2)
	assert.Equal(t, "sync-2", c.syncToken)
}

func TestSyncFailureLeavesCursor(t *testing.T) {
	healthy := true
	var lastSyncToken string
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req syncRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			lastSyncToken = req.SyncToken

			if !healthy {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(syncResponse{})
				return
			}
			json.NewEncoder(w).Encode(syncResponse{SyncToken: "cursor-1"})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Sync(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "cursor-1", c.syncToken)

	// A failed transaction must not advance the cursor.
	healthy = false
	_, err = c.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "cursor-1", c.syncToken)

	// The next pass resumes from the last confirmed cursor.
	healthy = true
	_, err = c.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", lastSyncToken)
}

func TestSyncRetriesTransientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts < 3 {
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(syncResponse{})
				return
			}
			json.NewEncoder(w).Encode(syncResponse{SyncToken: "cursor-1"})
		}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	c := newTestClient(srv.URL)
	c.clock = clock

	done := make(chan error)
	go func() {
		_, err := c.Sync(context.Background(), nil)
		done <- err
	}()

	// Two failures, each followed by a doubling backoff sleep.
	clock.BlockUntil(1)
	clock.Advance(initialBackoff)
	clock.BlockUntil(1)
	clock.Advance(2 * initialBackoff)

	require.NoError(t, <-done)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "cursor-1", c.syncToken)
}

func TestSyncRetriesExhausted(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(syncResponse{})
		}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	c := newTestClient(srv.URL)
	c.clock = clock

	done := make(chan error)
	go func() {
		_, err := c.Sync(context.Background(), nil)
		done <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(initialBackoff)
	clock.BlockUntil(1)
	clock.Advance(2 * initialBackoff)

	err := <-done
	require.Error(t, err)
	assert.IsType(t, errors.NetworkError{}, errors.RootCause(err))
	assert.Equal(t, maxAttempts, attempts)
	assert.Equal(t, "", c.syncToken)
}

func TestSyncAuthErrorsNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(syncResponse{})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.IsType(t, errors.AuthError{}, errors.RootCause(err))
	assert.Equal(t, 1, attempts)
}

func TestSyncContainsPerItemErrors(t *testing.T) {
	good := encryptedItem(t, "good-uuid", "readable", "fine")

	corrupted := encryptedItem(t, "bad-uuid", "corrupted", "broken")
	corrupted.Content = strings.Replace(corrupted.Content, ":", ":f", 1)

	future := encryptedItem(t, "future-uuid", "future", "later")
	future.Content = "004" + future.Content[3:]

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(syncResponse{
				RetrievedItems: []Item{corrupted, good, future},
				SyncToken:      "cursor-1",
			})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Sync(context.Background(), nil)
	require.NoError(t, err)

	// The corrupted item is skipped; the unreadable-version item becomes
	// a placeholder; the pass as a whole still succeeds.
	require.Len(t, result.Changes, 2)
	assert.Equal(t, "readable", result.Changes[0].Title)
	assert.True(t, result.Changes[1].Unreadable)
	assert.Equal(t, "future-uuid", result.Changes[1].ID)
	assert.Equal(t, "cursor-1", c.syncToken)
}

func TestNonNoteItemsIgnored(t *testing.T) {
	tag := Item{UUID: "tag-uuid", ContentType: "Tag", Content: "opaque"}

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(syncResponse{
				RetrievedItems: []Item{tag},
				SyncToken:      "cursor-1",
			})
		}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Changes)
}
