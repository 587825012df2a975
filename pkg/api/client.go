package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/snfs/pkg/crypt"
	"github.com/sidkik/snfs/pkg/errors"
	"github.com/sidkik/snfs/pkg/store"
)

const (
	authParamsEndpoint = "/auth/params"
	signInEndpoint     = "/auth/sign_in"
	itemsSyncEndpoint  = "/items/sync"

	// syncLimit caps items per sync page; the server continues via
	// cursor_token.
	syncLimit = 150

	// maxAttempts bounds the retry loop for transient network errors
	// within one sync transaction.
	maxAttempts = 3

	// initialBackoff is the delay before the first retry. It doubles on
	// each subsequent attempt.
	initialBackoff = time.Second

	requestTimeout = 30 * time.Second
)

// Client owns the session token and sync cursor, and performs sync
// transactions against the Standard File API. Payload crypto is delegated
// to pkg/crypt: plaintext never crosses the client boundary outward.
type Client interface {
	// SignIn authenticates with the derived server password and stores the
	// session token for subsequent calls.
	SignIn(ctx context.Context) error

	// FullSync pulls the complete remote snapshot. It's used once at
	// mount.
	FullSync(ctx context.Context) ([]store.RemoteChange, error)

	// Sync performs one incremental transaction: it pushes the given dirty
	// notes and pulls changes since the cursor. The cursor only advances
	// when the whole transaction succeeds.
	Sync(ctx context.Context, dirty []store.Note) (SyncResult, error)
}

// SyncResult carries everything a sync pass produced: decrypted remote
// changes to merge, confirmations for pushed notes, and the number of
// server-reported conflicts (whose canonical copies are inside Changes).
type SyncResult struct {
	Changes   []store.RemoteChange
	Confirmed []store.Confirm
	Conflicts int
}

type client struct {
	baseURL string
	email   string
	keys    crypt.KeySet

	token     string
	syncToken string

	httpClient *http.Client
	clock      clockwork.Clock
}

// New creates a client for the given account. The returned client isn't
// authenticated until SignIn succeeds.
func New(baseURL, email string, keys crypt.KeySet) Client {
	return &client{
		baseURL:    baseURL,
		email:      email,
		keys:       keys,
		httpClient: &http.Client{Timeout: requestTimeout},
		clock:      clockwork.NewRealClock(),
	}
}

// FetchAuthParams retrieves the key derivation parameters for the account.
// It's called before any keys exist, so it lives outside the Client.
func FetchAuthParams(baseURL, email string) (crypt.AuthParams, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	endpoint := fmt.Sprintf("%s%s?email=%s",
		baseURL, authParamsEndpoint, url.QueryEscape(email))

	resp, err := httpClient.Get(endpoint)
	if err != nil {
		return crypt.AuthParams{}, errors.AuthParamsUnavailable{
			Err: errors.NetworkError{Err: err}}
	}
	defer resp.Body.Close()

	var parsed authParamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return crypt.AuthParams{}, errors.AuthParamsUnavailable{
			Err: errors.WithContext(err, "parse response")}
	}

	if resp.StatusCode != http.StatusOK {
		message := resp.Status
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return crypt.AuthParams{}, errors.AuthParamsUnavailable{
			Err: errors.New("server rejected request: %s", message)}
	}

	return crypt.AuthParams{
		Version: parsed.Version,
		Cost:    parsed.Cost,
		Salt:    parsed.Salt,
		Nonce:   parsed.Nonce,
	}, nil
}

func (c *client) SignIn(ctx context.Context) error {
	payload := signInRequest{Email: c.email, Password: c.keys.ServerPassword}

	var parsed signInResponse
	status, err := c.post(ctx, signInEndpoint, payload, &parsed)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		c.token = parsed.Token
		return nil
	case http.StatusUnauthorized:
		message := "invalid email or password"
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return errors.AuthError{Message: message}
	default:
		return errors.NetworkError{
			Err: errors.New("server responded with status %d", status)}
	}
}

func (c *client) FullSync(ctx context.Context) ([]store.RemoteChange, error) {
	c.syncToken = ""
	result, err := c.Sync(ctx, nil)
	if err != nil {
		return nil, err
	}
	return result.Changes, nil
}

func (c *client) Sync(ctx context.Context, dirty []store.Note) (SyncResult, error) {
	items, seqs, err := c.encryptDirty(dirty)
	if err != nil {
		return SyncResult{}, errors.WithContext(err, "encrypt dirty notes")
	}

	// The push rides on the first page only; subsequent pages just drain
	// the cursor_token pagination.
	var result SyncResult
	request := syncRequest{
		Items:     items,
		SyncToken: c.syncToken,
		Limit:     syncLimit,
	}
	nextSyncToken := c.syncToken
	for {
		var response syncResponse
		if err := c.postWithRetry(ctx, itemsSyncEndpoint, request, &response); err != nil {
			// Partial failure: the cursor stays put and no pushes are
			// confirmed, so the next pass re-sends everything.
			return SyncResult{}, err
		}

		for _, item := range response.SavedItems {
			if seq, ok := seqs[item.UUID]; ok {
				result.Confirmed = append(result.Confirmed,
					store.Confirm{ID: item.UUID, Seq: seq})
			}
		}
		for _, unsaved := range response.Unsaved {
			// The server copy of a conflicted item arrives through
			// retrieved_items; the push is simply not confirmed, which
			// keeps the local edit dirty for the keep-both merge.
			if unsaved.Error.Tag == "sync_conflict" {
				result.Conflicts++
				continue
			}
			log.WithFields(log.Fields{
				"item":  unsaved.Item.UUID,
				"error": unsaved.Error.Message,
			}).Warn("Server rejected pushed item. It stays dirty and will be retried.")
		}

		result.Changes = append(result.Changes,
			c.decodeRetrieved(response.RetrievedItems)...)

		nextSyncToken = response.SyncToken
		if response.CursorToken == "" {
			break
		}
		request = syncRequest{
			SyncToken:   nextSyncToken,
			CursorToken: response.CursorToken,
			Limit:       syncLimit,
		}
	}

	// The cursor advances only now, after the whole transaction succeeded.
	c.syncToken = nextSyncToken
	return result, nil
}

// encryptDirty turns dirty note snapshots into encrypted wire items and
// records each note's change sequence for the eventual confirmations.
func (c *client) encryptDirty(dirty []store.Note) ([]Item, map[string]uint64, error) {
	items := make([]Item, 0, len(dirty))
	seqs := make(map[string]uint64, len(dirty))
	for _, n := range dirty {
		item := Item{
			UUID:        n.ID,
			ContentType: contentTypeNote,
			CreatedAt:   n.CreatedAt,
			UpdatedAt:   n.UpdatedAt,
			Deleted:     n.Deleted,
		}

		if !n.Deleted {
			content, err := json.Marshal(noteContent{Title: n.Title, Text: n.Text})
			if err != nil {
				return nil, nil, errors.WithContext(err, "marshal content")
			}
			payload, err := crypt.EncryptItem(n.ID, content, c.keys)
			if err != nil {
				return nil, nil, errors.WithContext(err,
					fmt.Sprintf("encrypt %s", n.ID))
			}
			item.Content = payload.Content
			item.EncItemKey = payload.EncItemKey
		}

		items = append(items, item)
		seqs[n.ID] = n.Seq
	}
	return items, seqs, nil
}

// decodeRetrieved decrypts pulled items into store changes. Per-item errors
// never abort the pass: corrupted items are skipped and logged, and items
// from unknown protocol versions become unreadable placeholders.
func (c *client) decodeRetrieved(items []Item) []store.RemoteChange {
	var changes []store.RemoteChange
	for _, item := range items {
		if item.ContentType != contentTypeNote {
			log.WithFields(log.Fields{
				"item": item.UUID,
				"type": item.ContentType,
			}).Debug("Ignoring non-note item")
			continue
		}

		if item.Deleted {
			changes = append(changes, store.RemoteChange{
				ID: item.UUID, Deleted: true})
			continue
		}

		payload := crypt.Payload{
			Content: item.Content, EncItemKey: item.EncItemKey}
		plaintext, err := crypt.DecryptItem(item.UUID, payload, c.keys)
		if err != nil {
			if version, ok := err.(errors.UnsupportedVersion); ok {
				changes = append(changes, unreadablePlaceholder(item, version))
				continue
			}
			log.WithError(err).WithField("item", item.UUID).Warn(
				"Skipping item that failed integrity verification")
			continue
		}

		var content noteContent
		if err := json.Unmarshal(plaintext, &content); err != nil {
			log.WithError(err).WithField("item", item.UUID).Warn(
				"Skipping item with malformed content")
			continue
		}

		changes = append(changes, store.RemoteChange{
			ID:        item.UUID,
			Title:     content.Title,
			Text:      content.Text,
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt,
		})
	}
	return changes
}

// unreadablePlaceholder presents an undecryptable item as a read-only file
// so the note is never dropped -- a newer client can still decrypt the
// original payload, which we leave untouched on the server.
func unreadablePlaceholder(item Item, version errors.UnsupportedVersion) store.RemoteChange {
	return store.RemoteChange{
		ID: item.UUID,
		Title: fmt.Sprintf("Unreadable note (%.8s)", item.UUID),
		Text: fmt.Sprintf(
			"This note is encrypted with protocol version %q, which this "+
				"client doesn't support.\nThe encrypted note is preserved on "+
				"the server and stays readable by newer clients.\n", version.Version),
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
		Unreadable: true,
	}
}

// postWithRetry retries transient network failures with bounded doubling
// backoff. Auth and protocol errors aren't retried.
func (c *client) postWithRetry(ctx context.Context, endpoint string, payload, response interface{}) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := c.postSync(ctx, endpoint, payload, response)
		if err == nil {
			return nil
		}
		if _, transient := errors.RootCause(err).(errors.NetworkError); !transient {
			return err
		}
		if attempt == maxAttempts {
			return err
		}

		log.WithError(err).Debugf(
			"Sync request failed (attempt %d/%d). Retrying in %s.",
			attempt, maxAttempts, backoff)
		c.clock.Sleep(backoff)
		backoff *= 2
	}
}

func (c *client) postSync(ctx context.Context, endpoint string, payload, response interface{}) error {
	var parsed struct {
		syncResponse
		Error *apiError `json:"error,omitempty"`
	}
	status, err := c.post(ctx, endpoint, payload, &parsed)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		*(response.(*syncResponse)) = parsed.syncResponse
		return nil
	case http.StatusUnauthorized:
		message := "session expired"
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return errors.AuthError{Message: message}
	default:
		return errors.NetworkError{
			Err: errors.New("server responded with status %d", status)}
	}
}

func (c *client) post(ctx context.Context, endpoint string, payload, response interface{}) (int, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.WithContext(err, "marshal request")
	}

	req, err := http.NewRequest(
		http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payloadBytes))
	if err != nil {
		return 0, errors.WithContext(err, "create request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return 0, errors.NetworkError{
			Err: errors.WithContext(err, "parse response")}
	}
	return resp.StatusCode, nil
}
