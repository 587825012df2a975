package api

import (
	"time"
)

// contentTypeNote is the server-side content type for note items. Other
// content types (tags, extensions) pass through sync untouched and are
// never surfaced as files.
const contentTypeNote = "Note"

// Item is the wire representation of a server-side encrypted object. The
// field names follow the versioned Standard File protocol exactly -- they
// must match for interoperability.
type Item struct {
	UUID        string    `json:"uuid"`
	Content     string    `json:"content,omitempty"`
	ContentType string    `json:"content_type"`
	EncItemKey  string    `json:"enc_item_key,omitempty"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// noteContent is the plaintext structure inside an encrypted note item.
type noteContent struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type apiError struct {
	Message string `json:"message"`
	Tag     string `json:"tag,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Token string    `json:"token"`
	Error *apiError `json:"error,omitempty"`
}

type authParamsResponse struct {
	Version string    `json:"version"`
	Cost    int       `json:"pw_cost"`
	Salt    string    `json:"pw_salt,omitempty"`
	Nonce   string    `json:"pw_nonce,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type syncRequest struct {
	Items       []Item `json:"items"`
	SyncToken   string `json:"sync_token,omitempty"`
	CursorToken string `json:"cursor_token,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type unsavedItem struct {
	Item  Item     `json:"item"`
	Error apiError `json:"error"`
}

type syncResponse struct {
	RetrievedItems []Item        `json:"retrieved_items"`
	SavedItems     []Item        `json:"saved_items"`
	Unsaved        []unsavedItem `json:"unsaved"`
	SyncToken      string        `json:"sync_token"`
	CursorToken    string        `json:"cursor_token"`
}
