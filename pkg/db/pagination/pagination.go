package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=50"`
}

// Cursor is the opaque position a page token encodes.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

// Limit clamps the requested page size into [1, 250].
func (p Pagination) Limit() int {
	switch {
	case p.PageSize <= 0:
		return 50
	case p.PageSize > 250:
		return 250
	default:
		return p.PageSize
	}
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidPageToken
	}
	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, ErrInvalidPageToken
	}
	return &cursor, nil
}

// BuildPage trims a limit+1 result set and derives the next token from the last kept row.
func BuildPage[T any](data []T, limit int, extractCursor func(T) string) ([]T, PageInfo) {
	if len(data) <= limit {
		return data, PageInfo{}
	}
	data = data[:limit]
	token, err := EncodeCursor(Cursor{ID: extractCursor(data[len(data)-1])})
	if err != nil {
		return data, PageInfo{HasMore: true}
	}
	return data, PageInfo{HasMore: true, NextPageToken: token}
}
