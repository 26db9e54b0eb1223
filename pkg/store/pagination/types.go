package pagination

import (
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type PaginationRequest struct {
	Limit  int    `json:"limit,omitempty"`  // number of items to fetch per page
	Cursor string `json:"cursor,omitempty"` // opaque position of the last item fetched
}

// EncodeCursor renders a cursor payload as an opaque URL-safe token.
func EncodeCursor[T any](payload T) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor reverses EncodeCursor. An empty token yields the zero value
// and ok=false.
func DecodeCursor[T any](cursor string) (payload T, ok bool, err error) {
	if cursor == "" {
		return payload, false, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return payload, false, errors.Mark(errors.Wrap(err, "decode base64"), ErrInvalidCursor)
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, false, errors.Mark(errors.Wrap(err, "decode cursor JSON"), ErrInvalidCursor)
	}
	return payload, true, nil
}
