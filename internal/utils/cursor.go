package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// JobCursor is the keyset position of a list page: the sortAt and id of the
// last row already served. Pages continue strictly below it under
// (sortAt DESC, id DESC) order.
type JobCursor struct {
	SortAt int64  `json:"sortAt"`
	ID     string `json:"id"`
}

func EncodeJobCursor(sortAt int64, id string) (string, error) {
	b, err := json.Marshal(JobCursor{SortAt: sortAt, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeJobCursor(cursor string) (JobCursor, error) {
	if cursor == "" {
		return JobCursor{}, errors.New("empty cursor")
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return JobCursor{}, err
	}

	var c JobCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return JobCursor{}, err
	}
	if c.ID == "" || c.SortAt <= 0 {
		return JobCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}
