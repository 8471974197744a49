package router

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

var errInvalidJSON = errors.New("payload is not valid JSON")

// Raw hands the payload through untouched.
func Raw(raw []byte) (any, error) {
	return raw, nil
}

// JSON decodes the payload into generic maps and slices.
func JSON(raw []byte) (any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errInvalidJSON
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
