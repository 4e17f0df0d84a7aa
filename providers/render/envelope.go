package render

import (
	"bytes"
	"encoding/json"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
)

// decodeList unwraps the list shapes the API has been seen to return, in
// order: an array of {kind: {...}} wrappers, an array of bare objects,
// {"items": [...]} and {"data": [...]}. It also returns the cursor of the
// last wrapper, if any.
func decodeList(body []byte, kind string) ([]json.RawMessage, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, "", envelopeError(kind, err)
		}
		if len(items) == 0 {
			return nil, "", nil
		}
		if _, wrapped := items[0][kind]; wrapped {
			out := make([]json.RawMessage, 0, len(items))
			cursor := ""
			for _, item := range items {
				inner, ok := item[kind]
				if !ok {
					return nil, "", envelopeError(kind, nil)
				}
				out = append(out, inner)
				if raw, ok := item["cursor"]; ok {
					_ = json.Unmarshal(raw, &cursor)
				}
			}
			return out, cursor, nil
		}
		var bare []json.RawMessage
		if err := json.Unmarshal(body, &bare); err != nil {
			return nil, "", envelopeError(kind, err)
		}
		return bare, "", nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(body, &object); err != nil {
		return nil, "", envelopeError(kind, err)
	}
	for _, member := range []string{"items", "data"} {
		raw, ok := object[member]
		if !ok {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			continue
		}
		return list, "", nil
	}
	return nil, "", envelopeError(kind, nil)
}

// decodeObject accepts {kind: {...}} or the bare object.
func decodeObject(body []byte, kind string) (json.RawMessage, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &object); err != nil {
		return nil, envelopeError(kind, err)
	}
	if inner, ok := object[kind]; ok && len(bytes.TrimSpace(inner)) > 0 && bytes.TrimSpace(inner)[0] == '{' {
		return inner, nil
	}
	return json.RawMessage(body), nil
}

func envelopeError(kind string, cause error) error {
	metadata := map[string]any{"provider": ProviderID, "kind": kind}
	if cause != nil {
		return core.WrapError(cause, goerrors.CategoryValidation, "render: unrecognized "+kind+" response shape", metadata)
	}
	return core.NewError("render: unrecognized "+kind+" response shape", goerrors.CategoryValidation, metadata)
}
