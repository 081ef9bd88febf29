package resolvers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommentFileName is the registry key of CommentFile.
const CommentFileName = "comment-file"

// CommentFile merges comment records into a JSON document of the form
// {"elements": [{"id": "...", ...}, ...]}. A delta is a single record; a record whose
// id is already present is ignored, so replaying a delta is harmless.
type CommentFile struct{}

type commentDocument struct {
	elements []json.RawMessage
	extra    map[string]json.RawMessage
}

type commentRecord struct {
	ID string `json:"id"`
}

func (CommentFile) Name() string {
	return CommentFileName
}

func (CommentFile) ValidV0(contents []byte) bool {
	_, err := decodeCommentDocument(contents)
	return err == nil
}

func (CommentFile) ValidUpload(delta []byte) bool {
	_, err := decodeCommentRecord(delta)
	return err == nil
}

func (CommentFile) Apply(current, delta []byte) ([]byte, error) {
	document, err := decodeCommentDocument(current)
	if err != nil {
		return nil, fmt.Errorf("%w: current content: %v", ErrMerge, err)
	}
	record, err := decodeCommentRecord(delta)
	if err != nil {
		return nil, fmt.Errorf("%w: delta: %v", ErrMerge, err)
	}
	for _, element := range document.elements {
		existing, err := decodeCommentRecord(element)
		if err == nil && existing.ID == record.ID {
			return encodeCommentDocument(document)
		}
	}
	document.elements = append(document.elements, json.RawMessage(delta))
	return encodeCommentDocument(document)
}

func decodeCommentDocument(contents []byte) (commentDocument, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(contents, &raw); err != nil {
		return commentDocument{}, err
	}
	elementsJSON, ok := raw["elements"]
	if !ok {
		return commentDocument{}, fmt.Errorf("missing elements")
	}
	var document commentDocument
	if err := json.Unmarshal(elementsJSON, &document.elements); err != nil {
		return commentDocument{}, err
	}
	delete(raw, "elements")
	document.extra = raw
	return document, nil
}

func encodeCommentDocument(document commentDocument) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(document.extra)+1)
	for key, value := range document.extra {
		out[key] = value
	}
	elements := document.elements
	if elements == nil {
		elements = []json.RawMessage{}
	}
	encoded, err := json.Marshal(elements)
	if err != nil {
		return nil, err
	}
	out["elements"] = encoded
	return json.Marshal(out)
}

func decodeCommentRecord(contents []byte) (commentRecord, error) {
	var record commentRecord
	if err := json.Unmarshal(contents, &record); err != nil {
		return commentRecord{}, err
	}
	if strings.TrimSpace(record.ID) == "" {
		return commentRecord{}, fmt.Errorf("missing id")
	}
	return record, nil
}
