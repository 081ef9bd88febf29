package resolvers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MediaAttributesName is the registry key of MediaAttributes.
const MediaAttributesName = "media-attributes"

// MediaAttributes keeps a flat JSON object of attributes. A delta
// {"key": "k", "value": v} sets k to v; a null value removes k.
type MediaAttributes struct{}

type attributeChange struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (MediaAttributes) Name() string {
	return MediaAttributesName
}

func (MediaAttributes) ValidV0(contents []byte) bool {
	var attributes map[string]json.RawMessage
	return json.Unmarshal(contents, &attributes) == nil && attributes != nil
}

func (MediaAttributes) ValidUpload(delta []byte) bool {
	_, err := decodeAttributeChange(delta)
	return err == nil
}

func (MediaAttributes) Apply(current, delta []byte) ([]byte, error) {
	var attributes map[string]json.RawMessage
	if err := json.Unmarshal(current, &attributes); err != nil || attributes == nil {
		return nil, fmt.Errorf("%w: current content is not an attribute object", ErrMerge)
	}
	change, err := decodeAttributeChange(delta)
	if err != nil {
		return nil, fmt.Errorf("%w: delta: %v", ErrMerge, err)
	}
	if len(change.Value) == 0 || bytes.Equal(bytes.TrimSpace(change.Value), []byte("null")) {
		delete(attributes, change.Key)
	} else {
		attributes[change.Key] = change.Value
	}
	return json.Marshal(attributes)
}

func decodeAttributeChange(delta []byte) (attributeChange, error) {
	var change attributeChange
	if err := json.Unmarshal(delta, &change); err != nil {
		return attributeChange{}, err
	}
	change.Key = strings.TrimSpace(change.Key)
	if change.Key == "" {
		return attributeChange{}, fmt.Errorf("missing key")
	}
	return change, nil
}
