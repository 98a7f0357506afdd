package internal

import "strings"

// Content pairs a message body with its properties for basic.publish.
// No properties are modelled: the property flags are always zero.
type Content struct {
	Body []byte
}

func NewContent(body []byte) *Content {
	return &Content{Body: body}
}

// NewTextContent stores text as UTF-8, replacing invalid sequences.
func NewTextContent(text string) *Content {
	return &Content{Body: []byte(strings.ToValidUTF8(text, "�"))}
}

// Serialize returns the encoded properties and the raw body.
func (m *Content) Serialize() (properties []byte, body []byte) {
	w := NewWriter()
	w.WriteShort(0) // property flags
	return w.Bytes(), m.Body
}
