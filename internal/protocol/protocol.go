// Package protocol encodes patch lists into the messages the client runtime
// consumes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/conneroisu/liveweave/internal/vdom"
)

// MessageType is the discriminator of a message.
const MessageType = "patch"

// Message is one versioned batch of patches. Version increases by one per
// emitted diff so the client can detect out-of-order delivery.
type Message struct {
	Type    string      `json:"type"`
	Version int         `json:"version"`
	Patches []WirePatch `json:"patches"`
}

// WirePatch is the JSON form of a vdom.Patch. Fields an operation does not
// use are omitted.
type WirePatch struct {
	Type     string  `json:"type"`
	Path     []int   `json:"path"`
	ID       string  `json:"id,omitempty"`
	Position *int    `json:"position,omitempty"`
	From     *int    `json:"from,omitempty"`
	To       *int    `json:"to,omitempty"`
	Name     string  `json:"name,omitempty"`
	Value    *string `json:"value,omitempty"`
	Remove   bool    `json:"remove,omitempty"`
	HTML     string  `json:"html,omitempty"`
}

// Encode wraps patches, in order, into a message.
func Encode(patches []vdom.Patch, version int) *Message {
	msg := &Message{Type: MessageType, Version: version, Patches: make([]WirePatch, 0, len(patches))}
	for _, p := range patches {
		msg.Patches = append(msg.Patches, wire(p))
	}
	return msg
}

func wire(p vdom.Patch) WirePatch {
	path := p.Path
	if path == nil {
		path = []int{}
	}
	w := WirePatch{Type: string(p.Op), Path: path, ID: p.Target}
	switch p.Op {
	case vdom.OpInsertChild:
		w.Position = intp(p.Index)
		w.HTML = p.HTML
	case vdom.OpRemoveChild:
		w.Position = intp(p.Index)
	case vdom.OpMoveChild:
		w.From, w.To = intp(p.From), intp(p.To)
	case vdom.OpReplaceText:
		w.Value = strp(p.Value)
	case vdom.OpSetAttr:
		w.Name = p.Name
		if p.Remove {
			w.Remove = true
		} else {
			w.Value = strp(p.Value)
		}
	}
	return w
}

// Patch converts w back into a vdom.Patch.
func (w WirePatch) Patch() (vdom.Patch, error) {
	p := vdom.Patch{Op: vdom.Op(w.Type), Path: w.Path, Target: w.ID, Name: w.Name, Remove: w.Remove, HTML: w.HTML}
	if w.Value != nil {
		p.Value = *w.Value
	}
	switch p.Op {
	case vdom.OpInsertChild, vdom.OpRemoveChild:
		if w.Position == nil {
			return p, fmt.Errorf("%s without position", w.Type)
		}
		p.Index = *w.Position
	case vdom.OpMoveChild:
		if w.From == nil || w.To == nil {
			return p, fmt.Errorf("%s without from and to", w.Type)
		}
		p.From, p.To = *w.From, *w.To
	case vdom.OpReplaceText, vdom.OpSetAttr:
	default:
		return p, fmt.Errorf("unknown patch type %q", w.Type)
	}
	return p, nil
}

// Decode converts every patch of m back into a vdom.Patch.
func (m *Message) Decode() ([]vdom.Patch, error) {
	out := make([]vdom.Patch, 0, len(m.Patches))
	for i, w := range m.Patches {
		p, err := w.Patch()
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Marshal serializes m as JSON. Inserted HTML is written unescaped.
func Marshal(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal parses a message produced by Marshal.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type != MessageType {
		return nil, fmt.Errorf("unexpected message type %q", m.Type)
	}
	return &m, nil
}

func intp(v int) *int { return &v }

func strp(v string) *string { return &v }
