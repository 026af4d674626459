// Package protocol defines the JSON and binary frames exchanged over the
// data channel once a transport session is connected.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the JSON text frames (spec.md §4.5).
type Type string

const (
	TypeChat             Type = "chat"
	TypePrivacyUpdate    Type = "privacy-update"
	TypeFileMeta         Type = "file-meta"
	TypeFileAbort        Type = "file-abort"
	TypeSessionTerminate Type = "session-terminate"
)

// envelope is the wire shape every text frame shares: a discriminator plus
// a raw payload decoded against the concrete type once Type is known.
type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatPayload carries an authenticated-encrypted UTF-8 chat message.
type ChatPayload struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
}

// PrivacyUpdatePayload mirrors the sender's current privacy mode.
type PrivacyUpdatePayload struct {
	Filter       string `json:"filter"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// FileMetaPayload declares that a file transfer is beginning.
type FileMetaPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// FileAbortPayload signals the sender canceled a transfer mid-stream.
type FileAbortPayload struct {
	ID string `json:"id"`
}

// SessionTerminatePayload requests orderly teardown. It carries no data.
type SessionTerminatePayload struct{}

// Frame is a decoded text frame: Type identifies which payload field is
// populated. Exactly one of the typed fields is non-nil for a frame built
// via the New* constructors or returned by Decode for a known type.
type Frame struct {
	Type Type

	Chat             *ChatPayload
	PrivacyUpdate    *PrivacyUpdatePayload
	FileMeta         *FileMetaPayload
	FileAbort        *FileAbortPayload
	SessionTerminate *SessionTerminatePayload

	// Unknown carries the raw payload for a Type the decoder doesn't
	// recognize. Callers must log and ignore it, never error (forward
	// compatibility, spec.md §4.5).
	Unknown json.RawMessage
}

func NewChatFrame(data, iv string) Frame {
	return Frame{Type: TypeChat, Chat: &ChatPayload{Data: data, IV: iv}}
}

func NewPrivacyUpdateFrame(filter string, audioEnabled, videoEnabled bool) Frame {
	return Frame{Type: TypePrivacyUpdate, PrivacyUpdate: &PrivacyUpdatePayload{
		Filter: filter, AudioEnabled: audioEnabled, VideoEnabled: videoEnabled,
	}}
}

func NewFileMetaFrame(id, name string, size int64, mimeType string) Frame {
	return Frame{Type: TypeFileMeta, FileMeta: &FileMetaPayload{ID: id, Name: name, Size: size, MimeType: mimeType}}
}

func NewFileAbortFrame(id string) Frame {
	return Frame{Type: TypeFileAbort, FileAbort: &FileAbortPayload{ID: id}}
}

func NewSessionTerminateFrame() Frame {
	return Frame{Type: TypeSessionTerminate, SessionTerminate: &SessionTerminatePayload{}}
}

// Encode marshals f to its wire JSON representation.
func Encode(f Frame) ([]byte, error) {
	var payload any
	switch f.Type {
	case TypeChat:
		payload = f.Chat
	case TypePrivacyUpdate:
		payload = f.PrivacyUpdate
	case TypeFileMeta:
		payload = f.FileMeta
	case TypeFileAbort:
		payload = f.FileAbort
	case TypeSessionTerminate:
		payload = f.SessionTerminate
	default:
		return nil, fmt.Errorf("protocol: encode: unknown frame type %q", f.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	out, err := json.Marshal(envelope{Type: f.Type, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses a text frame. An unrecognized type yields a Frame with
// Unknown populated and no error, per the forward-compatibility rule.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	switch env.Type {
	case TypeChat:
		var p ChatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Frame{}, fmt.Errorf("protocol: decode chat payload: %w", err)
		}
		return Frame{Type: TypeChat, Chat: &p}, nil
	case TypePrivacyUpdate:
		var p PrivacyUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Frame{}, fmt.Errorf("protocol: decode privacy-update payload: %w", err)
		}
		return Frame{Type: TypePrivacyUpdate, PrivacyUpdate: &p}, nil
	case TypeFileMeta:
		var p FileMetaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Frame{}, fmt.Errorf("protocol: decode file-meta payload: %w", err)
		}
		return Frame{Type: TypeFileMeta, FileMeta: &p}, nil
	case TypeFileAbort:
		var p FileAbortPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Frame{}, fmt.Errorf("protocol: decode file-abort payload: %w", err)
		}
		return Frame{Type: TypeFileAbort, FileAbort: &p}, nil
	case TypeSessionTerminate:
		return Frame{Type: TypeSessionTerminate, SessionTerminate: &SessionTerminatePayload{}}, nil
	default:
		return Frame{Type: env.Type, Unknown: env.Payload}, nil
	}
}
