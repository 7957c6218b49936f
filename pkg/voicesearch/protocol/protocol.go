// Package protocol defines the JSON envelopes exchanged with the remote
// speech/search service. One JSON object is sent per websocket text frame and
// every object is discriminated by its "type" field.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/voicesearch/pkg/core"
)

// Client to service.
const (
	TypeAudio  = "audio"
	TypeSearch = "search"
)

// Service to client.
const (
	TypeTranscription = "transcription"
	TypeTextDelta     = "text_delta"
	TypeAudioFrame    = "audio_frame"
	TypeSearchResults = "search_results"
	TypeError         = "error"
)

// MalformedError reports a frame that could not be parsed as an envelope.
type MalformedError struct {
	Type    string
	Message string
}

func (e *MalformedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Type) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

func malformed(typ, message string) *MalformedError {
	return &MalformedError{Type: typ, Message: message}
}

// ClientAudio carries one captured chunk, base64 encoded.
type ClientAudio struct {
	Type   string `json:"type"`
	Buffer string `json:"buffer"`
}

// NewClientAudio wraps an already encoded chunk.
func NewClientAudio(encoded string) ClientAudio {
	return ClientAudio{Type: TypeAudio, Buffer: encoded}
}

// ClientSearch asks the service to run a query. IsPartial marks a speculative
// query issued while the user is still speaking.
type ClientSearch struct {
	Type      string `json:"type"`
	Query     string `json:"query"`
	IsPartial bool   `json:"isPartial"`
}

// NewClientSearch builds a search envelope.
func NewClientSearch(query string, partial bool) ClientSearch {
	return ClientSearch{Type: TypeSearch, Query: query, IsPartial: partial}
}

// ServerMessage is one decoded service-to-client envelope.
type ServerMessage interface {
	MessageType() string
}

// Transcription replaces the live transcript with Text.
type Transcription struct {
	Text string `json:"text"`
}

func (Transcription) MessageType() string { return TypeTranscription }

// TextDelta appends Text to the live transcript.
type TextDelta struct {
	Text string `json:"text"`
}

func (TextDelta) MessageType() string { return TypeTextDelta }

// AudioFrame is one unit of synthesized audio, base64 encoded.
type AudioFrame struct {
	Data string `json:"data"`
}

func (AudioFrame) MessageType() string { return TypeAudioFrame }

// Decode returns the playable bytes of the frame.
func (f AudioFrame) Decode() ([]byte, error) {
	raw := strings.TrimSpace(f.Data)
	if raw == "" {
		return nil, core.NewDecodeError("audio frame is empty", nil)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, core.NewDecodeError("audio frame is not valid base64", err)
	}
	if len(data) == 0 {
		return nil, core.NewDecodeError("audio frame is empty", nil)
	}
	return data, nil
}

// SearchResult is one entry of a results list.
type SearchResult struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`
}

// SearchResultsData is the payload of a search_results envelope.
type SearchResultsData struct {
	Results []SearchResult `json:"results"`
	Answer  string         `json:"answer"`
}

// SearchResults delivers results and the synthesized answer for a query.
type SearchResults struct {
	Data SearchResultsData `json:"data"`
}

func (SearchResults) MessageType() string { return TypeSearchResults }

// ServerError is an error reported by the service.
type ServerError struct {
	Error string `json:"error"`
}

func (ServerError) MessageType() string { return TypeError }

// Decode parses one service-to-client frame. An unrecognized type returns a
// nil message and a nil error so callers can skip it.
func Decode(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed("", "invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, malformed("", "missing type")
	}

	switch typ {
	case TypeTranscription:
		var msg Transcription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(typ, "invalid transcription frame")
		}
		return msg, nil
	case TypeTextDelta:
		var msg TextDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(typ, "invalid text_delta frame")
		}
		return msg, nil
	case TypeAudioFrame:
		var msg AudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(typ, "invalid audio_frame")
		}
		return msg, nil
	case TypeSearchResults:
		var msg SearchResults
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(typ, "invalid search_results frame")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed(typ, "invalid error frame")
		}
		return msg, nil
	default:
		return nil, nil
	}
}
