package nativemsg

import (
	"encoding/json"
	"fmt"
)

// Kind names the variant carried by an envelope.
type Kind string

const (
	KindFetchFileStates Kind = "fetch_file_states"
	KindRegisterFile    Kind = "register_file"
	KindConfig          Kind = "config"
	// KindErr tags a reply carrying a helper failure message.
	KindErr Kind = "err"
)

// Envelope is the adjacently tagged record exchanged with the helper. ID is
// set on requests and echoed on replies.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// NewEnvelope encodes payload as the data of a kind record. A nil payload
// leaves data out.
func NewEnvelope(kind Kind, payload any) (*Envelope, error) {
	env := &Envelope{Type: kind}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	env.Data = data

	return env, nil
}

// ErrorEnvelope builds an err reply for the request with the given id.
func ErrorEnvelope(id, message string) *Envelope {
	data, _ := json.Marshal(message)

	return &Envelope{Type: KindErr, Data: data, ID: id}
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s record carries no data", e.Type)
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", e.Type, err)
	}

	return nil
}

// FetchFileStatesRequest asks which content keys are already registered.
type FetchFileStatesRequest struct {
	Query []string `json:"query"`
}

// FetchFileStatesReply holds one flag per queried key, in query order.
type FetchFileStatesReply struct {
	Result []bool `json:"result"`
}

// RegisterFileRequest hands a completed staging file off to the helper.
type RegisterFileRequest struct {
	DownloadPath string   `json:"downloadPath"`
	SavePath     []string `json:"savePath"`
	Key          string   `json:"key"`
}

// RegisterFileReply carries the registry id of the stored file.
type RegisterFileReply struct {
	ID int64 `json:"id"`
}

// Config is the helper configuration record returned for a config request.
type Config struct {
	DownloadDirectory    string   `json:"downloadDirectory"`
	DownloadSubdirectory string   `json:"downloadSubdirectory"`
	SaveFileDirectory    string   `json:"saveFileDirectory"`
	AllowedOrigins       []string `json:"allowedOrigins"`
	AllowedExtensions    []string `json:"allowedExtensions"`
}
