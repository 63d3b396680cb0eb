package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rickgao/courier/internal/model"
)

// Supported mime types.
const (
	MimeJSON    = "application/json"
	MimeMsgpack = "application/msgpack"
	MimeText    = "text/plain"
)

// Marshaller converts messages to and from wire bytes.
type Marshaller interface {
	ContentType() string
	Marshal(msg any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// MarshallerFor selects the marshaller named by Transport.MimeType, JSON by default.
func MarshallerFor(props model.Properties) (Marshaller, error) {
	mime, _ := props.Get(model.PropertyMimeType)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mime)) {
	case "", MimeJSON:
		return jsonMarshaller{}, nil
	case MimeMsgpack, "application/x-msgpack":
		return msgpackMarshaller{}, nil
	case MimeText:
		return textMarshaller{}, nil
	default:
		return nil, Validationf("unsupported %s %q", model.PropertyMimeType, mime)
	}
}

type jsonMarshaller struct{}

func (jsonMarshaller) ContentType() string { return MimeJSON }

func (jsonMarshaller) Marshal(msg any) ([]byte, error) {
	if raw, ok := msg.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal json: %w", ErrTransport, err)
	}
	return data, nil
}

func (jsonMarshaller) Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data), nil
	}
	return v, nil
}

type msgpackMarshaller struct{}

func (msgpackMarshaller) ContentType() string { return MimeMsgpack }

func (msgpackMarshaller) Marshal(msg any) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal msgpack: %w", ErrTransport, err)
	}
	return data, nil
}

func (msgpackMarshaller) Unmarshal(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: unmarshal msgpack: %w", ErrTransport, err)
	}
	return v, nil
}

type textMarshaller struct{}

func (textMarshaller) ContentType() string { return MimeText + "; charset=utf-8" }

func (textMarshaller) Marshal(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func (textMarshaller) Unmarshal(data []byte) (any, error) {
	return string(data), nil
}
