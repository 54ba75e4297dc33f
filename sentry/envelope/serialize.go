package envelope

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/roadrunner-server/errors"

	"github.com/your-org/roadrunner-sentry/sentry/internal/normalize"
)

// fallbackDepth bounds the normalized re-encoding of payloads that fail to
// marshal directly.
const fallbackDepth = 100

// Serialize renders the envelope in wire format. Text accumulates in a single
// builder until the first binary payload; from then on every segment is kept
// as a byte slice and the slices are joined once at the end.
func (e *Envelope) Serialize() ([]byte, error) {
	const op = errors.Op("envelope_serialize")

	s := &serializer{}

	header, err := json.Marshal(e.Header)
	if err != nil {
		return nil, errors.E(op, errors.Encode, err)
	}
	s.writeString(string(header))

	for _, item := range e.Items {
		payload, binary, err := encodePayload(item.Payload)
		if err != nil {
			return nil, errors.E(op, errors.Encode, err)
		}

		itemHeader := item.Header
		if binary || itemHeader.Length != nil {
			length := len(payload)
			itemHeader.Length = &length
		}
		encodedHeader, err := json.Marshal(itemHeader)
		if err != nil {
			return nil, errors.E(op, errors.Encode, err)
		}

		s.writeString("\n")
		s.writeString(string(encodedHeader))
		s.writeString("\n")
		if binary {
			s.writeBytes(payload)
		} else {
			s.writeString(string(payload))
		}
	}

	return s.bytes(), nil
}

// encodePayload returns the payload bytes and whether they are binary.
func encodePayload(payload any) ([]byte, bool, error) {
	switch p := payload.(type) {
	case nil:
		return nil, false, nil
	case string:
		return []byte(p), false, nil
	case []byte:
		return p, true, nil
	case json.RawMessage:
		return p, false, nil
	}

	data, err := json.Marshal(payload)
	if err == nil {
		return data, false, nil
	}

	data, fallbackErr := json.Marshal(normalize.Normalize(payload, fallbackDepth, math.MaxInt))
	if fallbackErr != nil {
		return nil, false, err
	}
	return data, false, nil
}

type serializer struct {
	text   strings.Builder
	chunks [][]byte
	binary bool
}

func (s *serializer) writeString(str string) {
	if s.binary {
		s.chunks = append(s.chunks, []byte(str))
		return
	}
	s.text.WriteString(str)
}

func (s *serializer) writeBytes(b []byte) {
	if !s.binary {
		s.binary = true
		s.chunks = append(s.chunks, []byte(s.text.String()))
		s.text.Reset()
	}
	s.chunks = append(s.chunks, b)
}

func (s *serializer) bytes() []byte {
	if !s.binary {
		return []byte(s.text.String())
	}
	return bytes.Join(s.chunks, nil)
}
