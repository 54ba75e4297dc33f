package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roadrunner-server/errors"
)

// Parse reads a serialized envelope. Item payloads are returned as []byte:
// length-delimited when the item header declares a length, otherwise up to the
// next newline.
func Parse(data []byte) (*Envelope, error) {
	const op = errors.Op("envelope_parse")

	line, rest := cutLine(data)
	env := &Envelope{}
	if err := json.Unmarshal(line, &env.Header); err != nil {
		return nil, errors.E(op, errors.Decode, err)
	}

	for len(rest) > 0 {
		line, rest = cutLine(rest)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var header ItemHeader
		if err := json.Unmarshal(line, &header); err != nil {
			return nil, errors.E(op, errors.Decode, err)
		}

		var payload []byte
		if header.Length != nil {
			n := *header.Length
			if n < 0 || n > len(rest) {
				return nil, errors.E(op, errors.Decode, fmt.Errorf("item length %d exceeds remaining %d bytes", n, len(rest)))
			}
			payload = rest[:n]
			rest = rest[n:]
			if len(rest) > 0 && rest[0] == '\n' {
				rest = rest[1:]
			}
		} else {
			payload, rest = cutLine(rest)
		}

		env.Items = append(env.Items, &Item{Header: header, Payload: append([]byte(nil), payload...)})
	}

	return env, nil
}

func cutLine(data []byte) (line, rest []byte) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i], data[i+1:]
	}
	return data, nil
}
