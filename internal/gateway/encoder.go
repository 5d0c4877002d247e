package gateway

import "encoding/json"

// WarpRequestEncoder turns a decoded OpenAI-shaped chat request body into
// the bytes sent upstream to Warp. Translating the OpenAI schema into
// Warp's actual wire format (and, in production, protobuf-encoding it)
// is an external collaborator's concern; jsonEncoder is the narrow
// stand-in that lets the gateway wire a real request through without
// taking on that translation layer itself.
type WarpRequestEncoder interface {
	Encode(body map[string]any) ([]byte, error)
}

type jsonEncoder struct{}

// JSONEncoder is the default WarpRequestEncoder: it forwards the decoded
// body as-is, JSON-encoded.
func JSONEncoder() WarpRequestEncoder { return jsonEncoder{} }

func (jsonEncoder) Encode(body map[string]any) ([]byte, error) {
	return json.Marshal(body)
}
