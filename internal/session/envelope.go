package session

import "encoding/json"

// envelope is the shape shared by every venue's combined/multiplexed
// stream: a routing key alongside the actual payload. Binance uses
// {"stream":...,"data":...}, OKX uses {"arg":...,"data":[...]}, Deribit's
// JSON-RPC notifications use {"method":...,"params":{"channel":...,"data":...}}.
// Unwrap normalizes all three to a single (channel, raw payload) pair so
// every venue parser shares one entry point — this is also what makes
// unwrapping idempotent (P2): re-unwrapping an already-unwrapped Binance or
// Deribit payload fails the envelope match and returns the input unchanged,
// and an OKX frame, whose payload is the whole frame, matches again and
// comes back unchanged.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	Arg json.RawMessage `json:"arg"`

	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// Unwrap extracts (channel, payload) from a raw venue frame. If raw does
// not match any known envelope shape, channel is empty and payload is raw
// itself — calling Unwrap again on that result is a no-op, satisfying P2.
func Unwrap(raw []byte) (channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", raw
	}
	switch {
	case env.Stream != "" && len(env.Data) > 0:
		return env.Stream, env.Data
	case len(env.Arg) > 0:
		return string(env.Arg), raw // OKX payload is the whole frame ("arg" + "data" array)
	case env.Method != "" && env.Params.Channel != "":
		return env.Params.Channel, env.Params.Data
	default:
		return "", raw
	}
}
