package session

import "time"

// ResubscribeStyle distinguishes venues that replay their full subscription
// list after reconnect from venues that resume a session token instead.
type ResubscribeStyle string

const (
	ResubscribeFull    ResubscribeStyle = "full"    // resend all subscribe frames
	ResubscribeResume  ResubscribeStyle = "resume"   // rely on server-side session resume
)

// Policy is the per-venue keep-alive/reconnect contract (spec §4.1). Adding
// a venue means adding a Policy value, not a branch in the session loop.
type Policy struct {
	// PingInterval is how often the session sends a protocol-level
	// keep-alive frame. Zero means the venue relies on read deadlines only.
	PingInterval time.Duration

	// PingPayload is written as a text frame on each ping tick. Nil means
	// the venue uses a control-frame ping instead (gorilla PingMessage).
	PingPayload []byte

	// ForcedDisconnectAge is the venue's own connection lifetime limit
	// (e.g. Binance closes combined streams after 24h). Zero means no
	// known forced disconnect.
	ForcedDisconnectAge time.Duration

	// ProactiveReconnectBefore is the margin before ForcedDisconnectAge
	// at which ShouldProactivelyReconnect starts reporting true.
	// Manager.Run does not act on it.
	ProactiveReconnectBefore time.Duration

	// InactivityTimeout is the maximum time without any inbound frame
	// (data or pong) before the session is considered stale and a
	// reconnect is forced.
	InactivityTimeout time.Duration

	// Resubscribe selects how subscriptions are restored after reconnect.
	Resubscribe ResubscribeStyle
}

// Binance combined-stream policy: venue force-closes at 24h, replies to
// pings within 60s (we ping well inside that window), and has no documented
// inactivity timeout beyond the forced close.
var Binance = Policy{
	PingInterval:             20 * time.Second,
	PingPayload:              nil, // control-frame ping; venue auto-replies pong
	ForcedDisconnectAge:      24 * time.Hour,
	ProactiveReconnectBefore: 5 * time.Minute,
	InactivityTimeout:        2 * time.Minute,
	Resubscribe:              ResubscribeFull,
}

// OKX policy: server closes idle connections after 30s of silence, so the
// client sends a literal "ping" text frame every 25s and expects "pong" back.
var OKX = Policy{
	PingInterval:             25 * time.Second,
	PingPayload:              []byte("ping"),
	ForcedDisconnectAge:      0,
	ProactiveReconnectBefore: 0,
	InactivityTimeout:        30 * time.Second,
	Resubscribe:              ResubscribeFull,
}

// Deribit policy: JSON-RPC heartbeat negotiated via public/set_heartbeat,
// client must reply test_request with public/test or the server drops the
// connection after roughly 2 missed intervals.
var Deribit = Policy{
	PingInterval:             30 * time.Second,
	PingPayload:              []byte(`{"jsonrpc":"2.0","method":"public/test","params":{}}`),
	ForcedDisconnectAge:      0,
	ProactiveReconnectBefore: 0,
	InactivityTimeout:        75 * time.Second,
	Resubscribe:              ResubscribeFull,
}

// ForVenue resolves the policy for a venue name, used when a connector is
// constructed from config rather than wired as a compile-time constant.
func ForVenue(venue string) (Policy, bool) {
	switch venue {
	case "binance_spot", "binance_derivatives":
		return Binance, true
	case "okx_spot", "okx_derivatives":
		return OKX, true
	case "deribit_derivatives":
		return Deribit, true
	default:
		return Policy{}, false
	}
}
