package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketdata-platform/ingest/internal/session"
	"github.com/marketdata-platform/ingest/internal/testutil/fakevenue"
)

func TestHealthRegistryAggregation(t *testing.T) {
	reg := NewHealthRegistry()
	reg.Register(Checker{Name: "bus", Critical: true, Check: func() ComponentHealth {
		return ComponentHealth{Status: StatusHealthy}
	}})
	reg.Register(Checker{Name: "session_okx_spot", Critical: false, Check: func() ComponentHealth {
		return ComponentHealth{Status: StatusDegraded, Detail: "reconnecting"}
	}})

	if got := reg.Report().Status; got != StatusDegraded {
		t.Fatalf("status = %v, want degraded", got)
	}

	reg2 := NewHealthRegistry()
	reg2.Register(Checker{Name: "bus", Critical: true, Check: func() ComponentHealth {
		return ComponentHealth{Status: StatusUnhealthy, Detail: "disconnected"}
	}})
	reg2.Register(Checker{Name: "session_okx_spot", Critical: false, Check: func() ComponentHealth {
		return ComponentHealth{Status: StatusHealthy}
	}})
	if got := reg2.Report().Status; got != StatusUnhealthy {
		t.Fatalf("status = %v, want unhealthy when a critical component is down", got)
	}
}

// TestVenueOutageDegradesThenRecoversHealth exercises spec §8 scenario 6: a
// venue session losing its connection should flip the overall health from
// healthy to degraded and back to healthy on recovery, mirroring the
// session_<venue> Checker Plane.Start registers around each session.Manager.
func TestVenueOutageDegradesThenRecoversHealth(t *testing.T) {
	venue := fakevenue.New()
	defer venue.Close()

	var mu sync.Mutex
	var sess *session.Session
	newSession := func() *session.Session {
		s := &session.Session{
			Venue:  "okx_spot",
			URL:    "ws://unused",
			Policy: session.Policy{InactivityTimeout: time.Second},
			Dialer: venue.Dialer(),
			Logger: zerolog.Nop(),
		}
		mu.Lock()
		sess = s
		mu.Unlock()
		return s
	}

	reg := NewHealthRegistry()
	reg.Register(Checker{
		Name: "session_okx_spot", Critical: false,
		Check: func() ComponentHealth {
			mu.Lock()
			s := sess
			mu.Unlock()
			if s != nil && s.Age() > 0 {
				return ComponentHealth{Status: StatusHealthy}
			}
			return ComponentHealth{Status: StatusDegraded, Detail: "reconnecting"}
		},
	})

	mgr := session.NewManager("okx_spot", newSession, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Report().Status == StatusHealthy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := reg.Report().Status; got != StatusHealthy {
		t.Fatalf("status = %v, want healthy once connected", got)
	}

	venue.Disconnect()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Report().Status == StatusDegraded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := reg.Report().Status; got != StatusDegraded {
		t.Fatalf("status = %v, want degraded immediately after outage", got)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Report().Status == StatusHealthy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := reg.Report().Status; got != StatusHealthy {
		t.Fatalf("status = %v, want healthy again after reconnect", got)
	}
}
