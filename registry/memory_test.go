package registry

import (
	"fmt"
	"sync"
	"testing"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/events"
)

// --- Unit Tests ---

func TestMemoryRegistry_Register(t *testing.T) {
	r := NewMemoryRegistry()

	p, err := r.Register(RoleAgent, Registration{
		Name:         "alpha",
		Capabilities: []string{"echo", "search"},
		Manifest:     map[string]any{"requiredServices": []any{"audit"}},
	}, "conn-1")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if p.ID == "" {
		t.Error("ID should be generated")
	}
	if p.Status != StatusOnline || p.ConnectionID != "conn-1" {
		t.Errorf("status/conn = %v/%q", p.Status, p.ConnectionID)
	}
	if !p.HasCapability("search") {
		t.Error("capabilities not stored")
	}
	if !p.MayCall("audit") || p.MayCall("weather") {
		t.Errorf("RequiredServices = %v", p.RequiredServices())
	}

	got, err := r.LookupByConnectionID("conn-1")
	if err != nil || got.ID != p.ID {
		t.Errorf("LookupByConnectionID = %v, %v", got, err)
	}
}

func TestMemoryRegistry_RegisterValidation(t *testing.T) {
	r := NewMemoryRegistry()

	if _, err := r.Register("robot", Registration{Name: "x"}, "c1"); !swarmerr.Is(err, swarmerr.ErrCodeInvalidInput) {
		t.Errorf("bad role: err = %v", err)
	}
	if _, err := r.Register(RoleAgent, Registration{Name: "x"}, ""); !swarmerr.Is(err, swarmerr.ErrCodeInvalidInput) {
		t.Errorf("empty connection: err = %v", err)
	}
}

func TestMemoryRegistry_DuplicateConnection(t *testing.T) {
	r := NewMemoryRegistry()

	if _, err := r.Register(RoleAgent, Registration{Name: "alpha"}, "conn-1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register(RoleAgent, Registration{Name: "beta"}, "conn-1")
	if !swarmerr.Is(err, swarmerr.ErrCodeDuplicateConnection) {
		t.Errorf("err = %v, want DUPLICATE_CONNECTION", err)
	}
	if got := r.List(RoleAgent, nil); len(got) != 1 {
		t.Errorf("failed registration should not add a record, got %d", len(got))
	}
}

func TestMemoryRegistry_ReconnectRevivesRecord(t *testing.T) {
	r := NewMemoryRegistry()

	first, _ := r.Register(RoleAgent, Registration{ID: "agent-1", Name: "alpha"}, "conn-1")

	off := r.MarkOffline("conn-1")
	if off == nil || off.Status != StatusOffline || off.ConnectionID != "" {
		t.Fatalf("MarkOffline = %+v", off)
	}
	if _, err := r.LookupByConnectionID("conn-1"); !swarmerr.Is(err, swarmerr.ErrCodeNotFound) {
		t.Errorf("old connection should be unknown, err = %v", err)
	}

	again, err := r.Register(RoleAgent, Registration{ID: "agent-1", Name: "alpha"}, "conn-2")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != first.ID || again.Status != StatusOnline || again.ConnectionID != "conn-2" {
		t.Errorf("revived = %+v", again)
	}
	if !again.RegisteredAt.Equal(first.RegisteredAt) {
		t.Error("revival should keep the original record")
	}
	if got := r.List(RoleAgent, nil); len(got) != 1 {
		t.Errorf("revival should not add a record, got %d", len(got))
	}
}

func TestMemoryRegistry_TakeoverFromLiveConnection(t *testing.T) {
	r := NewMemoryRegistry()

	r.Register(RoleAgent, Registration{ID: "agent-1", Name: "alpha"}, "conn-1")
	p, err := r.Register(RoleAgent, Registration{ID: "agent-1"}, "conn-2")
	if err != nil {
		t.Fatal(err)
	}
	if p.ConnectionID != "conn-2" || p.Name != "alpha" {
		t.Errorf("takeover = %+v", p)
	}

	// The stale connection's disconnect must not take the participant offline.
	if got := r.MarkOffline("conn-1"); got != nil {
		t.Errorf("MarkOffline(stale) = %+v, want nil", got)
	}
	cur, _ := r.LookupByID("agent-1")
	if !cur.Online() {
		t.Error("participant should still be online")
	}
}

func TestMemoryRegistry_RoleConflict(t *testing.T) {
	r := NewMemoryRegistry()

	r.Register(RoleService, Registration{ID: "svc-1", Name: "audit"}, "conn-1")
	r.MarkOffline("conn-1")

	_, err := r.Register(RoleAgent, Registration{ID: "svc-1", Name: "audit"}, "conn-2")
	if !swarmerr.Is(err, swarmerr.ErrCodeAlreadyExists) {
		t.Errorf("err = %v, want ALREADY_EXISTS", err)
	}
}

func TestMemoryRegistry_LookupByName(t *testing.T) {
	r := NewMemoryRegistry()

	r.Register(RoleAgent, Registration{ID: "old", Name: "alpha"}, "conn-1")
	r.MarkOffline("conn-1")
	r.Register(RoleAgent, Registration{ID: "new", Name: "alpha"}, "conn-2")
	r.Register(RoleService, Registration{ID: "svc", Name: "alpha"}, "conn-3")

	p, err := r.LookupByName(RoleAgent, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "new" {
		t.Errorf("LookupByName should prefer the online agent, got %s", p.ID)
	}

	p, _ = r.LookupByName(RoleService, "alpha")
	if p.ID != "svc" {
		t.Errorf("name lookup must be role scoped, got %s", p.ID)
	}

	if _, err := r.LookupByName(RoleClient, "alpha"); !swarmerr.Is(err, swarmerr.ErrCodeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}

	r.MarkOffline("conn-2")
	p, _ = r.LookupByName(RoleAgent, "alpha")
	if p.ID != "old" || p.Online() {
		t.Errorf("with none online the first offline match is returned, got %+v", p)
	}
}

func TestMemoryRegistry_ListFilters(t *testing.T) {
	r := NewMemoryRegistry()

	r.Register(RoleAgent, Registration{ID: "a", Name: "Search Agent", Capabilities: []string{"search", "web"}}, "c1")
	r.Register(RoleAgent, Registration{ID: "b", Name: "Echo", Capabilities: []string{"echo"}}, "c2")
	r.Register(RoleAgent, Registration{ID: "c", Name: "Deep Search", Capabilities: []string{"search"}}, "c3")
	r.Register(RoleClient, Registration{ID: "d", Name: "ui"}, "c4")
	r.MarkOffline("c3")

	tests := []struct {
		name   string
		role   Role
		filter *Filter
		want   []string
	}{
		{"all_agents", RoleAgent, nil, []string{"a", "b", "c"}},
		{"online", RoleAgent, &Filter{Status: StatusOnline}, []string{"a", "b"}},
		{"offline", RoleAgent, &Filter{Status: StatusOffline}, []string{"c"}},
		{"capability", RoleAgent, &Filter{Capabilities: []string{"search"}}, []string{"a", "c"}},
		{"all_capabilities", RoleAgent, &Filter{Capabilities: []string{"search", "web"}}, []string{"a"}},
		{"name_substring", RoleAgent, &Filter{NameContains: "search"}, []string{"a", "c"}},
		{"every_role", "", nil, []string{"a", "b", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.List(tt.role, tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d participants, want %d", len(got), len(tt.want))
			}
			for i, p := range got {
				if p.ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, p.ID, tt.want[i])
				}
			}
		})
	}

	total, online := r.Count(RoleAgent)
	if total != 3 || online != 2 {
		t.Errorf("Count = %d/%d, want 3/2", total, online)
	}
}

func TestMemoryRegistry_MarkOfflineUnknown(t *testing.T) {
	r := NewMemoryRegistry()

	if got := r.MarkOffline("nope"); got != nil {
		t.Errorf("MarkOffline(unknown) = %+v", got)
	}

	r.Register(RoleClient, Registration{Name: "ui"}, "c1")
	r.MarkOffline("c1")
	if got := r.MarkOffline("c1"); got != nil {
		t.Error("second MarkOffline should be a no-op")
	}
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	r := NewMemoryRegistry()
	p, _ := r.Register(RoleAgent, Registration{ID: "a", Name: "alpha", Capabilities: []string{"echo"}}, "c1")

	p.Name = "mutated"
	p.Capabilities[0] = "mutated"

	got, _ := r.LookupByID("a")
	if got.Name != "alpha" || got.Capabilities[0] != "echo" {
		t.Errorf("registry state leaked: %+v", got)
	}
}

func TestMemoryRegistry_Events(t *testing.T) {
	bus := events.NewBus[events.ParticipantEvent](events.BusOptions{})
	var got []events.ParticipantEvent
	bus.Subscribe(func(e events.ParticipantEvent) { got = append(got, e) })

	r := NewMemoryRegistry(WithEvents(bus))
	r.Register(RoleAgent, Registration{ID: "a", Name: "alpha"}, "c1")
	r.MarkOffline("c1")
	r.Register(RoleAgent, Registration{ID: "a"}, "c2")

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Status != "online" || got[0].Revived {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Status != "offline" || got[1].ConnectionID != "c1" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if !got[2].Revived {
		t.Errorf("event 2 = %+v", got[2])
	}
}

// --- Concurrency Tests ---

func TestMemoryRegistry_ConcurrentRegisterAndDisconnect(t *testing.T) {
	r := NewMemoryRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			r.Register(RoleAgent, Registration{ID: fmt.Sprintf("agent-%d", i%10), Name: "worker"}, conn)
			r.List(RoleAgent, &Filter{Status: StatusOnline})
			r.MarkOffline(conn)
		}(i)
	}
	wg.Wait()

	if got := r.List(RoleAgent, nil); len(got) != 10 {
		t.Errorf("got %d records, want 10", len(got))
	}
	if got := r.List(RoleAgent, &Filter{Status: StatusOnline}); len(got) != 0 {
		t.Errorf("got %d online, want 0", len(got))
	}
}
