package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"tagbind/internal/models"
	"tagbind/internal/notify"
	"tagbind/internal/repository"
)

// In-memory repository fakes shared by the service tests.

type fakeGuestRepo struct {
	mu          sync.Mutex
	guests      map[string]*models.Guest // key projectID+"/"+guestID
	setTagErr   error
	clearTagErr error
}

func newFakeGuestRepo(guests ...models.Guest) *fakeGuestRepo {
	r := &fakeGuestRepo{guests: make(map[string]*models.Guest)}
	for i := range guests {
		g := guests[i]
		r.guests[g.ProjectID+"/"+g.ID] = &g
	}
	return r
}

func (r *fakeGuestRepo) GetByID(_ context.Context, projectID, guestID string) (*models.Guest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guests[projectID+"/"+guestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *g
	return &out, nil
}

func (r *fakeGuestRepo) SetTag(_ context.Context, projectID, guestID, tagID string, at time.Time) error {
	if r.setTagErr != nil {
		return r.setTagErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guests[projectID+"/"+guestID]
	if !ok {
		return repository.ErrNotFound
	}
	tag := tagID
	bound := at
	g.TagID = &tag
	g.BoundAt = &bound
	return nil
}

func (r *fakeGuestRepo) ClearTag(_ context.Context, projectID, guestID string) error {
	if r.clearTagErr != nil {
		return r.clearTagErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guests[projectID+"/"+guestID]
	if !ok {
		return repository.ErrNotFound
	}
	g.TagID = nil
	g.BoundAt = nil
	return nil
}

type fakeScannerRepo struct {
	mu         sync.Mutex
	scanners   map[string]*models.Scanner // by id
	heartbeats int
}

func newFakeScannerRepo(scanners ...models.Scanner) *fakeScannerRepo {
	r := &fakeScannerRepo{scanners: make(map[string]*models.Scanner)}
	for i := range scanners {
		s := scanners[i]
		s.MAC = models.NormalizeMAC(s.MAC)
		r.scanners[s.ID] = &s
	}
	return r
}

func (r *fakeScannerRepo) GetByID(_ context.Context, id string) (*models.Scanner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scanners[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (r *fakeScannerRepo) GetByMAC(_ context.Context, mac string) (*models.Scanner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mac = models.NormalizeMAC(mac)
	for _, s := range r.scanners {
		if s.MAC == mac {
			out := *s
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeScannerRepo) UpdateHeartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scanners[id]; ok {
		s.LastSeen = at
	}
	r.heartbeats++
	return nil
}

type fakeBindingRepo struct {
	mu        sync.Mutex
	rows      []models.Binding
	upsertErr error
}

func (r *fakeBindingRepo) Upsert(_ context.Context, b *models.Binding) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, row := range r.rows {
		if row.ProjectID == b.ProjectID && (row.GuestID == b.GuestID || row.TagID == b.TagID) {
			continue
		}
		kept = append(kept, row)
	}
	r.rows = append(kept, *b)
	return nil
}

func (r *fakeBindingRepo) GetByGuest(_ context.Context, projectID, guestID string) (*models.Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ProjectID == projectID && row.GuestID == guestID {
			out := row
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeBindingRepo) Delete(_ context.Context, projectID, guestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ProjectID == projectID && row.GuestID == guestID {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *fakeBindingRepo) CountByProject(_ context.Context, projectID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

type fakePendingRepo struct {
	mu          sync.Mutex
	rows        map[string]*models.PendingRequest
	createErr   error
	statusErr   error
	completeErr error
	createHook  func() // runs before Create persists, for in-flight races
}

func newFakePendingRepo() *fakePendingRepo {
	return &fakePendingRepo{rows: make(map[string]*models.PendingRequest)}
}

func (r *fakePendingRepo) Create(_ context.Context, req *models.PendingRequest) error {
	if r.createHook != nil {
		r.createHook()
	}
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row := *req
	r.rows[row.ID] = &row
	return nil
}

func (r *fakePendingRepo) SetStatus(_ context.Context, id string, from, to models.RequestStatus) error {
	if r.statusErr != nil {
		return r.statusErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return repository.ErrStaleStatus
	}
	row.Status = to
	return nil
}

func (r *fakePendingRepo) MarkCompleted(_ context.Context, id, tagID string, at time.Time) error {
	if r.completeErr != nil {
		return r.completeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.StatusWaiting {
		return repository.ErrStaleStatus
	}
	row.Status = models.StatusCompleted
	row.TagID = tagID
	completedAt := at
	row.CompletedAt = &completedAt
	return nil
}

func (r *fakePendingRepo) ListWaiting(_ context.Context) ([]models.PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PendingRequest
	for _, row := range r.rows {
		if row.Status == models.StatusWaiting {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakePendingRepo) CountWaitingByProject(_ context.Context, projectID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.ProjectID == projectID && row.Status == models.StatusWaiting {
			n++
		}
	}
	return n, nil
}

func (r *fakePendingRepo) status(id string) models.RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		return row.Status
	}
	return ""
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *recordingBus) Publish(kind notify.EventKind, data interface{}) {
	b.record(kind, data)
}

func (b *recordingBus) PublishFiltered(kind notify.EventKind, data interface{}) {
	b.record(kind, data)
}

func (b *recordingBus) record(kind notify.EventKind, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, notify.Event{Kind: kind, At: time.Now(), Data: data})
}

func (b *recordingBus) ofKind(kind notify.EventKind) []notify.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []notify.Event
	for _, evt := range b.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (b *recordingBus) count(kind notify.EventKind) int {
	return len(b.ofKind(kind))
}

// fixture wires the matching core over fakes with the Willem scenario
// data: project P1, guest G1, scanner S1 at MAC F0:F5:BD:54:36:A8.
type fixture struct {
	guests     *fakeGuestRepo
	scanners   *fakeScannerRepo
	bindings   *fakeBindingRepo
	pending    *fakePendingRepo
	table      *PendingTable
	bus        *recordingBus
	engine     *MatchingEngine
	controller *LifecycleController
}

const (
	testMAC = "F0:F5:BD:54:36:A8"
	testTag = "Q3000E280689400004002D10698A5"
)

func newFixture() *fixture {
	guests := newFakeGuestRepo(
		models.Guest{ID: "G1", ProjectID: "P1", Name: "Willem"},
		models.Guest{ID: "G2", ProjectID: "P1", Name: "Maartje", VIP: true},
	)
	scanners := newFakeScannerRepo(
		models.Scanner{ID: "S1", MAC: testMAC, Name: "Main entrance"},
		models.Scanner{ID: "S2", MAC: "11:22:33:44:55:66", Name: "Backstage"},
	)
	bindings := &fakeBindingRepo{}
	pending := newFakePendingRepo()
	table := NewPendingTable(pending)
	bus := &recordingBus{}

	return &fixture{
		guests:     guests,
		scanners:   scanners,
		bindings:   bindings,
		pending:    pending,
		table:      table,
		bus:        bus,
		engine:     NewMatchingEngine(scanners, guests, bindings, table, bus),
		controller: NewLifecycleController(guests, scanners, bindings, table, bus, time.Hour),
	}
}
