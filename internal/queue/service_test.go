package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicware/clinic-queue/internal/closure"
	"github.com/clinicware/clinic-queue/internal/events"
	"github.com/clinicware/clinic-queue/internal/settings"
)

// In-memory ledger used to exercise the service without Postgres.
type memRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	entries  map[uuid.UUID]*Entry
	seq      int
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients: make(map[uuid.UUID]*Patient),
		entries:  make(map[uuid.UUID]*Entry),
	}
}

func (r *memRepo) addPatient(name string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.patients[id] = &Patient{ID: id, FullName: name}
	return id
}

func (r *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) FindActiveEntryForPatient(_ context.Context, patientID uuid.UUID, date string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.PatientID == patientID && e.AppointmentDate == date && e.Status != StatusCancelled {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (r *memRepo) CountActiveEntries(_ context.Context, date string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.AppointmentDate == date && e.Status != StatusCancelled {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) CountAllEntries(_ context.Context, date string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.AppointmentDate == date {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) CountEntriesWithStatus(_ context.Context, date string, status Status) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.AppointmentDate == date && e.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) CreateEntry(_ context.Context, patientID uuid.UUID, date string, queueNumber int, notes *string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.AppointmentDate == date && e.QueueNumber == queueNumber {
			return nil, ErrNumberTaken
		}
	}
	r.seq++
	e := &Entry{
		ID:              uuid.New(),
		PatientID:       patientID,
		AppointmentDate: date,
		QueueNumber:     queueNumber,
		Status:          StatusWaiting,
		Notes:           notes,
		CreatedAt:       time.Now().Add(time.Duration(r.seq) * time.Microsecond),
	}
	r.entries[e.ID] = e
	cp := *e
	return &cp, nil
}

func (r *memRepo) GetEntryByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) detailLocked(e *Entry) EntryDetail {
	cp := *e
	d := EntryDetail{Entry: cp}
	if p, ok := r.patients[e.PatientID]; ok {
		pc := *p
		d.Patient = &pc
	}
	return d
}

func (r *memRepo) GetEntryDetail(_ context.Context, id uuid.UUID) (*EntryDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	d := r.detailLocked(e)
	return &d, nil
}

func (r *memRepo) FindInServiceEntry(_ context.Context, date string) (*EntryDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.AppointmentDate == date && e.Status == StatusInService {
			d := r.detailLocked(e)
			return &d, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (r *memRepo) listLocked(date string, match func(*Entry) bool) []EntryDetail {
	var out []EntryDetail
	for _, e := range r.entries {
		if e.AppointmentDate == date && match(e) {
			out = append(out, r.detailLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out
}

func (r *memRepo) FindWaitingEntries(_ context.Context, date string) ([]EntryDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(date, func(e *Entry) bool { return e.Status == StatusWaiting }), nil
}

func (r *memRepo) ListEntriesByPatient(_ context.Context, patientID uuid.UUID, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.PatientID == patientID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppointmentDate != out[j].AppointmentDate {
			return out[i].AppointmentDate > out[j].AppointmentDate
		}
		return out[i].QueueNumber > out[j].QueueNumber
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListEntriesByDate(_ context.Context, date string) ([]EntryDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(date, func(*Entry) bool { return true }), nil
}

func (r *memRepo) ListActiveEntriesByDate(_ context.Context, date string) ([]EntryDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(date, func(e *Entry) bool {
		return e.Status == StatusWaiting || e.Status == StatusInService
	}), nil
}

func (r *memRepo) ListEntriesInRange(_ context.Context, startDate, endDate string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.AppointmentDate >= startDate && e.AppointmentDate <= endDate {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppointmentDate != out[j].AppointmentDate {
			return out[i].AppointmentDate < out[j].AppointmentDate
		}
		return out[i].QueueNumber < out[j].QueueNumber
	})
	return out, nil
}

func (r *memRepo) MarkInService(_ context.Context, id uuid.UUID, startedAt time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != StatusWaiting {
		return nil, ErrEntryNotFound
	}
	e.Status = StatusInService
	e.ServiceStartedAt = &startedAt
	cp := *e
	return &cp, nil
}

func (r *memRepo) MarkCompleted(_ context.Context, id uuid.UUID, completedAt time.Time, serviceMinutes int) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != StatusInService {
		return nil, ErrEntryNotFound
	}
	e.Status = StatusCompleted
	e.ServiceCompletedAt = &completedAt
	e.ActualServiceMinutes = &serviceMinutes
	cp := *e
	return &cp, nil
}

func (r *memRepo) UpdateEntryStatus(_ context.Context, id uuid.UUID, from, to Status, notes *string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != from {
		return nil, ErrEntryNotFound
	}
	e.Status = to
	if notes != nil {
		e.Notes = notes
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) BulkEmergencyCancel(_ context.Context, ids []uuid.UUID, note string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		if e.Status == StatusWaiting || e.Status == StatusInService {
			e.Status = StatusEmergencyCancelled
			n := note
			e.Notes = &n
			count++
		}
	}
	return count, nil
}

// memLocker serializes per date with plain mutexes.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *memLocker) WithDateLock(ctx context.Context, date string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[date]
	if !ok {
		m = &sync.Mutex{}
		l.locks[date] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// gateLocker holds every caller at the lock boundary until all expected
// callers have finished their pre-lock work, then serializes them. Forces the
// worst-case interleaving for checks that must live inside the lock.
type gateLocker struct {
	arrived *sync.WaitGroup
	mu      sync.Mutex
}

func (l *gateLocker) WithDateLock(ctx context.Context, date string, fn func(ctx context.Context) error) error {
	l.arrived.Done()
	l.arrived.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

// fakeSettings serves a fixed practice configuration.
type fakeSettings struct {
	practice *settings.Practice
}

func (f *fakeSettings) Active(context.Context) (*settings.Practice, error) {
	if f.practice == nil {
		return nil, settings.ErrNotConfigured
	}
	cp := *f.practice
	return &cp, nil
}

// fakeClosures is an in-memory closure registry.
type fakeClosures struct {
	mu       sync.Mutex
	nextID   int64
	closures map[int64]*closure.Closure
}

func newFakeClosures() *fakeClosures {
	return &fakeClosures{closures: make(map[int64]*closure.Closure)}
}

func (f *fakeClosures) ActiveForDate(_ context.Context, date string) (*closure.Closure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.closures {
		if c.ClosureDate == date && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, closure.ErrClosureNotFound
}

func (f *fakeClosures) Create(_ context.Context, date, reason string, affectedCount int, createdBy uuid.UUID) (*closure.Closure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.closures {
		if c.ClosureDate == date && c.IsActive {
			return nil, closure.ErrClosureActive
		}
	}
	f.nextID++
	c := &closure.Closure{
		ID:            f.nextID,
		ClosureDate:   date,
		Reason:        reason,
		AffectedCount: affectedCount,
		CreatedBy:     createdBy,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
	f.closures[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeClosures) Deactivate(_ context.Context, id int64) (*closure.Closure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.closures[id]
	if !ok {
		return nil, closure.ErrClosureNotFound
	}
	c.IsActive = false
	cp := *c
	return &cp, nil
}

func (f *fakeClosures) MarkNotified(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.closures[id]
	if !ok {
		return closure.ErrClosureNotFound
	}
	c.NotificationSent = true
	return nil
}

func (f *fakeClosures) List(context.Context, bool, int, int) ([]closure.Closure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []closure.Closure
	for _, c := range f.closures {
		out = append(out, *c)
	}
	return out, nil
}

// captureSink records sink calls for assertions.
type captureSink struct {
	mu            sync.Mutex
	activities    []events.Activity
	notifications []events.Notification
	broadcasts    []string
}

func (s *captureSink) RecordActivity(_ context.Context, a events.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, a)
}

func (s *captureSink) EnqueueNotification(_ context.Context, n events.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
}

func (s *captureSink) Broadcast(_ context.Context, event string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, event)
}

func (s *captureSink) activityTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.activities))
	for i, a := range s.activities {
		out[i] = a.Type
	}
	return out
}

type fixture struct {
	repo     *memRepo
	settings *fakeSettings
	closures *fakeClosures
	sink     *captureSink
	svc      *Service
	clock    time.Time
}

func allDays() []int { return []int{0, 1, 2, 3, 4, 5, 6} }

func newFixture(t *testing.T, maxSlots int, operatingDays []int) *fixture {
	t.Helper()

	f := &fixture{
		repo: newMemRepo(),
		settings: &fakeSettings{practice: &settings.Practice{
			ID:             uuid.New(),
			DoctorName:     "dr. Test",
			PracticeName:   "Test Clinic",
			OperatingDays:  operatingDays,
			OperatingHours: settings.OperatingHours{Start: "08:00", End: "17:00"},
			MaxSlotsPerDay: maxSlots,
			IsActive:       true,
		}},
		closures: newFakeClosures(),
		sink:     &captureSink{},
		clock:    time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC),
	}

	f.svc = NewService(f.repo, f.settings, f.closures, newMemLocker(), f.sink, time.UTC)
	f.svc.now = func() time.Time { return f.clock }

	return f
}

const (
	dateMonday  = "2024-06-10"
	dateTuesday = "2024-06-11"
)

func TestBookingScenario(t *testing.T) {
	f := newFixture(t, 2, allDays())
	ctx := context.Background()

	patientA := f.repo.addPatient("Alice")
	patientB := f.repo.addPatient("Bob")
	patientC := f.repo.addPatient("Carol")

	first, err := f.svc.Book(ctx, dateMonday, patientA, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.QueueNumber)
	assert.Equal(t, StatusWaiting, first.Status)

	second, err := f.svc.Book(ctx, dateMonday, patientB, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.QueueNumber)

	_, err = f.svc.Book(ctx, dateMonday, patientC, nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	called, err := f.svc.CallNext(ctx, dateMonday)
	require.NoError(t, err)
	assert.Equal(t, first.ID, called.ID)
	assert.Equal(t, StatusInService, called.Status)
	require.NotNil(t, called.ServiceStartedAt)

	_, err = f.svc.CallNext(ctx, dateMonday)
	assert.ErrorIs(t, err, ErrAlreadyInService)

	f.clock = f.clock.Add(12 * time.Minute)
	completed, err := f.svc.Complete(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.ActualServiceMinutes)
	assert.Equal(t, 12, *completed.ActualServiceMinutes)

	next, err := f.svc.CallNext(ctx, dateMonday)
	require.NoError(t, err)
	assert.Equal(t, second.ID, next.ID)
}

func TestBookRejectsDuplicate(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()
	patient := f.repo.addPatient("Alice")

	_, err := f.svc.Book(ctx, dateMonday, patient, nil)
	require.NoError(t, err)

	_, err = f.svc.Book(ctx, dateMonday, patient, nil)
	assert.ErrorIs(t, err, ErrDuplicateBooking)

	// A cancelled entry frees the patient to book again.
	entries, err := f.svc.MyEntries(ctx, patient)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = f.svc.Cancel(ctx, entries[0].ID, Actor{ID: uuid.New(), Admin: true})
	require.NoError(t, err)

	rebooked, err := f.svc.Book(ctx, dateMonday, patient, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rebooked.QueueNumber, "cancelled entry keeps number 1")
}

func TestCancelledNumbersAreNotReissued(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	first, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)
	_, err = f.svc.Book(ctx, dateMonday, f.repo.addPatient("Bob"), nil)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, first.ID, Actor{ID: uuid.New(), Admin: true})
	require.NoError(t, err)

	// One active entry, capacity has room, but number 3 is next: both 1 and 2
	// stay taken.
	third, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Carol"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, third.QueueNumber)
}

func TestBookRequiresActiveSettings(t *testing.T) {
	f := newFixture(t, 10, allDays())
	f.settings.practice = nil
	patient := f.repo.addPatient("Alice")

	_, err := f.svc.Book(context.Background(), dateMonday, patient, nil)
	assert.ErrorIs(t, err, settings.ErrNotConfigured)
}

func TestBookUnknownPatient(t *testing.T) {
	f := newFixture(t, 10, allDays())

	_, err := f.svc.Book(context.Background(), dateMonday, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestConcurrentBookingAssignsDistinctNumbers(t *testing.T) {
	const workers = 20

	f := newFixture(t, 30, allDays())
	ctx := context.Background()

	patients := make([]uuid.UUID, workers)
	for i := range patients {
		patients[i] = f.repo.addPatient("Patient")
	}

	var wg sync.WaitGroup
	results := make([]*EntryDetail, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Book(ctx, dateMonday, patients[i], nil)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		n := results[i].QueueNumber
		assert.False(t, seen[n], "queue number %d assigned twice", n)
		seen[n] = true
	}
	for n := 1; n <= workers; n++ {
		assert.True(t, seen[n], "queue number %d missing", n)
	}
}

func TestConcurrentSamePatientBookingYieldsOneEntry(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()
	patient := f.repo.addPatient("Alice")

	var arrived sync.WaitGroup
	arrived.Add(2)
	f.svc.locker = &gateLocker{arrived: &arrived}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(ctx, dateMonday, patient, nil)
		}(i)
	}
	wg.Wait()

	success, duplicate := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrDuplicateBooking):
			duplicate++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, duplicate)

	entries, err := f.repo.ListEntriesByPatient(ctx, patient, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "patient must hold a single entry for the date")
}

func TestConcurrentBookingRespectsCapacity(t *testing.T) {
	const workers = 10
	const maxSlots = 5

	f := newFixture(t, maxSlots, allDays())
	ctx := context.Background()

	patients := make([]uuid.UUID, workers)
	for i := range patients {
		patients[i] = f.repo.addPatient("Patient")
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(ctx, dateMonday, patients[i], nil)
		}(i)
	}
	wg.Wait()

	success, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrCapacityExceeded):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, maxSlots, success)
	assert.Equal(t, workers-maxSlots, full)
}

func TestCallNextPicksSmallestWaitingNumber(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	first, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)
	_, err = f.svc.Book(ctx, dateMonday, f.repo.addPatient("Bob"), nil)
	require.NoError(t, err)

	// Number 1 cancels; number 2 is now the smallest waiting entry.
	_, err = f.svc.Cancel(ctx, first.ID, Actor{ID: uuid.New(), Admin: true})
	require.NoError(t, err)

	called, err := f.svc.CallNext(ctx, dateMonday)
	require.NoError(t, err)
	assert.Equal(t, 2, called.QueueNumber)
}

func TestCallNextNoWaitingEntries(t *testing.T) {
	f := newFixture(t, 10, allDays())

	_, err := f.svc.CallNext(context.Background(), dateMonday)
	assert.ErrorIs(t, err, ErrNoWaitingEntries)
}

func TestCompleteRequiresInService(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	entry, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelDeadline(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()
	patient := f.repo.addPatient("Eve")

	// Clock is 09:00 on dateMonday, past the 08:00 operating start.
	today, err := f.svc.Book(ctx, dateMonday, patient, nil)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, today.ID, Actor{ID: patient})
	assert.ErrorIs(t, err, ErrPastCancellationDeadline)

	future, err := f.svc.Book(ctx, dateTuesday, patient, nil)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, future.ID, Actor{ID: patient})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestCancelBeforeOperatingStart(t *testing.T) {
	f := newFixture(t, 10, allDays())
	f.clock = time.Date(2024, 6, 10, 7, 30, 0, 0, time.UTC)
	ctx := context.Background()
	patient := f.repo.addPatient("Eve")

	entry, err := f.svc.Book(ctx, dateMonday, patient, nil)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, entry.ID, Actor{ID: patient})
	require.NoError(t, err)
}

func TestCancelRequiresOwnership(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	entry, err := f.svc.Book(ctx, dateTuesday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, entry.ID, Actor{ID: f.repo.addPatient("Mallory")})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSetStatusTerminalNeverRegresses(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	entry, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, entry.ID, StatusNoShow, nil)
	require.NoError(t, err)

	for _, target := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		_, err = f.svc.SetStatus(ctx, entry.ID, target, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "terminal entry accepted %s", target)
	}
}

func TestSetStatusRejectsUnknownTargets(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	entry, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, entry.ID, StatusWaiting, nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = f.svc.SetStatus(ctx, entry.ID, StatusInService, nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSetStatusCompletionArithmetic(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	entry, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	_, err = f.svc.CallNext(ctx, dateMonday)
	require.NoError(t, err)

	f.clock = f.clock.Add(25*time.Minute + 40*time.Second)
	notes := "done"
	detail, err := f.svc.SetStatus(ctx, entry.ID, StatusCompleted, &notes)
	require.NoError(t, err)

	require.NotNil(t, detail.ActualServiceMinutes)
	assert.Equal(t, 26, *detail.ActualServiceMinutes)
	require.NotNil(t, detail.ServiceCompletedAt)
}

func TestSetStatusCompletedFromWaitingHasNoServiceTime(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	entry, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	detail, err := f.svc.SetStatus(ctx, entry.ID, StatusCompleted, nil)
	require.NoError(t, err)
	assert.Nil(t, detail.ActualServiceMinutes)
}

func TestEmergencyCancelAll(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()
	admin := uuid.New()

	patient := f.repo.addPatient("Dave")
	entry, err := f.svc.Book(ctx, dateTuesday, patient, nil)
	require.NoError(t, err)

	result, err := f.svc.EmergencyCancelAll(ctx, dateTuesday, "doctor ill", admin)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Closure.AffectedCount)
	require.Len(t, result.AffectedEntries, 1)

	assert.True(t, result.Closure.NotificationSent)
	stored, err := f.closures.ActiveForDate(ctx, dateTuesday)
	require.NoError(t, err)
	assert.True(t, stored.NotificationSent, "closure record must be stamped notified")

	updated, err := f.repo.GetEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEmergencyCancelled, updated.Status)

	require.Len(t, f.sink.notifications, 1)
	assert.Equal(t, patient, f.sink.notifications[0].PatientID)
	assert.Equal(t, events.NotificationEmergencyClosure, f.sink.notifications[0].Type)

	// One per-entry activity plus the admin summary.
	types := f.sink.activityTypes()
	assert.Contains(t, types, events.ActivityQueueCancelled)
	assert.Contains(t, types, events.ActivitySettingsUpdated)

	_, err = f.svc.EmergencyCancelAll(ctx, dateTuesday, "still ill", admin)
	assert.ErrorIs(t, err, closure.ErrClosureActive)

	// Availability reports the closed day via the closure's affected count,
	// not as booked slots.
	avail, err := f.svc.CheckAvailability(ctx, dateTuesday)
	require.NoError(t, err)
	assert.True(t, avail.IsEmergencyClosed)
	require.NotNil(t, avail.Closure)
	assert.Equal(t, 1, avail.Closure.AffectedCount)
	assert.Equal(t, 0, avail.TotalBooked)
}

func TestEmergencyCancelRequiresReason(t *testing.T) {
	f := newFixture(t, 10, allDays())

	_, err := f.svc.EmergencyCancelAll(context.Background(), dateTuesday, "   ", uuid.New())
	assert.ErrorIs(t, err, ErrReasonRequired)
}

func TestAvailabilityOpen(t *testing.T) {
	f := newFixture(t, 5, allDays())
	ctx := context.Background()

	_, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)

	avail, err := f.svc.CheckAvailability(ctx, dateMonday)
	require.NoError(t, err)
	assert.True(t, avail.IsOperatingDay)
	assert.False(t, avail.IsEmergencyClosed)
	assert.Equal(t, 5, avail.MaxSlots)
	assert.Equal(t, 1, avail.TotalBooked)
	assert.Equal(t, 4, avail.AvailableSlots)
}

func TestAvailabilityNonOperatingDay(t *testing.T) {
	// Monday through Friday only; 2024-06-16 is a Sunday.
	f := newFixture(t, 5, []int{1, 2, 3, 4, 5})

	avail, err := f.svc.CheckAvailability(context.Background(), "2024-06-16")
	require.NoError(t, err)
	assert.False(t, avail.IsOperatingDay)
	assert.Equal(t, 0, avail.AvailableSlots)
	assert.Equal(t, "Sunday", avail.DayName)
	assert.Contains(t, avail.OperatingDayNames, "Monday")
}

func TestAvailabilityClosurePrecedesOperatingDay(t *testing.T) {
	// Sunday is not operated, but the active closure wins the check.
	f := newFixture(t, 5, []int{1, 2, 3, 4, 5})
	ctx := context.Background()

	_, err := f.closures.Create(ctx, "2024-06-16", "flooding", 0, uuid.New())
	require.NoError(t, err)

	avail, err := f.svc.CheckAvailability(ctx, "2024-06-16")
	require.NoError(t, err)
	assert.True(t, avail.IsEmergencyClosed)
	require.NotNil(t, avail.Closure)
	assert.Equal(t, "flooding", avail.Closure.Reason)
	assert.Equal(t, 0, avail.AvailableSlots)
}

func TestReportAggregation(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	a, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)
	_, err = f.svc.Book(ctx, dateMonday, f.repo.addPatient("Bob"), nil)
	require.NoError(t, err)
	_, err = f.svc.Book(ctx, dateTuesday, f.repo.addPatient("Carol"), nil)
	require.NoError(t, err)

	_, err = f.svc.CallNext(ctx, dateMonday)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, a.ID)
	require.NoError(t, err)

	report, err := f.svc.Report(ctx, dateMonday, dateTuesday)
	require.NoError(t, err)

	require.Len(t, report.Daily, 2)
	assert.Equal(t, dateMonday, report.Daily[0].Date)
	assert.Equal(t, 2, report.Daily[0].Stats.Total)
	assert.Equal(t, 1, report.Daily[0].Stats.Completed)
	assert.Equal(t, 1, report.Daily[0].Stats.Waiting)
	assert.Equal(t, 1, report.Daily[1].Stats.Waiting)

	assert.Equal(t, 3, report.Totals.Total)
	assert.Equal(t, 1, report.Totals.Completed)
	assert.Equal(t, 2, report.Totals.Waiting)
}

func TestReportRangeLimits(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	_, err := f.svc.Report(ctx, "2024-06-01", "2024-07-15")
	assert.ErrorIs(t, err, ErrRangeTooLarge)

	_, err = f.svc.Report(ctx, "2024-06-10", "2024-06-01")
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.svc.Report(ctx, "2024-06-01", "2024-07-01")
	require.NoError(t, err)
}

func TestCurrentState(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()

	first, err := f.svc.Book(ctx, dateMonday, f.repo.addPatient("Alice"), nil)
	require.NoError(t, err)
	_, err = f.svc.Book(ctx, dateMonday, f.repo.addPatient("Bob"), nil)
	require.NoError(t, err)

	state, err := f.svc.CurrentState(ctx, dateMonday)
	require.NoError(t, err)
	assert.Nil(t, state.InService)
	assert.Equal(t, 2, state.TotalWaiting)

	_, err = f.svc.CallNext(ctx, dateMonday)
	require.NoError(t, err)

	state, err = f.svc.CurrentState(ctx, dateMonday)
	require.NoError(t, err)
	require.NotNil(t, state.InService)
	assert.Equal(t, first.ID, state.InService.ID)
	assert.Equal(t, 1, state.TotalWaiting)
}

func TestBookForPatientStampsAdmin(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()
	admin := uuid.New()

	patient := f.repo.addPatient("Alice")
	detail, err := f.svc.BookForPatient(ctx, dateMonday, patient, nil, admin)
	require.NoError(t, err)
	require.NotNil(t, detail.Notes)
	assert.Contains(t, *detail.Notes, "Alice")

	require.NotEmpty(t, f.sink.activities)
	last := f.sink.activities[len(f.sink.activities)-1]
	assert.Equal(t, events.ActivityQueueCreated, last.Type)
	assert.Equal(t, true, last.Metadata["createdByAdmin"])
	assert.Equal(t, admin.String(), last.Metadata["adminId"])

	_, err = f.svc.BookForPatient(ctx, dateMonday, uuid.New(), nil, admin)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestDeactivateClosureReopensDate(t *testing.T) {
	f := newFixture(t, 10, allDays())
	ctx := context.Background()
	admin := uuid.New()

	result, err := f.svc.EmergencyCancelAll(ctx, dateTuesday, "power outage", admin)
	require.NoError(t, err)

	cl, err := f.svc.DeactivateClosure(ctx, result.Closure.ID, admin)
	require.NoError(t, err)
	assert.False(t, cl.IsActive)

	avail, err := f.svc.CheckAvailability(ctx, dateTuesday)
	require.NoError(t, err)
	assert.False(t, avail.IsEmergencyClosed)
}
