package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scanledger/internal/config"
	"scanledger/internal/models"
	"scanledger/internal/store"
	"scanledger/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		DefaultPlan:     "free",
		PaymentCurrency: "UAH",
		PaymentMethod:   "monobank",
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	st := memory.NewSeeded()
	return New(st, testConfig(), opts...), st
}

func register(t *testing.T, svc *Service, login string) models.User {
	t.Helper()
	user, _, err := svc.RegisterUser(context.Background(), Registration{
		Login:    login,
		Email:    login + "@example.com",
		Password: "correct-horse",
	})
	require.NoError(t, err)
	return user
}

func planByName(t *testing.T, svc *Service, name string) models.Plan {
	t.Helper()
	plan, err := svc.GetPlan(context.Background(), name)
	require.NoError(t, err)
	return plan
}

func activeInstances(t *testing.T, svc *Service, userID int64) []models.SubscriptionInstance {
	t.Helper()
	all, err := svc.ListInstances(context.Background(), userID)
	require.NoError(t, err)
	var active []models.SubscriptionInstance
	for _, inst := range all {
		if inst.IsActive {
			active = append(active, inst)
		}
	}
	return active
}

func TestRegisterGrantsDefaultPlan(t *testing.T) {
	svc, st := newTestService(t)
	user, status, err := svc.RegisterUser(context.Background(), Registration{
		Login: "anna", Email: "Anna@Example.com", Password: "correct-horse",
	})
	require.NoError(t, err)
	assert.Equal(t, "anna@example.com", user.Email)
	assert.Equal(t, models.Status{PlanName: "free", RemainingScans: 5}, status)

	active := activeInstances(t, svc, user.ID)
	require.Len(t, active, 1)
	assert.Nil(t, active[0].PaymentID)

	entries := st.Entries(user.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReasonDefaultGrant, entries[0].Reason)
	assert.Equal(t, 5, entries[0].DeltaScans)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.RegisterUser(context.Background(), Registration{Login: "al", Email: "not-an-email", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	register(t, svc, "bruno")
	_, _, err = svc.RegisterUser(context.Background(), Registration{Login: "bruno", Email: "other@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterFailsWithoutDefaultPlan(t *testing.T) {
	st := memory.New()
	svc := New(st, testConfig())

	_, err := svc.RequireDefaultPlan(context.Background())
	assert.ErrorIs(t, err, ErrDefaultPlanMissing)

	_, _, err = svc.RegisterUser(context.Background(), Registration{Login: "carla", Email: "carla@example.com", Password: "correct-horse"})
	require.ErrorIs(t, err, ErrDefaultPlanMissing)

	err = st.Read(context.Background(), func(q store.Tx) error {
		_, err := q.GetUserByLogin(context.Background(), "carla")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFreePlanScenario(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc, "dora")

	for want := 4; want >= 0; want-- {
		status, err := svc.ConsumeScan(context.Background(), user.ID)
		require.NoError(t, err)
		assert.Equal(t, models.Status{PlanName: "free", RemainingScans: want}, status)
	}
	_, err := svc.ConsumeScan(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	status, err := svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Status{PlanName: "free", RemainingScans: 0}, status)
}

func TestConsumeScanUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ConsumeScan(context.Background(), 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentScansNeverOverspend(t *testing.T) {
	svc, st := newTestService(t)
	user := register(t, svc, "emil")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, exceeded := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConsumeScan(context.Background(), user.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrQuotaExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, workers-5, exceeded)

	scans := 0
	for _, e := range st.Entries(user.ID) {
		if e.Reason == models.ReasonScan {
			scans++
		}
	}
	assert.Equal(t, 5, scans)
}

func TestRecordPaymentAttempt(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc, "fiona")
	plus := planByName(t, svc, "plus")

	payment, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, plus.PriceCents, payment.Amount)
	assert.Equal(t, "UAH", payment.Currency)
	assert.Equal(t, "monobank", payment.Method)
	assert.Equal(t, models.PaymentPending, payment.Status)
	assert.Len(t, payment.TransactionID, 36)

	other, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, plus.PriceCents+100, models.PaymentMethodStripe)
	require.NoError(t, err)
	assert.NotEqual(t, payment.TransactionID, other.TransactionID)
	assert.Equal(t, plus.PriceCents+100, other.Amount)

	_, err = svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, -1, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 1, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, plus.PriceCents-1, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.RecordPaymentAttempt(context.Background(), user.ID, 9999, 0, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.RecordPaymentAttempt(context.Background(), 9999, plus.ID, 0, "")
	assert.ErrorIs(t, err, ErrNotFound)

	status, err := svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "free", status.PlanName)

	payments, err := svc.ListPayments(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, other.ID, payments[0].ID)
}

func TestConfirmPaymentActivatesPlan(t *testing.T) {
	svc, st := newTestService(t)
	user := register(t, svc, "gus")
	plus := planByName(t, svc, "plus")
	freeInstance := activeInstances(t, svc, user.ID)[0]

	payment, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 0, "")
	require.NoError(t, err)

	out, err := svc.ConfirmPayment(context.Background(), payment.TransactionID)
	require.NoError(t, err)
	assert.False(t, out.AlreadyConfirmed)
	assert.Equal(t, models.PaymentSuccess, out.Payment.Status)
	assert.NotNil(t, out.Payment.ConfirmedAt)
	assert.Equal(t, "plus", out.Plan.Name)
	assert.Equal(t, 100, out.Instance.RemainingScans)
	require.NotNil(t, out.Instance.PaymentID)
	assert.Equal(t, payment.ID, *out.Instance.PaymentID)
	assert.WithinDuration(t, out.Instance.StartedAt.Add(30*24*time.Hour), out.Instance.EndsAt, time.Second)
	assert.Equal(t, "gus@example.com", out.User.Email)

	active := activeInstances(t, svc, user.ID)
	require.Len(t, active, 1)
	assert.Equal(t, out.Instance.ID, active[0].ID)
	assert.NotEqual(t, freeInstance.ID, active[0].ID)

	status, err := svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Status{PlanName: "plus", RemainingScans: 100}, status)

	entries := st.Entries(user.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ReasonPaymentActivation, entries[1].Reason)
	require.NotNil(t, entries[1].PaymentID)
	assert.Equal(t, payment.ID, *entries[1].PaymentID)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	user := register(t, svc, "hana")
	plus := planByName(t, svc, "plus")
	payment, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 0, "")
	require.NoError(t, err)

	first, err := svc.ConfirmPayment(context.Background(), payment.TransactionID)
	require.NoError(t, err)
	_, err = svc.ConsumeScan(context.Background(), user.ID)
	require.NoError(t, err)

	second, err := svc.ConfirmPayment(context.Background(), payment.TransactionID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyConfirmed)
	assert.Equal(t, first.Instance.ID, second.Instance.ID)
	assert.Equal(t, 99, second.Instance.RemainingScans)

	all, err := svc.ListInstances(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, st.Entries(user.ID), 3)
}

func TestConcurrentConfirmActivatesOnce(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc, "ivan")
	plus := planByName(t, svc, "plus")
	payment, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 0, "")
	require.NoError(t, err)

	const workers = 10
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.ConfirmPayment(context.Background(), payment.TransactionID)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if !outcomes[i].AlreadyConfirmed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	active := activeInstances(t, svc, user.ID)
	require.Len(t, active, 1)
	assert.Equal(t, plus.ID, active[0].PlanID)
	assert.Equal(t, 100, active[0].RemainingScans)

	all, err := svc.ListInstances(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	free := all[1]
	assert.False(t, free.IsActive)
	assert.Equal(t, planByName(t, svc, "free").ID, free.PlanID)
}

func TestConfirmUnknownTransactionWritesNothing(t *testing.T) {
	svc, st := newTestService(t)
	user := register(t, svc, "jana")
	before := len(st.Entries(user.ID))

	_, err := svc.ConfirmPayment(context.Background(), "00000000-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ConfirmPayment(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Len(t, st.Entries(user.ID), before)
	assert.Len(t, activeInstances(t, svc, user.ID), 1)
}

var errInjected = errors.New("injected failure")

// failingStore hands out transactions whose InsertInstance always fails.
type failingStore struct {
	store.Store
}

func (f failingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

type failingTx struct {
	store.Tx
}

func (failingTx) InsertInstance(context.Context, *models.SubscriptionInstance) error {
	return errInjected
}

func TestActivationIsAtomic(t *testing.T) {
	st := memory.NewSeeded()
	svc := New(st, testConfig())
	user := register(t, svc, "karl")
	plus := planByName(t, svc, "plus")
	payment, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 0, "")
	require.NoError(t, err)

	broken := New(failingStore{Store: st}, testConfig())
	_, err = broken.ConfirmPayment(context.Background(), payment.TransactionID)
	require.ErrorIs(t, err, errInjected)

	got, err := svc.PaymentByTransactionID(context.Background(), payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status)
	assert.Nil(t, got.ConfirmedAt)

	status, err := svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Status{PlanName: "free", RemainingScans: 5}, status)
	assert.Len(t, st.Entries(user.ID), 1)

	out, err := svc.ConfirmPayment(context.Background(), payment.TransactionID)
	require.NoError(t, err)
	assert.False(t, out.AlreadyConfirmed)
}

func TestActivateFromPayment(t *testing.T) {
	svc, _ := newTestService(t)
	owner := register(t, svc, "lena")
	other := register(t, svc, "mika")
	pro := planByName(t, svc, "pro")
	payment, err := svc.RecordPaymentAttempt(context.Background(), owner.ID, pro.ID, 0, "")
	require.NoError(t, err)

	_, err = svc.ActivateFromPayment(context.Background(), other.ID, payment.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ActivateFromPayment(context.Background(), owner.ID, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	out, err := svc.ActivateFromPayment(context.Background(), owner.ID, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, out.Instance.RemainingScans)

	again, err := svc.ActivateFromPayment(context.Background(), owner.ID, payment.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyConfirmed)
	assert.Equal(t, out.Instance.ID, again.Instance.ID)

	viaTx, err := svc.ConfirmPayment(context.Background(), payment.TransactionID)
	require.NoError(t, err)
	assert.True(t, viaTx.AlreadyConfirmed)
}

func TestAssignPlan(t *testing.T) {
	svc, st := newTestService(t)
	user := register(t, svc, "nora")

	inst, err := svc.AssignPlan(context.Background(), user.ID, "pro")
	require.NoError(t, err)
	assert.Nil(t, inst.PaymentID)
	assert.Equal(t, 500, inst.RemainingScans)

	active := activeInstances(t, svc, user.ID)
	require.Len(t, active, 1)
	assert.Equal(t, inst.ID, active[0].ID)

	entries := st.Entries(user.ID)
	assert.Equal(t, models.ReasonAdminGrant, entries[len(entries)-1].Reason)

	_, err = svc.AssignPlan(context.Background(), user.ID, "platinum")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.AssignPlan(context.Background(), 9999, "pro")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusWithoutInstanceIsNone(t *testing.T) {
	svc, st := newTestService(t)
	legacy := models.User{Login: "olga", Email: "olga@example.com", Role: models.UserRoleUser}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertUser(context.Background(), &legacy)
	}))

	status, err := svc.GetStatus(context.Background(), legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NoStatus, status)

	_, err = svc.ConsumeScan(context.Background(), legacy.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = svc.GetStatus(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	inst, err := svc.GrantDefaultPlan(context.Background(), legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, inst.RemainingScans)
}

func TestExpiredInstanceReportsNone(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, _ := newTestService(t, WithClock(clock))
	user := register(t, svc, "petr")
	plus := planByName(t, svc, "plus")
	payment, err := svc.RecordPaymentAttempt(context.Background(), user.ID, plus.ID, 0, "")
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(context.Background(), payment.TransactionID)
	require.NoError(t, err)

	now = now.Add(31 * 24 * time.Hour)

	status, err := svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NoStatus, status)
	_, err = svc.ConsumeScan(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Len(t, activeInstances(t, svc, user.ID), 1)
}

// doubleActiveStore reports every active instance twice on reads.
type doubleActiveStore struct {
	store.Store
}

func (d doubleActiveStore) Read(ctx context.Context, fn func(q store.Tx) error) error {
	return d.Store.Read(ctx, func(q store.Tx) error {
		return fn(doubleActiveTx{Tx: q})
	})
}

type doubleActiveTx struct {
	store.Tx
}

func (d doubleActiveTx) ActiveInstances(ctx context.Context, userID int64, forUpdate bool) ([]models.SubscriptionInstance, error) {
	active, err := d.Tx.ActiveInstances(ctx, userID, forUpdate)
	return append(active, active...), err
}

func TestGetStatusReportsIntegrityViolation(t *testing.T) {
	st := memory.NewSeeded()
	user := register(t, New(st, testConfig()), "quinn")

	svc := New(doubleActiveStore{Store: st}, testConfig())
	_, err := svc.GetStatus(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

type recordingCache struct {
	mu          sync.Mutex
	entries     map[int64]models.Status
	invalidated []int64
}

func (c *recordingCache) Get(_ context.Context, userID int64) (models.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[userID]
	return s, ok
}

func (c *recordingCache) Set(_ context.Context, userID int64, s models.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = s
}

func (c *recordingCache) Invalidate(_ context.Context, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	c.invalidated = append(c.invalidated, userID)
}

func TestStatusCacheInvalidatedOnChange(t *testing.T) {
	c := &recordingCache{entries: map[int64]models.Status{}}
	svc, _ := newTestService(t, WithCache(c))
	user := register(t, svc, "rosa")

	status, err := svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	cached, ok := c.Get(context.Background(), user.ID)
	require.True(t, ok)
	assert.Equal(t, status, cached)

	_, err = svc.ConsumeScan(context.Background(), user.ID)
	require.NoError(t, err)
	_, ok = c.Get(context.Background(), user.ID)
	assert.False(t, ok)

	status, err = svc.GetStatus(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.RemainingScans)
	assert.Contains(t, c.invalidated, user.ID)
}

func TestGetPlan(t *testing.T) {
	svc, _ := newTestService(t)
	plus := planByName(t, svc, "plus")

	byID, err := svc.GetPlan(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, plus, byID)

	_, err = svc.GetPlan(context.Background(), "gold")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetPlan(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	plans, err := svc.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Len(t, plans, 3)
}

func TestStatusByLogin(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc, "sara")

	got, status, err := svc.StatusByLogin(context.Background(), "sara")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "free", status.PlanName)

	_, _, err = svc.StatusByLogin(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
