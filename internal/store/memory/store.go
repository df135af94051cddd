// Package memory is an in-process store.Store used by tests and local runs.
//
// Units of work are serialized behind one mutex and applied copy-on-write:
// InTx mutates a private copy of the state and swaps it in only when the
// callback succeeds.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"scanledger/internal/models"
	"scanledger/internal/store"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*view)(nil)
)

var errReadOnly = errors.New("memory: write attempted in read-only view")

type state struct {
	seq       int64
	users     map[int64]models.User
	plans     map[int64]models.Plan
	payments  map[int64]models.Payment
	instances map[int64]models.SubscriptionInstance
	entries   []models.LedgerEntry
}

func newState() *state {
	return &state{
		users:     make(map[int64]models.User),
		plans:     make(map[int64]models.Plan),
		payments:  make(map[int64]models.Payment),
		instances: make(map[int64]models.SubscriptionInstance),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:       s.seq,
		users:     make(map[int64]models.User, len(s.users)),
		plans:     make(map[int64]models.Plan, len(s.plans)),
		payments:  make(map[int64]models.Payment, len(s.payments)),
		instances: make(map[int64]models.SubscriptionInstance, len(s.instances)),
		entries:   make([]models.LedgerEntry, len(s.entries)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.instances {
		c.instances[k] = v
	}
	copy(c.entries, s.entries)
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// NewSeeded returns a store holding the same plan catalog the SQL migrations seed.
func NewSeeded() *Store {
	s := New()
	s.SeedPlan(models.Plan{Name: "free", ScanQuota: 5, DurationDays: 3650, Description: "Granted at registration"})
	s.SeedPlan(models.Plan{Name: "plus", ScanQuota: 100, DurationDays: 30, PriceCents: 9900, Description: "100 scans for 30 days"})
	s.SeedPlan(models.Plan{Name: "pro", ScanQuota: 500, DurationDays: 30, PriceCents: 29900, Description: "500 scans for 30 days"})
	return s
}

// SeedPlan adds a catalog entry. The ledger itself never writes plans.
func (s *Store) SeedPlan(p models.Plan) models.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.st.nextID()
	s.st.plans[p.ID] = p
	return p
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&view{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Read(ctx context.Context, fn func(q store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&view{st: s.st, readOnly: true})
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() {}

// Entries returns a copy of the audit trail for a user, oldest first.
func (s *Store) Entries(userID int64) []models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.st.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

type view struct {
	st       *state
	readOnly bool
}

func (v *view) writable() error {
	if v.readOnly {
		return errReadOnly
	}
	return nil
}

func (v *view) InsertUser(_ context.Context, user *models.User) error {
	if err := v.writable(); err != nil {
		return err
	}
	for _, u := range v.st.users {
		if u.Login == user.Login || u.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	user.ID = v.st.nextID()
	user.RegisteredAt = time.Now().UTC()
	v.st.users[user.ID] = *user
	return nil
}

func (v *view) GetUser(_ context.Context, userID int64) (models.User, error) {
	if u, ok := v.st.users[userID]; ok {
		return u, nil
	}
	return models.User{}, store.ErrNotFound
}

func (v *view) GetUserByLogin(_ context.Context, login string) (models.User, error) {
	for _, u := range v.st.users {
		if u.Login == login {
			return u, nil
		}
	}
	return models.User{}, store.ErrNotFound
}

// LockUser only checks existence; units of work are already serialized.
func (v *view) LockUser(ctx context.Context, userID int64, _ bool) error {
	_, err := v.GetUser(ctx, userID)
	return err
}

func (v *view) GetPlan(_ context.Context, planID int64) (models.Plan, error) {
	if p, ok := v.st.plans[planID]; ok {
		return p, nil
	}
	return models.Plan{}, store.ErrNotFound
}

func (v *view) GetPlanByName(_ context.Context, name string) (models.Plan, error) {
	for _, p := range v.st.plans {
		if p.Name == name {
			return p, nil
		}
	}
	return models.Plan{}, store.ErrNotFound
}

func (v *view) ListPlans(_ context.Context) ([]models.Plan, error) {
	plans := make([]models.Plan, 0, len(v.st.plans))
	for _, p := range v.st.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].PriceCents != plans[j].PriceCents {
			return plans[i].PriceCents < plans[j].PriceCents
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

func (v *view) InsertPayment(_ context.Context, payment *models.Payment) error {
	if err := v.writable(); err != nil {
		return err
	}
	if _, ok := v.st.users[payment.UserID]; !ok {
		return store.ErrNotFound
	}
	for _, p := range v.st.payments {
		if p.TransactionID == payment.TransactionID {
			return store.ErrDuplicate
		}
	}
	payment.ID = v.st.nextID()
	payment.CreatedAt = time.Now().UTC()
	v.st.payments[payment.ID] = *payment
	return nil
}

func (v *view) GetPayment(_ context.Context, paymentID int64, _ bool) (models.Payment, error) {
	if p, ok := v.st.payments[paymentID]; ok {
		return p, nil
	}
	return models.Payment{}, store.ErrNotFound
}

func (v *view) GetPaymentByTransactionID(_ context.Context, transactionID string, _ bool) (models.Payment, error) {
	for _, p := range v.st.payments {
		if p.TransactionID == transactionID {
			return p, nil
		}
	}
	return models.Payment{}, store.ErrNotFound
}

func (v *view) MarkPaymentSucceeded(_ context.Context, paymentID int64, at time.Time) error {
	if err := v.writable(); err != nil {
		return err
	}
	p, ok := v.st.payments[paymentID]
	if !ok || p.Status != models.PaymentPending {
		return store.ErrNotFound
	}
	p.Status = models.PaymentSuccess
	p.ConfirmedAt = &at
	v.st.payments[paymentID] = p
	return nil
}

func (v *view) ListPayments(_ context.Context, userID int64) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range v.st.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (v *view) ActiveInstances(_ context.Context, userID int64, _ bool) ([]models.SubscriptionInstance, error) {
	var out []models.SubscriptionInstance
	for _, i := range v.st.instances {
		if i.UserID == userID && i.IsActive {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (v *view) InstanceByPayment(_ context.Context, paymentID int64) (models.SubscriptionInstance, error) {
	for _, i := range v.st.instances {
		if i.PaymentID != nil && *i.PaymentID == paymentID {
			return i, nil
		}
	}
	return models.SubscriptionInstance{}, store.ErrNotFound
}

func (v *view) DeactivateInstance(_ context.Context, instanceID int64) error {
	if err := v.writable(); err != nil {
		return err
	}
	i, ok := v.st.instances[instanceID]
	if !ok || !i.IsActive {
		return store.ErrNotFound
	}
	i.IsActive = false
	v.st.instances[instanceID] = i
	return nil
}

func (v *view) InsertInstance(_ context.Context, instance *models.SubscriptionInstance) error {
	if err := v.writable(); err != nil {
		return err
	}
	for _, i := range v.st.instances {
		if instance.IsActive && i.IsActive && i.UserID == instance.UserID {
			return store.ErrActiveConflict
		}
		if instance.PaymentID != nil && i.PaymentID != nil && *i.PaymentID == *instance.PaymentID {
			return store.ErrDuplicate
		}
	}
	instance.ID = v.st.nextID()
	instance.CreatedAt = time.Now().UTC()
	v.st.instances[instance.ID] = *instance
	return nil
}

func (v *view) ConsumeScan(_ context.Context, userID int64, now time.Time) (models.SubscriptionInstance, string, error) {
	if err := v.writable(); err != nil {
		return models.SubscriptionInstance{}, "", err
	}
	for id, i := range v.st.instances {
		if i.UserID != userID || !i.Entitled(now) {
			continue
		}
		i.RemainingScans--
		v.st.instances[id] = i
		return i, v.st.plans[i.PlanID].Name, nil
	}
	return models.SubscriptionInstance{}, "", store.ErrNotFound
}

func (v *view) ListInstances(_ context.Context, userID int64) ([]models.SubscriptionInstance, error) {
	var out []models.SubscriptionInstance
	for _, i := range v.st.instances {
		if i.UserID == userID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return out, nil
}

func (v *view) InsertEntry(_ context.Context, entry *models.LedgerEntry) error {
	if err := v.writable(); err != nil {
		return err
	}
	entry.ID = v.st.nextID()
	entry.CreatedAt = time.Now().UTC()
	v.st.entries = append(v.st.entries, *entry)
	return nil
}
