package store

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/mindgauge/backend/internal/domain"
)

// Memory is the in-process store used by STORAGE=memory deployments and
// the test suites. All methods are safe for concurrent use. Records are
// copied on the way in and out, so callers can mutate what they hold
// without corrupting the store.
type Memory struct {
	mu sync.RWMutex

	users      map[int64]*domain.User
	emailIndex map[string]int64

	items map[int64]*domain.Item

	sessions  map[int64]*domain.Session
	responses []*domain.Response
	respIndex map[int64]map[int64]bool // session id -> item id

	resetTokens []*domain.PasswordResetToken
	metrics     []*domain.ReliabilityMetric
	events      []*domain.SecurityEvent

	nextUser     int64
	nextItem     int64
	nextSession  int64
	nextResponse int64
	nextMetric   int64
	nextEvent    int64

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:      map[int64]*domain.User{},
		emailIndex: map[string]int64{},
		items:      map[int64]*domain.Item{},
		sessions:   map[int64]*domain.Session{},
		respIndex:  map[int64]map[int64]bool{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ping reports store health. The memory store is always healthy.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// ---- users ----

func (m *Memory) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := foldEmail(u.Email)
	if _, taken := m.emailIndex[email]; taken {
		return domain.Conflict(domain.KeyEmailTaken, "email already registered")
	}
	m.nextUser++
	u.ID = m.nextUser
	u.Email = email
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = cloneUser(u)
	m.emailIndex[email] = u.ID
	return nil
}

func (m *Memory) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emailIndex[foldEmail(email)]
	if !ok {
		return nil, domain.NotFoundErr(domain.KeyNotFound, "user not found")
	}
	return cloneUser(m.users[id]), nil
}

func (m *Memory) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, domain.NotFoundErr(domain.KeyNotFound, "user not found")
	}
	return cloneUser(u), nil
}

func (m *Memory) UpdatePassword(ctx context.Context, userID int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return domain.NotFoundErr(domain.KeyNotFound, "user not found")
	}
	u.PasswordHash = hash
	return nil
}

// AdvanceRevocation moves the user's revocation epoch forward. It never
// moves backward, so overlapping logout-all calls cannot shrink the
// revoked window.
func (m *Memory) AdvanceRevocation(ctx context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return domain.NotFoundErr(domain.KeyNotFound, "user not found")
	}
	if u.TokenRevokedBefore == nil || at.After(*u.TokenRevokedBefore) {
		t := at
		u.TokenRevokedBefore = &t
	}
	return nil
}

func (m *Memory) SetPushToken(ctx context.Context, userID int64, token string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return domain.NotFoundErr(domain.KeyNotFound, "user not found")
	}
	u.PushToken = token
	u.PushEnabled = enabled
	return nil
}

// ---- items ----

// PutItem inserts or replaces an item. Ids are assigned when zero;
// explicit ids are honored so fixtures can pin them.
func (m *Memory) PutItem(ctx context.Context, it *domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it.ID == 0 {
		m.nextItem++
		it.ID = m.nextItem
	} else if it.ID > m.nextItem {
		m.nextItem = it.ID
	}
	m.items[it.ID] = cloneItem(it)
	return nil
}

func (m *Memory) ItemByID(ctx context.Context, id int64) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok {
		return nil, domain.NotFoundErr(domain.KeyItemNotFound, "item not found")
	}
	return cloneItem(it), nil
}

func (m *Memory) ItemsByID(ctx context.Context, ids []int64) (map[int64]*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int64]*domain.Item, len(ids))
	for _, id := range ids {
		if it, ok := m.items[id]; ok {
			out[id] = cloneItem(it)
		}
	}
	return out, nil
}

// EligibleItems lists the servable pool in ascending id order.
func (m *Memory) EligibleItems(ctx context.Context) ([]*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Item
	for _, it := range m.items {
		if it.Servable() {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) ListItems(ctx context.Context, f ItemFilter) ([]*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Item
	for _, it := range m.items {
		if f.matches(it) {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SetAnchor(ctx context.Context, itemID int64, anchor bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return domain.NotFoundErr(domain.KeyItemNotFound, "item not found")
	}
	it.Anchor = anchor
	if anchor {
		t := m.now()
		it.AnchorSince = &t
	} else {
		it.AnchorSince = nil
	}
	return nil
}

func (m *Memory) ListAnchors(ctx context.Context) ([]*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Item
	for _, it := range m.items {
		if it.Anchor {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) SetQuality(ctx context.Context, itemID int64, q domain.QualityState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return domain.NotFoundErr(domain.KeyItemNotFound, "item not found")
	}
	it.Quality = q
	return nil
}

func (m *Memory) UpdateClassicalStats(ctx context.Context, itemID int64, pValue, discrimination float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return domain.NotFoundErr(domain.KeyItemNotFound, "item not found")
	}
	it.PValue = pValue
	it.Discrimination = discrimination
	return nil
}

// UpdateCalibration applies a calibration run atomically: every update
// is validated before any item is touched.
func (m *Memory) UpdateCalibration(ctx context.Context, updates []ItemCalibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range updates {
		if err := c.validate(); err != nil {
			return err
		}
		if _, ok := m.items[c.ItemID]; !ok {
			return domain.NotFoundErr(domain.KeyItemNotFound, "calibration update for unknown item")
		}
	}
	now := m.now()
	for _, c := range updates {
		it := m.items[c.ItemID]
		it.IRT = &domain.IRTParams{
			A:            c.A,
			B:            c.B,
			SEA:          c.SEA,
			SEB:          c.SEB,
			InfoPeak:     c.InfoPeak,
			CalibratedAt: now,
			CalibrationN: c.ResponseN,
		}
	}
	return nil
}

func (m *Memory) ResponseCountsByItem(ctx context.Context) (map[int64]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[int64]int{}
	for _, r := range m.responses {
		out[r.ItemID]++
	}
	return out, nil
}

// ---- sessions ----

func (m *Memory) CreateSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.sessions {
		if other.UserID == s.UserID && other.Status == domain.StatusInProgress {
			return domain.Conflict(domain.KeySessionInProgress, "a test is already in progress")
		}
	}
	m.nextSession++
	s.ID = m.nextSession
	if s.StartedAt.IsZero() {
		s.StartedAt = m.now()
	}
	s.Version = 1
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *Memory) SessionByID(ctx context.Context, id int64) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.NotFoundErr(domain.KeySessionNotFound, "session not found")
	}
	return cloneSession(s), nil
}

func (m *Memory) ActiveSessionByUser(ctx context.Context, userID int64) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == domain.StatusInProgress {
			return cloneSession(s), nil
		}
	}
	return nil, domain.NotFoundErr(domain.KeySessionNotFound, "no active session")
}

// UpdateSession writes back a mutated session under the optimistic
// version guard. On success the caller's Version is advanced to match
// the stored record.
func (m *Memory) UpdateSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateSessionLocked(s)
}

func (m *Memory) updateSessionLocked(s *domain.Session) error {
	cur, ok := m.sessions[s.ID]
	if !ok {
		return domain.NotFoundErr(domain.KeySessionNotFound, "session not found")
	}
	if cur.Version != s.Version {
		return domain.Conflict(domain.KeyConflict, "session modified concurrently")
	}
	s.Version++
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// CommitStep appends one response and writes the updated session state
// as a single atomic step.
func (m *Memory) CommitStep(ctx context.Context, s *domain.Session, r *domain.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.respIndex[r.SessionID][r.ItemID] {
		return domain.Conflict(domain.KeyDuplicateAnswer, "answer already submitted")
	}
	if err := m.updateSessionLocked(s); err != nil {
		return err
	}
	m.appendResponseLocked(r)
	return nil
}

func (m *Memory) appendResponseLocked(r *domain.Response) {
	m.nextResponse++
	r.ID = m.nextResponse
	if r.AnsweredAt.IsZero() {
		r.AnsweredAt = m.now()
	}
	m.responses = append(m.responses, cloneResponse(r))
	if m.respIndex[r.SessionID] == nil {
		m.respIndex[r.SessionID] = map[int64]bool{}
	}
	m.respIndex[r.SessionID][r.ItemID] = true
}

// ---- responses ----

func (m *Memory) AppendResponse(ctx context.Context, r *domain.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.respIndex[r.SessionID][r.ItemID] {
		return domain.Conflict(domain.KeyDuplicateAnswer, "answer already submitted")
	}
	m.appendResponseLocked(r)
	return nil
}

func (m *Memory) ResponsesBySession(ctx context.Context, sessionID int64) ([]*domain.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Response
	for _, r := range m.responses {
		if r.SessionID == sessionID {
			out = append(out, cloneResponse(r))
		}
	}
	return out, nil
}

// CalibrationTuples projects (user, item, correct) from completed
// fixed-form sessions. Adaptive responses are excluded: the selection
// rule biases them, which would poison the estimates.
func (m *Memory) CalibrationTuples(ctx context.Context) ([]domain.ResponseTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ResponseTuple
	for _, r := range m.responses {
		s, ok := m.sessions[r.SessionID]
		if !ok || s.Mode != domain.ModeFixed || s.Status != domain.StatusCompleted {
			continue
		}
		out = append(out, domain.ResponseTuple{UserID: r.UserID, ItemID: r.ItemID, Correct: r.Correct})
	}
	return out, nil
}

// CompletedThetasByUser lists final ability scores per user in
// completion order, for test-retest reliability.
func (m *Memory) CompletedThetasByUser(ctx context.Context) (map[int64][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var done []*domain.Session
	for _, s := range m.sessions {
		if s.Status == domain.StatusCompleted && s.FinalTheta != nil {
			done = append(done, s)
		}
	}
	sort.Slice(done, func(a, b int) bool {
		sa, sb := done[a], done[b]
		at, bt := sa.StartedAt, sb.StartedAt
		if sa.CompletedAt != nil {
			at = *sa.CompletedAt
		}
		if sb.CompletedAt != nil {
			bt = *sb.CompletedAt
		}
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return sa.ID < sb.ID
	})

	out := map[int64][]float64{}
	for _, s := range done {
		out[s.UserID] = append(out[s.UserID], *s.FinalTheta)
	}
	return out, nil
}

// ---- password reset tokens ----

// CreateResetToken stores a new token and invalidates every unused
// token the user still holds.
func (m *Memory) CreateResetToken(ctx context.Context, t *domain.PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, old := range m.resetTokens {
		if old.UserID == t.UserID && old.UsedAt == nil {
			used := now
			old.UsedAt = &used
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	m.resetTokens = append(m.resetTokens, cloneResetToken(t))
	return nil
}

func (m *Memory) ResetTokenByValue(ctx context.Context, token string) (*domain.PasswordResetToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Scan every record so lookup time does not depend on a match.
	var found *domain.PasswordResetToken
	for _, t := range m.resetTokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			found = t
		}
	}
	if found == nil {
		return nil, domain.Validation(domain.KeyResetTokenInvalid, "invalid or expired token")
	}
	return cloneResetToken(found), nil
}

func (m *Memory) MarkResetTokenUsed(ctx context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.resetTokens {
		if t.Token == token {
			used := at
			t.UsedAt = &used
			return nil
		}
	}
	return domain.Validation(domain.KeyResetTokenInvalid, "invalid or expired token")
}

// ---- reliability metrics ----

func (m *Memory) SaveReliabilityMetric(ctx context.Context, rm *domain.ReliabilityMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMetric++
	rm.ID = m.nextMetric
	if rm.CalculatedAt.IsZero() {
		rm.CalculatedAt = m.now()
	}
	m.metrics = append(m.metrics, cloneMetric(rm))
	return nil
}

// ReliabilityHistory lists metrics newest-first, optionally filtered by
// kind and cutoff time.
func (m *Memory) ReliabilityHistory(ctx context.Context, kind domain.MetricKind, since time.Time, limit, offset int) ([]*domain.ReliabilityMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ReliabilityMetric
	for _, rm := range m.metrics {
		if kind != "" && rm.Kind != kind {
			continue
		}
		if !since.IsZero() && rm.CalculatedAt.Before(since) {
			continue
		}
		out = append(out, cloneMetric(rm))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CalculatedAt.Equal(out[b].CalculatedAt) {
			return out[a].CalculatedAt.After(out[b].CalculatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- security events ----

func (m *Memory) AppendSecurityEvent(ctx context.Context, e *domain.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvent++
	e.ID = m.nextEvent
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.events = append(m.events, cloneEvent(e))
	return nil
}

// SecurityEventsSince lists events of the given names at or after the
// cutoff, oldest first.
func (m *Memory) SecurityEventsSince(ctx context.Context, names []string, since time.Time) ([]*domain.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nameSet := map[string]bool{}
	for _, n := range names {
		nameSet[n] = true
	}

	var out []*domain.SecurityEvent
	for _, e := range m.events {
		if len(nameSet) > 0 && !nameSet[e.Event] {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// ---- clones ----

func cloneUser(u *domain.User) *domain.User {
	c := *u
	if u.TokenRevokedBefore != nil {
		t := *u.TokenRevokedBefore
		c.TokenRevokedBefore = &t
	}
	return &c
}

func cloneItem(it *domain.Item) *domain.Item {
	c := *it
	c.Options = append([]string(nil), it.Options...)
	if it.IRT != nil {
		irt := *it.IRT
		c.IRT = &irt
	}
	if it.AnchorSince != nil {
		t := *it.AnchorSince
		c.AnchorSince = &t
	}
	return &c
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	c.ServedItems = append([]int64(nil), s.ServedItems...)
	c.AssignedItems = append([]int64(nil), s.AssignedItems...)
	c.ThetaHistory = append([]float64(nil), s.ThetaHistory...)
	if s.DomainCounts != nil {
		c.DomainCounts = make(map[domain.Domain]int, len(s.DomainCounts))
		for k, v := range s.DomainCounts {
			c.DomainCounts[k] = v
		}
	}
	if s.CurrentItemID != nil {
		id := *s.CurrentItemID
		c.CurrentItemID = &id
	}
	if s.FinalTheta != nil {
		v := *s.FinalTheta
		c.FinalTheta = &v
	}
	if s.FinalSE != nil {
		v := *s.FinalSE
		c.FinalSE = &v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneResponse(r *domain.Response) *domain.Response {
	c := *r
	return &c
}

func cloneResetToken(t *domain.PasswordResetToken) *domain.PasswordResetToken {
	c := *t
	if t.UsedAt != nil {
		used := *t.UsedAt
		c.UsedAt = &used
	}
	return &c
}

func cloneMetric(rm *domain.ReliabilityMetric) *domain.ReliabilityMetric {
	c := *rm
	if rm.Details != nil {
		c.Details = make(map[string]float64, len(rm.Details))
		for k, v := range rm.Details {
			c.Details[k] = v
		}
	}
	return &c
}

func cloneEvent(e *domain.SecurityEvent) *domain.SecurityEvent {
	c := *e
	if e.UserID != nil {
		id := *e.UserID
		c.UserID = &id
	}
	return &c
}
