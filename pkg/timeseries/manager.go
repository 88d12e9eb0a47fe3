package timeseries

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const extensionVersionSQL = `SELECT extversion FROM pg_extension WHERE extname = 'timescaledb'`

// DefaultMaxBatchRows bounds the rows carried by one INSERT statement.
const DefaultMaxBatchRows = 5000

type lifecycle int

const (
	stateUninitialized lifecycle = iota
	stateInitialized
	stateClosed
)

func (l lifecycle) String() string {
	switch l {
	case stateInitialized:
		return "initialized"
	case stateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Timeouts bound each class of store call. A zero value disables the bound. They apply
// only when the caller's context carries no deadline of its own.
type Timeouts struct {
	ExtensionCheck time.Duration
	DDL            time.Duration
	Query          time.Duration
	Write          time.Duration
}

// DefaultTimeouts are used unless WithTimeouts overrides them.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ExtensionCheck: 5 * time.Second,
		DDL:            30 * time.Second,
		Query:          30 * time.Second,
		Write:          15 * time.Second,
	}
}

func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Option customises a Manager.
type Option func(*Manager)

func WithTimeouts(t Timeouts) Option {
	return func(m *Manager) { m.timeouts = t }
}

func WithMaxBatchRows(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBatchRows = n
		}
	}
}

// Binding records one registered table.
type Binding struct {
	Table        TableSpec
	Entity       Entity
	Options      RegistrationOptions
	RegisteredAt time.Time

	plan  *plan
	query queryShape
}

// Views lists the continuous views declared for the table, keyed by bucket interval.
func (b *Binding) Views() map[string]string {
	views := make(map[string]string, len(b.plan.rollups))
	for _, r := range b.plan.rollups {
		views[r.interval.String()] = r.view.Qualified()
	}
	return views
}

// Manager owns the store connection, its lifecycle and the registry of tables bound to
// entity types.
type Manager struct {
	conn         sqlx.SqlConn
	timeouts     Timeouts
	maxBatchRows int

	mu         sync.RWMutex
	state      lifecycle
	extVersion string
	bindings   map[string]*Binding
	views      map[string]string
}

func NewManager(conn sqlx.SqlConn, opts ...Option) *Manager {
	m := &Manager{
		conn:         conn,
		timeouts:     DefaultTimeouts(),
		maxBatchRows: DefaultMaxBatchRows,
		bindings:     make(map[string]*Binding),
		views:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize verifies the timescaledb extension is installed. It may succeed only once.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateInitialized:
		return ErrAlreadyInitialized
	case stateClosed:
		return ErrClosed
	}

	ctx, cancel := withDeadline(ctx, m.timeouts.ExtensionCheck)
	defer cancel()
	var version string
	err := m.conn.QueryRowCtx(ctx, &version, extensionVersionSQL)
	switch {
	case errors.Is(err, sqlx.ErrNotFound):
		return ErrExtensionUnavailable
	case err != nil:
		return wrapStoreErr(ctx, ErrExtensionUnavailable, "initialize", "", "check extension", err)
	}
	m.extVersion = version
	m.state = stateInitialized
	logx.WithContext(ctx).Infof("timeseries: storage initialized timescaledb=%s", version)
	return nil
}

// RegisterEntity applies the table's policies and records the binding. Lifecycle,
// duplicate and option errors are reported before any statement is sent.
func (m *Manager) RegisterEntity(ctx context.Context, entity Entity, opts RegistrationOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkState(); err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidOptions)
	}
	table, err := ParseTableSpec(opts.TableName)
	if err != nil {
		return err
	}
	if _, ok := m.bindings[table.Qualified()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, table.Qualified())
	}
	if owner, ok := m.views[table.Qualified()]; ok {
		return fmt.Errorf("%w: %s is a view of %s", ErrDuplicateRegistration, table.Qualified(), owner)
	}
	schema := entity.Schema()
	if err := schema.Validate(); err != nil {
		return err
	}
	pl, err := opts.compile(schema)
	if err != nil {
		return err
	}
	for _, r := range pl.rollups {
		name := r.view.Qualified()
		if _, ok := m.bindings[name]; ok {
			return fmt.Errorf("%w: view %s collides with a registered table", ErrDuplicateRegistration, name)
		}
		if owner, ok := m.views[name]; ok {
			return fmt.Errorf("%w: view %s already belongs to %s", ErrDuplicateRegistration, name, owner)
		}
	}
	if _, ok := entity.(Downsampler); !ok && len(pl.rollups) > 0 {
		return fmt.Errorf("%w: entity %s does not support rollups", ErrInvalidOptions, entity.Name())
	}

	ctx, cancel := withDeadline(ctx, m.timeouts.DDL)
	defer cancel()
	if err := NewPolicyExecutor(m.conn).apply(ctx, entity, pl); err != nil {
		return err
	}

	b := &Binding{
		Table:        table,
		Entity:       entity,
		Options:      opts.clone(),
		RegisteredAt: time.Now().UTC(),
		plan:         pl,
		query:        newQueryShape(schema),
	}
	m.bindings[table.Qualified()] = b
	for _, r := range pl.rollups {
		m.views[r.view.Qualified()] = table.Qualified()
	}
	logx.WithContext(ctx).Infof("timeseries: registered entity=%s table=%s", entity.Name(), table.Qualified())
	return nil
}

// Close releases the connection pool and clears the registry. Closing twice is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		return nil
	}
	m.state = stateClosed
	m.bindings = make(map[string]*Binding)
	m.views = make(map[string]string)
	db, err := m.conn.RawDB()
	if err != nil {
		return fmt.Errorf("timeseries: close: %w", err)
	}
	return db.Close()
}

// Binding returns the registration for table ("name" or "schema.name").
func (m *Manager) Binding(table string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(table)
}

// Bindings returns all registrations ordered by table name.
func (m *Manager) Bindings() []*Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedBindings()
}

func sortBindings(bs []*Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Table.Qualified() < bs[j].Table.Qualified() })
}

// ExtensionVersion is the timescaledb version found by Initialize.
func (m *Manager) ExtensionVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extVersion
}

// MaxBatchRows is the per-statement row limit used by the upsert engine.
func (m *Manager) MaxBatchRows() int { return m.maxBatchRows }

// QueryTimeRange is shorthand for NewQueryExecutor(m).QueryTimeRange.
func (m *Manager) QueryTimeRange(ctx context.Context, table string, q TimeRangeQuery) (*Cursor, error) {
	return NewQueryExecutor(m).QueryTimeRange(ctx, table, q)
}

// Latest is shorthand for NewQueryExecutor(m).Latest.
func (m *Manager) Latest(ctx context.Context, table, market, instrument string) (Payload, error) {
	return NewQueryExecutor(m).Latest(ctx, table, market, instrument)
}

// BulkUpsert is shorthand for NewUpsertEngine(m).BulkUpsert.
func (m *Manager) BulkUpsert(ctx context.Context, table string, payloads []Payload) (int64, error) {
	return NewUpsertEngine(m).BulkUpsert(ctx, table, payloads)
}

// lookup must be called with m.mu held.
func (m *Manager) lookup(table string) (*Binding, error) {
	if err := m.checkState(); err != nil {
		return nil, err
	}
	spec, err := ParseTableSpec(table)
	if err != nil {
		return nil, err
	}
	b, ok := m.bindings[spec.Qualified()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, spec.Qualified())
	}
	return b, nil
}

func (m *Manager) checkState() error {
	switch m.state {
	case stateUninitialized:
		return ErrNotInitialized
	case stateClosed:
		return ErrClosed
	}
	return nil
}

func (o RegistrationOptions) clone() RegistrationOptions {
	c := o
	if o.Compression != nil {
		cp := *o.Compression
		cp.SegmentBy = append([]string(nil), o.Compression.SegmentBy...)
		cp.OrderBy = append([]string(nil), o.Compression.OrderBy...)
		c.Compression = &cp
	}
	c.Rollups = append([]RollupOptions(nil), o.Rollups...)
	return c
}
