package timeseries

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

func TestMain(m *testing.M) {
	logx.Disable()
	os.Exit(m.Run())
}

// tickEntity is a minimal sequenced entity over {"m","i","t","s"} documents.
type tickEntity struct{}

func (tickEntity) Name() string { return "tick" }

func (tickEntity) Schema() Schema {
	return Schema{
		TimeColumn:       "ts",
		MarketColumn:     "market",
		InstrumentColumn: "instrument",
		SequenceColumn:   "seq",
		Generated: []Column{
			{Name: "market", Type: "TEXT", Expr: "(payload->>'m')", NotNull: true},
			{Name: "instrument", Type: "TEXT", Expr: "(payload->>'i')", NotNull: true},
			{Name: "seq", Type: "BIGINT", Expr: "((payload->>'s')::bigint)"},
			{Name: "ts", Type: "TIMESTAMPTZ", Expr: "to_timestamp((payload->>'t')::double precision)", NotNull: true},
		},
		KeyColumns: []string{"market", "instrument", "seq", "ts"},
	}
}

func (e tickEntity) InitSchema(ctx context.Context, session sqlx.Session, table TableSpec) error {
	return CreateTable(ctx, session, table, e.Schema())
}

func (e tickEntity) NaturalKey(p Payload) (NaturalKey, error) {
	res := gjson.GetManyBytes(p, "m", "i", "s")
	if res[0].String() == "" || res[1].String() == "" {
		return NaturalKey{}, fmt.Errorf("missing symbol")
	}
	ts, err := e.TimeOf(p)
	if err != nil {
		return NaturalKey{}, err
	}
	return NaturalKey{Market: res[0].String(), Instrument: res[1].String(), UnixNano: ts.UnixNano(), Sequence: res[2].Int(), Sequenced: true}, nil
}

func (tickEntity) TimeOf(p Payload) (time.Time, error) {
	v := gjson.GetBytes(p, "t")
	if !v.Exists() {
		return time.Time{}, fmt.Errorf("missing t")
	}
	return time.Unix(v.Int(), 0).UTC(), nil
}

func (tickEntity) SequenceOf(p Payload) (int64, bool) {
	v := gjson.GetBytes(p, "s")
	return v.Int(), v.Exists()
}

// barEntity has no sequence and supports rollups.
type barEntity struct{ tickEntity }

func (barEntity) Name() string { return "bar" }

func (barEntity) Schema() Schema {
	s := tickEntity{}.Schema()
	s.SequenceColumn = ""
	s.Generated = []Column{s.Generated[0], s.Generated[1], s.Generated[3]}
	s.KeyColumns = []string{"market", "instrument", "ts"}
	return s
}

func (e barEntity) InitSchema(ctx context.Context, session sqlx.Session, table TableSpec) error {
	return CreateTable(ctx, session, table, e.Schema())
}

func (e barEntity) NaturalKey(p Payload) (NaturalKey, error) {
	k, err := e.tickEntity.NaturalKey(p)
	k.Sequence, k.Sequenced = 0, false
	return k, err
}

func (barEntity) RollupPayload(bucket string) string {
	return "jsonb_build_object('t', extract(epoch FROM " + bucket + ")::bigint, 'n', count(*))"
}

func newMockManager(t *testing.T, opts ...Option) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(sqlx.NewSqlConnFromDB(db), opts...), mock
}

func expectExtension(mock sqlmock.Sqlmock, version string) {
	mock.ExpectQuery(regexp.QuoteMeta(extensionVersionSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow(version))
}

func initializedManager(t *testing.T, opts ...Option) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	m, mock := newMockManager(t, opts...)
	expectExtension(mock, "2.14.2")
	require.NoError(t, m.Initialize(context.Background()))
	return m, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

// expectPolicies queues the statements RegisterEntity issues for a table with the
// given shape, compression not yet enabled.
func expectPolicies(mock sqlmock.Sqlmock, table, chunk string, compressed bool, retention string, views int) {
	rel := `"public".` + `"` + table + `"`
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS " + rel)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("CREATE UNIQUE INDEX IF NOT EXISTS")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("CREATE INDEX IF NOT EXISTS")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("SELECT create_hypertable(")).
		WithArgs(rel, "ts", chunk).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if compressed {
		mock.ExpectQuery(q("SELECT compression_enabled FROM timescaledb_information.hypertables")).
			WithArgs("public", table).
			WillReturnRows(sqlmock.NewRows([]string{"compression_enabled"}).AddRow(false))
		mock.ExpectExec(q("ALTER TABLE " + rel + " SET (")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(q("SELECT add_compression_policy(")).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	if retention != "" {
		mock.ExpectExec(q("SELECT add_retention_policy(")).
			WithArgs(rel, retention).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < views; i++ {
		mock.ExpectExec(q("CREATE MATERIALIZED VIEW IF NOT EXISTS")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(q("SELECT add_continuous_aggregate_policy(")).WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func tickPayload(market, instrument string, ts int64, seq int64) Payload {
	return Payload(fmt.Sprintf(`{"m":%q,"i":%q,"t":%d,"s":%d}`, market, instrument, ts, seq))
}
