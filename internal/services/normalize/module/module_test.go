package module

import (
	"context"
	"regexp"
	"testing"
	"time"

	"trafficnorm/internal/modkit"
	modport "trafficnorm/internal/modkit/module"
	"trafficnorm/internal/platform/config"
	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"
	"trafficnorm/internal/platform/testkit"
	"trafficnorm/internal/services/normalize/domain"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestFromConfig_Defaults(t *testing.T) {
	o := FromConfig(config.New())
	require.Equal(t, DefaultTables, o.Tables)
	require.Empty(t, o.SelfDomains)
	require.Equal(t, domain.DefaultBatchSize, o.BatchSize)
	require.Equal(t, 10_000, o.ProgressEvery)
	require.Equal(t, 5*time.Minute, o.SelectTimeout)
	require.Equal(t, 10*time.Minute, o.MergeTimeout)
	require.Equal(t, 5*time.Second, o.LockTimeout)
	require.False(t, o.Exclusive)
	require.Empty(t, o.Catalog)
}

func TestFromConfig_Env(t *testing.T) {
	t.Setenv("CORE_NORMALIZE_TABLES", "a, b ,")
	t.Setenv("CORE_NORMALIZE_SELF_DOMAINS", "mysite.com")
	t.Setenv("CORE_NORMALIZE_BATCH_SIZE", "250")
	t.Setenv("CORE_NORMALIZE_WORKERS", "3")
	t.Setenv("CORE_NORMALIZE_MERGE_TIMEOUT", "90s")
	t.Setenv("CORE_NORMALIZE_EXCLUSIVE", "true")
	t.Setenv("CORE_SIGNATURES_CATALOG", "/etc/trafficnorm/catalog.yml")

	o := FromConfig(config.New())
	require.Equal(t, []string{"a", "b"}, o.Tables)
	require.Equal(t, []string{"mysite.com"}, o.SelfDomains)
	require.Equal(t, 250, o.BatchSize)
	require.Equal(t, 3, o.Workers)
	require.Equal(t, 90*time.Second, o.Timeouts().Merge)
	require.True(t, o.Exclusive)
	require.Equal(t, "/etc/trafficnorm/catalog.yml", o.Catalog)
}

// pinned hands out the same mock backed session every time
type pinned struct {
	store.TxRunner
	s store.Session
}

func (p pinned) Session(context.Context) (store.Session, error) { return p.s, nil }

func mockPG(t *testing.T) pinned {
	t.Helper()
	p, _ := mockPGConn(t)
	return p
}

func mockPGConn(t *testing.T) (pinned, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mock.Close(context.Background()) })
	s := store.NewSession(mock, func() {})
	return pinned{TxRunner: s, s: s}, mock
}

func TestNew_Errors(t *testing.T) {
	_, err := New(modkit.Deps{}, FromConfig(config.New()))
	require.True(t, perr.IsConfig(err))

	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	_, err = New(modkit.Deps{PG: store.NewSession(mock, func() {})}, FromConfig(config.New()))
	require.True(t, perr.IsConfig(err), "a session is not a sessioner")

	o := FromConfig(config.New())
	o.Catalog = "/does/not/exist.yml"
	_, err = New(modkit.Deps{PG: mockPG(t)}, o)
	require.True(t, perr.IsConfig(err))
}

func TestNew_WiresRunner(t *testing.T) {
	path := testkit.WriteFile(t, "catalog.yml", `
version: 7
name: custom
rules:
  - {category: bot, pattern: "curl/", value: curl}
  - {category: browser, pattern: "firefox/", value: Firefox}
`)
	o := FromConfig(config.New())
	o.Catalog = path

	m, err := New(modkit.Deps{PG: mockPG(t)}, o)
	require.NoError(t, err)
	require.Equal(t, "normalize", m.Name())
	require.Equal(t, "custom@v7", m.Catalog().Label())

	runner, ok := modport.PortsOf[domain.RunnerPort](m)
	require.True(t, ok)
	require.NotNil(t, runner)

	require.Same(t, m, m.WithHistory(nil).WithObserver(nil))
}

func TestRun_BatchSizeFromEnv(t *testing.T) {
	t.Setenv("CORE_NORMALIZE_TABLES", "metrics_events")
	t.Setenv("CORE_NORMALIZE_BATCH_SIZE", "1")

	pg, mock := mockPGConn(t)
	m, err := New(modkit.Deps{PG: pg}, FromConfig(config.New()))
	require.NoError(t, err)

	q := regexp.QuoteMeta
	readOnly := func() {
		mock.ExpectBegin()
		mock.ExpectExec(q("SET TRANSACTION READ ONLY")).WillReturnResult(pgxmock.NewResult("SET", 0))
		mock.ExpectExec(q("set_config('statement_timeout'")).WithArgs("300000").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	}
	name := "stage_metrics_events"
	cols := []string{"id", "browser", "os", "device", "is_bot"}

	readOnly()
	mock.ExpectQuery(q("FROM information_schema.columns")).
		WithArgs("", "metrics_events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("user_agent").AddRow("browser_normalized").AddRow("os_normalized").AddRow("device_normalized"))
	mock.ExpectCommit()
	readOnly()
	mock.ExpectQuery(q(`SELECT "id", "user_agent" FROM "metrics_events" WHERE`)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_agent"}).
			AddRow(int64(2), strp("curl/8.0")).
			AddRow(int64(1), strp("Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")))
	mock.ExpectCommit()
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(q(`CREATE TEMP TABLE "` + name + `"`)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	// one copy per row: the env chunk size reached the sink
	mock.ExpectCopyFrom(pgx.Identifier{name}, cols).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{name}, cols).WillReturnResult(1)
	mock.ExpectExec(q(`ANALYZE "` + name + `"`)).WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	runner := modport.MustPortsOf[domain.RunnerPort](m)
	run, err := runner.Run(context.Background(), domain.Options{Mode: domain.ModeIncremental, DryRun: true})
	require.NoError(t, err)
	require.Len(t, run.Tables, 1)
	require.EqualValues(t, 2, run.Tables[0].Staged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func strp(s string) *string { return &s }
