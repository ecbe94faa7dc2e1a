package repo

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"
	"trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/normalize/guardrails"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

type fixedSessioner struct{ s store.Session }

func (f fixedSessioner) Session(context.Context) (store.Session, error) { return f.s, nil }

func newMockRepo(t *testing.T, cfg Config) (pgxmock.PgxConnIface, *PG, *int) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mock.Close(context.Background()) })

	released := 0
	sess := store.NewSession(mock, func() { released++ })
	return mock, New(sess, fixedSessioner{sess}, cfg), &released
}

func q(s string) string { return regexp.QuoteMeta(s) }

func str(s string) *string { return &s }

var fullLayout = domain.Layout{
	Table:     "metrics_page_views",
	UserAgent: true,
	IsBot:     true,
	Referrer:  true,
	Domain:    true,
}

func TestSelectSQL(t *testing.T) {
	tests := []struct {
		name   string
		layout domain.Layout
		spec   domain.SelectSpec
		want   string
		args   int
	}{
		{
			name:   "incremental without watermark",
			layout: fullLayout,
			spec:   domain.SelectSpec{Mode: domain.ModeIncremental},
			want: `SELECT "id", "user_agent", "referrer", "domain" FROM "metrics_page_views" WHERE ` +
				`("user_agent" IS NOT NULL AND "device_normalized" IS NULL) OR ` +
				`("referrer" IS NOT NULL AND "referrer_normalized" IS NULL) OR ` +
				`("domain" IS NOT NULL AND "domain_normalized" IS NULL) ORDER BY "id" DESC`,
		},
		{
			name:   "incremental with watermark and limit",
			layout: domain.Layout{Table: "metrics_events", UserAgent: true, Watermark: true},
			spec:   domain.SelectSpec{Mode: domain.ModeIncremental, Limit: 50},
			want:   `SELECT "id", "user_agent" FROM "metrics_events" WHERE "normalized_at" IS NULL ORDER BY "id" DESC LIMIT $1`,
			args:   1,
		},
		{
			name:   "forced selects everything",
			layout: domain.Layout{Table: "analytics.events", UserAgent: true, Domain: true},
			spec:   domain.SelectSpec{Mode: domain.ModeForced},
			want:   `SELECT "id", "user_agent", "domain" FROM "analytics"."events" ORDER BY "id" DESC`,
		},
		{
			name:   "full selects everything",
			layout: domain.Layout{Table: "metrics_events", UserAgent: true},
			spec:   domain.SelectSpec{Mode: domain.ModeFull, Limit: 10},
			want:   `SELECT "id", "user_agent" FROM "metrics_events" ORDER BY "id" DESC LIMIT $1`,
			args:   1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, args := selectSQL(tc.layout, tc.spec)
			require.Equal(t, tc.want, got)
			require.Len(t, args, tc.args)
		})
	}
}

func TestMergeSQL(t *testing.T) {
	l := fullLayout
	l.Watermark = true

	inc := mergeSQL(l, "stage_x", domain.PreserveExisting)
	require.True(t, strings.HasPrefix(inc, `UPDATE "metrics_page_views" AS m SET `))
	require.Contains(t, inc, `"browser_normalized" = COALESCE(m."browser_normalized", t."browser")`)
	require.Contains(t, inc, `"device_normalized" = COALESCE(m."device_normalized", t."device")`)
	require.Contains(t, inc, `"referrer_normalized" = COALESCE(m."referrer_normalized", t."referrer")`)
	require.Contains(t, inc, `"domain_normalized" = COALESCE(m."domain_normalized", t."domain")`)
	require.Contains(t, inc, `"is_bot" = CASE WHEN m."device_normalized" IS NULL THEN COALESCE(t."is_bot", m."is_bot") ELSE m."is_bot" END`)
	require.Contains(t, inc, `"normalized_at" = now()`)
	require.True(t, strings.HasSuffix(inc, `FROM "stage_x" AS t WHERE m."id" = t."id"`))
	require.NotContains(t, inc, "CASE WHEN t.")

	forced := mergeSQL(l, "stage_x", domain.PreferStaged)
	require.Contains(t, forced, `"browser_normalized" = CASE WHEN t."is_bot" THEN NULL ELSE COALESCE(t."browser", m."browser_normalized") END`)
	require.Contains(t, forced, `"os_normalized" = CASE WHEN t."is_bot" THEN NULL ELSE COALESCE(t."os", m."os_normalized") END`)
	require.Contains(t, forced, `"device_normalized" = COALESCE(t."device", m."device_normalized")`)
	require.Contains(t, forced, `"is_bot" = COALESCE(t."is_bot", m."is_bot")`)

	bare := mergeSQL(domain.Layout{Table: "t", UserAgent: true}, "s", domain.PreserveExisting)
	require.NotContains(t, bare, "is_bot")
	require.NotContains(t, bare, "referrer")
	require.NotContains(t, bare, "normalized_at")
}

func TestStagingName(t *testing.T) {
	require.Equal(t, "stage_metrics_page_views", stagingName("metrics_page_views"))
	require.Equal(t, "stage_analytics_events", stagingName("Analytics.Events"))
}

func expectReadOnly(mock pgxmock.PgxConnIface, timeoutMS string) {
	mock.ExpectBegin()
	mock.ExpectExec(q("SET TRANSACTION READ ONLY")).WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectExec(q("set_config('statement_timeout'")).WithArgs(timeoutMS).WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestLayout_Detects(t *testing.T) {
	mock, r, _ := newMockRepo(t, Config{Timeouts: guardrails.Timeouts{Select: time.Second}})

	expectReadOnly(mock, "1000")
	mock.ExpectQuery(q("FROM information_schema.columns")).
		WithArgs("", "metrics_events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("user_agent").AddRow("browser_normalized").AddRow("os_normalized").
			AddRow("device_normalized").AddRow("is_bot").AddRow("referrer").AddRow("domain").AddRow("domain_normalized"))
	mock.ExpectCommit()

	l, err := r.Layout(context.Background(), "metrics_events")
	require.NoError(t, err)
	require.True(t, l.UserAgent)
	require.True(t, l.IsBot)
	require.False(t, l.Referrer, "referrer_normalized is missing")
	require.True(t, l.Domain)
	require.False(t, l.Watermark)
	require.Equal(t, []string{"user_agent", "domain"}, l.Stages())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLayout_MissingTableIsConfigError(t *testing.T) {
	mock, r, _ := newMockRepo(t, Config{Timeouts: guardrails.Timeouts{Select: time.Second}})

	expectReadOnly(mock, "1000")
	mock.ExpectQuery(q("FROM information_schema.columns")).
		WithArgs("public", "nope").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))
	mock.ExpectCommit()

	_, err := r.Layout(context.Background(), "public.nope")
	require.Error(t, err)
	require.True(t, perr.IsConfig(err), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLayout_NoUserAgentColumns(t *testing.T) {
	mock, r, _ := newMockRepo(t, Config{Timeouts: guardrails.Timeouts{Select: time.Second}})

	expectReadOnly(mock, "1000")
	mock.ExpectQuery(q("FROM information_schema.columns")).
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).AddRow("id").AddRow("referrer").AddRow("referrer_normalized"))
	mock.ExpectCommit()

	_, err := r.Layout(context.Background(), "metrics_events")
	require.True(t, perr.IsConfig(err), "got %v", err)
}

func TestSelect_ReadsNullableColumns(t *testing.T) {
	mock, r, _ := newMockRepo(t, Config{Timeouts: guardrails.Timeouts{Select: 2 * time.Second}})

	expectReadOnly(mock, "2000")
	mock.ExpectQuery(q(`FROM "metrics_page_views" WHERE`)).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_agent", "referrer", "domain"}).
			AddRow(int64(9), str("curl/7.68.0"), (*string)(nil), str("example.com")).
			AddRow(int64(8), (*string)(nil), str("https://google.com/"), (*string)(nil)))
	mock.ExpectCommit()

	recs, err := r.Select(context.Background(), fullLayout, domain.SelectSpec{Mode: domain.ModeIncremental, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.EqualValues(t, 9, recs[0].ID)
	require.Equal(t, "curl/7.68.0", *recs[0].UserAgent)
	require.Nil(t, recs[0].Referrer)
	require.Nil(t, recs[1].UserAgent)
	require.Equal(t, "https://google.com/", *recs[1].Referrer)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_ConnectivityIsUnavailable(t *testing.T) {
	mock, r, _ := newMockRepo(t, Config{})

	mock.ExpectBegin().WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})

	_, err := r.Select(context.Background(), fullLayout, domain.SelectSpec{Mode: domain.ModeFull})
	require.Error(t, err)
	require.True(t, perr.IsUnavailable(err), "got %v", err)
}

func expectOpen(mock pgxmock.PgxConnIface, name string) {
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(q(`CREATE TEMP TABLE "` + name + `" ("id" bigint PRIMARY KEY`)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
}

func TestSink_StageMergeDiscard(t *testing.T) {
	cfg := Config{
		BatchSize: 2,
		Timeouts:  guardrails.Timeouts{Merge: time.Minute, Lock: 3 * time.Second},
	}
	mock, r, released := newMockRepo(t, cfg)
	ctx := context.Background()
	cols := []string{"id", "browser", "os", "device", "is_bot", "referrer", "domain"}
	name := "stage_metrics_page_views"

	expectOpen(mock, name)
	mock.ExpectCopyFrom(pgx.Identifier{name}, cols).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{name}, cols).WillReturnResult(1)
	mock.ExpectExec(q(`ANALYZE "` + name + `"`)).WillReturnResult(pgxmock.NewResult("ANALYZE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(q("set_config('statement_timeout'")).WithArgs("60000").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q("set_config('lock_timeout'")).WithArgs("3000").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(`UPDATE "metrics_page_views" AS m SET`)).WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	sink, err := r.Open(ctx, fullLayout, 0)
	require.NoError(t, err)

	bot := true
	rows := []domain.StagedRow{
		{ID: 1, Device: str("Bot"), IsBot: &bot},
		{ID: 2, Browser: str("Chrome"), OS: str("Windows"), Device: str("Desktop")},
		{ID: 3, Referrer: str("google.com"), Domain: str("example.com")},
	}
	n, err := sink.Stage(ctx, rows)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	merged, err := sink.MergeInto(ctx, domain.PreserveExisting)
	require.NoError(t, err)
	require.EqualValues(t, 3, merged)

	require.NoError(t, sink.Discard(ctx))
	require.NoError(t, sink.Discard(ctx), "discard is idempotent")
	require.Equal(t, 1, *released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_MergeFailureRollsBack(t *testing.T) {
	mock, r, released := newMockRepo(t, Config{})
	ctx := context.Background()
	name := "stage_metrics_page_views"

	expectOpen(mock, name)
	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE "metrics_page_views"`)).WillReturnError(&pgconn.PgError{Code: "55P03", Message: "lock not available"})
	mock.ExpectRollback()
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	sink, err := r.Open(ctx, fullLayout, 0)
	require.NoError(t, err)

	_, err = sink.MergeInto(ctx, domain.PreferStaged)
	require.Error(t, err)
	require.True(t, perr.IsMerge(err), "got %v", err)
	require.Equal(t, perr.ExitTempFail, perr.ExitCode(err))

	require.NoError(t, sink.Discard(ctx))
	require.Equal(t, 1, *released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_DiscardSurvivesCanceledContext(t *testing.T) {
	mock, r, released := newMockRepo(t, Config{})
	name := "stage_metrics_page_views"

	expectOpen(mock, name)
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	ctx, cancel := context.WithCancel(context.Background())
	sink, err := r.Open(ctx, fullLayout, 0)
	require.NoError(t, err)

	cancel()
	require.NoError(t, sink.Discard(ctx))
	require.Equal(t, 1, *released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_ExclusiveLeaseHeld(t *testing.T) {
	mock, r, released := newMockRepo(t, Config{Exclusive: true})

	mock.ExpectQuery(q("pg_try_advisory_lock")).
		WithArgs(guardrails.LeaseKey("metrics_page_views")).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, err := r.Open(context.Background(), fullLayout, 0)
	require.Error(t, err)
	require.True(t, perr.IsCode(err, perr.ErrorCodeConflict), "got %v", err)
	require.Equal(t, 1, *released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_ExclusiveLeaseReleasedOnDiscard(t *testing.T) {
	mock, r, _ := newMockRepo(t, Config{Exclusive: true})
	key := guardrails.LeaseKey("metrics_page_views")
	name := "stage_metrics_page_views"

	mock.ExpectQuery(q("pg_try_advisory_lock")).WithArgs(key).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	expectOpen(mock, name)
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(q("pg_advisory_unlock")).WithArgs(key).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	sink, err := r.Open(context.Background(), fullLayout, 0)
	require.NoError(t, err)
	require.NoError(t, sink.Discard(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_CreateFailureDiscards(t *testing.T) {
	mock, r, released := newMockRepo(t, Config{})
	name := "stage_metrics_page_views"

	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(q("CREATE TEMP TABLE")).WillReturnError(errors.New("permission denied"))
	mock.ExpectExec(q(`DROP TABLE IF EXISTS "` + name + `"`)).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	_, err := r.Open(context.Background(), fullLayout, 0)
	require.Error(t, err)
	require.Equal(t, 1, *released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRowSource_FollowsLayout(t *testing.T) {
	bot := false
	src := newRowSource([]domain.StagedRow{
		{ID: 1, Browser: str("Firefox"), IsBot: &bot, Domain: str("example.com")},
	}, domain.Layout{UserAgent: true, Domain: true})

	require.True(t, src.Next())
	vals, err := src.Values()
	require.NoError(t, err)
	require.Len(t, vals, 6)
	require.EqualValues(t, 1, vals[0])
	require.Equal(t, "example.com", *(vals[5].(*string)))
	require.False(t, src.Next())
	require.NoError(t, src.Err())
}
