// Package repo provides postgres access for the normalization pipeline:
// layout detection, candidate selection and the temp table staging sink
package repo

import (
	"context"
	"strings"

	"trafficnorm/internal/modkit/repokit"
	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"
	"trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/normalize/guardrails"

	"github.com/jackc/pgx/v5"
)

// Target table columns owned by the pipeline
const (
	colID        = "id"
	colUserAgent = "user_agent"
	colReferrer  = "referrer"
	colDomain    = "domain"

	colBrowser     = "browser_normalized"
	colOS          = "os_normalized"
	colDevice      = "device_normalized"
	colIsBot       = "is_bot"
	colReferrerN   = "referrer_normalized"
	colDomainN     = "domain_normalized"
	colNormalizeAt = "normalized_at"
)

// Config tunes the postgres side of a run
type Config struct {
	// BatchSize is the number of rows per COPY chunk
	BatchSize int
	// Timeouts holds the select, merge and lock budgets
	Timeouts guardrails.Timeouts
	// Exclusive takes an advisory lock per table for the staging session
	Exclusive bool
}

// PG implements domain.SourceRepo and domain.Stager
type PG struct {
	db   repokit.TxRunner
	sess store.Sessioner
	cfg  Config
}

var (
	_ domain.SourceRepo = (*PG)(nil)
	_ domain.Stager     = (*PG)(nil)
)

// New returns the postgres repo. sess may be nil for read only use
func New(db repokit.TxRunner, sess store.Sessioner, cfg Config) *PG {
	if db == nil {
		panic("normalize.repo requires a non nil TxRunner")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = domain.DefaultBatchSize
	}
	return &PG{db: db, sess: sess, cfg: cfg}
}

// queries is the per transaction view
type queries struct{ q repokit.Queryer }

var bind = repokit.BindFunc[*queries](func(q repokit.Queryer) *queries { return &queries{q: q} })

// Layout detects the supported stages of table from information_schema
func (r *PG) Layout(ctx context.Context, table string) (domain.Layout, error) {
	l := domain.Layout{Table: table}
	schema, name := splitTable(table)

	var cols map[string]struct{}
	err := store.RunReadOnly(ctx, r.db, r.cfg.Timeouts.Select, func(ctx context.Context, q store.RowQuerier) error {
		var err error
		cols, err = repokit.MustBind[*queries](bind, q).columns(ctx, schema, name)
		return err
	})
	if err != nil {
		return l, perr.FromStore(err, "detect columns of "+table)
	}
	if len(cols) == 0 {
		return l, perr.Configf("table %s not found", table)
	}
	if _, ok := cols[colID]; !ok {
		return l, perr.Configf("table %s has no %s column", table, colID)
	}

	l.UserAgent = hasAll(cols, colUserAgent, colBrowser, colOS, colDevice)
	l.IsBot = l.UserAgent && hasAll(cols, colIsBot)
	l.Referrer = hasAll(cols, colReferrer, colReferrerN)
	l.Domain = hasAll(cols, colDomain, colDomainN)
	l.Watermark = hasAll(cols, colNormalizeAt)

	if !l.UserAgent {
		return l, perr.Configf("table %s lacks %s, %s, %s or %s", table, colUserAgent, colBrowser, colOS, colDevice)
	}
	return l, nil
}

func (x *queries) columns(ctx context.Context, schema, table string) (map[string]struct{}, error) {
	return store.StringSet(ctx, x.q, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
		  AND table_name = $2
	`, schema, table)
}

// Select reads candidate rows newest first in one read only transaction
func (r *PG) Select(ctx context.Context, l domain.Layout, spec domain.SelectSpec) ([]domain.RawRecord, error) {
	sql, args := selectSQL(l, spec)
	hint := spec.Limit
	if hint <= 0 {
		hint = 1024
	}

	var out []domain.RawRecord
	err := store.RunReadOnly(ctx, r.db, r.cfg.Timeouts.Select, func(ctx context.Context, q store.RowQuerier) error {
		var err error
		out, err = store.Many(ctx, q, hint, scanRecord(l), sql, args...)
		return err
	})
	if err != nil {
		if perr.IsStatementTimeout(err) {
			return nil, perr.Wrapf(err, perr.ErrorCodeDB, "select from %s exceeded %s", l.Table, r.cfg.Timeouts.Select)
		}
		return nil, perr.FromStore(err, "select from "+l.Table)
	}
	return out, nil
}

// selectSQL builds the candidate query for the layout and mode
func selectSQL(l domain.Layout, spec domain.SelectSpec) (string, []any) {
	cols := []string{colID}
	if l.UserAgent {
		cols = append(cols, colUserAgent)
	}
	if l.Referrer {
		cols = append(cols, colReferrer)
	}
	if l.Domain {
		cols = append(cols, colDomain)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(identList(cols))
	b.WriteString(" FROM ")
	b.WriteString(tableIdent(l.Table))

	if !spec.Mode.SelectsAll() {
		b.WriteString(" WHERE ")
		b.WriteString(pendingPredicate(l))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(ident(colID))
	b.WriteString(" DESC")

	var args []any
	if spec.Limit > 0 {
		b.WriteString(" LIMIT $1")
		args = append(args, spec.Limit)
	}
	return b.String(), args
}

// pendingPredicate matches rows that still need normalization
func pendingPredicate(l domain.Layout) string {
	if l.Watermark {
		return ident(colNormalizeAt) + " IS NULL"
	}
	var parts []string
	pending := func(src, dst string) {
		parts = append(parts, "("+ident(src)+" IS NOT NULL AND "+ident(dst)+" IS NULL)")
	}
	if l.UserAgent {
		pending(colUserAgent, colDevice)
	}
	if l.Referrer {
		pending(colReferrer, colReferrerN)
	}
	if l.Domain {
		pending(colDomain, colDomainN)
	}
	return strings.Join(parts, " OR ")
}

func scanRecord(l domain.Layout) func(store.Row) (domain.RawRecord, error) {
	return func(row store.Row) (domain.RawRecord, error) {
		var rec domain.RawRecord
		dest := []any{&rec.ID}
		if l.UserAgent {
			dest = append(dest, &rec.UserAgent)
		}
		if l.Referrer {
			dest = append(dest, &rec.Referrer)
		}
		if l.Domain {
			dest = append(dest, &rec.Domain)
		}
		err := row.Scan(dest...)
		return rec, err
	}
}

// Open acquires a dedicated connection and creates the staging table on it
func (r *PG) Open(ctx context.Context, l domain.Layout, batch int) (domain.StagingSink, error) {
	if r.sess == nil {
		return nil, perr.Configf("postgres store does not support pinned sessions")
	}
	sess, err := r.sess.Session(ctx)
	if err != nil {
		return nil, perr.FromStore(err, "acquire staging connection")
	}

	if batch <= 0 {
		batch = r.cfg.BatchSize
	}
	s := &sink{
		sess:   sess,
		layout: l,
		name:   stagingName(l.Table),
		batch:  batch,
		tos:    r.cfg.Timeouts,
	}

	if r.cfg.Exclusive {
		unlock, err := guardrails.TryLease(ctx, sess, guardrails.LeaseKey(l.Table))
		if err != nil {
			sess.Release()
			return nil, err
		}
		s.unlock = unlock
	}

	if err := s.create(ctx); err != nil {
		_ = s.Discard(ctx)
		return nil, perr.FromStore(err, "create staging table for "+l.Table)
	}
	return s, nil
}

// stagingName is a temp table name derived from the target
func stagingName(table string) string {
	var b strings.Builder
	b.WriteString("stage_")
	for _, c := range strings.ToLower(table) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func splitTable(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func tableIdent(table string) string {
	schema, name := splitTable(table)
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

func ident(c string) string { return pgx.Identifier{c}.Sanitize() }

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return strings.Join(out, ", ")
}

func hasAll(set map[string]struct{}, cols ...string) bool {
	for _, c := range cols {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
