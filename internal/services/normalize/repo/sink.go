package repo

import (
	"context"
	"strings"
	"sync"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/logger"
	"trafficnorm/internal/platform/store"
	"trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/normalize/guardrails"
)

// Staging table columns
const (
	stID       = "id"
	stBrowser  = "browser"
	stOS       = "os"
	stDevice   = "device"
	stIsBot    = "is_bot"
	stReferrer = "referrer"
	stDomain   = "domain"
)

// sink stages rows in a temp table on a pinned session and merges them in one transaction
type sink struct {
	sess   store.Session
	layout domain.Layout
	name   string
	batch  int
	tos    guardrails.Timeouts

	unlock func(context.Context) error
	once   sync.Once
}

var _ domain.StagingSink = (*sink)(nil)

// columns lists the staging columns for the layout in copy order
func (s *sink) columns() []string {
	cols := []string{stID}
	if s.layout.UserAgent {
		cols = append(cols, stBrowser, stOS, stDevice, stIsBot)
	}
	if s.layout.Referrer {
		cols = append(cols, stReferrer)
	}
	if s.layout.Domain {
		cols = append(cols, stDomain)
	}
	return cols
}

func (s *sink) create(ctx context.Context) error {
	types := map[string]string{
		stID:       "bigint PRIMARY KEY",
		stBrowser:  "text",
		stOS:       "text",
		stDevice:   "text",
		stIsBot:    "boolean",
		stReferrer: "text",
		stDomain:   "text",
	}
	cols := s.columns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = ident(c) + " " + types[c]
	}

	// a pooled connection may still carry a table from a run that could not drop it
	if _, err := s.sess.Exec(ctx, "DROP TABLE IF EXISTS "+ident(s.name)); err != nil {
		return err
	}
	_, err := s.sess.Exec(ctx, "CREATE TEMP TABLE "+ident(s.name)+" ("+strings.Join(defs, ", ")+")")
	return err
}

// Stage copies rows in chunks of the configured batch size
func (s *sink) Stage(ctx context.Context, rows []domain.StagedRow) (int64, error) {
	cols := s.columns()
	var total int64
	for i := 0; i < len(rows); i += s.batch {
		end := min(i+s.batch, len(rows))
		n, err := s.sess.CopyFrom(ctx, []string{s.name}, cols, newRowSource(rows[i:end], s.layout))
		total += n
		if err != nil {
			return total, perr.FromStore(err, "copy into staging table for "+s.layout.Table)
		}
	}
	if _, err := s.sess.Exec(ctx, "ANALYZE "+ident(s.name)); err != nil {
		return total, perr.FromStore(err, "analyze staging table for "+s.layout.Table)
	}
	return total, nil
}

// MergeInto runs the single set based update. Any failure rolls back the whole merge
func (s *sink) MergeInto(ctx context.Context, rule domain.MergeRule) (int64, error) {
	sql := mergeSQL(s.layout, s.name, rule)

	var n int64
	err := s.sess.Tx(ctx, func(q store.RowQuerier) error {
		if err := store.SetLocalTimeouts(ctx, q, guardrails.Tighter(ctx, s.tos.Merge), s.tos.Lock); err != nil {
			return err
		}
		tag, err := q.Exec(ctx, sql)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		if perr.IsConnectivity(err) {
			return 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "merge into %s", s.layout.Table)
		}
		return 0, perr.Wrapf(err, perr.ErrorCodeMerge, "merge into %s rolled back", s.layout.Table)
	}
	return n, nil
}

// Discard drops the staging table, releases any lease and returns the connection.
// It runs once and survives cancellation of ctx
func (s *sink) Discard(ctx context.Context) error {
	var out error
	s.once.Do(func() {
		tctx, cancel := guardrails.ForTeardown(ctx)
		defer cancel()
		defer s.sess.Release()

		if _, err := s.sess.Exec(tctx, "DROP TABLE IF EXISTS "+ident(s.name)); err != nil {
			logger.C(ctx).Warn().Err(err).Str("staging", s.name).Msg("normalize: drop staging table failed")
			out = perr.FromStore(err, "drop staging table")
		}
		if s.unlock != nil {
			if err := s.unlock(tctx); err != nil {
				logger.C(ctx).Warn().Err(err).Str("table", s.layout.Table).Msg("normalize: advisory unlock failed")
			}
		}
	})
	return out
}

// mergeSQL builds the UPDATE ... FROM statement for the layout and rule
func mergeSQL(l domain.Layout, stage string, rule domain.MergeRule) string {
	pick := func(live, staged string) string {
		if rule == domain.PreferStaged {
			return "COALESCE(t." + ident(staged) + ", m." + ident(live) + ")"
		}
		return "COALESCE(m." + ident(live) + ", t." + ident(staged) + ")"
	}
	// bots never keep a browser or os once a forced run has reclassified them
	botAware := func(live, staged string) string {
		if rule == domain.PreferStaged {
			return "CASE WHEN t." + ident(stIsBot) + " THEN NULL ELSE " + pick(live, staged) + " END"
		}
		return pick(live, staged)
	}

	var sets []string
	set := func(col, expr string) { sets = append(sets, ident(col)+" = "+expr) }

	if l.UserAgent {
		set(colBrowser, botAware(colBrowser, stBrowser))
		set(colOS, botAware(colOS, stOS))
		set(colDevice, pick(colDevice, stDevice))
		if l.IsBot {
			// is_bot usually defaults to false, so it follows device_normalized instead of its own nullness
			if rule == domain.PreferStaged {
				set(colIsBot, "COALESCE(t."+ident(stIsBot)+", m."+ident(colIsBot)+")")
			} else {
				set(colIsBot, "CASE WHEN m."+ident(colDevice)+" IS NULL THEN COALESCE(t."+ident(stIsBot)+", m."+ident(colIsBot)+") ELSE m."+ident(colIsBot)+" END")
			}
		}
	}
	if l.Referrer {
		set(colReferrerN, pick(colReferrerN, stReferrer))
	}
	if l.Domain {
		set(colDomainN, pick(colDomainN, stDomain))
	}
	if l.Watermark {
		set(colNormalizeAt, "now()")
	}

	return "UPDATE " + tableIdent(l.Table) + " AS m SET " + strings.Join(sets, ", ") +
		" FROM " + ident(stage) + " AS t WHERE m." + ident(colID) + " = t." + ident(stID)
}

// rowSource adapts staged rows to store.CopySource
type rowSource struct {
	rows   []domain.StagedRow
	layout domain.Layout
	i      int
}

func newRowSource(rows []domain.StagedRow, l domain.Layout) *rowSource {
	return &rowSource{rows: rows, layout: l, i: -1}
}

func (r *rowSource) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *rowSource) Values() ([]any, error) {
	row := r.rows[r.i]
	vals := make([]any, 0, 7)
	vals = append(vals, row.ID)
	if r.layout.UserAgent {
		vals = append(vals, row.Browser, row.OS, row.Device, row.IsBot)
	}
	if r.layout.Referrer {
		vals = append(vals, row.Referrer)
	}
	if r.layout.Domain {
		vals = append(vals, row.Domain)
	}
	return vals, nil
}

func (r *rowSource) Err() error { return nil }
