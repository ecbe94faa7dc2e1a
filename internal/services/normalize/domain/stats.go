package domain

import (
	"sort"
	"time"
)

// Buckets counts rows per classification outcome
type Buckets struct {
	Browser   map[string]int64 `json:"browser"`
	OS        map[string]int64 `json:"os"`
	Device    map[string]int64 `json:"device"`
	Bots      int64            `json:"bots"`
	Humans    int64            `json:"humans"`
	Referrers map[string]int64 `json:"referrers"`
	Domains   map[string]int64 `json:"domains"`
}

// NewBuckets returns empty buckets
func NewBuckets() *Buckets {
	return &Buckets{
		Browser:   map[string]int64{},
		OS:        map[string]int64{},
		Device:    map[string]int64{},
		Referrers: map[string]int64{},
		Domains:   map[string]int64{},
	}
}

// Add counts one staged row
func (b *Buckets) Add(r StagedRow) {
	if r.IsBot != nil {
		if *r.IsBot {
			b.Bots++
		} else {
			b.Humans++
		}
	}
	inc(b.Browser, r.Browser)
	inc(b.OS, r.OS)
	inc(b.Device, r.Device)
	inc(b.Referrers, r.Referrer)
	inc(b.Domains, r.Domain)
}

// Merge folds o into b
func (b *Buckets) Merge(o *Buckets) {
	if o == nil {
		return
	}
	b.Bots += o.Bots
	b.Humans += o.Humans
	for _, pair := range []struct{ dst, src map[string]int64 }{
		{b.Browser, o.Browser}, {b.OS, o.OS}, {b.Device, o.Device},
		{b.Referrers, o.Referrers}, {b.Domains, o.Domains},
	} {
		for k, v := range pair.src {
			pair.dst[k] += v
		}
	}
}

func inc(m map[string]int64, v *string) {
	if v != nil {
		m[*v]++
	}
}

// Count is one bucket entry
type Count struct {
	Key string `json:"key"`
	N   int64  `json:"n"`
}

// Top returns the n largest entries, ties broken by key
func Top(m map[string]int64, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, N: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TableStats describes one table run
type TableStats struct {
	Table  string   `json:"table"`
	Stages []string `json:"stages"`

	Scanned int64 `json:"scanned"`
	Staged  int64 `json:"staged"`
	Merged  int64 `json:"merged"`

	Bots      int64 `json:"bots"`
	Humans    int64 `json:"humans"`
	Fallbacks int64 `json:"fallbacks"`

	// ReferrersDropped counts non-null referrers that came back null (excluded or unparseable)
	ReferrersDropped int64 `json:"referrers_dropped"`
	// DomainsDropped counts non-null domains that came back null
	DomainsDropped int64 `json:"domains_dropped"`

	Buckets *Buckets `json:"buckets,omitempty"`

	SelectTime    time.Duration `json:"select_ns"`
	TransformTime time.Duration `json:"transform_ns"`
	StageTime     time.Duration `json:"stage_ns"`
	MergeTime     time.Duration `json:"merge_ns"`
	Duration      time.Duration `json:"duration_ns"`

	// FailedStage names the step that failed, empty on success
	FailedStage string `json:"failed_stage,omitempty"`
	Err         string `json:"error,omitempty"`
}

// RowsPerSecond is scanned rows over wall time
func (s TableStats) RowsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Scanned) / s.Duration.Seconds()
}

// RunStats aggregates one invocation
type RunStats struct {
	RunID     string        `json:"run_id"`
	Mode      Mode          `json:"mode"`
	DryRun    bool          `json:"dry_run"`
	Limit     int           `json:"limit"`
	Catalog   string        `json:"catalog"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Tables    []TableStats  `json:"tables"`
}

// Totals sums the per table counters
func (r RunStats) Totals() TableStats {
	t := TableStats{Table: "*", Duration: r.Duration}
	for _, s := range r.Tables {
		t.Scanned += s.Scanned
		t.Staged += s.Staged
		t.Merged += s.Merged
		t.Bots += s.Bots
		t.Humans += s.Humans
		t.Fallbacks += s.Fallbacks
		t.ReferrersDropped += s.ReferrersDropped
		t.DomainsDropped += s.DomainsDropped
		t.SelectTime += s.SelectTime
		t.TransformTime += s.TransformTime
		t.StageTime += s.StageTime
		t.MergeTime += s.MergeTime
		if s.Buckets != nil {
			if t.Buckets == nil {
				t.Buckets = NewBuckets()
			}
			t.Buckets.Merge(s.Buckets)
		}
	}
	return t
}

// Failed reports whether any table failed
func (r RunStats) Failed() bool {
	for _, s := range r.Tables {
		if s.Err != "" {
			return true
		}
	}
	return false
}
