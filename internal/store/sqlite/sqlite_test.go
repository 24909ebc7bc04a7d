package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "prism.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleLog(requestID string, ts int64) store.RequestLog {
	return store.RequestLog{
		RequestID:      requestID,
		Timestamp:      ts,
		ProfileID:      "p1",
		ProfileName:    "work",
		Provider:       "Anthropic",
		OriginalModel:  "claude-sonnet-4",
		ModelMode:      "passthrough",
		ForwardedModel: "claude-sonnet-4",
		InputTokens:    10,
		OutputTokens:   20,
		DurationMs:     120,
		StatusCode:     200,
	}
}

func TestUpsertLogReportsFirstWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.UpsertLog(ctx, sampleLog("r1", time.Now().UnixMilli()))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("first write should report created")
	}

	created, err = s.UpsertLog(ctx, sampleLog("r1", time.Now().UnixMilli()))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("second write must not report created")
	}

	logs, err := s.ListLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("rows = %d, want 1", len(logs))
	}
}

func TestUpdateStreamTotalsPreservesTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UnixMilli() - 5000
	entry := sampleLog("r1", started)
	entry.InputTokens = 0
	entry.OutputTokens = 0
	entry.IsStream = true
	if _, err := s.UpsertLog(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	body := "event payload"
	err := s.UpdateStreamTotals(ctx, "r1", store.StreamTotals{
		InputTokens:          100,
		OutputTokens:         200,
		CacheReadInputTokens: 7,
		DurationMs:           4800,
		ResponseBody:         &body,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	logs, _ := s.ListLogs(ctx, 1, 0)
	got := logs[0]
	if got.Timestamp != started {
		t.Fatalf("timestamp changed: %d != %d", got.Timestamp, started)
	}
	if got.InputTokens != 100 || got.OutputTokens != 200 || got.CacheReadInputTokens != 7 {
		t.Fatalf("totals not applied: %+v", got)
	}
	if got.DurationMs != 4800 {
		t.Fatalf("duration = %d", got.DurationMs)
	}
	if got.ResponseBody == nil || *got.ResponseBody != body {
		t.Fatal("response body not applied")
	}
}

func TestUpdateStreamTotalsKeepsBodyWhenNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	body := "original"
	entry := sampleLog("r1", time.Now().UnixMilli())
	entry.ResponseBody = &body
	_, _ = s.UpsertLog(ctx, entry)

	if err := s.UpdateStreamTotals(ctx, "r1", store.StreamTotals{InputTokens: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	logs, _ := s.ListLogs(ctx, 1, 0)
	if logs[0].ResponseBody == nil || *logs[0].ResponseBody != "original" {
		t.Fatal("nil update must not clear the stored body")
	}
}

func TestListLogsOrderAndClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 105; i++ {
		l := sampleLog(requestID(i), base+int64(i))
		if _, err := s.UpsertLog(ctx, l); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	logs, err := s.ListLogs(ctx, 1000, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != store.MaxListLogLimit {
		t.Fatalf("rows = %d, want clamp at %d", len(logs), store.MaxListLogLimit)
	}
	if logs[0].Timestamp < logs[1].Timestamp {
		t.Fatal("rows not newest-first")
	}

	logs, err = s.ListLogs(ctx, 10, -5)
	if err != nil {
		t.Fatalf("list negative offset: %v", err)
	}
	if len(logs) != 10 {
		t.Fatalf("rows = %d, want 10", len(logs))
	}
}

func TestListLogsResolvesProfileNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := profile.New("work", "https://api.anthropic.com", "k")
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	live := sampleLog("r1", time.Now().UnixMilli())
	live.ProfileID = p.ID
	live.ProfileName = "stale name"
	_, _ = s.UpsertLog(ctx, live)

	gone := sampleLog("r2", time.Now().UnixMilli()+1)
	gone.ProfileID = "vanished"
	_, _ = s.UpsertLog(ctx, gone)

	logs, err := s.ListLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if logs[0].ProfileName != store.DeletedProfileName("vanished") {
		t.Fatalf("deleted placeholder = %q", logs[0].ProfileName)
	}
	if logs[1].ProfileName != "work" {
		t.Fatalf("live profile name = %q, want current name", logs[1].ProfileName)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := sampleLog("r1", time.Now().UnixMilli()-40*86400000)
	fresh := sampleLog("r2", time.Now().UnixMilli())
	_, _ = s.UpsertLog(ctx, old)
	_, _ = s.UpsertLog(ctx, fresh)

	n, err := s.CleanupOlderThan(ctx, store.RetentionDays)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	logs, _ := s.ListLogs(ctx, 10, 0)
	if len(logs) != 1 || logs[0].RequestID != "r2" {
		t.Fatalf("surviving rows: %+v", logs)
	}
}

func TestDeduplicateLogsCleanTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.UpsertLog(ctx, sampleLog("r1", time.Now().UnixMilli()))

	n, err := s.DeduplicateLogs(ctx)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if n != 0 {
		t.Fatalf("removed = %d, want 0 on a constrained table", n)
	}
}

func TestDashboardStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	today := sampleLog("r1", time.Now().UnixMilli())
	today.CacheReadInputTokens = 5
	_, _ = s.UpsertLog(ctx, today)

	lastWeek := sampleLog("r2", time.Now().UnixMilli()-7*86400000)
	_, _ = s.UpsertLog(ctx, lastWeek)

	stats, err := s.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if stats.TodayRequests != 1 || stats.TotalRequests != 2 {
		t.Fatalf("requests = %d/%d", stats.TodayRequests, stats.TotalRequests)
	}
	if stats.TodayTokens != 35 {
		t.Fatalf("today tokens = %d, want 35", stats.TodayTokens)
	}
	if stats.TotalTokens != 65 {
		t.Fatalf("total tokens = %d, want 65", stats.TotalTokens)
	}
}

func TestTokenStatsBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := sampleLog("r1", time.Now().UnixMilli())
	now.CacheReadInputTokens = 3
	_, _ = s.UpsertLog(ctx, now)

	points, err := s.TokenStats(ctx, "day")
	if err != nil {
		t.Fatalf("token stats: %v", err)
	}
	if len(points) != 7 {
		t.Fatalf("buckets = %d, want 7", len(points))
	}
	last := points[len(points)-1]
	if last.Tokens != 33 {
		t.Fatalf("today's bucket tokens = %d, want 33", last.Tokens)
	}
	if last.CacheReadTokens != 3 {
		t.Fatalf("today's cache read = %d, want 3", last.CacheReadTokens)
	}
	for _, p := range points[:len(points)-1] {
		if p.Tokens != 0 {
			t.Fatalf("empty bucket carries tokens: %+v", p)
		}
	}
}

func TestProfileRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleLog("r1", time.Now().UnixMilli())
	a.ProfileID = "pa"
	a.InputTokens, a.OutputTokens = 60, 0
	_, _ = s.UpsertLog(ctx, a)

	b := sampleLog("r2", time.Now().UnixMilli())
	b.ProfileID = "pb"
	b.ProfileName = "old name"
	b.InputTokens, b.OutputTokens = 40, 0
	_, _ = s.UpsertLog(ctx, b)

	// A later row renames the profile; ranking shows the latest name.
	b2 := sampleLog("r3", time.Now().UnixMilli()+10)
	b2.ProfileID = "pb"
	b2.ProfileName = "personal"
	b2.InputTokens, b2.OutputTokens = 0, 0
	_, _ = s.UpsertLog(ctx, b2)

	ranking, err := s.ProfileRanking(ctx, "", 10)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(ranking) != 2 {
		t.Fatalf("rows = %d, want 2", len(ranking))
	}
	if ranking[0].ProfileID != "pa" || ranking[0].Rank != 1 {
		t.Fatalf("top row = %+v", ranking[0])
	}
	if ranking[0].Percentage != 60 || ranking[1].Percentage != 40 {
		t.Fatalf("percentages = %v / %v", ranking[0].Percentage, ranking[1].Percentage)
	}
	if ranking[1].ProfileName != "personal" {
		t.Fatalf("profile name = %q, want latest row's name", ranking[1].ProfileName)
	}
}

func TestProfileRankingClampsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 105; i++ {
		l := sampleLog(requestID(i), base+int64(i))
		l.ProfileID = "p-" + requestID(i)
		if _, err := s.UpsertLog(ctx, l); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	ranking, err := s.ProfileRanking(ctx, "", 500)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(ranking) != store.MaxRankingLimit {
		t.Fatalf("rows = %d, want clamp at %d", len(ranking), store.MaxRankingLimit)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := profile.New("work", "https://api.anthropic.com", "sk-ant-x")
	p.MappingMode = profile.ModeMap
	p.ModelMappings = []profile.MappingRule{
		{Pattern: "claude-*", Target: "one", UseRegex: true},
		{Pattern: "exact", Target: "two"},
	}
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadProfiles(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("profiles = %d, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != p.ID || got.Name != "work" || got.MappingMode != profile.ModeMap {
		t.Fatalf("profile mismatch: %+v", got)
	}
	if len(got.ModelMappings) != 2 || got.ModelMappings[0].Target != "one" || got.ModelMappings[1].Target != "two" {
		t.Fatalf("mapping order lost: %+v", got.ModelMappings)
	}
	if !got.ModelMappings[0].UseRegex || got.ModelMappings[1].UseRegex {
		t.Fatal("regex flags lost")
	}

	// Re-save with rules swapped, the stored order must follow.
	p.ModelMappings[0], p.ModelMappings[1] = p.ModelMappings[1], p.ModelMappings[0]
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatalf("resave: %v", err)
	}
	loaded, _ = s.LoadProfiles(ctx)
	if loaded[0].ModelMappings[0].Target != "two" {
		t.Fatalf("rule order after resave: %+v", loaded[0].ModelMappings)
	}
}

func TestDeleteProfileCascadesMappings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := profile.New("work", "https://api.anthropic.com", "k")
	p.ModelMappings = []profile.MappingRule{{Pattern: "a", Target: "b"}}
	_ = s.SaveProfile(ctx, p)

	if err := s.DeleteProfile(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	loaded, _ := s.LoadProfiles(ctx)
	if len(loaded) != 0 {
		t.Fatalf("profiles after delete = %d", len(loaded))
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM model_mappings`).Scan(&count); err != nil {
		t.Fatalf("count mappings: %v", err)
	}
	if count != 0 {
		t.Fatalf("mappings after delete = %d", count)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetConfig(ctx, store.KeyEnableAuth); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.SetConfig(ctx, store.KeyEnableAuth, "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfig(ctx, store.KeyEnableAuth, "false"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := s.GetConfig(ctx, store.KeyEnableAuth)
	if err != nil || !ok || v != "false" {
		t.Fatalf("get = %q ok=%v err=%v", v, ok, err)
	}
}

func requestID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
