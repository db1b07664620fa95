package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

const testPoll = 20 * time.Millisecond

func newTestService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")
	opts = append([]Option{WithPollInterval(testPoll)}, opts...)
	svc, err := NewService(path, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() {
		svc.Stop()
		svc.Close()
	})
	return svc, path
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type countingObserver struct {
	mu     sync.Mutex
	status map[string]int
}

func (o *countingObserver) CronJobRun(status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == nil {
		o.status = make(map[string]int)
	}
	o.status[status]++
}

func (o *countingObserver) count(status string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status[status]
}

func TestEveryJobRunsOnCadence(t *testing.T) {
	svc, _ := newTestService(t)

	id, err := svc.AddJob("s1", "every 1", "ping", "")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	var mu sync.Mutex
	var prompts []string
	svc.Start(context.Background(), func(_ context.Context, job CronJob) (string, error) {
		mu.Lock()
		prompts = append(prompts, job.Payload.Prompt)
		mu.Unlock()
		return "pong", nil
	})

	time.Sleep(1500 * time.Millisecond)

	mu.Lock()
	got := append([]string(nil), prompts...)
	mu.Unlock()
	if len(got) < 1 {
		t.Fatal("job did not run within 1.5s")
	}
	if got[0] != "ping" {
		t.Errorf("prompt = %q, want ping", got[0])
	}

	jobs := svc.ListJobs("")
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("ListJobs = %+v, want the added job", jobs)
	}
	if jobs[0].LastRun == nil || jobs[0].NextRun == nil {
		t.Errorf("expected last and next run to be set: %+v", jobs[0])
	}
	if !jobs[0].NextRun.After(*jobs[0].LastRun) {
		t.Errorf("next run %v not after last run %v", jobs[0].NextRun, jobs[0].LastRun)
	}
}

func TestAtJobRunsOnceThenDisables(t *testing.T) {
	svc, path := newTestService(t)

	id, err := svc.AddJob("s1", "at 2020-01-01T00:00:00Z", "once", "reminder")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	var calls atomic.Int32
	svc.Start(context.Background(), func(context.Context, CronJob) (string, error) {
		calls.Add(1)
		return "done", nil
	})

	waitUntil(t, 2*time.Second, func() bool {
		job, _ := svc.GetJob(id)
		return !job.Enabled
	})
	time.Sleep(5 * testPoll)

	if n := calls.Load(); n != 1 {
		t.Errorf("one-shot ran %d times", n)
	}
	job, _ := svc.GetJob(id)
	if job.NextRun != nil || job.LastRun == nil {
		t.Errorf("after run: next=%v last=%v", job.NextRun, job.LastRun)
	}

	// persisted the same way
	jobs, err := NewStore(path).Load()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("reload: %v, %d jobs", err, len(jobs))
	}
	if jobs[0].Enabled || jobs[0].NextRun != nil {
		t.Errorf("persisted one-shot still scheduled: %+v", jobs[0])
	}
}

func TestCallbackFailuresDoNotStopPass(t *testing.T) {
	obs := &countingObserver{}
	runs := NewJSONLHistory(t.TempDir())
	svc, _ := newTestService(t, WithObserver(obs), WithHistory(runs))

	past := "at 2020-01-01T00:00:00Z"
	errID, _ := svc.AddJob("s", past, "fail", "a-error")
	panicID, _ := svc.AddJob("s", past, "boom", "b-panic")
	okID, _ := svc.AddJob("s", past, "fine", "c-ok")

	svc.Start(context.Background(), func(_ context.Context, job CronJob) (string, error) {
		switch job.Payload.Prompt {
		case "fail":
			return "", errors.New("handler failed")
		case "boom":
			panic("handler exploded")
		}
		return "all good", nil
	})

	waitUntil(t, 2*time.Second, func() bool { return svc.Status().EnabledJobs == 0 })

	if obs.count(StatusError) != 1 || obs.count(StatusPanic) != 1 || obs.count(StatusOK) != 1 {
		t.Errorf("observer counts = %v", obs.status)
	}

	checks := map[string]string{errID: StatusError, panicID: StatusPanic, okID: StatusOK}
	for id, want := range checks {
		entries, err := svc.GetRuns(id, 0)
		if err != nil {
			t.Fatalf("GetRuns(%s): %v", id, err)
		}
		if len(entries) != 1 || entries[0].Status != want {
			t.Errorf("job %s runs = %+v, want one %s", id, entries, want)
		}
	}
	if entries, _ := svc.GetRuns(okID, 1); entries[0].Summary != "all good" {
		t.Errorf("summary = %q", entries[0].Summary)
	}
}

func TestAddJobValidation(t *testing.T) {
	svc, path := newTestService(t)

	if _, err := svc.AddJob("s", "61 * * * *", "p", ""); !errors.Is(err, ErrInvalidExpression) {
		t.Errorf("invalid cron: got %v, want ErrInvalidExpression", err)
	}
	if _, err := svc.AddJob("s", "", "p", ""); !errors.Is(err, ErrInvalidExpression) {
		t.Errorf("empty expression: got %v, want ErrInvalidExpression", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("rejected jobs must not touch the store: %v", err)
	}

	// unparsable one-shot time is accepted but dormant
	id, err := svc.AddJob("s", "at someday", "p", "")
	if err != nil {
		t.Fatalf("dormant at job rejected: %v", err)
	}
	job, ok := svc.GetJob(id)
	if !ok || !job.Enabled || job.NextRun != nil {
		t.Errorf("dormant job = %+v", job)
	}
	if job.Name != "at someday" {
		t.Errorf("default name = %q, want the expression", job.Name)
	}
}

func TestListJobsFiltersAndSorts(t *testing.T) {
	svc, _ := newTestService(t)

	mustAdd := func(session, name string) string {
		t.Helper()
		id, err := svc.AddJob(session, "every 60", "p", name)
		if err != nil {
			t.Fatalf("AddJob: %v", err)
		}
		return id
	}
	mustAdd("a", "zeta")
	mustAdd("b", "alpha")
	mustAdd("a", "beta")

	all := svc.ListJobs("")
	if len(all) != 3 || all[0].Name != "alpha" || all[1].Name != "beta" || all[2].Name != "zeta" {
		t.Errorf("ListJobs(\"\") order = %v", names(all))
	}
	onlyA := svc.ListJobs("a")
	if len(onlyA) != 2 || onlyA[0].Name != "beta" || onlyA[1].Name != "zeta" {
		t.Errorf("ListJobs(a) = %v", names(onlyA))
	}

	// copies
	onlyA[0].Payload.Prompt = "changed"
	if again := svc.ListJobs("a"); again[0].Payload.Prompt != "p" {
		t.Error("ListJobs returned shared state")
	}
}

func names(jobs []CronJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Name
	}
	return out
}

func TestRemoveJobPersistsAndDropsHistory(t *testing.T) {
	runsDir := t.TempDir()
	svc, path := newTestService(t, WithHistory(NewJSONLHistory(runsDir)))

	id, _ := svc.AddJob("s", "every 60", "p", "x")
	keep, _ := svc.AddJob("s", "every 60", "p", "y")
	if err := svc.history.LogRun(id, CreateRunEntry(time.Now(), time.Second, StatusOK, "r", "")); err != nil {
		t.Fatalf("LogRun: %v", err)
	}

	if !svc.RemoveJob(id) {
		t.Fatal("RemoveJob returned false for existing job")
	}
	if svc.RemoveJob(id) {
		t.Error("second RemoveJob returned true")
	}
	if _, err := os.Stat(filepath.Join(runsDir, id+".jsonl")); !os.IsNotExist(err) {
		t.Errorf("history file not removed: %v", err)
	}

	reloaded, err := NewService(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	jobs := reloaded.ListJobs("")
	if len(jobs) != 1 || jobs[0].ID != keep {
		t.Errorf("persisted jobs = %+v", jobs)
	}
}

func TestSetEnabledAndRunNow(t *testing.T) {
	svc, _ := newTestService(t, WithPollInterval(time.Hour))

	id, _ := svc.AddJob("s", "every 3600", "manual", "")
	if _, err := svc.RunNow(context.Background(), id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("RunNow before Start: got %v", err)
	}

	if err := svc.SetEnabled(id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if job, _ := svc.GetJob(id); job.Enabled || job.NextRun != nil {
		t.Errorf("disabled job still scheduled: %+v", job)
	}
	if err := svc.SetEnabled(id, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if job, _ := svc.GetJob(id); !job.Enabled || job.NextRun == nil {
		t.Errorf("enabled job not rescheduled: %+v", job)
	}
	if err := svc.SetEnabled("missing", true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("SetEnabled unknown: got %v", err)
	}

	svc.Start(context.Background(), func(_ context.Context, job CronJob) (string, error) {
		return "ran " + job.Payload.Prompt, nil
	})
	out, err := svc.RunNow(context.Background(), id)
	if err != nil || out != "ran manual" {
		t.Fatalf("RunNow = %q, %v", out, err)
	}
	if job, _ := svc.GetJob(id); job.LastRun == nil {
		t.Error("RunNow did not stamp last run")
	}
	if _, err := svc.RunNow(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RunNow unknown: got %v", err)
	}
}

func TestDisabledWhileRunningStaysUnscheduled(t *testing.T) {
	svc, _ := newTestService(t, WithPollInterval(time.Hour))
	id, _ := svc.AddJob("s", "every 3600", "slow", "")

	started := make(chan struct{})
	release := make(chan struct{})
	svc.Start(context.Background(), func(context.Context, CronJob) (string, error) {
		close(started)
		<-release
		return "done", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunNow(context.Background(), id)
		done <- err
	}()
	<-started
	if err := svc.SetEnabled(id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	job, _ := svc.GetJob(id)
	if job.Enabled || job.NextRun != nil {
		t.Errorf("disabled job rescheduled: enabled=%v next=%v", job.Enabled, job.NextRun)
	}
	if job.LastRun == nil {
		t.Error("run not stamped")
	}

	// running a disabled job by hand leaves it unscheduled too
	svc.Stop()
	svc.Start(context.Background(), func(context.Context, CronJob) (string, error) { return "", nil })
	if _, err := svc.RunNow(context.Background(), id); err != nil {
		t.Fatalf("RunNow disabled: %v", err)
	}
	if job, _ := svc.GetJob(id); job.NextRun != nil {
		t.Errorf("manual run scheduled a disabled job: %v", job.NextRun)
	}
}

func TestNoHandlerSkipsQuietly(t *testing.T) {
	obs := &countingObserver{}
	svc, _ := newTestService(t, WithObserver(obs))
	id, _ := svc.AddJob("s", "at 2020-01-01T00:00:00Z", "nobody listens", "")

	svc.Start(context.Background(), nil)
	waitUntil(t, 2*time.Second, func() bool {
		job, _ := svc.GetJob(id)
		return job.LastRun != nil
	})

	if obs.count(StatusSkipped) != 1 || obs.count(StatusError) != 0 {
		t.Errorf("skipped=%d error=%d", obs.count(StatusSkipped), obs.count(StatusError))
	}
	runs, err := svc.GetRuns(id, 10)
	if err != nil || len(runs) != 1 || runs[0].Status != StatusSkipped {
		t.Errorf("runs = %+v, %v", runs, err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Stop()

	handler := func(context.Context, CronJob) (string, error) { return "", nil }
	svc.Start(context.Background(), handler)
	svc.Start(context.Background(), handler)
	if !svc.IsRunning() || !svc.Status().Running {
		t.Fatal("expected running")
	}
	svc.Stop()
	svc.Stop()
	if svc.IsRunning() {
		t.Fatal("still running after Stop")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	svc, _ := newTestService(t)
	svc.AddJob("s", "at 2020-01-01T00:00:00Z", "slow", "")

	started := make(chan struct{})
	svc.Start(context.Background(), func(ctx context.Context, _ CronJob) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	<-started

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a running job")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store := NewStore(path)

	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := []*CronJob{
		{ID: "1", Name: "every", SessionID: "s", Schedule: Every{Seconds: 90}, Enabled: true, NextRun: &next,
			Payload: Payload{Prompt: "p1", Channel: "telegram", Target: "42", Metadata: map[string]any{"k": "v"}}},
		{ID: "2", Name: "once", SessionID: "s", Schedule: At{RunAt: "2026-02-01T00:00:00Z"}, Payload: Payload{Prompt: "p2"}},
		{ID: "3", Name: "cron", SessionID: "t", Schedule: Expr{Expr: "0 9 * * 1"}, Enabled: true, Payload: Payload{Prompt: "p3"}},
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("loaded %d jobs, want %d", len(out), len(in))
	}
	byID := make(map[string]*CronJob)
	for _, j := range out {
		byID[j.ID] = j
	}
	for _, want := range in {
		got := byID[want.ID]
		if got == nil {
			t.Fatalf("job %s missing", want.ID)
		}
		if got.Schedule != want.Schedule || got.Payload.Prompt != want.Payload.Prompt ||
			got.SessionID != want.SessionID || got.Enabled != want.Enabled {
			t.Errorf("job %s = %+v, want %+v", want.ID, got, want)
		}
	}
	if j := byID["1"]; j.NextRun == nil || !j.NextRun.Equal(next) || j.Payload.Metadata["k"] != "v" || j.Payload.Target != "42" {
		t.Errorf("job 1 details lost: %+v", j)
	}
}

func TestStoreRecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := NewStore(path).Save([]*CronJob{
		{ID: "x", Name: "n", SessionID: "s", Schedule: Every{Seconds: 5}, Enabled: true, Payload: Payload{Prompt: "p"}},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("file is not a JSON array: %v", err)
	}
	rec := raw[0]
	for _, key := range []string{"id", "name", "session_id", "schedule", "payload", "enabled", "next_run_iso", "last_run_iso"} {
		if _, ok := rec[key]; !ok {
			t.Errorf("record missing %q: %v", key, rec)
		}
	}
	sched := rec["schedule"].(map[string]any)
	if sched["kind"] != "every" || sched["every_seconds"] != float64(5) {
		t.Errorf("schedule record = %v", sched)
	}
	for _, key := range []string{"kind", "every_seconds", "cron_expr", "run_at_iso"} {
		if _, ok := sched[key]; !ok {
			t.Errorf("schedule missing %q: %v", key, sched)
		}
	}
	payload := rec["payload"].(map[string]any)
	for _, key := range []string{"prompt", "channel", "target", "metadata"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q: %v", key, payload)
		}
	}
	if payload["prompt"] != "p" || payload["channel"] != "" || payload["metadata"] != nil {
		t.Errorf("payload record = %v", payload)
	}
}

func TestStoreTolerantLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		jobs, err := NewStore(filepath.Join(dir, "nope.json")).Load()
		if err != nil || len(jobs) != 0 {
			t.Errorf("got %d jobs, %v", len(jobs), err)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		os.WriteFile(path, []byte("{not json"), 0600)
		jobs, err := NewStore(path).Load()
		if err != nil || len(jobs) != 0 {
			t.Errorf("got %d jobs, %v", len(jobs), err)
		}
	})

	t.Run("malformed records skipped", func(t *testing.T) {
		path := filepath.Join(dir, "mixed.json")
		content := `[
			{"id":"good","name":"g","session_id":"s","schedule":{"kind":"every","every_seconds":10},"payload":{"prompt":"p"},"enabled":true},
			{"id":"","schedule":{"kind":"every","every_seconds":10}},
			{"id":"nokind","schedule":{"kind":"weekly"}},
			{"id":"noexpr","schedule":{"kind":"cron"}},
			"just a string",
			{"id":"badtime","schedule":{"kind":"at","run_at_iso":"2026-01-01T00:00:00Z"},"next_run_iso":"garbage","enabled":true}
		]`
		os.WriteFile(path, []byte(content), 0600)
		jobs, err := NewStore(path).Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		var ids []string
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		if strings.Join(ids, ",") != "good,badtime" {
			t.Errorf("loaded ids = %v, want good,badtime", ids)
		}
		if jobs[1].NextRun != nil {
			t.Errorf("unparsable next_run_iso should be dropped, got %v", jobs[1].NextRun)
		}
	})
}

func TestHistoryBackends(t *testing.T) {
	backends := map[string]HistoryConfig{
		"jsonl":  {Store: HistoryStoreJSONL, Path: t.TempDir()},
		"sqlite": {Store: HistoryStoreSQLite, Path: filepath.Join(t.TempDir(), "runs.db")},
	}
	for name, cfg := range backends {
		t.Run(name, func(t *testing.T) {
			h, err := NewHistory(cfg)
			if err != nil {
				t.Fatalf("NewHistory: %v", err)
			}
			defer h.Close()

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				entry := CreateRunEntry(base.Add(time.Duration(i)*time.Minute), time.Second, StatusOK, strings.Repeat("x", i+1), "")
				if err := h.LogRun("job", entry); err != nil {
					t.Fatalf("LogRun: %v", err)
				}
			}
			h.LogRun("other", CreateRunEntry(base, 0, StatusError, "", "bad"))

			runs, err := h.GetRuns("job", 2)
			if err != nil {
				t.Fatalf("GetRuns: %v", err)
			}
			if len(runs) != 2 || runs[0].Summary != "xxx" || runs[1].Summary != "xx" {
				t.Errorf("runs = %+v, want the two most recent first", runs)
			}

			if err := h.DeleteHistory("job"); err != nil {
				t.Fatalf("DeleteHistory: %v", err)
			}
			if runs, _ := h.GetRuns("job", 0); len(runs) != 0 {
				t.Errorf("runs after delete = %+v", runs)
			}
			if runs, _ := h.GetRuns("other", 0); len(runs) != 1 || runs[0].Error != "bad" {
				t.Errorf("other job history affected: %+v", runs)
			}
		})
	}

	if _, err := NewHistory(HistoryConfig{Store: "redis", Path: "x"}); err == nil {
		t.Error("unknown store accepted")
	}
}

func TestTruncateSummary(t *testing.T) {
	long := strings.Repeat("a", MaxSummaryChars+10)
	got := TruncateSummary(long)
	if len(got) != MaxSummaryChars || !strings.HasSuffix(got, "...") {
		t.Errorf("truncated length %d", len(got))
	}
	if TruncateSummary("short") != "short" {
		t.Error("short summary changed")
	}

	wide := TruncateSummary(strings.Repeat("é", MaxSummaryChars))
	if !utf8.ValidString(wide) || len(wide) > MaxSummaryChars || !strings.HasSuffix(wide, "...") {
		t.Errorf("multi-byte summary truncated badly: len %d valid %v", len(wide), utf8.ValidString(wide))
	}
}
