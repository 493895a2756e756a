package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kaburi0214/amIBD/internal/domain"
)

type fakeRunner struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	failUnits   map[string]int
	block       map[string]chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failUnits: map[string]int{}, block: map[string]chan struct{}{}}
}

func (r *fakeRunner) Run(ctx context.Context, unit domain.StageUnit) domain.UnitResult {
	key := unit.Stage + "/" + unit.Key

	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	blocker := r.block[key]
	r.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.inFlight--
	exit := r.failUnits[key]
	r.mu.Unlock()

	result := domain.UnitResult{
		Stage:      unit.Stage,
		Unit:       unit.Key,
		ExitCode:   exit,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if ctx.Err() != nil && exit == 0 {
		result.ExitCode = -1
		result.Stderr = "terminated"
	}
	if exit != 0 {
		result.Stderr = "tool exploded"
	}
	return result
}

func (r *fakeRunner) ranUnits() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	records []domain.UnitResult
}

func (m *memRecorder) RecordUnit(_ context.Context, _ string, result domain.UnitResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, result)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPlan(cores int) domain.WorkflowPlan {
	return domain.WorkflowPlan{
		ModernSample:     "modern",
		Regions:          []string{"1", "2"},
		Cores:            cores,
		SnapshotRevision: 1,
		Units: []domain.StageUnit{
			{Stage: domain.StageGenotypeCalling, Key: "A", Command: []string{"call", "A"}},
			{Stage: domain.StageGenotypeCalling, Key: "B", Command: []string{"call", "B"}},
			{Stage: domain.StageImputation, Key: "1", Command: []string{"phase", "1"}},
			{Stage: domain.StageImputation, Key: "2", Command: []string{"phase", "2"}},
			{Stage: domain.StageIBDDetection, Key: "1", Command: []string{"ibd", "1"}},
			{Stage: domain.StageIBDDetection, Key: "2", Command: []string{"ibd", "2"}},
		},
	}
}

func stageOf(call string) string {
	return call[:strings.Index(call, "/")]
}

func TestRunHappyPath(t *testing.T) {
	runner := newFakeRunner()
	recorder := &memRecorder{}
	e, err := New(testLogger(), runner, WithHistory(recorder))
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	job, err := e.Run(context.Background(), testPlan(2))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.State != domain.JobStateRunning {
		t.Fatalf("expected running snapshot, got %s", job.State)
	}

	final, err := e.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != domain.JobStateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", final.State, final.FailureDetail)
	}
	if final.EndedAt == nil {
		t.Fatalf("terminal job must carry an end timestamp")
	}
	if len(final.Units) != 6 {
		t.Fatalf("expected 6 unit results, got %d", len(final.Units))
	}

	// Stage barrier: every genotype-calling call precedes every imputation
	// call, and likewise imputation precedes detection.
	order := map[string]int{domain.StageGenotypeCalling: 0, domain.StageImputation: 1, domain.StageIBDDetection: 2}
	calls := runner.ranUnits()
	last := 0
	for _, call := range calls {
		rank := order[stageOf(call)]
		if rank < last {
			t.Fatalf("stage started before predecessor finished: %v", calls)
		}
		last = rank
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.records) != 6 {
		t.Fatalf("expected 6 history records, got %d", len(recorder.records))
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	runner := newFakeRunner()
	e, _ := New(testLogger(), runner)

	plan := testPlan(1)
	job, err := e.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := e.Wait(context.Background(), job.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if runner.maxInFlight > 1 {
		t.Fatalf("expected at most 1 concurrent unit, saw %d", runner.maxInFlight)
	}
}

func TestRunFailFast(t *testing.T) {
	runner := newFakeRunner()
	runner.failUnits["genotype_calling/B"] = 3
	e, _ := New(testLogger(), runner)

	job, err := e.Run(context.Background(), testPlan(2))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	final, err := e.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if final.State != domain.JobStateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.FailureCode != domain.FailureStage {
		t.Fatalf("expected stage_failure, got %s", final.FailureCode)
	}
	if !strings.Contains(final.FailureDetail, "tool exploded") {
		t.Fatalf("failure detail must carry stderr, got %q", final.FailureDetail)
	}
	for _, call := range runner.ranUnits() {
		if stageOf(call) != domain.StageGenotypeCalling {
			t.Fatalf("no later stage may start after a failure, saw %s", call)
		}
	}
}

func TestRunFailsBeforeStageWithMissingInput(t *testing.T) {
	runner := newFakeRunner()
	e, _ := New(testLogger(), runner)

	plan := testPlan(2)
	// Detection declares a dependency file that stage 2 never produced.
	plan.Units[4].Inputs = []string{filepath.Join(t.TempDir(), "chr1.vcf.gz")}

	job, err := e.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	final, err := e.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if final.State != domain.JobStateFailed || final.FailureCode != domain.FailureStage {
		t.Fatalf("expected stage_failure, got %s/%s", final.State, final.FailureCode)
	}
	if !strings.Contains(final.FailureDetail, "missing input") {
		t.Fatalf("unexpected failure detail: %q", final.FailureDetail)
	}
	for _, call := range runner.ranUnits() {
		if stageOf(call) == domain.StageIBDDetection {
			t.Fatalf("detection stage must not launch with a missing input")
		}
	}
}

func TestCancelRunningJob(t *testing.T) {
	runner := newFakeRunner()
	release := make(chan struct{})
	runner.block["genotype_calling/A"] = release
	runner.block["genotype_calling/B"] = release
	e, _ := New(testLogger(), runner)

	job, err := e.Run(context.Background(), testPlan(2))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Let both stage-1 units get in flight, then cancel.
	deadline := time.After(5 * time.Second)
	for {
		runner.mu.Lock()
		launched := len(runner.calls)
		runner.mu.Unlock()
		if launched == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stage units never launched")
		case <-time.After(time.Millisecond):
		}
	}
	if err := e.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, err := e.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !final.Cancelled() {
		t.Fatalf("expected cancelled failure, got %s/%s", final.State, final.FailureCode)
	}
	for _, call := range runner.ranUnits() {
		if stageOf(call) != domain.StageGenotypeCalling {
			t.Fatalf("no stage may start after cancellation, saw %s", call)
		}
	}

	if err := e.Cancel(job.ID); err == nil {
		t.Fatalf("cancelling a terminal job must fail")
	}
}

func TestCancelDoesNotAffectIndependentJob(t *testing.T) {
	runner := newFakeRunner()
	release := make(chan struct{})
	runner.block["genotype_calling/A"] = release
	e, _ := New(testLogger(), runner)

	blocked := domain.WorkflowPlan{
		Cores: 1,
		Units: []domain.StageUnit{
			{Stage: domain.StageGenotypeCalling, Key: "A", Command: []string{"call", "A"}},
		},
	}
	victim, err := e.Run(context.Background(), blocked)
	if err != nil {
		t.Fatalf("run victim: %v", err)
	}

	independent := domain.WorkflowPlan{
		Cores: 1,
		Units: []domain.StageUnit{
			{Stage: domain.StageGenotypeCalling, Key: "Z", Command: []string{"call", "Z"}},
		},
	}
	bystander, err := e.Run(context.Background(), independent)
	if err != nil {
		t.Fatalf("run bystander: %v", err)
	}

	if err := e.Cancel(victim.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	finalVictim, err := e.Wait(context.Background(), victim.ID)
	if err != nil {
		t.Fatalf("wait victim: %v", err)
	}
	finalBystander, err := e.Wait(context.Background(), bystander.ID)
	if err != nil {
		t.Fatalf("wait bystander: %v", err)
	}
	if !finalVictim.Cancelled() {
		t.Fatalf("victim should be cancelled, got %s/%s", finalVictim.State, finalVictim.FailureCode)
	}
	if finalBystander.State != domain.JobStateSucceeded {
		t.Fatalf("independent job must be unaffected, got %s", finalBystander.State)
	}
}

func TestPreview(t *testing.T) {
	runner := newFakeRunner()
	e, _ := New(testLogger(), runner)

	dir := t.TempDir()
	plan := testPlan(2)
	plan.Units[0].Outputs = []string{filepath.Join(dir, "results", "03_gl", "A.vcf.gz")}

	job, listing := e.Preview(plan)
	if job.State != domain.JobStateDryRunComplete {
		t.Fatalf("expected dry_run_complete, got %s", job.State)
	}
	if job.Mode != domain.JobModeDryRun {
		t.Fatalf("expected dry_run mode, got %s", job.Mode)
	}
	if len(listing) != len(plan.Units) {
		t.Fatalf("expected %d listing lines, got %d", len(plan.Units), len(listing))
	}
	if listing[0] != "genotype_calling/A: call A" {
		t.Fatalf("unexpected first listing line: %q", listing[0])
	}

	if len(runner.ranUnits()) != 0 {
		t.Fatalf("preview must not invoke any process")
	}
	if _, err := os.Stat(filepath.Join(dir, "results")); !os.IsNotExist(err) {
		t.Fatalf("preview must not create output directories")
	}
}

func TestStaleSnapshotWarning(t *testing.T) {
	runner := newFakeRunner()
	rev := uint64(1)
	var mu sync.Mutex
	e, _ := New(testLogger(), runner, WithRegistryRevision(func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		return rev
	}))

	plan := testPlan(2)
	plan.SnapshotRevision = 1

	mu.Lock()
	rev = 2
	mu.Unlock()

	job, err := e.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	final, err := e.Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !final.StaleSnapshot {
		t.Fatalf("expected stale snapshot warning on the finished job")
	}
}

func TestGetUnknownJob(t *testing.T) {
	e, _ := New(testLogger(), newFakeRunner())
	if _, err := e.Get("nope"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}
