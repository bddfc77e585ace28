package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// branchRecord is one fan-out branch's terminal status as persisted
// into a StateVisit's Output across suspensions (Outcome.Metadata),
// letting a Deferred-mode Parallel/Map handler rebuild its in-flight
// bookkeeping from RunContext.Bookkeeping on every OnSubflowFinished
// call instead of holding it in process memory.
type branchRecord struct {
	Started   bool
	Done      bool
	Succeeded bool
	Output    map[string]any
	Error     map[string]any
}

func (b branchRecord) toMap() map[string]any {
	return map[string]any{
		"started":   b.Started,
		"done":      b.Done,
		"succeeded": b.Succeeded,
		"output":    b.Output,
		"error":     b.Error,
	}
}

func branchRecordFromMap(m map[string]any) branchRecord {
	var b branchRecord
	if m == nil {
		return b
	}
	b.Started, _ = m["started"].(bool)
	b.Done, _ = m["done"].(bool)
	b.Succeeded, _ = m["succeeded"].(bool)
	b.Output, _ = m["output"].(map[string]any)
	b.Error, _ = m["error"].(map[string]any)
	return b
}

// fanoutState is the full bookkeeping persisted for one Parallel/Map
// state across its Deferred-mode suspensions.
type fanoutState struct {
	Total    int
	Records  []branchRecord
	RunIDs   []string // child run id per branch, "" until started
	FailFast bool
}

func newFanoutState(total int, failFast bool) fanoutState {
	return fanoutState{
		Total:    total,
		Records:  make([]branchRecord, total),
		RunIDs:   make([]string, total),
		FailFast: failFast,
	}
}

func (f fanoutState) toMetadata() map[string]any {
	records := make([]any, len(f.Records))
	for i, r := range f.Records {
		records[i] = r.toMap()
	}
	runIDs := make([]any, len(f.RunIDs))
	for i, id := range f.RunIDs {
		runIDs[i] = id
	}
	return map[string]any{
		"total":     f.Total,
		"records":   records,
		"run_ids":   runIDs,
		"fail_fast": f.FailFast,
	}
}

func fanoutStateFromBookkeeping(bk map[string]any) (fanoutState, bool) {
	if bk == nil {
		return fanoutState{}, false
	}
	totalF, ok := bk["total"].(float64)
	if !ok {
		totalI, ok2 := bk["total"].(int)
		if !ok2 {
			return fanoutState{}, false
		}
		totalF = float64(totalI)
	}
	total := int(totalF)
	f := newFanoutState(total, false)
	f.FailFast, _ = bk["fail_fast"].(bool)

	if rawRecords, ok := bk["records"].([]any); ok {
		for i, rv := range rawRecords {
			if i >= total {
				break
			}
			if m, ok := rv.(map[string]any); ok {
				f.Records[i] = branchRecordFromMap(m)
			}
		}
	}
	if rawIDs, ok := bk["run_ids"].([]any); ok {
		for i, v := range rawIDs {
			if i >= total {
				break
			}
			f.RunIDs[i], _ = v.(string)
		}
	}
	return f, true
}

func (f fanoutState) doneCount() int {
	n := 0
	for _, r := range f.Records {
		if r.Done {
			n++
		}
	}
	return n
}

func (f fanoutState) anyFailed() (int, bool) {
	for i, r := range f.Records {
		if r.Done && !r.Succeeded {
			return i, true
		}
	}
	return 0, false
}

func (f fanoutState) outputs() []any {
	out := make([]any, len(f.Records))
	for i, r := range f.Records {
		out[i] = r.Output
	}
	return out
}

// fanoutStart launches every branch of a Parallel/Map state, inline or
// deferred, honoring the FailFast()-controlled wait-all default.
func fanoutStart(ctx context.Context, scope *Scope, rc RunContext, branches []*dsl.Branch, contexts []map[string]any, mergeKey string) (Outcome, error) {
	total := len(branches)
	if total == 0 {
		return Outcome{Output: []any{}, MergeKey: mergeKey, ShouldContinue: true}, nil
	}

	if scope.Mode == storage.ModeInline {
		return fanoutRunInline(ctx, scope, rc, branches, contexts, mergeKey)
	}
	return fanoutStartDeferred(ctx, scope, rc, branches, contexts, mergeKey)
}

func fanoutRunInline(ctx context.Context, scope *Scope, rc RunContext, branches []*dsl.Branch, contexts []map[string]any, mergeKey string) (Outcome, error) {
	total := len(branches)
	records := make([]branchRecord, total)
	failFast := scope.Config.FailFast()

	// Under fail-fast the first branch failure cancels every
	// outstanding sibling's context; siblings wind down cooperatively
	// and their results are discarded with the parent's failure.
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var failOnce sync.Once
	firstFailed := -1

	maxWorkers := scope.Config.MaxBranchConcurrency
	if maxWorkers <= 0 || maxWorkers > total {
		maxWorkers = total
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	wg.Add(total)
	for i := range branches {
		i := i
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			records[i] = runInlineBranch(branchCtx, scope, rc, branches[i], contexts[i], i)
			if failFast && !records[i].Succeeded {
				failOnce.Do(func() {
					firstFailed = i
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	if failFast && firstFailed >= 0 {
		errInfo := records[firstFailed].Error
		return Outcome{}, exception.New(
			stringOr(errInfo["error_type"], "ExecutionFailed"),
			fmt.Sprintf("branch %d failed: %v", firstFailed, stringOr(errInfo["message"], "")),
		)
	}
	return finalizeFanout(fanoutState{Total: total, Records: records, FailFast: failFast}, mergeKey)
}

func runInlineBranch(ctx context.Context, scope *Scope, rc RunContext, branch *dsl.Branch, branchCtx map[string]any, index int) branchRecord {
	childRunID, err := scope.Subflow.StartSubflow(ctx, branch, branchCtx, storage.ModeInline, rc.RunID, rc.StateName, index)
	if err != nil {
		return branchRecord{Done: true, Succeeded: false, Error: map[string]any{"error_type": exception.TypeOf(err), "message": err.Error()}}
	}
	exec, err := scope.Subflow.RunInlineSubflow(ctx, childRunID)
	if err != nil {
		return branchRecord{Done: true, Succeeded: false, Error: map[string]any{"error_type": exception.TypeOf(err), "message": err.Error()}}
	}
	if exec.Status == storage.ExecutionCompleted {
		return branchRecord{Done: true, Succeeded: true, Output: exec.Result}
	}
	errInfo := exec.Result
	if errInfo == nil {
		errInfo = map[string]any{"error_type": "ExecutionFailed", "message": fmt.Sprintf("branch %d ended %s", index, exec.Status)}
	}
	return branchRecord{Done: true, Succeeded: false, Error: errInfo}
}

func fanoutStartDeferred(ctx context.Context, scope *Scope, rc RunContext, branches []*dsl.Branch, contexts []map[string]any, mergeKey string) (Outcome, error) {
	total := len(branches)
	f := newFanoutState(total, scope.Config.FailFast())

	maxConcurrent := scope.Config.MaxBranchConcurrency
	if maxConcurrent <= 0 || maxConcurrent > total {
		maxConcurrent = total
	}
	for i := 0; i < maxConcurrent; i++ {
		childRunID, err := scope.Subflow.StartSubflow(ctx, branches[i], contexts[i], storage.ModeDeferred, rc.RunID, rc.StateName, i)
		if err != nil {
			return Outcome{}, fmt.Errorf("fanout: start branch %d: %w", i, err)
		}
		f.RunIDs[i] = childRunID
		f.Records[i].Started = true
	}

	return Outcome{ShouldContinue: false, Metadata: mergeMeta(f.toMetadata(), mergeKey, branches, contexts)}, nil
}

// mergeMeta folds the pending branch definitions/contexts (needed to
// lazily start the next queued branch under MaxConcurrency) into the
// persisted bookkeeping, alongside the target merge key.
func mergeMeta(base map[string]any, mergeKey string, branches []*dsl.Branch, contexts []map[string]any) map[string]any {
	base["merge_key"] = mergeKey
	pending := make([]any, 0, len(branches))
	for i := range branches {
		raw, _ := dslBranchToMap(branches[i])
		pending = append(pending, map[string]any{"index": i, "branch": raw, "context": contexts[i]})
	}
	base["pending"] = pending
	return base
}

func finalizeFanout(f fanoutState, mergeKey string) (Outcome, error) {
	if idx, failed := f.anyFailed(); failed && f.FailFast {
		err := f.Records[idx].Error
		return Outcome{}, exception.New(stringOr(err["error_type"], "ExecutionFailed"), fmt.Sprintf("branch %d failed: %v", idx, stringOr(err["message"], "")))
	}
	if _, failed := f.anyFailed(); failed {
		var messages []string
		var errType string
		for i, r := range f.Records {
			if r.Done && !r.Succeeded {
				if errType == "" {
					errType = stringOr(r.Error["error_type"], "ExecutionFailed")
				}
				messages = append(messages, fmt.Sprintf("branch %d: %v", i, r.Error["message"]))
			}
		}
		return Outcome{}, exception.New(errType, fmt.Sprintf("%d branch(es) failed: %v", len(messages), messages))
	}
	return Outcome{Output: f.outputs(), MergeKey: mergeKey, ShouldContinue: true}, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// dslBranchToMap round-trips a Branch through its JSON shape so it can
// ride inside Outcome.Metadata (a map[string]any) between suspensions;
// findPending reverses this with dslBranchFromMap.
func dslBranchToMap(b *dsl.Branch) (map[string]any, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func dslBranchFromMap(m map[string]any) (*dsl.Branch, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var b dsl.Branch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// fanoutOnSubflowFinished is the Deferred-mode half of fan-out
// completion: record result's branch, launch the next queued branch
// if MaxConcurrency left room, and finalize once every branch is
// done. Duplicate notifications for an already-recorded branch are a
// no-op, satisfying the idempotency requirement on OnSubflowFinished.
func fanoutOnSubflowFinished(ctx context.Context, scope *Scope, rc RunContext, result SubflowResult) (Outcome, error) {
	f, ok := fanoutStateFromBookkeeping(rc.Bookkeeping)
	if !ok {
		return Outcome{}, fmt.Errorf("fanout: %s has no fan-out bookkeeping", rc.StateName)
	}
	mergeKey, _ := rc.Bookkeeping["merge_key"].(string)
	pending, _ := rc.Bookkeeping["pending"].([]any)

	idx := result.BranchIndex
	if idx < 0 || idx >= f.Total {
		return Outcome{}, fmt.Errorf("fanout: branch index %d out of range [0,%d)", idx, f.Total)
	}
	if f.Records[idx].Done {
		return Outcome{ShouldContinue: false, Metadata: rc.Bookkeeping}, nil
	}
	f.Records[idx] = branchRecord{Started: true, Done: true, Succeeded: result.Succeeded, Output: result.Output, Error: result.Error}

	if f.FailFast && !result.Succeeded {
		return Outcome{}, exception.New(stringOr(result.Error["error_type"], "ExecutionFailed"), fmt.Sprintf("branch %d failed: %v", idx, result.Error["message"]))
	}

	maxConcurrent := scope.Config.MaxBranchConcurrency
	if maxConcurrent <= 0 || maxConcurrent > f.Total {
		maxConcurrent = f.Total
	}
	started := 0
	for _, r := range f.Records {
		if r.Started && !r.Done {
			started++
		}
	}
	for i := range f.Records {
		if started >= maxConcurrent {
			break
		}
		if f.Records[i].Started {
			continue
		}
		branch, branchCtx, found := findPending(pending, i)
		if !found {
			continue
		}
		childRunID, err := scope.Subflow.StartSubflow(ctx, branch, branchCtx, storage.ModeDeferred, rc.RunID, rc.StateName, i)
		if err != nil {
			return Outcome{}, fmt.Errorf("fanout: start queued branch %d: %w", i, err)
		}
		f.RunIDs[i] = childRunID
		f.Records[i].Started = true
		started++
	}

	if f.doneCount() == f.Total {
		return finalizeFanout(f, mergeKey)
	}
	meta := f.toMetadata()
	meta["merge_key"] = mergeKey
	meta["pending"] = pending
	return Outcome{ShouldContinue: false, Metadata: meta}, nil
}

// BranchIndexForRun recovers which branch index a fan-out state
// started childRunID under, by scanning the state's persisted
// bookkeeping (as read back from StateVisit.Output). Exported for
// workflow/engine's SubflowWatcher, which has no other way to learn a
// completed child run's branch slot.
func BranchIndexForRun(bookkeeping map[string]any, childRunID string) (int, bool) {
	f, ok := fanoutStateFromBookkeeping(bookkeeping)
	if !ok {
		return 0, false
	}
	for i, id := range f.RunIDs {
		if id == childRunID {
			return i, true
		}
	}
	return 0, false
}

func findPending(pending []any, index int) (*dsl.Branch, map[string]any, bool) {
	for _, raw := range pending {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idx, ok := entry["index"].(int)
		if !ok {
			var idxF float64
			idxF, ok = entry["index"].(float64)
			idx = int(idxF)
		}
		if !ok || idx != index {
			continue
		}
		branchMap, _ := entry["branch"].(map[string]any)
		branch, err := dslBranchFromMap(branchMap)
		if err != nil {
			return nil, nil, false
		}
		branchCtx, _ := entry["context"].(map[string]any)
		return branch, branchCtx, true
	}
	return nil, nil, false
}
