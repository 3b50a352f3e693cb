package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"taskboard/api/internal/policy"
	"taskboard/api/internal/position"
)

func TestMoveTaskBeforeAnchor(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	seedTask(fs, "tsk_a", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_b", listID, position.Encode(2_000_000), 1)
	seedTask(fs, "tsk_c", listID, position.Encode(3_000_000), 1)
	svc := newTestService(fs)

	result, err := svc.MoveTask(context.Background(), asMember(), "tsk_c", MoveTaskInput{
		ToListID:        listID,
		BeforeTaskID:    "tsk_b",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	posA := fs.tasks["tsk_a"].Position
	posB := fs.tasks["tsk_b"].Position
	if !position.IsStrictlyBetween(&posA, result.Task.Position, &posB) {
		t.Fatalf("moved key %q must sort between %q and %q", result.Task.Position, posA, posB)
	}
	if got := orderIDs(result); got[0] != "tsk_a" || got[1] != "tsk_c" || got[2] != "tsk_b" {
		t.Fatalf("unexpected order: %v", got)
	}
	if result.Task.Version != 2 {
		t.Fatalf("move must bump the version, got %d", result.Task.Version)
	}
	types := fs.eventTypes("prj_1")
	if len(types) != 1 || types[0] != "task.moved" {
		t.Fatalf("expected one task.moved event, got %v", types)
	}

	var payload struct {
		TaskID     string `json:"taskId"`
		FromListID string `json:"fromListId"`
		ToListID   string `json:"toListId"`
		Position   string `json:"position"`
		Version    int64  `json:"version"`
	}
	if err := json.Unmarshal(fs.events["prj_1"][0].Payload, &payload); err != nil {
		t.Fatalf("decode move payload: %v", err)
	}
	if payload.TaskID != "tsk_c" || payload.FromListID != listID || payload.ToListID != listID {
		t.Fatalf("unexpected move payload: %+v", payload)
	}
	if payload.Position != result.Task.Position || payload.Version != result.Task.Version {
		t.Fatalf("move payload must carry the committed position and version: %+v", payload)
	}
}

func TestMoveTaskBetweenBothAnchors(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	seedTask(fs, "tsk_a", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_b", listID, position.Encode(2_000_000), 1)
	seedTask(fs, "tsk_m", listID, position.Encode(3_000_000), 1)
	svc := newTestService(fs)

	result, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		AfterTaskID:     "tsk_a",
		BeforeTaskID:    "tsk_b",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("move between anchors: %v", err)
	}
	posA := fs.tasks["tsk_a"].Position
	posB := fs.tasks["tsk_b"].Position
	if !position.IsStrictlyBetween(&posA, result.Task.Position, &posB) {
		t.Fatalf("moved key %q must sort between %q and %q", result.Task.Position, posA, posB)
	}
	if got := orderIDs(result); got[0] != "tsk_a" || got[1] != "tsk_m" || got[2] != "tsk_b" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestMoveTaskAfterAnchorAcrossLists(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	fs.lists["lst_2"] = fs.lists[listID]
	dest := fs.lists["lst_2"]
	dest.ID = "lst_2"
	fs.lists["lst_2"] = dest
	seedTask(fs, "tsk_src", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_x", "lst_2", position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_y", "lst_2", position.Encode(2_000_000), 1)
	svc := newTestService(fs)

	result, err := svc.MoveTask(context.Background(), asMember(), "tsk_src", MoveTaskInput{
		ToListID:        "lst_2",
		AfterTaskID:     "tsk_x",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if result.Task.ListID != "lst_2" {
		t.Fatalf("task must land in the destination list, got %q", result.Task.ListID)
	}
	if got := orderIDs(result); got[0] != "tsk_x" || got[1] != "tsk_src" || got[2] != "tsk_y" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestMoveTaskCollisionNarrowsAndRetries(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	seedTask(fs, "tsk_a", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_b", listID, position.Encode(9_000_000), 1)
	seedTask(fs, "tsk_m", listID, position.Encode(20_000_000), 1)
	svc := newTestService(fs)

	var keys []string
	fs.moveTaskFn = func(taskID string, expectedVersion int64, toListID, pos string) (int64, error) {
		keys = append(keys, pos)
		if len(keys) == 1 {
			// A concurrent writer took the first midpoint.
			return 0, uniqueViolation()
		}
		return fs.applyMove(taskID, expectedVersion, toListID, pos)
	}

	result, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		BeforeTaskID:    "tsk_b",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected one retry after the collision, got %d attempts", len(keys))
	}
	// The retry probes above the taken key, still below the anchor.
	posB := fs.tasks["tsk_b"].Position
	if !position.IsStrictlyBetween(&keys[0], keys[1], &posB) {
		t.Fatalf("retry key %q must sort between taken %q and %q", keys[1], keys[0], posB)
	}
	if result.Task.Position != keys[1] {
		t.Fatalf("task must carry the retried key, got %q", result.Task.Position)
	}
}

func TestMoveTaskStaleVersionFailsFast(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	seedTask(fs, "tsk_a", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_b", listID, position.Encode(2_000_000), 5)
	svc := newTestService(fs)

	attempts := 0
	fs.moveTaskFn = func(taskID string, expectedVersion int64, toListID, pos string) (int64, error) {
		attempts++
		return fs.applyMove(taskID, expectedVersion, toListID, pos)
	}

	_, err := svc.MoveTask(context.Background(), asMember(), "tsk_b", MoveTaskInput{
		ToListID:        listID,
		BeforeTaskID:    "tsk_a",
		ExpectedVersion: 4,
	})
	if codeOf(t, err) != "VERSION_CONFLICT" {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("a stale version must not be retried, got %d attempts", attempts)
	}
	if types := fs.eventTypes("prj_1"); len(types) != 0 {
		t.Fatalf("a failed move must not log events: %v", types)
	}
}

func TestMoveTaskAdjacentKeysTriggerRebalance(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	// Two numerically adjacent keys leave no midpoint between them.
	seedTask(fs, "tsk_a", listID, position.Encode(5_000_000), 1)
	seedTask(fs, "tsk_b", listID, position.Encode(5_000_001), 1)
	seedTask(fs, "tsk_m", listID, position.Encode(9_000_000), 1)
	svc := newTestService(fs)

	result, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		AfterTaskID:     "tsk_a",
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if fs.rebalances == 0 {
		t.Fatal("an exhausted gap must trigger a rebalance")
	}
	if got := orderIDs(result); got[0] != "tsk_a" || got[1] != "tsk_m" || got[2] != "tsk_b" {
		t.Fatalf("unexpected order after rebalance: %v", got)
	}
	// Rebalancing rewrites positions without consuming versions.
	if fs.tasks["tsk_a"].Version != 1 || fs.tasks["tsk_b"].Version != 1 {
		t.Fatal("rebalance must not bump versions of untouched tasks")
	}
}

func TestMoveTaskExhaustedContention(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	seedTask(fs, "tsk_a", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_m", listID, position.Encode(2_000_000), 1)
	svc := newTestService(fs)

	attempts := 0
	fs.moveTaskFn = func(string, int64, string, string) (int64, error) {
		attempts++
		return 0, uniqueViolation()
	}

	_, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		ExpectedVersion: 1,
	})
	if codeOf(t, err) != "MOVE_CONTENTION" {
		t.Fatalf("expected MOVE_CONTENTION, got %v", err)
	}
	// MoveMaxAttempts in the loop plus the final post-rebalance try.
	if attempts != testConfig().MoveMaxAttempts+1 {
		t.Fatalf("unexpected attempt count %d", attempts)
	}
}

func TestMoveTaskCrossProjectRejected(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	fs.projects["prj_2"] = fs.projects["prj_1"]
	other := fs.projects["prj_2"]
	other.ID = "prj_2"
	fs.projects["prj_2"] = other
	fs.boards["brd_2"] = fs.boards["brd_1"]
	otherBoard := fs.boards["brd_2"]
	otherBoard.ID = "brd_2"
	otherBoard.ProjectID = "prj_2"
	fs.boards["brd_2"] = otherBoard
	fs.lists["lst_2"] = fs.lists[listID]
	otherList := fs.lists["lst_2"]
	otherList.ID = "lst_2"
	otherList.BoardID = "brd_2"
	otherList.ProjectID = "prj_2"
	fs.lists["lst_2"] = otherList
	seedTask(fs, "tsk_m", listID, position.Encode(1_000_000), 1)
	svc := newTestService(fs)

	_, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        "lst_2",
		ExpectedVersion: 1,
	})
	if codeOf(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("cross-project move must be rejected, got %v", err)
	}
}

func TestMoveTaskWIPGateOnListEntry(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	limit := 1
	fs.lists["lst_2"] = fs.lists[listID]
	dest := fs.lists["lst_2"]
	dest.ID = "lst_2"
	dest.WIPLimited = true
	dest.WIPLimit = &limit
	fs.lists["lst_2"] = dest
	seedTask(fs, "tsk_m", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_full", "lst_2", position.Encode(1_000_000), 1)
	svc := newTestService(fs)

	_, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        "lst_2",
		ExpectedVersion: 1,
	})
	var wipErr *policy.WIPLimitError
	if !errors.As(err, &wipErr) {
		t.Fatalf("entering a full list must hit the WIP limit, got %v", err)
	}

	// Reordering within the full list is not an entry and is allowed.
	if _, err := svc.MoveTask(context.Background(), asMember(), "tsk_full", MoveTaskInput{
		ToListID:        "lst_2",
		ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("same-list reorder in a full list: %v", err)
	}
}

func TestMoveTaskValidatesAnchors(t *testing.T) {
	fs := newFakeStore()
	_, _, listID := seedBoard(fs)
	seedTask(fs, "tsk_a", listID, position.Encode(1_000_000), 1)
	seedTask(fs, "tsk_b", listID, position.Encode(2_000_000), 1)
	seedTask(fs, "tsk_m", listID, position.Encode(3_000_000), 1)
	svc := newTestService(fs)

	// Both anchors are allowed, but only in order: after must sort below before.
	_, err := svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		AfterTaskID:     "tsk_b",
		BeforeTaskID:    "tsk_a",
		ExpectedVersion: 1,
	})
	if codeOf(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("out-of-order anchors must be rejected, got %v", err)
	}

	_, err = svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		AfterTaskID:     "tsk_missing",
		ExpectedVersion: 1,
	})
	if codeOf(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("a missing anchor must be rejected, got %v", err)
	}

	// Anchoring on the moving task itself counts as missing: it is excluded
	// from the destination order.
	_, err = svc.MoveTask(context.Background(), asMember(), "tsk_m", MoveTaskInput{
		ToListID:        listID,
		AfterTaskID:     "tsk_m",
		ExpectedVersion: 1,
	})
	if codeOf(t, err) != "VALIDATION_ERROR" {
		t.Fatalf("self-anchor must be rejected, got %v", err)
	}
}

func orderIDs(result MoveResult) []string {
	ids := make([]string, len(result.Order))
	for i, task := range result.Order {
		ids[i] = task.ID
	}
	return ids
}
