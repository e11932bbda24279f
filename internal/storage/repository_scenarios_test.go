package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

var scenarioNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	opts = append([]Option{WithClock(func() time.Time { return scenarioNow })}, opts...)
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func must(t *testing.T, err error, operation string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", operation, err)
	}
}

func seedRoom(t *testing.T, repo Repository, id string) models.Room {
	t.Helper()
	room := models.Room{ID: id, ConferenceID: "conf-1", Name: "Room " + id, CreatedAt: scenarioNow.Add(-48 * time.Hour)}
	must(t, repo.UpsertRoom(context.Background(), room), "upsert room "+id)
	return room
}

func seedEvent(t *testing.T, repo Repository, id, roomID string, mode models.EventMode, start time.Time, length time.Duration) models.Event {
	t.Helper()
	event := models.Event{
		ID:           id,
		RoomID:       roomID,
		ConferenceID: "conf-1",
		Name:         "Event " + id,
		StartTime:    start,
		EndTime:      start.Add(length),
		IntendedMode: mode,
	}
	must(t, repo.UpsertEvent(context.Background(), event), "upsert event "+id)
	return event
}

func seedStack(t *testing.T, repo Repository, roomID string, suffix string) models.ChannelStack {
	t.Helper()
	room := roomID
	stack, err := repo.CreateChannelStack(context.Background(), models.ChannelStack{
		RoomID:              &room,
		ConferenceID:        "conf-1",
		EncoderChannelID:    "channel-" + suffix,
		InfraStackID:        "arn:stack/room-" + suffix,
		StackName:           "room-" + suffix,
		RTMPAAttachmentName: "room-" + suffix + "-rtmpA",
		RTMPBAttachmentName: "room-" + suffix + "-rtmpB",
		MP4AttachmentName:   "room-" + suffix + "-mp4",
	})
	must(t, err, "create channel stack for "+roomID)
	return stack
}

// RunRepositoryRoomEvents covers event storage, windowed listing and RTMP
// input assignment.
func RunRepositoryRoomEvents(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	seedRoom(t, repo, "room-a")
	seedRoom(t, repo, "room-b")
	seedEvent(t, repo, "late", "room-a", models.EventModePresentation, scenarioNow.Add(2*time.Hour), time.Hour)
	seedEvent(t, repo, "early", "room-a", models.EventModePrerecorded, scenarioNow.Add(30*time.Minute), time.Hour)
	seedEvent(t, repo, "past", "room-a", models.EventModeQAndA, scenarioNow.Add(-2*time.Hour), time.Hour)
	seedEvent(t, repo, "elsewhere", "room-b", models.EventModeQAndA, scenarioNow.Add(time.Hour), time.Hour)

	events, err := repo.ListRoomEvents(ctx, "room-a", scenarioNow, scenarioNow.Add(2*time.Hour))
	must(t, err, "list room events")
	if len(events) != 1 || events[0].ID != "early" {
		t.Fatalf("expected only the early event inside [now, now+2h), got %+v", events)
	}

	events, err = repo.ListRoomEvents(ctx, "room-a", scenarioNow.Add(-3*time.Hour), scenarioNow.Add(3*time.Hour))
	must(t, err, "list room events")
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ID != "past" || events[1].ID != "early" || events[2].ID != "late" {
		t.Fatalf("expected events ordered by start time, got %s, %s, %s", events[0].ID, events[1].ID, events[2].ID)
	}

	must(t, repo.SetEventRTMPInput(ctx, "late", models.RTMPInputB), "set rtmp input")
	event, err := repo.GetEvent(ctx, "late")
	must(t, err, "get event")
	if event.RTMPInput == nil || *event.RTMPInput != models.RTMPInputB {
		t.Fatalf("expected rtmp input B, got %v", event.RTMPInput)
	}
	if err := repo.SetEventRTMPInput(ctx, "missing", models.RTMPInputA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing event, got %v", err)
	}
	if _, err := repo.GetEvent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// RunRepositoryChannelStackDiscovery covers which rooms need a stack and
// which stacks are obsolete.
func RunRepositoryChannelStackDiscovery(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	for _, id := range []string{"live", "soon", "later", "chat", "pending", "served", "stale"} {
		seedRoom(t, repo, id)
	}
	seedEvent(t, repo, "e-live", "live", models.EventModePresentation, scenarioNow.Add(-10*time.Minute), time.Hour)
	seedEvent(t, repo, "e-soon", "soon", models.EventModePrerecorded, scenarioNow.Add(30*time.Minute), time.Hour)
	seedEvent(t, repo, "e-later", "later", models.EventModeQAndA, scenarioNow.Add(2*time.Hour), time.Hour)
	seedEvent(t, repo, "e-chat", "chat", models.EventModeVideoChat, scenarioNow.Add(-10*time.Minute), time.Hour)
	seedEvent(t, repo, "e-pending", "pending", models.EventModePresentation, scenarioNow.Add(10*time.Minute), time.Hour)
	seedEvent(t, repo, "e-served", "served", models.EventModePresentation, scenarioNow.Add(-5*time.Minute), time.Hour)
	seedEvent(t, repo, "e-stale", "stale", models.EventModePresentation, scenarioNow.Add(-27*time.Hour), time.Hour)

	_, err := repo.CreateChannelStackCreateJob(ctx, models.ChannelStackCreateJob{RoomID: "pending", ConferenceID: "conf-1", StackName: "room-pending"})
	must(t, err, "create job")
	served := seedStack(t, repo, "served", "served")
	stale := seedStack(t, repo, "stale", "stale")
	orphan := seedStack(t, repo, "later", "orphan")
	must(t, repo.DetachChannelStack(ctx, orphan.ID), "detach stack")

	rooms, err := repo.FindRoomsNeedingChannelStack(ctx, scenarioNow)
	must(t, err, "find rooms needing stacks")
	got := make([]string, 0, len(rooms))
	for _, room := range rooms {
		got = append(got, room.ID)
	}
	if len(got) != 2 || got[0] != "live" || got[1] != "soon" {
		t.Fatalf("expected rooms [live soon], got %v", got)
	}

	obsolete, err := repo.FindObsoleteChannelStacks(ctx, scenarioNow)
	must(t, err, "find obsolete stacks")
	ids := make(map[string]bool)
	for _, stack := range obsolete {
		ids[stack.ID] = true
	}
	if !ids[stale.ID] || !ids[orphan.ID] {
		t.Fatalf("expected stale and detached stacks to be obsolete, got %+v", obsolete)
	}
	if ids[served.ID] {
		t.Fatal("expected stack serving a live event to be kept")
	}

	withStacks, err := repo.ListRoomsWithChannelStacks(ctx)
	must(t, err, "list rooms with stacks")
	if len(withStacks) != 2 || withStacks[0] != "served" || withStacks[1] != "stale" {
		t.Fatalf("expected [served stale], got %v", withStacks)
	}

	// Only events inside the creation lead time keep a stack alive.
	upcoming := seedStack(t, repo, "soon", "upcoming")
	distant := seedStack(t, repo, "later", "distant")
	obsolete, err = repo.FindObsoleteChannelStacks(ctx, scenarioNow)
	must(t, err, "find obsolete stacks")
	ids = make(map[string]bool)
	for _, stack := range obsolete {
		ids[stack.ID] = true
	}
	if ids[upcoming.ID] {
		t.Fatal("expected stack for an event within the lead time to be kept")
	}
	if !ids[distant.ID] {
		t.Fatal("expected stack for an event beyond the lead time to be obsolete")
	}
}

// RunRepositoryChannelStackLifecycle covers stack uniqueness, lookups,
// detachment and deletion.
func RunRepositoryChannelStackLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	seedRoom(t, repo, "main")
	stack := seedStack(t, repo, "main", "one")
	if stack.ID == "" || !stack.CreatedAt.Equal(scenarioNow) {
		t.Fatalf("expected generated id and clock timestamp, got %+v", stack)
	}

	room := "main"
	_, err := repo.CreateChannelStack(ctx, models.ChannelStack{RoomID: &room, ConferenceID: "conf-1", EncoderChannelID: "channel-two", StackName: "room-two"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second stack in room, got %v", err)
	}

	byRoom, err := repo.GetChannelStackByRoom(ctx, "main")
	must(t, err, "get stack by room")
	if byRoom.ID != stack.ID {
		t.Fatalf("expected stack %s, got %s", stack.ID, byRoom.ID)
	}
	byChannel, err := repo.GetChannelStackByChannel(ctx, "channel-one")
	must(t, err, "get stack by channel")
	if byChannel.StackName != "room-one" || byChannel.RTMPBAttachmentName != "room-one-rtmpB" {
		t.Fatalf("unexpected stack %+v", byChannel)
	}

	must(t, repo.DetachChannelStack(ctx, stack.ID), "detach stack")
	if _, err := repo.GetChannelStackByRoom(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected detached stack to be invisible by room, got %v", err)
	}
	detached, err := repo.GetChannelStack(ctx, stack.ID)
	must(t, err, "get detached stack")
	if !detached.Detached() {
		t.Fatal("expected stack to be detached")
	}

	must(t, repo.DeleteChannelStack(ctx, stack.ID), "delete stack")
	if err := repo.DeleteChannelStack(ctx, stack.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	stacks, err := repo.ListChannelStacks(ctx)
	must(t, err, "list stacks")
	if len(stacks) != 0 {
		t.Fatalf("expected no stacks, got %d", len(stacks))
	}
}

// RunRepositoryJobLifecycle covers create and delete job transitions.
func RunRepositoryJobLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	old, err := repo.CreateChannelStackCreateJob(ctx, models.ChannelStackCreateJob{
		RoomID: "r1", ConferenceID: "conf-1", StackName: "room-old", CreatedAt: scenarioNow.Add(-2 * time.Hour),
	})
	must(t, err, "create old job")
	if old.Status != models.JobStatusInProgress {
		t.Fatalf("expected new create jobs to be in progress, got %s", old.Status)
	}
	_, err = repo.CreateChannelStackCreateJob(ctx, models.ChannelStackCreateJob{RoomID: "r2", ConferenceID: "conf-1", StackName: "room-new"})
	must(t, err, "create new job")
	if _, err := repo.CreateChannelStackCreateJob(ctx, models.ChannelStackCreateJob{RoomID: "r3", StackName: "room-new"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate stack name, got %v", err)
	}

	stuck, err := repo.ListChannelStackCreateJobs(ctx, models.JobStatusInProgress, scenarioNow.Add(-time.Hour))
	must(t, err, "list stuck jobs")
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Fatalf("expected only the old job to be stuck, got %+v", stuck)
	}

	infraID := "arn:stack/room-old"
	message := "done"
	updated, err := repo.UpdateChannelStackCreateJob(ctx, old.ID, JobUpdate{Status: models.JobStatusCompleted, Message: &message, InfraStackID: &infraID})
	must(t, err, "complete job")
	if updated.Status != models.JobStatusCompleted || updated.InfraStackID != infraID || updated.Message != "done" {
		t.Fatalf("unexpected job after update: %+v", updated)
	}
	if _, err := repo.UpdateChannelStackCreateJob(ctx, old.ID, JobUpdate{Status: models.JobStatusFailed}); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
	byName, err := repo.GetChannelStackCreateJobByStackName(ctx, "room-old")
	must(t, err, "get job by stack name")
	if byName.Status != models.JobStatusCompleted {
		t.Fatalf("expected persisted completion, got %s", byName.Status)
	}
	if _, err := repo.UpdateChannelStackCreateJob(ctx, "missing", JobUpdate{Status: models.JobStatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	deleteJob, err := repo.CreateChannelStackDeleteJob(ctx, models.ChannelStackDeleteJob{InfraStackID: "arn:stack/room-x", StackName: "room-x", EncoderChannelID: "channel-x"})
	must(t, err, "create delete job")
	if deleteJob.Status != models.JobStatusNew {
		t.Fatalf("expected new delete job, got %s", deleteJob.Status)
	}
	for _, key := range []string{"room-x", "arn:stack/room-x"} {
		found, err := repo.GetChannelStackDeleteJobByStack(ctx, key)
		must(t, err, "get delete job by "+key)
		if found.ID != deleteJob.ID {
			t.Fatalf("expected delete job %s for %s, got %s", deleteJob.ID, key, found.ID)
		}
	}
	_, err = repo.UpdateChannelStackDeleteJob(ctx, deleteJob.ID, JobUpdate{Status: models.JobStatusInProgress})
	must(t, err, "start delete job")
	pending, err := repo.ListChannelStackDeleteJobs(ctx, models.JobStatusNew, models.JobStatusInProgress)
	must(t, err, "list pending delete jobs")
	if len(pending) != 1 {
		t.Fatalf("expected one pending delete job, got %d", len(pending))
	}
	_, err = repo.UpdateChannelStackDeleteJob(ctx, deleteJob.ID, JobUpdate{Status: models.JobStatusCompleted})
	must(t, err, "complete delete job")
	pending, err = repo.ListChannelStackDeleteJobs(ctx, models.JobStatusNew, models.JobStatusInProgress)
	must(t, err, "list pending delete jobs")
	if len(pending) != 0 {
		t.Fatalf("expected no pending delete jobs, got %d", len(pending))
	}
	all, err := repo.ListChannelStackDeleteJobs(ctx)
	must(t, err, "list all delete jobs")
	if len(all) != 1 {
		t.Fatalf("expected one delete job overall, got %d", len(all))
	}
}

// RunRepositoryContentAndSwitches covers elements, filler configuration and
// immediate switch records.
func RunRepositoryContentAndSwitches(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	element := models.Element{
		ID:           "element-1",
		ConferenceID: "conf-1",
		Name:         "Keynote",
		Versions: []models.ElementVersion{{
			CreatedAt: scenarioNow,
			Data:      []models.ElementBlob{{Type: models.BlobTypeVideoBroadcast, StorageURL: "s3://bucket/keynote.mp4"}},
		}},
	}
	must(t, repo.UpsertElement(ctx, element), "upsert element")
	stored, err := repo.GetElement(ctx, "element-1")
	must(t, err, "get element")
	version, ok := stored.LatestVersion()
	if !ok {
		t.Fatal("expected element version")
	}
	if key, hasVideo := version.VideoKey(); !hasVideo || key != "keynote.mp4" {
		t.Fatalf("expected keynote.mp4, got %q", key)
	}

	filler, err := repo.GetConferenceFillerVideo(ctx, "conf-1")
	must(t, err, "get filler before configuration")
	if filler != nil {
		t.Fatalf("expected no filler, got %q", *filler)
	}
	key := "filler.mp4"
	must(t, repo.SetConferenceFillerVideo(ctx, "conf-1", &key), "set filler")
	filler, err = repo.GetConferenceFillerVideo(ctx, "conf-1")
	must(t, err, "get filler")
	if filler == nil || *filler != "filler.mp4" {
		t.Fatalf("expected filler.mp4, got %v", filler)
	}

	eventID := "event-1"
	request, err := repo.CreateImmediateSwitch(ctx, models.ImmediateSwitch{
		ConferenceID: "conf-1",
		EventID:      &eventID,
		Data:         json.RawMessage(`{"kind":"filler"}`),
	})
	must(t, err, "create immediate switch")
	if request.ID == "" {
		t.Fatal("expected generated id")
	}
	executed := scenarioNow.Add(time.Second)
	must(t, repo.RecordImmediateSwitchOutcome(ctx, request.ID, &executed, nil), "record success")
	reason := "Processing error"
	must(t, repo.RecordImmediateSwitchOutcome(ctx, request.ID, nil, &reason), "record error")

	loaded, err := repo.GetImmediateSwitch(ctx, request.ID)
	must(t, err, "get immediate switch")
	if loaded.ExecutedAt == nil || !loaded.ExecutedAt.Equal(executed) {
		t.Fatalf("expected executed at %s, got %v", executed, loaded.ExecutedAt)
	}
	if loaded.ErrorMessage == nil || *loaded.ErrorMessage != reason {
		t.Fatalf("expected error message to persist, got %v", loaded.ErrorMessage)
	}
	var payload map[string]string
	if err := json.Unmarshal(loaded.Data, &payload); err != nil || payload["kind"] != "filler" {
		t.Fatalf("expected payload to round trip, got %s (%v)", string(loaded.Data), err)
	}
	if err := repo.RecordImmediateSwitchOutcome(ctx, "missing", &executed, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
