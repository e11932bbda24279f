package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

type dataset struct {
	Rooms             map[string]models.Room                    `json:"rooms"`
	Events            map[string]models.Event                   `json:"events"`
	Elements          map[string]models.Element                 `json:"elements"`
	Conferences       map[string]models.ConferenceConfiguration `json:"conferences"`
	ChannelStacks     map[string]models.ChannelStack            `json:"channelStacks"`
	CreateJobs        map[string]models.ChannelStackCreateJob   `json:"createJobs"`
	DeleteJobs        map[string]models.ChannelStackDeleteJob   `json:"deleteJobs"`
	ImmediateSwitches map[string]models.ImmediateSwitch         `json:"immediateSwitches"`
}

func newDataset() dataset {
	return dataset{
		Rooms:             make(map[string]models.Room),
		Events:            make(map[string]models.Event),
		Elements:          make(map[string]models.Element),
		Conferences:       make(map[string]models.ConferenceConfiguration),
		ChannelStacks:     make(map[string]models.ChannelStack),
		CreateJobs:        make(map[string]models.ChannelStackCreateJob),
		DeleteJobs:        make(map[string]models.ChannelStackDeleteJob),
		ImmediateSwitches: make(map[string]models.ImmediateSwitch),
	}
}

func (d *dataset) ensureMaps() {
	fresh := newDataset()
	if d.Rooms == nil {
		d.Rooms = fresh.Rooms
	}
	if d.Events == nil {
		d.Events = fresh.Events
	}
	if d.Elements == nil {
		d.Elements = fresh.Elements
	}
	if d.Conferences == nil {
		d.Conferences = fresh.Conferences
	}
	if d.ChannelStacks == nil {
		d.ChannelStacks = fresh.ChannelStacks
	}
	if d.CreateJobs == nil {
		d.CreateJobs = fresh.CreateJobs
	}
	if d.DeleteJobs == nil {
		d.DeleteJobs = fresh.DeleteJobs
	}
	if d.ImmediateSwitches == nil {
		d.ImmediateSwitches = fresh.ImmediateSwitches
	}
}

// Storage is a Repository persisted to a single JSON file. Every mutation
// rewrites the file atomically and is rolled back in memory when the write
// fails.
type Storage struct {
	mu              sync.RWMutex
	filePath        string
	data            dataset
	now             func() time.Time
	persistOverride func(dataset) error
}

// NewJSONRepository opens the JSON file store as a Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	data.ensureMaps()
	s.data = data
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutateEntry stores value and persists the dataset, restoring the previous
// entry when the write fails. Callers hold the write lock.
func mutateEntry[V any](s *Storage, entries map[string]V, id string, value V) error {
	previous, existed := entries[id]
	entries[id] = value
	if err := s.persist(); err != nil {
		if existed {
			entries[id] = previous
		} else {
			delete(entries, id)
		}
		return err
	}
	return nil
}

func removeEntry[V any](s *Storage, entries map[string]V, id string) error {
	previous, existed := entries[id]
	if !existed {
		return ErrNotFound
	}
	delete(entries, id)
	if err := s.persist(); err != nil {
		entries[id] = previous
		return err
	}
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Rooms == nil {
		return errors.New("store not loaded")
	}
	return nil
}

func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) UpsertRoom(_ context.Context, room models.Room) error {
	if strings.TrimSpace(room.ID) == "" {
		return errors.New("room id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	return mutateEntry(s, s.data.Rooms, room.ID, room)
}

func (s *Storage) GetRoom(_ context.Context, id string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.data.Rooms[id]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return room, nil
}

func (s *Storage) UpsertEvent(_ context.Context, event models.Event) error {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.RoomID) == "" {
		return errors.New("event id and room id are required")
	}
	if !event.EndTime.After(event.StartTime) {
		return errors.New("event must end after it starts")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.StartTime = event.StartTime.UTC()
	event.EndTime = event.EndTime.UTC()
	return mutateEntry(s, s.data.Events, event.ID, cloneEvent(event))
}

func (s *Storage) GetEvent(_ context.Context, id string) (models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.data.Events[id]
	if !ok {
		return models.Event{}, ErrNotFound
	}
	return cloneEvent(event), nil
}

func (s *Storage) ListRoomEvents(_ context.Context, roomID string, from, to time.Time) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []models.Event
	for _, event := range s.data.Events {
		if event.RoomID != roomID {
			continue
		}
		if event.StartTime.Before(from) || !event.StartTime.Before(to) {
			continue
		}
		events = append(events, cloneEvent(event))
	}
	sortEvents(events)
	return events, nil
}

func (s *Storage) SetEventRTMPInput(_ context.Context, eventID string, input models.RTMPInput) error {
	if !input.Valid() {
		return fmt.Errorf("invalid rtmp input %q", input)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.data.Events[eventID]
	if !ok {
		return ErrNotFound
	}
	event = cloneEvent(event)
	event.RTMPInput = &input
	return mutateEntry(s, s.data.Events, eventID, event)
}

func (s *Storage) UpsertElement(_ context.Context, element models.Element) error {
	if strings.TrimSpace(element.ID) == "" {
		return errors.New("element id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return mutateEntry(s, s.data.Elements, element.ID, cloneElement(element))
}

func (s *Storage) GetElement(_ context.Context, id string) (models.Element, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	element, ok := s.data.Elements[id]
	if !ok {
		return models.Element{}, ErrNotFound
	}
	return cloneElement(element), nil
}

func (s *Storage) GetConferenceFillerVideo(_ context.Context, conferenceID string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.data.Conferences[conferenceID]
	if !ok || cfg.FillerVideoKey == nil {
		return nil, nil
	}
	key := *cfg.FillerVideoKey
	return &key, nil
}

func (s *Storage) SetConferenceFillerVideo(_ context.Context, conferenceID string, key *string) error {
	if strings.TrimSpace(conferenceID) == "" {
		return errors.New("conference id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := models.ConferenceConfiguration{ConferenceID: conferenceID}
	if key != nil {
		value := *key
		cfg.FillerVideoKey = &value
	}
	return mutateEntry(s, s.data.Conferences, conferenceID, cfg)
}

func (s *Storage) FindRoomsNeedingChannelStack(_ context.Context, now time.Time) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	busy := make(map[string]struct{})
	for _, stack := range s.data.ChannelStacks {
		if !stack.Detached() {
			busy[*stack.RoomID] = struct{}{}
		}
	}
	for _, job := range s.data.CreateJobs {
		if job.Status == models.JobStatusInProgress {
			busy[job.RoomID] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var rooms []models.Room
	for _, event := range s.data.Events {
		if !eventNeedsStack(event, now) {
			continue
		}
		if _, ok := busy[event.RoomID]; ok {
			continue
		}
		if _, ok := seen[event.RoomID]; ok {
			continue
		}
		room, ok := s.data.Rooms[event.RoomID]
		if !ok {
			continue
		}
		seen[event.RoomID] = struct{}{}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (s *Storage) FindObsoleteChannelStacks(_ context.Context, now time.Time) ([]models.ChannelStack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make(map[string]struct{})
	for _, event := range s.data.Events {
		if eventQualifies(event, now) {
			active[event.RoomID] = struct{}{}
		}
	}
	var stacks []models.ChannelStack
	for _, stack := range s.data.ChannelStacks {
		if !stack.Detached() {
			if _, ok := active[*stack.RoomID]; ok {
				continue
			}
		}
		stacks = append(stacks, cloneStack(stack))
	}
	sortStacks(stacks)
	return stacks, nil
}

func (s *Storage) ListRoomsWithChannelStacks(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rooms []string
	for _, stack := range s.data.ChannelStacks {
		if !stack.Detached() {
			rooms = append(rooms, *stack.RoomID)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *Storage) CreateChannelStack(_ context.Context, stack models.ChannelStack) (models.ChannelStack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.ChannelStacks {
		if !stack.Detached() && !existing.Detached() && *existing.RoomID == *stack.RoomID {
			return models.ChannelStack{}, fmt.Errorf("room %s already has a channel stack: %w", *stack.RoomID, ErrConflict)
		}
		if stack.StackName != "" && existing.StackName == stack.StackName {
			return models.ChannelStack{}, fmt.Errorf("stack %s already recorded: %w", stack.StackName, ErrConflict)
		}
	}
	stack.ID = ensureID(stack.ID)
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = s.now()
	}
	stack = cloneStack(stack)
	if err := mutateEntry(s, s.data.ChannelStacks, stack.ID, stack); err != nil {
		return models.ChannelStack{}, err
	}
	return cloneStack(stack), nil
}

func (s *Storage) GetChannelStack(_ context.Context, id string) (models.ChannelStack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stack, ok := s.data.ChannelStacks[id]
	if !ok {
		return models.ChannelStack{}, ErrNotFound
	}
	return cloneStack(stack), nil
}

func (s *Storage) GetChannelStackByRoom(_ context.Context, roomID string) (models.ChannelStack, error) {
	return s.findStack(func(stack models.ChannelStack) bool {
		return !stack.Detached() && *stack.RoomID == roomID
	})
}

func (s *Storage) GetChannelStackByChannel(_ context.Context, channelID string) (models.ChannelStack, error) {
	return s.findStack(func(stack models.ChannelStack) bool {
		return stack.EncoderChannelID == channelID
	})
}

func (s *Storage) findStack(match func(models.ChannelStack) bool) (models.ChannelStack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stack := range s.data.ChannelStacks {
		if match(stack) {
			return cloneStack(stack), nil
		}
	}
	return models.ChannelStack{}, ErrNotFound
}

func (s *Storage) ListChannelStacks(context.Context) ([]models.ChannelStack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stacks := make([]models.ChannelStack, 0, len(s.data.ChannelStacks))
	for _, stack := range s.data.ChannelStacks {
		stacks = append(stacks, cloneStack(stack))
	}
	sortStacks(stacks)
	return stacks, nil
}

func (s *Storage) DetachChannelStack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack, ok := s.data.ChannelStacks[id]
	if !ok {
		return ErrNotFound
	}
	stack = cloneStack(stack)
	stack.RoomID = nil
	return mutateEntry(s, s.data.ChannelStacks, id, stack)
}

func (s *Storage) DeleteChannelStack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeEntry(s, s.data.ChannelStacks, id)
}

func (s *Storage) CreateChannelStackCreateJob(_ context.Context, job models.ChannelStackCreateJob) (models.ChannelStackCreateJob, error) {
	if strings.TrimSpace(job.StackName) == "" || strings.TrimSpace(job.RoomID) == "" {
		return models.ChannelStackCreateJob{}, errors.New("stack name and room id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.CreateJobs {
		if existing.StackName == job.StackName {
			return models.ChannelStackCreateJob{}, fmt.Errorf("create job for stack %s: %w", job.StackName, ErrConflict)
		}
	}
	now := s.now()
	job.ID = ensureID(job.ID)
	if job.Status == "" {
		job.Status = models.JobStatusInProgress
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := mutateEntry(s, s.data.CreateJobs, job.ID, job); err != nil {
		return models.ChannelStackCreateJob{}, err
	}
	return job, nil
}

func (s *Storage) GetChannelStackCreateJobByStackName(_ context.Context, stackName string) (models.ChannelStackCreateJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.data.CreateJobs {
		if job.StackName == stackName {
			return job, nil
		}
	}
	return models.ChannelStackCreateJob{}, ErrNotFound
}

func (s *Storage) UpdateChannelStackCreateJob(_ context.Context, id string, update JobUpdate) (models.ChannelStackCreateJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.data.CreateJobs[id]
	if !ok {
		return models.ChannelStackCreateJob{}, ErrNotFound
	}
	if err := applyJobUpdate(&job.Status, &job.Message, &job.InfraStackID, update); err != nil {
		return job, err
	}
	job.UpdatedAt = s.now()
	if err := mutateEntry(s, s.data.CreateJobs, id, job); err != nil {
		return models.ChannelStackCreateJob{}, err
	}
	return job, nil
}

func (s *Storage) ListChannelStackCreateJobs(_ context.Context, status models.JobStatus, createdBefore time.Time) ([]models.ChannelStackCreateJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.ChannelStackCreateJob
	for _, job := range s.data.CreateJobs {
		if status != "" && job.Status != status {
			continue
		}
		if !createdBefore.IsZero() && !job.CreatedAt.Before(createdBefore) {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *Storage) CreateChannelStackDeleteJob(_ context.Context, job models.ChannelStackDeleteJob) (models.ChannelStackDeleteJob, error) {
	if strings.TrimSpace(job.StackName) == "" && strings.TrimSpace(job.InfraStackID) == "" {
		return models.ChannelStackDeleteJob{}, errors.New("stack name or infrastructure stack id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	job.ID = ensureID(job.ID)
	if job.Status == "" {
		job.Status = models.JobStatusNew
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := mutateEntry(s, s.data.DeleteJobs, job.ID, job); err != nil {
		return models.ChannelStackDeleteJob{}, err
	}
	return job, nil
}

func (s *Storage) GetChannelStackDeleteJobByStack(_ context.Context, stack string) (models.ChannelStackDeleteJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found models.ChannelStackDeleteJob
		ok    bool
	)
	for _, job := range s.data.DeleteJobs {
		if stack == "" || (job.StackName != stack && job.InfraStackID != stack) {
			continue
		}
		if !ok || job.CreatedAt.After(found.CreatedAt) {
			found, ok = job, true
		}
	}
	if !ok {
		return models.ChannelStackDeleteJob{}, ErrNotFound
	}
	return found, nil
}

func (s *Storage) ListChannelStackDeleteJobs(_ context.Context, statuses ...models.JobStatus) ([]models.ChannelStackDeleteJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.ChannelStackDeleteJob
	for _, job := range s.data.DeleteJobs {
		if len(statuses) > 0 && !containsStatus(statuses, job.Status) {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *Storage) UpdateChannelStackDeleteJob(_ context.Context, id string, update JobUpdate) (models.ChannelStackDeleteJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.data.DeleteJobs[id]
	if !ok {
		return models.ChannelStackDeleteJob{}, ErrNotFound
	}
	if err := applyJobUpdate(&job.Status, &job.Message, &job.InfraStackID, update); err != nil {
		return job, err
	}
	job.UpdatedAt = s.now()
	if err := mutateEntry(s, s.data.DeleteJobs, id, job); err != nil {
		return models.ChannelStackDeleteJob{}, err
	}
	return job, nil
}

func (s *Storage) CreateImmediateSwitch(_ context.Context, request models.ImmediateSwitch) (models.ImmediateSwitch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request.ID = ensureID(request.ID)
	if _, exists := s.data.ImmediateSwitches[request.ID]; exists {
		return models.ImmediateSwitch{}, fmt.Errorf("immediate switch %s: %w", request.ID, ErrConflict)
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = s.now()
	}
	request.Data = append(json.RawMessage(nil), request.Data...)
	if err := mutateEntry(s, s.data.ImmediateSwitches, request.ID, request); err != nil {
		return models.ImmediateSwitch{}, err
	}
	return request, nil
}

func (s *Storage) GetImmediateSwitch(_ context.Context, id string) (models.ImmediateSwitch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.data.ImmediateSwitches[id]
	if !ok {
		return models.ImmediateSwitch{}, ErrNotFound
	}
	return request, nil
}

func (s *Storage) RecordImmediateSwitchOutcome(_ context.Context, id string, executedAt *time.Time, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.data.ImmediateSwitches[id]
	if !ok {
		return ErrNotFound
	}
	if executedAt != nil {
		at := executedAt.UTC()
		request.ExecutedAt = &at
	}
	if errorMessage != nil {
		msg := *errorMessage
		request.ErrorMessage = &msg
	}
	return mutateEntry(s, s.data.ImmediateSwitches, id, request)
}

func containsStatus(statuses []models.JobStatus, status models.JobStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func sortEvents(events []models.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].ID < events[j].ID
		}
		return events[i].StartTime.Before(events[j].StartTime)
	})
}

func sortStacks(stacks []models.ChannelStack) {
	sort.Slice(stacks, func(i, j int) bool {
		if stacks[i].CreatedAt.Equal(stacks[j].CreatedAt) {
			return stacks[i].ID < stacks[j].ID
		}
		return stacks[i].CreatedAt.Before(stacks[j].CreatedAt)
	})
}

func cloneEvent(event models.Event) models.Event {
	if event.VideoElementID != nil {
		id := *event.VideoElementID
		event.VideoElementID = &id
	}
	if event.RTMPInput != nil {
		input := *event.RTMPInput
		event.RTMPInput = &input
	}
	return event
}

func cloneStack(stack models.ChannelStack) models.ChannelStack {
	if stack.RoomID != nil {
		room := *stack.RoomID
		stack.RoomID = &room
	}
	return stack
}

func cloneElement(element models.Element) models.Element {
	versions := make([]models.ElementVersion, len(element.Versions))
	for i, version := range element.Versions {
		versions[i] = models.ElementVersion{
			CreatedAt: version.CreatedAt,
			Data:      append([]models.ElementBlob(nil), version.Data...),
		}
	}
	element.Versions = versions
	return element
}
