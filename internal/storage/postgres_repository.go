package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

const uniqueViolation = "23505"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure database migrations have been applied prior to invoking this
// constructor.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// withConn acquires a pooled connection, bounding only the wait for the
// connection by the configured acquire timeout.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func translateError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func broadcastModes() []string {
	return []string{
		string(models.EventModePresentation),
		string(models.EventModeQAndA),
		string(models.EventModePrerecorded),
	}
}

func (r *postgresRepository) UpsertRoom(ctx context.Context, room models.Room) error {
	if strings.TrimSpace(room.ID) == "" {
		return errors.New("room id is required")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = r.now()
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO rooms (id, conference_id, name, created_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET conference_id = EXCLUDED.conference_id, name = EXCLUDED.name`,
			room.ID, room.ConferenceID, room.Name, room.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert room %s: %w", room.ID, err)
		}
		return nil
	})
}

func (r *postgresRepository) GetRoom(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT id, conference_id, name, created_at FROM rooms WHERE id = $1", id)
		return scanRoom(row, &room)
	})
	return room, translateError(err)
}

func scanRoom(row rowScanner, room *models.Room) error {
	if err := row.Scan(&room.ID, &room.ConferenceID, &room.Name, &room.CreatedAt); err != nil {
		return err
	}
	room.CreatedAt = room.CreatedAt.UTC()
	return nil
}

const eventColumns = "id, room_id, conference_id, name, start_time, end_time, intended_mode, video_element_id, rtmp_input"

func scanEvent(row rowScanner) (models.Event, error) {
	var (
		event models.Event
		mode  string
		input *string
	)
	if err := row.Scan(&event.ID, &event.RoomID, &event.ConferenceID, &event.Name, &event.StartTime, &event.EndTime, &mode, &event.VideoElementID, &input); err != nil {
		return models.Event{}, err
	}
	event.IntendedMode = models.EventMode(mode)
	event.StartTime = event.StartTime.UTC()
	event.EndTime = event.EndTime.UTC()
	if input != nil {
		slot := models.RTMPInput(*input)
		event.RTMPInput = &slot
	}
	return event, nil
}

func (r *postgresRepository) UpsertEvent(ctx context.Context, event models.Event) error {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.RoomID) == "" {
		return errors.New("event id and room id are required")
	}
	if !event.EndTime.After(event.StartTime) {
		return errors.New("event must end after it starts")
	}
	var input any
	if event.RTMPInput != nil {
		input = string(*event.RTMPInput)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET room_id = EXCLUDED.room_id, conference_id = EXCLUDED.conference_id,
				name = EXCLUDED.name, start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
				intended_mode = EXCLUDED.intended_mode, video_element_id = EXCLUDED.video_element_id,
				rtmp_input = EXCLUDED.rtmp_input`,
			event.ID, event.RoomID, event.ConferenceID, event.Name, event.StartTime.UTC(), event.EndTime.UTC(),
			string(event.IntendedMode), event.VideoElementID, input)
		if err != nil {
			return fmt.Errorf("upsert event %s: %w", event.ID, err)
		}
		return nil
	})
}

func (r *postgresRepository) GetEvent(ctx context.Context, id string) (models.Event, error) {
	var event models.Event
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		event, scanErr = scanEvent(conn.QueryRow(ctx, "SELECT "+eventColumns+" FROM events WHERE id = $1", id))
		return scanErr
	})
	return event, translateError(err)
}

func (r *postgresRepository) ListRoomEvents(ctx context.Context, roomID string, from, to time.Time) ([]models.Event, error) {
	var events []models.Event
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, "SELECT "+eventColumns+" FROM events WHERE room_id = $1 AND start_time >= $2 AND start_time < $3 ORDER BY start_time, id",
			roomID, from.UTC(), to.UTC())
		if err != nil {
			return fmt.Errorf("list room events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			event, err := scanEvent(rows)
			if err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			events = append(events, event)
		}
		return rows.Err()
	})
	return events, err
}

func (r *postgresRepository) SetEventRTMPInput(ctx context.Context, eventID string, input models.RTMPInput) error {
	if !input.Valid() {
		return fmt.Errorf("invalid rtmp input %q", input)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, "UPDATE events SET rtmp_input = $2 WHERE id = $1", eventID, string(input))
		if err != nil {
			return fmt.Errorf("set event rtmp input: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *postgresRepository) UpsertElement(ctx context.Context, element models.Element) error {
	if strings.TrimSpace(element.ID) == "" {
		return errors.New("element id is required")
	}
	versions := element.Versions
	if versions == nil {
		versions = []models.ElementVersion{}
	}
	encoded, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("encode element versions: %w", err)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO elements (id, conference_id, name, versions) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET conference_id = EXCLUDED.conference_id, name = EXCLUDED.name, versions = EXCLUDED.versions`,
			element.ID, element.ConferenceID, element.Name, encoded)
		if err != nil {
			return fmt.Errorf("upsert element %s: %w", element.ID, err)
		}
		return nil
	})
}

func (r *postgresRepository) GetElement(ctx context.Context, id string) (models.Element, error) {
	var element models.Element
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var raw []byte
		row := conn.QueryRow(ctx, "SELECT id, conference_id, name, versions FROM elements WHERE id = $1", id)
		if err := row.Scan(&element.ID, &element.ConferenceID, &element.Name, &raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &element.Versions); err != nil {
			return fmt.Errorf("decode element versions: %w", err)
		}
		return nil
	})
	return element, translateError(err)
}

func (r *postgresRepository) GetConferenceFillerVideo(ctx context.Context, conferenceID string) (*string, error) {
	var key *string
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, "SELECT filler_video_key FROM conference_configurations WHERE conference_id = $1", conferenceID).Scan(&key)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return key, err
}

func (r *postgresRepository) SetConferenceFillerVideo(ctx context.Context, conferenceID string, key *string) error {
	if strings.TrimSpace(conferenceID) == "" {
		return errors.New("conference id is required")
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO conference_configurations (conference_id, filler_video_key) VALUES ($1, $2)
			ON CONFLICT (conference_id) DO UPDATE SET filler_video_key = EXCLUDED.filler_video_key`, conferenceID, key)
		if err != nil {
			return fmt.Errorf("set filler video: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) FindRoomsNeedingChannelStack(ctx context.Context, now time.Time) ([]models.Room, error) {
	now = now.UTC()
	var rooms []models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT r.id, r.conference_id, r.name, r.created_at FROM rooms r
			WHERE EXISTS (
				SELECT 1 FROM events e
				WHERE e.room_id = r.id AND e.intended_mode = ANY($3)
				AND ((e.start_time <= $1 AND e.end_time > $1) OR (e.start_time >= $1 AND e.start_time <= $2))
			)
			AND NOT EXISTS (SELECT 1 FROM channel_stacks s WHERE s.room_id = r.id)
			AND NOT EXISTS (SELECT 1 FROM channel_stack_create_jobs j WHERE j.room_id = r.id AND j.status = $4)
			ORDER BY r.id`,
			now, now.Add(StackLeadTime), broadcastModes(), string(models.JobStatusInProgress))
		if err != nil {
			return fmt.Errorf("find rooms needing channel stack: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var room models.Room
			if err := scanRoom(rows, &room); err != nil {
				return fmt.Errorf("scan room: %w", err)
			}
			rooms = append(rooms, room)
		}
		return rows.Err()
	})
	return rooms, err
}

const stackColumns = `id, room_id, conference_id, encoder_channel_id, infra_stack_id, stack_name,
	rtmp_a_input_id, rtmp_a_input_uri, rtmp_b_input_id, rtmp_b_input_uri, mp4_input_id, looping_input_id,
	rtmp_a_attachment_name, rtmp_b_attachment_name, mp4_attachment_name, looping_attachment_name,
	packaging_channel_id, endpoint_uri, cloudfront_distribution_id, cloudfront_domain, created_at`

func scanStack(row rowScanner) (models.ChannelStack, error) {
	var stack models.ChannelStack
	err := row.Scan(&stack.ID, &stack.RoomID, &stack.ConferenceID, &stack.EncoderChannelID, &stack.InfraStackID, &stack.StackName,
		&stack.RTMPAInputID, &stack.RTMPAInputURI, &stack.RTMPBInputID, &stack.RTMPBInputURI, &stack.MP4InputID, &stack.LoopingInputID,
		&stack.RTMPAAttachmentName, &stack.RTMPBAttachmentName, &stack.MP4AttachmentName, &stack.LoopingAttachmentName,
		&stack.PackagingChannelID, &stack.EndpointURI, &stack.CloudFrontDistributionID, &stack.CloudFrontDomain, &stack.CreatedAt)
	if err != nil {
		return models.ChannelStack{}, err
	}
	stack.CreatedAt = stack.CreatedAt.UTC()
	return stack, nil
}

func (r *postgresRepository) queryStacks(ctx context.Context, query string, args ...any) ([]models.ChannelStack, error) {
	var stacks []models.ChannelStack
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query channel stacks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			stack, err := scanStack(rows)
			if err != nil {
				return fmt.Errorf("scan channel stack: %w", err)
			}
			stacks = append(stacks, stack)
		}
		return rows.Err()
	})
	return stacks, err
}

func (r *postgresRepository) getStack(ctx context.Context, where string, arg any) (models.ChannelStack, error) {
	var stack models.ChannelStack
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		stack, scanErr = scanStack(conn.QueryRow(ctx, "SELECT "+stackColumns+" FROM channel_stacks WHERE "+where+" ORDER BY created_at DESC LIMIT 1", arg))
		return scanErr
	})
	return stack, translateError(err)
}

func (r *postgresRepository) FindObsoleteChannelStacks(ctx context.Context, now time.Time) ([]models.ChannelStack, error) {
	now = now.UTC()
	return r.queryStacks(ctx, `SELECT `+stackColumns+` FROM channel_stacks s
		WHERE s.room_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM events e
			WHERE e.room_id = s.room_id AND e.intended_mode = ANY($3)
			AND e.end_time >= $1 AND e.start_time <= $2
		)
		ORDER BY s.created_at, s.id`,
		now.Add(-StackRetention), now.Add(StackLeadTime), broadcastModes())
}

func (r *postgresRepository) ListRoomsWithChannelStacks(ctx context.Context) ([]string, error) {
	var rooms []string
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, "SELECT room_id FROM channel_stacks WHERE room_id IS NOT NULL ORDER BY room_id")
		if err != nil {
			return fmt.Errorf("list rooms with channel stacks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			rooms = append(rooms, id)
		}
		return rows.Err()
	})
	return rooms, err
}

func (r *postgresRepository) CreateChannelStack(ctx context.Context, stack models.ChannelStack) (models.ChannelStack, error) {
	stack.ID = ensureID(stack.ID)
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = r.now()
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "INSERT INTO channel_stacks ("+stackColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)",
			stack.ID, stack.RoomID, stack.ConferenceID, stack.EncoderChannelID, stack.InfraStackID, stack.StackName,
			stack.RTMPAInputID, stack.RTMPAInputURI, stack.RTMPBInputID, stack.RTMPBInputURI, stack.MP4InputID, stack.LoopingInputID,
			stack.RTMPAAttachmentName, stack.RTMPBAttachmentName, stack.MP4AttachmentName, stack.LoopingAttachmentName,
			stack.PackagingChannelID, stack.EndpointURI, stack.CloudFrontDistributionID, stack.CloudFrontDomain, stack.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return models.ChannelStack{}, fmt.Errorf("create channel stack: %w", translateError(err))
	}
	return stack, nil
}

func (r *postgresRepository) GetChannelStack(ctx context.Context, id string) (models.ChannelStack, error) {
	return r.getStack(ctx, "id = $1", id)
}

func (r *postgresRepository) GetChannelStackByRoom(ctx context.Context, roomID string) (models.ChannelStack, error) {
	return r.getStack(ctx, "room_id = $1", roomID)
}

func (r *postgresRepository) GetChannelStackByChannel(ctx context.Context, channelID string) (models.ChannelStack, error) {
	return r.getStack(ctx, "encoder_channel_id = $1", channelID)
}

func (r *postgresRepository) ListChannelStacks(ctx context.Context) ([]models.ChannelStack, error) {
	return r.queryStacks(ctx, "SELECT "+stackColumns+" FROM channel_stacks ORDER BY created_at, id")
}

func (r *postgresRepository) DetachChannelStack(ctx context.Context, id string) error {
	return r.execOne(ctx, "UPDATE channel_stacks SET room_id = NULL WHERE id = $1", id)
}

func (r *postgresRepository) DeleteChannelStack(ctx context.Context, id string) error {
	return r.execOne(ctx, "DELETE FROM channel_stacks WHERE id = $1", id)
}

func (r *postgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const createJobColumns = "id, room_id, conference_id, stack_name, infra_stack_id, status, message, created_at, updated_at"

func scanCreateJob(row rowScanner) (models.ChannelStackCreateJob, error) {
	var (
		job    models.ChannelStackCreateJob
		status string
	)
	if err := row.Scan(&job.ID, &job.RoomID, &job.ConferenceID, &job.StackName, &job.InfraStackID, &status, &job.Message, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.ChannelStackCreateJob{}, err
	}
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (r *postgresRepository) CreateChannelStackCreateJob(ctx context.Context, job models.ChannelStackCreateJob) (models.ChannelStackCreateJob, error) {
	if strings.TrimSpace(job.StackName) == "" || strings.TrimSpace(job.RoomID) == "" {
		return models.ChannelStackCreateJob{}, errors.New("stack name and room id are required")
	}
	now := r.now()
	job.ID = ensureID(job.ID)
	if job.Status == "" {
		job.Status = models.JobStatusInProgress
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "INSERT INTO channel_stack_create_jobs ("+createJobColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
			job.ID, job.RoomID, job.ConferenceID, job.StackName, job.InfraStackID, string(job.Status), job.Message, job.CreatedAt.UTC(), job.UpdatedAt)
		return err
	})
	if err != nil {
		return models.ChannelStackCreateJob{}, fmt.Errorf("create channel stack create job: %w", translateError(err))
	}
	return job, nil
}

func (r *postgresRepository) GetChannelStackCreateJobByStackName(ctx context.Context, stackName string) (models.ChannelStackCreateJob, error) {
	var job models.ChannelStackCreateJob
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		job, scanErr = scanCreateJob(conn.QueryRow(ctx, "SELECT "+createJobColumns+" FROM channel_stack_create_jobs WHERE stack_name = $1", stackName))
		return scanErr
	})
	return job, translateError(err)
}

func (r *postgresRepository) UpdateChannelStackCreateJob(ctx context.Context, id string, update JobUpdate) (models.ChannelStackCreateJob, error) {
	var job models.ChannelStackCreateJob
	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanCreateJob(tx.QueryRow(ctx, "SELECT "+createJobColumns+" FROM channel_stack_create_jobs WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return translateError(err)
		}
		job = current
		if err := applyJobUpdate(&job.Status, &job.Message, &job.InfraStackID, update); err != nil {
			return err
		}
		job.UpdatedAt = r.now()
		_, err = tx.Exec(ctx, "UPDATE channel_stack_create_jobs SET status = $2, message = $3, infra_stack_id = $4, updated_at = $5 WHERE id = $1",
			id, string(job.Status), job.Message, job.InfraStackID, job.UpdatedAt)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrJobTerminal) {
			return job, err
		}
		return models.ChannelStackCreateJob{}, err
	}
	return job, nil
}

func (r *postgresRepository) ListChannelStackCreateJobs(ctx context.Context, status models.JobStatus, createdBefore time.Time) ([]models.ChannelStackCreateJob, error) {
	query := "SELECT " + createJobColumns + " FROM channel_stack_create_jobs WHERE ($1 = '' OR status = $1)"
	args := []any{string(status)}
	if !createdBefore.IsZero() {
		query += " AND created_at < $2"
		args = append(args, createdBefore.UTC())
	}
	query += " ORDER BY created_at, id"
	var jobs []models.ChannelStackCreateJob
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list create jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanCreateJob(rows)
			if err != nil {
				return fmt.Errorf("scan create job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

const deleteJobColumns = "id, infra_stack_id, stack_name, encoder_channel_id, status, message, created_at, updated_at"

func scanDeleteJob(row rowScanner) (models.ChannelStackDeleteJob, error) {
	var (
		job    models.ChannelStackDeleteJob
		status string
	)
	if err := row.Scan(&job.ID, &job.InfraStackID, &job.StackName, &job.EncoderChannelID, &status, &job.Message, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.ChannelStackDeleteJob{}, err
	}
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (r *postgresRepository) CreateChannelStackDeleteJob(ctx context.Context, job models.ChannelStackDeleteJob) (models.ChannelStackDeleteJob, error) {
	if strings.TrimSpace(job.StackName) == "" && strings.TrimSpace(job.InfraStackID) == "" {
		return models.ChannelStackDeleteJob{}, errors.New("stack name or infrastructure stack id is required")
	}
	now := r.now()
	job.ID = ensureID(job.ID)
	if job.Status == "" {
		job.Status = models.JobStatusNew
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "INSERT INTO channel_stack_delete_jobs ("+deleteJobColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			job.ID, job.InfraStackID, job.StackName, job.EncoderChannelID, string(job.Status), job.Message, job.CreatedAt.UTC(), job.UpdatedAt)
		return err
	})
	if err != nil {
		return models.ChannelStackDeleteJob{}, fmt.Errorf("create channel stack delete job: %w", translateError(err))
	}
	return job, nil
}

func (r *postgresRepository) GetChannelStackDeleteJobByStack(ctx context.Context, stack string) (models.ChannelStackDeleteJob, error) {
	if strings.TrimSpace(stack) == "" {
		return models.ChannelStackDeleteJob{}, ErrNotFound
	}
	var job models.ChannelStackDeleteJob
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var scanErr error
		job, scanErr = scanDeleteJob(conn.QueryRow(ctx, "SELECT "+deleteJobColumns+" FROM channel_stack_delete_jobs WHERE stack_name = $1 OR infra_stack_id = $1 ORDER BY created_at DESC LIMIT 1", stack))
		return scanErr
	})
	return job, translateError(err)
}

func (r *postgresRepository) ListChannelStackDeleteJobs(ctx context.Context, statuses ...models.JobStatus) ([]models.ChannelStackDeleteJob, error) {
	filter := make([]string, 0, len(statuses))
	for _, status := range statuses {
		filter = append(filter, string(status))
	}
	var jobs []models.ChannelStackDeleteJob
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, "SELECT "+deleteJobColumns+" FROM channel_stack_delete_jobs WHERE cardinality($1::text[]) = 0 OR status = ANY($1) ORDER BY created_at, id", filter)
		if err != nil {
			return fmt.Errorf("list delete jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanDeleteJob(rows)
			if err != nil {
				return fmt.Errorf("scan delete job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

func (r *postgresRepository) UpdateChannelStackDeleteJob(ctx context.Context, id string, update JobUpdate) (models.ChannelStackDeleteJob, error) {
	var job models.ChannelStackDeleteJob
	err := r.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := scanDeleteJob(tx.QueryRow(ctx, "SELECT "+deleteJobColumns+" FROM channel_stack_delete_jobs WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return translateError(err)
		}
		job = current
		if err := applyJobUpdate(&job.Status, &job.Message, &job.InfraStackID, update); err != nil {
			return err
		}
		job.UpdatedAt = r.now()
		_, err = tx.Exec(ctx, "UPDATE channel_stack_delete_jobs SET status = $2, message = $3, infra_stack_id = $4, updated_at = $5 WHERE id = $1",
			id, string(job.Status), job.Message, job.InfraStackID, job.UpdatedAt)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrJobTerminal) {
			return job, err
		}
		return models.ChannelStackDeleteJob{}, err
	}
	return job, nil
}

func (r *postgresRepository) inTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

const switchColumns = "id, conference_id, event_id, data, executed_at, error_message, created_at"

func (r *postgresRepository) CreateImmediateSwitch(ctx context.Context, request models.ImmediateSwitch) (models.ImmediateSwitch, error) {
	request.ID = ensureID(request.ID)
	if request.CreatedAt.IsZero() {
		request.CreatedAt = r.now()
	}
	data := []byte(request.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "INSERT INTO immediate_switches ("+switchColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
			request.ID, request.ConferenceID, request.EventID, data, request.ExecutedAt, request.ErrorMessage, request.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return models.ImmediateSwitch{}, fmt.Errorf("create immediate switch: %w", translateError(err))
	}
	return request, nil
}

func (r *postgresRepository) GetImmediateSwitch(ctx context.Context, id string) (models.ImmediateSwitch, error) {
	var request models.ImmediateSwitch
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var raw []byte
		row := conn.QueryRow(ctx, "SELECT "+switchColumns+" FROM immediate_switches WHERE id = $1", id)
		if err := row.Scan(&request.ID, &request.ConferenceID, &request.EventID, &raw, &request.ExecutedAt, &request.ErrorMessage, &request.CreatedAt); err != nil {
			return err
		}
		request.Data = json.RawMessage(raw)
		request.CreatedAt = request.CreatedAt.UTC()
		if request.ExecutedAt != nil {
			at := request.ExecutedAt.UTC()
			request.ExecutedAt = &at
		}
		return nil
	})
	return request, translateError(err)
}

func (r *postgresRepository) RecordImmediateSwitchOutcome(ctx context.Context, id string, executedAt *time.Time, errorMessage *string) error {
	var at any
	if executedAt != nil {
		at = executedAt.UTC()
	}
	return r.execOne(ctx, `UPDATE immediate_switches SET executed_at = COALESCE($2, executed_at),
		error_message = COALESCE($3, error_message) WHERE id = $1`, id, at, errorMessage)
}
