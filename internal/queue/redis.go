package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
)

const (
	DefaultStream = "playout:room-sync"
	DefaultGroup  = "playout-workers"

	payloadField = "payload"
	readCount    = 32
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig describes how to reach Redis. The client it builds is shared by
// the room sync queue and the channel stack lease.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// Enabled reports whether any address is configured.
func (c RedisConfig) Enabled() bool {
	return len(c.addrs()) > 0
}

func (c RedisConfig) addrs() []string {
	addrs := make([]string, 0, len(c.Addrs)+1)
	for _, addr := range c.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(c.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	return addrs
}

// NewRedisClient builds a client for a single node, a cluster or a sentinel
// group depending on the configured addresses and master name.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := cfg.addrs()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// RedisQueue is a Queue backed by a Redis stream and consumer group, so that
// several playout instances share the work.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	maxLen       int64
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

type RedisOption func(*RedisQueue)

func WithStream(stream string) RedisOption {
	return func(q *RedisQueue) {
		if s := strings.TrimSpace(stream); s != "" {
			q.stream = s
		}
	}
}

func WithGroup(group string) RedisOption {
	return func(q *RedisQueue) {
		if g := strings.TrimSpace(group); g != "" {
			q.group = g
		}
	}
}

// WithBlockTimeout bounds each blocking read so that closed subscriptions
// notice promptly.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.blockTimeout = d
		}
	}
}

// WithMaxLen caps the stream length. Zero disables trimming.
func WithMaxLen(n int64) RedisOption {
	return func(q *RedisQueue) {
		if n >= 0 {
			q.maxLen = n
		}
	}
}

func WithBuffer(n int) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.buffer = n
		}
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(q *RedisQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewRedisQueue creates the consumer group if needed. The caller owns client
// and closes it after the queue.
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, opts ...RedisOption) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	q := &RedisQueue{
		client:       client,
		stream:       DefaultStream,
		group:        DefaultGroup,
		blockTimeout: 2 * time.Second,
		maxLen:       10000,
		buffer:       readCount,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.WithComponent(q.logger, "room_sync_queue")
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) Publish(ctx context.Context, request RoomSync) error {
	if err := request.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal room sync: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.add(ctx, payload)
}

func (q *RedisQueue) add(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *RedisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan RoomSync, q.buffer),
	}
	go sub.run(ctx)
	return sub
}

// Close is a no-op; the shared client is closed by its owner.
func (q *RedisQueue) Close() error {
	return nil
}

// Ping checks the broker connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *RedisQueue
	consumer string
	cancel   context.CancelFunc
	ch       chan RoomSync
}

func (s *redisSubscription) Events() <-chan RoomSync {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.cancel()
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	logger := s.queue.logger.With("consumer", s.consumer)
	for ctx.Err() == nil {
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis queue group ensure failed", "error", err)
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		messages, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isNoGroup(err) {
				s.queue.groupReady.Store(false)
			}
			logger.Warn("redis queue read failed", "error", err)
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		for i, message := range messages {
			payload, _ := message.Values[payloadField].(string)
			var request RoomSync
			if err := json.Unmarshal([]byte(payload), &request); err != nil || request.validate() != nil {
				logger.Error("redis queue decode failed", "id", message.ID, "error", err)
				s.ack(ctx, message.ID)
				continue
			}
			select {
			case s.ch <- request:
				s.ack(ctx, message.ID)
			case <-ctx.Done():
				for _, undelivered := range messages[i:] {
					s.requeue(undelivered)
				}
				return
			}
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    readCount,
		Block:    s.queue.blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

// requeue hands a message read by this consumer back to the group by
// re-adding it and acknowledging the original.
func (s *redisSubscription) requeue(message redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.ack(ctx, message.ID)
	payload, _ := message.Values[payloadField].(string)
	if payload == "" {
		return
	}
	if err := s.queue.add(ctx, []byte(payload)); err != nil {
		s.queue.logger.Warn("redis requeue failed", "id", message.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
