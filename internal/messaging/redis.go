package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"pod-service/internal/logger"
	"pod-service/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	podHash       = "pod"
	podChannel    = "pod"
	telemetryKey  = "pod:telemetry"
	emergencyList = "pod:emergency"
	usersSet      = "users"
)

func userKey(name string) string {
	return "user:" + name
}

type Callbacks struct {
	// EmergencyCallback receives the reason pushed onto pod:emergency.
	EmergencyCallback func(reason string) error
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port, db int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   db,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Infof("Redis connection failed: %v", err)
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")

	state, err := r.client.HGet(r.ctx, podHash, "state").Result()
	if err != nil && err != redis.Nil {
		r.logger.Infof("Failed to get last pod state: %v", err)
	} else if last := types.PodState(state); state != "" && !last.Valid() {
		r.logger.Warnf("Ignoring unknown recorded pod state %q", state)
	} else if state != "" && last != types.StateUnlocked {
		r.logger.Warnf("Last recorded pod state was %s; restarting Unlocked", state)
	}

	return nil
}

// StartListening starts the emergency list listener.
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	r.wg.Add(1)
	go r.listCommandListener(emergencyList, r.handleEmergencyCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if errors.Is(err, context.Canceled) {
					r.logger.Infof("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Infof("Error reading from %s list: %v", key, err)
				// avoid spinning while the server is unreachable
				select {
				case <-r.ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}

			if len(result) >= 2 { // BRPOP returns [key, value]
				value := result[1]
				r.logger.Debugf("Received command from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("Error handling %s command: %v", key, err)
				}
			}
		}
	}
}

func (r *RedisClient) handleEmergencyCommand(value string) error {
	if r.callbacks.EmergencyCallback == nil {
		return nil
	}
	if value == "" {
		value = "redis"
	}
	return r.callbacks.EmergencyCallback(value)
}

// publishHashSet atomically updates a hash field and publishes a notification
func (r *RedisClient) publishHashSet(hash, field string, value interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisClient) PublishPodState(state types.PodState) error {
	r.logger.Infof("Publishing pod state: %s", state)
	timestamp := time.Now().Format(time.RFC3339)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, podHash, "state", string(state))
	pipe.HSet(r.ctx, podHash, "state:timestamp", timestamp)
	pipe.Publish(r.ctx, podChannel, "state")
	_, err := pipe.Exec(r.ctx)

	if err != nil {
		r.logger.Warnf("Failed to publish pod state: %v", err)
		return err
	}
	r.logger.Debugf("Successfully published pod state with timestamp: %s", timestamp)
	return nil
}

// PublishTelemetry stores the latest snapshot and notifies subscribers.
func (r *RedisClient) PublishTelemetry(snapshot []byte) error {
	pipe := r.client.Pipeline()
	pipe.Set(r.ctx, telemetryKey, snapshot, 0)
	pipe.Publish(r.ctx, podChannel, "telemetry")
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Warnf("Failed to publish telemetry: %v", err)
		return err
	}
	return nil
}

func (r *RedisClient) SaveDevices(devices []types.Device) error {
	blob, err := encodeDevices(devices)
	if err != nil {
		return err
	}
	if err := r.publishHashSet(podHash, "devices", blob, podChannel, "devices"); err != nil {
		r.logger.Warnf("Failed to save device list: %v", err)
		return err
	}
	r.logger.Debugf("Saved %d devices", len(devices))
	return nil
}

// LoadDevices returns the persisted device list, or nil when none is stored.
func (r *RedisClient) LoadDevices() ([]types.Device, error) {
	blob, err := r.client.HGet(r.ctx, podHash, "devices").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device list: %w", err)
	}
	return decodeDevices(blob)
}

// GetUser returns the stored user, or an empty user when name is unknown.
func (r *RedisClient) GetUser(name string) (types.User, error) {
	fields, err := r.client.HGetAll(r.ctx, userKey(name)).Result()
	if err != nil {
		return types.User{}, fmt.Errorf("failed to get user %s: %w", name, err)
	}
	if len(fields) == 0 {
		return types.User{}, nil
	}
	group, err := strconv.ParseUint(fields["ugroup"], 10, 8)
	if err != nil {
		return types.User{}, fmt.Errorf("user %s has invalid group %q: %w", name, fields["ugroup"], err)
	}
	return types.User{Name: name, Hash: fields["hash"], UGroup: uint8(group)}, nil
}

func (r *RedisClient) SaveUser(u types.User) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(r.ctx, userKey(u.Name), "hash", u.Hash, "ugroup", strconv.Itoa(int(u.UGroup)))
	pipe.SAdd(r.ctx, usersSet, u.Name)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.Name, err)
	}
	return nil
}

// DeleteUser removes a user and reports whether it existed.
func (r *RedisClient) DeleteUser(name string) (bool, error) {
	pipe := r.client.TxPipeline()
	del := pipe.Del(r.ctx, userKey(name))
	pipe.SRem(r.ctx, usersSet, name)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return false, fmt.Errorf("failed to delete user %s: %w", name, err)
	}
	return del.Val() > 0, nil
}

// ListUsers returns every user without password hashes, sorted by name.
func (r *RedisClient) ListUsers() ([]types.UserSecure, error) {
	names, err := r.client.SMembers(r.ctx, usersSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(names)

	pipe := r.client.Pipeline()
	groups := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		groups[i] = pipe.HGet(r.ctx, userKey(name), "ugroup")
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(r.ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
	}

	users := make([]types.UserSecure, 0, len(names))
	for i, name := range names {
		group, err := strconv.ParseUint(groups[i].Val(), 10, 8)
		if err != nil {
			r.logger.Warnf("Skipping user %s with invalid group: %v", name, err)
			continue
		}
		users = append(users, types.UserSecure{Name: name, UGroup: uint8(group)})
	}
	return users, nil
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Infof("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
