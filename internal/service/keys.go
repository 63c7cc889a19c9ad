package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	GlobalQueueKey  = "queue"
	GroupConfigKey  = "queue:config"
	queuePrefix     = "queue_"
	groupPrefix     = "queue_group_"
	commandPrefix   = "command_"
	workerKeyPrefix = "worker_"
)

// NormalizeName lowercases a worker or group name and replaces spaces.
func NormalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

func CommandKey(worker string) string { return commandPrefix + NormalizeName(worker) }
func WorkerKey(worker string) string  { return workerKeyPrefix + NormalizeName(worker) }
func PrivateKey(worker string) string { return queuePrefix + NormalizeName(worker) }
func GroupKey(group string) string    { return groupPrefix + NormalizeName(group) }

// Keys is the key layout one worker uses.
type Keys struct {
	Worker  string
	Command string
	Status  string
	Private string
	Groups  []string
	// Global is empty when the worker does not take global jobs.
	Global string
}

func NewKeys(worker string, groups []string, includeGlobal bool) Keys {
	k := Keys{
		Worker:  NormalizeName(worker),
		Command: CommandKey(worker),
		Status:  WorkerKey(worker),
		Private: PrivateKey(worker),
	}
	seen := map[string]bool{}
	for _, g := range groups {
		if NormalizeName(g) == "" {
			continue
		}
		key := GroupKey(g)
		if !seen[key] {
			seen[key] = true
			k.Groups = append(k.Groups, key)
		}
	}
	if includeGlobal {
		k.Global = GlobalQueueKey
	}
	return k
}

// Queues lists the job queues in priority order.
func (k Keys) Queues() []string {
	out := make([]string, 0, len(k.Groups)+2)
	out = append(out, k.Private)
	out = append(out, k.Groups...)
	if k.Global != "" {
		out = append(out, k.Global)
	}
	return out
}

// Watch lists every key a blocking wait pops from, command key first.
func (k Keys) Watch() []string {
	return append([]string{k.Command}, k.Queues()...)
}

// GroupConfig is one entry of the shared queue:config record.
type GroupConfig struct {
	Name    string   `json:"name"`
	Workers []string `json:"workers"`
}

// LoadGroups returns the groups worker belongs to according to queue:config.
func LoadGroups(ctx context.Context, rdb redis.Cmdable, worker string) ([]string, error) {
	raw, err := rdb.Get(ctx, GroupConfigKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load groups: %s not set", GroupConfigKey)
		}
		return nil, fmt.Errorf("load groups: %w", err)
	}
	var cfg []GroupConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	me := NormalizeName(worker)
	var groups []string
	for _, g := range cfg {
		for _, w := range g.Workers {
			if NormalizeName(w) == me {
				groups = append(groups, g.Name)
				break
			}
		}
	}
	return groups, nil
}
