package storeclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

// EtcdStore implements Store over go.etcd.io/etcd/client/v3, scoping every
// key under namespace. The zero value is not usable; build one with
// NewEtcdStore.
type EtcdStore struct {
	client    *clientv3.Client
	namespace string
}

// EtcdConfig configures a new EtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	Namespace   string
	DialTimeout time.Duration
}

// NewEtcdStore dials the etcd cluster named by cfg.Endpoints.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	klog.InfoS("Connected to store", "endpoints", cfg.Endpoints, "namespace", cfg.Namespace)

	return &EtcdStore{client: client, namespace: cfg.Namespace}, nil
}

func (s *EtcdStore) scoped(key string) string {
	return s.namespace + key
}

func (s *EtcdStore) unscope(key string) string {
	return strings.TrimPrefix(key, s.namespace)
}

// ListKeys returns every key under prefix, in lexical order.
func (s *EtcdStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := s.client.Get(ctx, s.scoped(prefix), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys under %q: %w", prefix, err)
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, s.unscope(string(kv.Key)))
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns key's current value and whether it is present.
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, s.scoped(key))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Put unconditionally overwrites key.
func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, s.scoped(key), string(value)); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, s.scoped(key)); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Txn evaluates cmp and runs onSuccess or onFailure accordingly.
func (s *EtcdStore) Txn(ctx context.Context, cmp []Compare, onSuccess, onFailure []Op) (bool, error) {
	cmps := make([]clientv3.Cmp, 0, len(cmp))
	for _, c := range cmp {
		switch c.Kind {
		case CompareValue:
			cmps = append(cmps, clientv3.Compare(clientv3.Value(s.scoped(c.Key)), "=", string(c.Value)))
		case CompareVersion:
			cmps = append(cmps, clientv3.Compare(clientv3.Version(s.scoped(c.Key)), "=", c.Version))
		default:
			return false, fmt.Errorf("unknown compare kind %d for key %q", c.Kind, c.Key)
		}
	}

	resp, err := s.client.Txn(ctx).
		If(cmps...).
		Then(s.toEtcdOps(onSuccess)...).
		Else(s.toEtcdOps(onFailure)...).
		Commit()
	if err != nil {
		return false, fmt.Errorf("transaction failed: %w", err)
	}

	return resp.Succeeded, nil
}

func (s *EtcdStore) toEtcdOps(ops []Op) []clientv3.Op {
	out := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpKindPut:
			out = append(out, clientv3.OpPut(s.scoped(op.Key), string(op.Value)))
		case OpKindDelete:
			out = append(out, clientv3.OpDelete(s.scoped(op.Key)))
		}
	}
	return out
}

// Close releases the underlying etcd connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
