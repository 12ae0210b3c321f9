// Package topology is the domain layer over pkg/storeclient: it owns the
// node-record and master-pointer schema and enforces the shape of what goes
// into and comes out of the store.
package topology

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/LumeWeb/akash-proxysql/pkg/storeclient"
)

const (
	nodesPrefix = "nodes/"
	masterKey   = "topology/master"
	slavePrefix = "topology/slaves/"
)

// Role is a node's replication role.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
	RoleNone   Role = ""
)

// Status is a node's last-observed health.
type Status string

const (
	StatusOnline  Status = "online"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// NodeRecord is the JSON document stored at nodes/<node_id>.
type NodeRecord struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	Role         Role   `json:"role"`
	Status       Status `json:"status"`
	LastSeen     string `json:"last_seen,omitempty"`
	GTIDPosition string `json:"gtid_position,omitempty"`

	// RegisteredAt is set once at first registration and never rewritten
	// by the coordinator. Purely informational.
	RegisteredAt string `json:"registered_at,omitempty"`

	// Extra carries JSON object keys the coordinator does not know about
	// so an older binary round-trips a newer agent's fields unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// SlaveRecord is the JSON document stored at topology/slaves/<node_id>.
type SlaveRecord struct {
	MasterNodeID   string  `json:"master_node_id"`
	ReplicationLag float64 `json:"replication_lag"`
}

// ProbeResult is everything a probe observed about a node in one sweep.
// PutNode takes this instead of a NodeRecord so last_seen and
// gtid_position are always re-derived from the latest probe, never
// carried forward from a stale record.
type ProbeResult struct {
	Host         string
	Port         string
	Role         Role
	Status       Status
	GTIDPosition string
	ObservedAt   time.Time
}

// Repository wraps a storeclient.Store with the node/master/slave schema.
type Repository struct {
	store storeclient.Store
}

// NewRepository builds a Repository over store.
func NewRepository(store storeclient.Store) *Repository {
	return &Repository{store: store}
}

// ListNodes returns every node id under nodes/, excluding sub-paths.
func (r *Repository) ListNodes(ctx context.Context) ([]string, error) {
	keys, err := r.store.ListKeys(ctx, nodesPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, nodesPrefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetNode returns the node record for id, or present=false if it is
// absent or its stored value is not a parseable NodeRecord.
func (r *Repository) GetNode(ctx context.Context, id string) (NodeRecord, bool, error) {
	raw, present, err := r.store.Get(ctx, nodesPrefix+id)
	if err != nil {
		return NodeRecord{}, false, fmt.Errorf("failed to get node %q: %w", id, err)
	}
	if !present {
		return NodeRecord{}, false, nil
	}

	rec, err := decodeNodeRecord(raw)
	if err != nil {
		return NodeRecord{}, false, nil
	}
	return rec, true, nil
}

// PutNode writes the node record derived from a fresh probe result,
// preserving only RegisteredAt and the unknown-field Extra bag from the
// previous record if one existed.
func (r *Repository) PutNode(ctx context.Context, id string, pr ProbeResult) error {
	registeredAt := pr.ObservedAt.UTC().Format(time.RFC3339)
	var extra map[string]json.RawMessage
	if existing, present, err := r.GetNode(ctx, id); err == nil && present {
		if existing.RegisteredAt != "" {
			registeredAt = existing.RegisteredAt
		}
		extra = existing.Extra
	}

	rec := NodeRecord{
		Host:         pr.Host,
		Port:         pr.Port,
		Role:         pr.Role,
		Status:       pr.Status,
		LastSeen:     pr.ObservedAt.UTC().Format(time.RFC3339),
		GTIDPosition: pr.GTIDPosition,
		RegisteredAt: registeredAt,
		Extra:        extra,
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode node %q: %w", id, err)
	}
	if err := r.store.Put(ctx, nodesPrefix+id, body); err != nil {
		return fmt.Errorf("failed to put node %q: %w", id, err)
	}
	return nil
}

// DeleteNode removes a node record. Used for pruning.
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, nodesPrefix+id); err != nil {
		return fmt.Errorf("failed to delete node %q: %w", id, err)
	}
	return nil
}

// GetMaster returns the current master pointer value, or present=false
// if it is absent.
func (r *Repository) GetMaster(ctx context.Context) (string, bool, error) {
	raw, present, err := r.store.Get(ctx, masterKey)
	if err != nil {
		return "", false, fmt.Errorf("failed to get master pointer: %w", err)
	}
	if !present {
		return "", false, nil
	}
	return string(raw), true, nil
}

// SetMasterCAS sets the master pointer to newID, guarded by expectedPrev:
// when expectedPrev is nil the pointer must currently be absent
// (version(masterKey) == 0); otherwise its value must equal *expectedPrev.
func (r *Repository) SetMasterCAS(ctx context.Context, expectedPrev *string, newID string) (bool, error) {
	var cmp storeclient.Compare
	if expectedPrev == nil {
		cmp = storeclient.CmpVersion(masterKey, 0)
	} else {
		cmp = storeclient.CmpValue(masterKey, []byte(*expectedPrev))
	}

	ok, err := r.store.Txn(ctx,
		[]storeclient.Compare{cmp},
		[]storeclient.Op{storeclient.OpPut(masterKey, []byte(newID))},
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("failed to CAS master pointer to %q: %w", newID, err)
	}
	return ok, nil
}

// ClearMaster removes the master pointer unconditionally.
func (r *Repository) ClearMaster(ctx context.Context) error {
	if err := r.store.Delete(ctx, masterKey); err != nil {
		return fmt.Errorf("failed to clear master pointer: %w", err)
	}
	return nil
}

// SetRoles updates role=master on newMaster and role=slave on every id in
// slaves. Best-effort, per key: the master pointer is the authoritative
// serialisation point, this is not wrapped in one transaction.
func (r *Repository) SetRoles(ctx context.Context, newMaster string, slaves []string) error {
	if err := r.setRole(ctx, newMaster, RoleMaster); err != nil {
		return err
	}
	for _, id := range slaves {
		if err := r.setRole(ctx, id, RoleSlave); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) setRole(ctx context.Context, id string, role Role) error {
	rec, present, err := r.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	rec.Role = role

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode node %q: %w", id, err)
	}
	if err := r.store.Put(ctx, nodesPrefix+id, body); err != nil {
		return fmt.Errorf("failed to set role for node %q: %w", id, err)
	}
	return nil
}

// GetSlaveRecord returns the informational slave record for id.
func (r *Repository) GetSlaveRecord(ctx context.Context, id string) (SlaveRecord, bool, error) {
	raw, present, err := r.store.Get(ctx, slavePrefix+id)
	if err != nil {
		return SlaveRecord{}, false, fmt.Errorf("failed to get slave record %q: %w", id, err)
	}
	if !present {
		return SlaveRecord{}, false, nil
	}

	rec, err := decodeSlaveRecord(raw)
	if err != nil {
		return SlaveRecord{}, false, nil
	}
	return rec, true, nil
}

// PutSlaveRecord writes the informational slave record for id.
func (r *Repository) PutSlaveRecord(ctx context.Context, id string, rec SlaveRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode slave record %q: %w", id, err)
	}
	if err := r.store.Put(ctx, slavePrefix+id, body); err != nil {
		return fmt.Errorf("failed to put slave record %q: %w", id, err)
	}
	return nil
}

// DeleteSlaveRecord removes the informational slave record for id.
func (r *Repository) DeleteSlaveRecord(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, slavePrefix+id); err != nil {
		return fmt.Errorf("failed to delete slave record %q: %w", id, err)
	}
	return nil
}

// decodeNodeRecord tries raw JSON first, falling back to base64-wrapped
// JSON for one release's migration window. All writes emit raw JSON only.
func decodeNodeRecord(raw []byte) (NodeRecord, error) {
	rec, knownFields, err := unmarshalNodeRecord(raw)
	if err == nil {
		rec.Extra = extraFields(raw, knownFields)
		return rec, nil
	}

	decoded, decErr := base64.StdEncoding.DecodeString(string(raw))
	if decErr != nil {
		return NodeRecord{}, err
	}
	rec, knownFields, err = unmarshalNodeRecord(decoded)
	if err != nil {
		return NodeRecord{}, err
	}
	rec.Extra = extraFields(decoded, knownFields)
	return rec, nil
}

func unmarshalNodeRecord(raw []byte) (NodeRecord, map[string]struct{}, error) {
	var rec NodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return NodeRecord{}, nil, err
	}
	known := map[string]struct{}{
		"host": {}, "port": {}, "role": {}, "status": {},
		"last_seen": {}, "gtid_position": {}, "registered_at": {},
	}
	return rec, known, nil
}

func decodeSlaveRecord(raw []byte) (SlaveRecord, error) {
	var rec SlaveRecord
	if err := json.Unmarshal(raw, &rec); err == nil {
		return rec, nil
	}

	decoded, decErr := base64.StdEncoding.DecodeString(string(raw))
	if decErr != nil {
		return SlaveRecord{}, decErr
	}
	if err := json.Unmarshal(decoded, &rec); err != nil {
		return SlaveRecord{}, err
	}
	return rec, nil
}

func extraFields(raw []byte, known map[string]struct{}) map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	for k := range known {
		delete(obj, k)
	}
	if len(obj) == 0 {
		return nil
	}
	return obj
}

// MarshalJSON re-serializes a NodeRecord including any unknown fields
// carried in Extra, so a newer agent's extra fields survive a round trip
// through an older coordinator binary.
func (n NodeRecord) MarshalJSON() ([]byte, error) {
	type alias NodeRecord
	base, err := json.Marshal(alias(n))
	if err != nil {
		return nil, err
	}
	if len(n.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range n.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
