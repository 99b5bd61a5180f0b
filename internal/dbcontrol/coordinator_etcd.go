package dbcontrol

import (
	"context"
	"fmt"
	"path"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/partvault/partvault/internal/errs"
)

// EtcdCoordinator is an etcd-backed Coordinator. Replicas agree on a
// shared root prefix in etcd; dropping a replicated table's local copy
// writes a marker under that prefix so any other replica running a
// cleanup pass can tell the table's distributed metadata is orphaned and
// needs clearing from the keeper path it was registered under.
type EtcdCoordinator struct {
	client *clientv3.Client
	root   string // e.g. "/partvault/cleanup"
}

// NewEtcdCoordinator builds an EtcdCoordinator against an already
// connected client, namespacing all keys under root.
func NewEtcdCoordinator(client *clientv3.Client, root string) *EtcdCoordinator {
	return &EtcdCoordinator{client: client, root: root}
}

// CleanupReplicaMetadata records database.table as needing distributed
// metadata cleanup. The marker is last-write-wins: whichever replica
// notices the drop first wins the race, and the cleanup consumer (run out
// of band, e.g. by a cron-driven sweep) clears both the marker and the
// table's replicated metadata once handled.
func (c *EtcdCoordinator) CleanupReplicaMetadata(ctx context.Context, database, table string) error {
	key := path.Join(c.root, database, table)
	if _, err := c.client.Put(ctx, key, ""); err != nil {
		return &errs.DatabaseControlError{Op: "CleanupReplicaMetadata", Table: database + "." + table, Cause: err}
	}
	return nil
}

// PendingCleanups lists database.table pairs still awaiting cleanup,
// used by the out-of-band sweep.
func (c *EtcdCoordinator) PendingCleanups(ctx context.Context) ([]string, error) {
	resp, err := c.client.Get(ctx, c.root+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, &errs.DatabaseControlError{Op: "PendingCleanups", Cause: err}
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rel, err := filepathRel(c.root, string(kv.Key))
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

// AckCleanup removes database.table's marker once its distributed
// metadata has been cleared.
func (c *EtcdCoordinator) AckCleanup(ctx context.Context, database, table string) error {
	key := path.Join(c.root, database, table)
	if _, err := c.client.Delete(ctx, key); err != nil {
		return &errs.DatabaseControlError{Op: "AckCleanup", Table: database + "." + table, Cause: err}
	}
	return nil
}

func filepathRel(root, key string) (string, error) {
	rel := key
	if len(key) > len(root) && key[:len(root)] == root {
		rel = key[len(root):]
	}
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	if rel == "" {
		return "", fmt.Errorf("key %q is the root itself", key)
	}
	return rel, nil
}

var _ Coordinator = (*EtcdCoordinator)(nil)
