// Package resolver turns a discovery name into a broker base URL.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Resolver resolves name into a broker URL such as http://10.0.0.4:8001.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Func adapts a plain function to Resolver.
type Func func(ctx context.Context, name string) (string, error)

func (f Func) Resolve(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// SRV resolves DNS SRV records. The record with the lowest priority (highest
// weight on ties) wins.
type SRV struct {
	// Scheme defaults to "http".
	Scheme string
	// LookupSRV defaults to net.DefaultResolver.LookupSRV.
	LookupSRV func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

func (r SRV) Resolve(ctx context.Context, name string) (string, error) {
	lookup := r.LookupSRV
	if lookup == nil {
		lookup = net.DefaultResolver.LookupSRV
	}
	_, records, err := lookup(ctx, "", "", name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve SRV %s: %w", name, err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no SRV records for %s", name)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	target := strings.TrimSuffix(records[0].Target, ".")
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(target, fmt.Sprint(records[0].Port))), nil
}

// KV is the subset of the etcd client used by Etcd.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// Etcd reads the broker URL from etcd. The key (or the first key under it,
// when Key is a prefix) holds the URL. The name passed to Resolve is used when
// Key is empty.
type Etcd struct {
	Client KV
	Key    string
}

// EtcdClientFactory allows overriding the etcd client creation for testing.
var EtcdClientFactory = func(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// NewEtcd connects to endpoints. The caller closes the returned client.
func NewEtcd(endpoints []string, key string, dialTimeout time.Duration) (*Etcd, *clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, nil, errors.New("etcd: endpoints are required")
	}
	client, err := EtcdClientFactory(endpoints, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("etcd: failed to connect: %w", err)
	}
	return &Etcd{Client: client, Key: key}, client, nil
}

func (r *Etcd) Resolve(ctx context.Context, name string) (string, error) {
	key := r.Key
	if key == "" {
		key = name
	}
	resp, err := r.Client.Get(ctx, key, clientv3.WithPrefix(), clientv3.WithLimit(1), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return "", fmt.Errorf("etcd: failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("etcd: no broker registered under %s", key)
	}
	return strings.TrimSpace(string(resp.Kvs[0].Value)), nil
}
