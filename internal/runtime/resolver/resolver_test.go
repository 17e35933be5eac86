package resolver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestSRVPicksLowestPriority(t *testing.T) {
	r := SRV{LookupSRV: func(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
		assert.Empty(t, service)
		assert.Empty(t, proto)
		assert.Equal(t, "_broker._tcp.local", name)
		return "", []*net.SRV{
			{Target: "b.local.", Port: 8002, Priority: 20, Weight: 1},
			{Target: "a.local.", Port: 8001, Priority: 10, Weight: 1},
			{Target: "c.local.", Port: 8003, Priority: 10, Weight: 5},
		}, nil
	}}

	url, err := r.Resolve(context.Background(), "_broker._tcp.local")
	require.NoError(t, err)
	assert.Equal(t, "http://c.local:8003", url)
}

func TestSRVErrors(t *testing.T) {
	empty := SRV{LookupSRV: func(context.Context, string, string, string) (string, []*net.SRV, error) {
		return "", nil, nil
	}}
	_, err := empty.Resolve(context.Background(), "x")
	assert.Error(t, err)

	failing := SRV{Scheme: "https", LookupSRV: func(context.Context, string, string, string) (string, []*net.SRV, error) {
		return "", nil, errors.New("dns down")
	}}
	_, err = failing.Resolve(context.Background(), "x")
	assert.ErrorContains(t, err, "dns down")
}

type fakeKV struct {
	key string
	kvs []*mvccpb.KeyValue
	err error
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.key = key
	if f.err != nil {
		return nil, f.err
	}
	return &clientv3.GetResponse{Kvs: f.kvs}, nil
}

func TestEtcdResolve(t *testing.T) {
	kv := &fakeKV{kvs: []*mvccpb.KeyValue{{Key: []byte("/rpcmesh/broker/1"), Value: []byte(" http://10.0.0.4:8001\n")}}}
	r := &Etcd{Client: kv, Key: "/rpcmesh/broker"}

	url, err := r.Resolve(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.4:8001", url)
	assert.Equal(t, "/rpcmesh/broker", kv.key)

	r.Key = ""
	_, _ = r.Resolve(context.Background(), "/from/name")
	assert.Equal(t, "/from/name", kv.key)
}

func TestEtcdResolveErrors(t *testing.T) {
	_, err := (&Etcd{Client: &fakeKV{}, Key: "k"}).Resolve(context.Background(), "")
	assert.ErrorContains(t, err, "no broker registered")

	_, err = (&Etcd{Client: &fakeKV{err: errors.New("boom")}, Key: "k"}).Resolve(context.Background(), "")
	assert.ErrorContains(t, err, "boom")

	_, _, err = NewEtcd(nil, "k", 0)
	assert.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	var r Resolver = Func(func(_ context.Context, name string) (string, error) { return "http://" + name, nil })
	url, err := r.Resolve(context.Background(), "host")
	require.NoError(t, err)
	assert.Equal(t, "http://host", url)
}
